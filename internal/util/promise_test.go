// Copyright 2025 AsyncFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"context"
	"testing"
	"time"
)

func TestPromiseResolveWait(t *testing.T) {
	p := NewPromise()

	if p.Resolved() {
		t.Fatal("new promise should not be resolved")
	}

	go p.Resolve()
	p.Wait()

	if !p.Resolved() {
		t.Error("promise should be resolved after Wait returns")
	}
}

func TestPromiseWaitContext(t *testing.T) {
	p := NewPromise()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := p.WaitContext(ctx); err != context.DeadlineExceeded {
		t.Errorf("WaitContext = %v, want context.DeadlineExceeded", err)
	}

	p.Resolve()
	if err := p.WaitContext(context.Background()); err != nil {
		t.Errorf("WaitContext after resolve = %v, want nil", err)
	}
}

func TestPromiseMultipleWaiters(t *testing.T) {
	p := NewPromise()
	done := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		go func() {
			p.Wait()
			done <- struct{}{}
		}()
	}

	p.Resolve()
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("waiter did not wake after Resolve")
		}
	}
}
