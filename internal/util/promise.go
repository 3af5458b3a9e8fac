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

// Package util provides shared utility primitives for asyncfs.
package util

import "context"

// Promise is a one-shot notification primitive for asynchronous events.
// It is resolved exactly once, by the party that owns the completion.
type Promise chan struct{}

// NewPromise returns an unresolved Promise.
func NewPromise() Promise {
	return make(Promise)
}

// Resolve wakes all clients currently (or subsequently) waiting on the Promise.
// Must be called at most once.
func (p Promise) Resolve() {
	close(p)
}

// Wait blocks until the Promise is resolved.
func (p Promise) Wait() {
	<-p
}

// WaitContext blocks until the Promise is resolved or ctx is done,
// returning ctx.Err() in the latter case.
func (p Promise) WaitContext(ctx context.Context) error {
	select {
	case <-p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolved reports whether the Promise has already been resolved.
func (p Promise) Resolved() bool {
	select {
	case <-p:
		return true
	default:
		return false
	}
}
