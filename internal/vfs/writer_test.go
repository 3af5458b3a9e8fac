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

package vfs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncfs/internal/common"
)

func TestWriterAppliesAcrossFilesInOrder(t *testing.T) {
	rec := newRecordingFS(memfsNew())
	fs := New(rec)

	jnl, err := fs.OpenFile("db-journal", OpenReadWrite|OpenCreate)
	require.NoError(t, err)
	db, err := fs.OpenFile("db", OpenReadWrite|OpenCreate)
	require.NoError(t, err)

	// Journal-before-database is the ordering crash consistency depends on.
	_, err = jnl.WriteAt([]byte("J1"), 0)
	require.NoError(t, err)
	_, err = db.WriteAt([]byte("D1"), 0)
	require.NoError(t, err)
	_, err = jnl.WriteAt([]byte("J2"), 2)
	require.NoError(t, err)
	require.NoError(t, fs.Remove("db-journal", false))

	drain(t, fs)

	assert.Equal(t, []string{
		"write db-journal",
		"write db",
		"write db-journal",
		"remove db-journal",
	}, rec.Events())

	require.NoError(t, jnl.Close())
	require.NoError(t, db.Close())
}

func TestWriterSingleConsumer(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	running := make(chan struct{})
	go func() {
		fs.wmu.Lock() // stand in for a running writer
		close(running)
		<-ctx.Done()
		fs.wmu.Unlock()
	}()
	<-running
	assert.ErrorIs(t, fs.Run(ctx), common.ErrWriterRunning)
}

func TestHaltNowStopsBeforeNextRecord(t *testing.T) {
	fs, parent := newTestFS(t)
	f, err := fs.OpenFile("db", OpenReadWrite|OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("abcd"), 0)
	require.NoError(t, err)

	fs.SetHalt(HaltNow)
	require.NoError(t, fs.Run(context.Background()))
	assert.NotZero(t, fs.QueueLen(), "halt-now must not consume records")

	// Resume: nothing skipped, nothing applied twice.
	drain(t, fs)
	assert.Zero(t, fs.QueueLen())
	assert.Equal(t, "abcd", string(readBack(t, parent, "db")))
	require.NoError(t, f.Close())
}

func TestHaltIdleStopsWhenEmpty(t *testing.T) {
	fs, _ := newTestFS(t)
	fs.SetHalt(HaltIdle)
	done := make(chan error, 1)
	go func() { done <- fs.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not exit on idle")
	}
}

func TestRunHonorsContext(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fs.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not exit on cancel")
	}
}

func TestWriterDelay(t *testing.T) {
	fs, _ := newTestFS(t, WithDelay(20*time.Millisecond))
	f, err := fs.OpenFile("db", OpenReadWrite|OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("x"), 0)
	require.NoError(t, err)

	start := time.Now()
	drain(t, fs)
	// Two records (deferred open + write), at least one delay each.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	fs.SetDelay(0)
	assert.Equal(t, time.Duration(0), fs.Delay())
	fs.SetDelay(-time.Second)
	assert.Equal(t, time.Duration(0), fs.Delay())
	require.NoError(t, f.Close())
}

func TestWriterPanicHaltsShim(t *testing.T) {
	fs, _ := newTestFS(t)
	f, err := fs.OpenFile("db", OpenReadWrite|OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("x"), 0)
	require.NoError(t, err)

	// Corrupt the head record so apply panics.
	fs.queue.mu.Lock()
	fs.queue.ops[0].file = nil
	fs.queue.mu.Unlock()

	fs.SetHalt(HaltIdle)
	err = fs.Run(context.Background())
	require.ErrorIs(t, err, common.ErrHalted)

	// Every subsequent operation fails with the halted state.
	_, err = f.WriteAt([]byte("y"), 0)
	assert.ErrorIs(t, err, common.ErrHalted)
	_, err = fs.OpenFile("other", OpenReadWrite|OpenCreate)
	assert.ErrorIs(t, err, common.ErrHalted)
	assert.ErrorIs(t, fs.Run(context.Background()), common.ErrHalted)
}

func TestDeleteMissingFileIsNotAnError(t *testing.T) {
	fs, _ := newTestFS(t)
	require.NoError(t, fs.Remove("never-existed", false))
	drain(t, fs)

	// Nothing stuck, nothing fatal.
	assert.Zero(t, fs.QueueLen())
	require.NoError(t, fs.Shutdown(context.Background()))
}

func TestDrainWaits(t *testing.T) {
	fs, parent := newTestFS(t)
	f, err := fs.OpenFile("db", OpenReadWrite|OpenCreate)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	fs.Start()
	require.NoError(t, fs.Drain(context.Background()))
	assert.Equal(t, "abc", string(readBack(t, parent, "db")))
	require.NoError(t, f.Close())
	require.NoError(t, fs.Shutdown(context.Background()))
}
