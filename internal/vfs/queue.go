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
	"sync"

	"asyncfs/internal/util"
)

// writeQueue is the global FIFO of deferred operations, shared by every file
// handle opened through one FS. It also owns the per-path overlays, which
// index the queue's content-affecting records by canonical path.
//
// Order is load-bearing: records are applied in exactly the order they were
// enqueued, across all files, because the storage engine's crash-consistency
// depends on cross-file write ordering (journal before database).
//
// Each FS owns its own writeQueue; there is no package-level queue state, so
// multiple shims coexist and tests construct isolated instances.
type writeQueue struct {
	mu       sync.Mutex
	ops      []*Op
	overlays map[string]*overlay

	// wake has capacity one. A push performs a non-blocking send, so an idle
	// writer is woken without producers ever blocking.
	wake chan struct{}

	// drainWaiters are resolved by the writer when the queue becomes empty.
	drainWaiters []util.Promise
}

func newWriteQueue() *writeQueue {
	return &writeQueue{
		overlays: make(map[string]*overlay),
		wake:     make(chan struct{}, 1),
	}
}

// pushChecked appends op at the tail and wakes the writer, unless the
// target path already carries a deferred I/O error; Close records are always
// accepted so teardown can proceed. Content-affecting records are also
// appended to the path's overlay so reads can observe them.
func (q *writeQueue) pushChecked(op *Op) error {
	q.mu.Lock()
	if op.file != nil && op.code != OpClose {
		if err := op.file.ov.ioErr; err != nil {
			q.mu.Unlock()
			return err
		}
	}
	q.ops = append(q.ops, op)
	switch op.code {
	case OpWrite, OpTruncate:
		q.overlays[op.path].append(op)
	case OpDelete:
		// A delete has no handle of its own; the overlay is materialized if
		// needed so that a handle opened before the delete is applied still
		// observes it. pop discards the overlay once the delete drains if no
		// handle picked it up.
		o, ok := q.overlays[op.path]
		if !ok {
			o = &overlay{path: op.path}
			q.overlays[op.path] = o
		}
		o.append(op)
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

// signal performs a non-blocking wake of the writer.
func (q *writeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// head returns the next record to apply without removing it, or nil.
func (q *writeQueue) head() *Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return nil
	}
	return q.ops[0]
}

// pop removes the head record (which must be op), drops it from its overlay,
// and resolves drain waiters if the queue became empty. Called only by the
// writer, after the record has been applied.
func (q *writeQueue) pop(op *Op) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 || q.ops[0] != op {
		panic("vfs: queue pop out of order")
	}
	q.ops = q.ops[1:]
	switch op.code {
	case OpWrite, OpTruncate, OpDelete:
		if o, ok := q.overlays[op.path]; ok {
			o.remove(op)
			if o.refs <= 0 && len(o.pending) == 0 {
				delete(q.overlays, op.path)
			}
		}
	}
	if len(q.ops) == 0 {
		q.resolveDrainLocked()
	}
}

// len returns the number of queued records.
func (q *writeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// scan calls fn for each queued record in FIFO order until fn returns false.
// The queue mutex is held for the duration; fn must not block or re-enter
// the queue.
func (q *writeQueue) scan(fn func(*Op) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if !fn(op) {
			return
		}
	}
}

// awaitEmpty returns a Promise resolved once the queue has fully drained.
// If the queue is already empty the Promise is resolved immediately.
func (q *writeQueue) awaitEmpty() util.Promise {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := util.NewPromise()
	if len(q.ops) == 0 {
		p.Resolve()
		return p
	}
	q.drainWaiters = append(q.drainWaiters, p)
	return p
}

func (q *writeQueue) resolveDrainLocked() {
	for _, p := range q.drainWaiters {
		p.Resolve()
	}
	q.drainWaiters = nil
}

// getOverlay returns the overlay for path, creating it if needed, and takes
// a handle reference on it.
func (q *writeQueue) getOverlay(path string) *overlay {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.overlays[path]
	if !ok {
		o = &overlay{path: path}
		q.overlays[path] = o
	}
	o.refs++
	return o
}

// releaseOverlay drops one handle reference; the overlay is discarded once
// nothing references it and no pending records remain. Called by the writer
// when it applies a Close record.
func (q *writeQueue) releaseOverlay(o *overlay) {
	q.mu.Lock()
	defer q.mu.Unlock()
	o.refs--
	if o.refs <= 0 && len(o.pending) == 0 {
		delete(q.overlays, o.path)
	}
}
