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
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"asyncfs/internal/common"
)

// syncer is satisfied by parent filesystems whose files support fsync.
// billy's File interface has no Sync; real backends (osfs) implement it.
type syncer interface {
	Sync() error
}

// Run consumes the write queue on the calling goroutine until the halt mode
// or ctx stops it, applying each record to the parent filesystem in strict
// FIFO order. At most one writer runs per FS; a second concurrent Run
// returns ErrWriterRunning.
//
// HaltNow stops before the next record without consuming it; a later Run
// resumes exactly where this one left off, with nothing skipped or applied
// twice. HaltIdle stops once the queue is empty. A panic while applying a
// record transitions the FS to the fatal halted state instead of unwinding
// into the caller's stack with the queue half-consumed.
func (fs *FS) Run(ctx context.Context) (err error) {
	if !fs.wmu.TryLock() {
		return common.ErrWriterRunning
	}
	defer fs.wmu.Unlock()

	if ferr := fs.fatalErr(); ferr != nil {
		return ferr
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: writer panic: %v", common.ErrHalted, r)
			fs.setFatal(err)
			log.Errorf("[ASYNC] writer panicked: %v", r)
		}
	}()

	for {
		if fs.Halt() == HaltNow {
			return nil
		}
		op := fs.queue.head()
		if op == nil {
			if fs.Halt() == HaltIdle {
				return nil
			}
			select {
			case <-fs.queue.wake:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if d := fs.Delay(); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		fs.applyHead(op)
	}
}

// applyHead applies the queue's head record, records any failure as the
// path's deferred error, dequeues the record and resolves its waiters.
func (fs *FS) applyHead(op *Op) {
	start := time.Now()

	// A path already carrying a deferred error has its remaining records
	// skipped (applied as no-ops carrying that error), except Close, which
	// must still tear the handle down.
	skipErr := op.deferredErr(fs.queue)

	var err error
	if skipErr != nil && op.code != OpClose {
		op.err = skipErr
	} else {
		err = fs.apply(op)
	}

	if err != nil {
		op.err = err
		fs.recordFailure(op, err)
		fs.metrics.OpFailed(op.code.String())
	} else if skipErr == nil {
		fs.metrics.OpApplied(op.code.String(), time.Since(start))
	}

	fs.queue.pop(op)
	fs.metrics.SetQueueDepth(fs.queue.len())
	if op.done != nil {
		op.done.Resolve()
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[ASYNC] APPLY %v %q off=%d n=%d err=%v", op.code, op.path, op.offset, len(op.data), op.err)
	}
}

// deferredErr returns the sticky error on op's path, if any.
func (op *Op) deferredErr(q *writeQueue) error {
	if op.file == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return op.file.ov.ioErr
}

// apply performs the real I/O for one record. It runs without the queue
// mutex held, so producers are never blocked behind disk latency.
func (fs *FS) apply(op *Op) error {
	switch op.code {
	case OpNoop:
		return nil

	case OpWrite:
		wf, err := fs.writeFile(op.file)
		if err != nil {
			return err
		}
		if _, err := wf.Seek(op.offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek %q to %d: %w", op.path, op.offset, err)
		}
		if _, err := wf.Write(op.data); err != nil {
			return fmt.Errorf("write %q at %d: %w", op.path, op.offset, err)
		}
		return nil

	case OpTruncate:
		wf, err := fs.writeFile(op.file)
		if err != nil {
			return err
		}
		if err := wf.Truncate(op.offset); err != nil {
			return fmt.Errorf("truncate %q to %d: %w", op.path, op.offset, err)
		}
		return nil

	case OpSync:
		// Nothing was ever written through this handle: sync is a no-op.
		if op.file.writeFile == nil {
			return nil
		}
		if s, ok := op.file.writeFile.(syncer); ok {
			if err := s.Sync(); err != nil {
				return fmt.Errorf("sync %q: %w", op.path, err)
			}
		}
		return nil

	case OpOpen:
		wf, err := fs.parent.OpenFile(op.path, openFlagsToOS(OpenFlag(op.flags)), 0644)
		if err != nil {
			return fmt.Errorf("create %q: %w", op.path, err)
		}
		op.file.writeFile = wf
		return nil

	case OpClose:
		return fs.applyClose(op)

	case OpDelete:
		err := fs.parent.Remove(op.path)
		// The engine deletes journals it is not certain exist; a file
		// already gone is the state the delete asked for.
		if err != nil && !errors.Is(err, iofs.ErrNotExist) {
			return fmt.Errorf("delete %q: %w", op.path, err)
		}
		if op.flags != 0 {
			// Directory sync after delete is not expressible through the
			// parent abstraction; the delete itself has been applied.
			log.Tracef("[ASYNC] DELETE %q: directory sync elided", op.path)
		}
		return nil

	case OpUnlock:
		return fs.locks.applyUnlock(op.path, op.file.hl, LockLevel(op.flags))
	}
	return fmt.Errorf("apply %q: unknown op %d: %w", op.path, op.code, common.ErrIO)
}

// applyClose tears down a handle once every record queued before its Close
// has been applied: both descriptors are closed, the lock registration is
// dropped, and the overlay reference is released.
func (fs *FS) applyClose(op *Op) error {
	f := op.file
	var firstErr error
	if f.writeFile != nil {
		if err := f.writeFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %q: %w", op.path, err)
		}
		f.writeFile = nil
	}
	fs.queue.mu.Lock()
	rf := f.readFile
	f.readFile = nil
	fs.queue.mu.Unlock()
	if rf != nil {
		if err := rf.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %q: %w", op.path, err)
		}
	}
	if err := fs.locks.unregister(op.path, f.hl); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close %q: release lock: %w", op.path, err)
	}
	fs.queue.releaseOverlay(f.ov)
	return firstErr
}

// writeFile returns the handle's writer-owned descriptor, opening it on
// first use. Create is included so a descriptor for a deferred-create path
// whose Open record failed earlier does not mask that failure with a
// not-found of its own; the deferred error on the path already covers it.
func (fs *FS) writeFile(f *File) (billy.File, error) {
	if f.writeFile != nil {
		return f.writeFile, nil
	}
	wf, err := fs.parent.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %q for write: %w", f.path, err)
	}
	f.writeFile = wf
	return wf, nil
}

// recordFailure stores err as the sticky deferred error for op's path. For
// records without a handle (Delete), the error lands on the path's overlay
// when some handle has it open, and is otherwise only logged: there is no
// later caller to surface it to.
func (fs *FS) recordFailure(op *Op, err error) {
	fs.queue.mu.Lock()
	defer fs.queue.mu.Unlock()
	if op.file != nil {
		op.file.ov.ioErr = err
		return
	}
	// The sticky error is only useful if some handle is around to read it;
	// an overlay materialized by the delete itself is discarded at pop.
	if o, ok := fs.queue.overlays[op.path]; ok && o.refs > 0 {
		o.ioErr = err
		return
	}
	log.WithError(err).Errorf("[ASYNC] %v %q failed with no open handle", op.code, op.path)
}
