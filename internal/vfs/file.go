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
	"sync/atomic"

	"github.com/go-git/go-billy/v5"

	"asyncfs/internal/common"
	"asyncfs/internal/util"
)

// File is a handle on a file opened through the asynchronous shim.
//
// Two real descriptors back a handle, as two roles. The read descriptor is
// opened synchronously for pre-existing files and consulted by the calling
// goroutine; the write descriptor is owned exclusively by the writer
// goroutine and opened lazily the first time a record for this handle is
// applied. Deferred (create/exclusive) opens start with neither; the writer
// populates both when it applies the Open record.
type File struct {
	fs    *FS
	path  string // canonical
	flags OpenFlag

	ov *overlay
	hl *handleLock

	// readFile is nil until the file exists on disk; see statBase. Guarded
	// by the queue mutex.
	readFile billy.File

	// writeFile is touched only by the writer goroutine.
	writeFile billy.File

	closed atomic.Bool
}

// Path returns the handle's canonical path.
func (f *File) Path() string { return f.path }

// ReadAt reads len(p) bytes at offset off from the logical file: the real
// file's content merged with this path's pending unflushed writes, applied
// in enqueue order. Bytes at or beyond the logical end of file are
// zero-filled and ReadAt returns the count of valid bytes with io.EOF, per
// the storage-engine convention that short reads zero-fill.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed.Load() {
		return 0, common.ErrClosed
	}
	if err := f.fs.fatalErr(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("read %q at %d: negative offset", f.path, off)
	}

	// The queue mutex is held for the whole merge so the pending list cannot
	// shift mid-read.
	q := f.fs.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	if f.ov.ioErr != nil {
		return 0, f.ov.ioErr
	}

	baseSize, err := f.statBase()
	if err != nil {
		return 0, err
	}

	nBase := 0
	if f.readFile != nil && off < baseSize {
		want := int64(len(p))
		if rem := baseSize - off; want > rem {
			want = rem
		}
		n, err := f.readFile.ReadAt(p[:want], off)
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("read %q: %w", f.path, err)
		}
		nBase = n
	}
	clear(p[nBase:])

	valid := f.ov.merge(p, off, baseSize)
	if valid < len(p) {
		return valid, io.EOF
	}
	return valid, nil
}

// WriteAt records a write of p at offset off. The data is copied and queued;
// the call returns once the record is enqueued, before anything reaches
// disk. It fails synchronously only if the handle is unusable or the path
// already carries a deferred I/O error.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if err := f.writable("write"); err != nil {
		return 0, err
	}
	data := make([]byte, len(p))
	copy(data, p)
	if err := f.fs.enqueue(&Op{code: OpWrite, file: f, path: f.path, offset: off, data: data}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Truncate records a truncation to size bytes. The logical size changes
// immediately; the real file shrinks when the writer applies the record.
func (f *File) Truncate(size int64) error {
	if err := f.writable("truncate"); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("truncate %q to %d: negative size", f.path, size)
	}
	return f.fs.enqueue(&Op{code: OpTruncate, file: f, path: f.path, offset: size})
}

// Sync records a sync request and returns without waiting for it. This is
// the layer's defining trade-off: durability is decoupled from the caller's
// commit. Use Flush for a durability guarantee.
func (f *File) Sync(flags SyncFlag) error {
	if err := f.writable("sync"); err != nil {
		return err
	}
	return f.fs.enqueue(&Op{code: OpSync, file: f, path: f.path, flags: int(flags)})
}

// Flush is the blocking sync: it enqueues a sync record and waits until the
// writer's queue position has passed it, so every operation previously
// issued on this handle's path has been applied to the real file. A deferred
// I/O error stored against the path is surfaced here.
func (f *File) Flush(ctx context.Context) error {
	if err := f.writable("flush"); err != nil {
		return err
	}
	op := &Op{code: OpSync, file: f, path: f.path, flags: int(SyncNormal), done: util.NewPromise()}
	if err := f.fs.enqueue(op); err != nil {
		return err
	}
	if err := op.done.WaitContext(ctx); err != nil {
		return err
	}
	if op.err != nil {
		return op.err
	}
	return f.deferredErr()
}

// Size returns the logical file size: the real size as currently on disk,
// folded through the pending write and truncate records.
func (f *File) Size() (int64, error) {
	if f.closed.Load() {
		return 0, common.ErrClosed
	}
	if err := f.fs.fatalErr(); err != nil {
		return 0, err
	}
	q := f.fs.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	if f.ov.ioErr != nil {
		return 0, f.ov.ioErr
	}
	baseSize, err := f.statBase()
	if err != nil {
		return 0, err
	}
	return f.ov.logicalSize(baseSize), nil
}

// Lock raises the handle's lock to level. Locking is the deliberate
// exception to "defer everything": it happens synchronously, in-process
// conflicts return ErrBusy immediately, and the OS-level lock is raised
// before Lock returns.
func (f *File) Lock(level LockLevel) error {
	if f.closed.Load() {
		return common.ErrClosed
	}
	if err := f.fs.fatalErr(); err != nil {
		return err
	}
	return f.fs.locks.lock(f.path, f.hl, level)
}

// Unlock lowers the handle's lock to level. The engine-visible level drops
// immediately; the OS-level lock is lowered through the queue, after the
// data queued under the lock has reached disk.
func (f *File) Unlock(level LockLevel) error {
	if f.closed.Load() {
		return common.ErrClosed
	}
	if err := f.fs.fatalErr(); err != nil {
		return err
	}
	f.fs.locks.unlockLocal(f.hl, level)
	return f.fs.enqueue(&Op{code: OpUnlock, file: f, path: f.path, flags: int(level)})
}

// CheckReservedLock reports whether any handle on this path holds a lock at
// or above LockReserved.
func (f *File) CheckReservedLock() (bool, error) {
	if f.closed.Load() {
		return false, common.ErrClosed
	}
	if err := f.fs.fatalErr(); err != nil {
		return false, err
	}
	return f.fs.locks.checkReserved(f.path), nil
}

// LockState returns the lock level the engine currently holds on this handle.
func (f *File) LockState() LockLevel {
	return f.fs.locks.level(f.hl)
}

// FileControl handles control verbs from the engine. The shim answers the
// lock-state query itself; anything else is unknown at this layer.
func (f *File) FileControl(op FileControlOp) (int, error) {
	if f.closed.Load() {
		return 0, common.ErrClosed
	}
	if op == FcntlLockState {
		return int(f.LockState()), nil
	}
	return 0, fmt.Errorf("file control %d: %w", op, common.ErrNotFound)
}

// SectorSize returns the device sector size.
func (f *File) SectorSize() int { return SectorSize }

// DeviceCharacteristics returns the device capability bits. The shim cannot
// promise anything about the device underneath it.
func (f *File) DeviceCharacteristics() int { return 0 }

// Close releases the handle. The handle is unusable as soon as Close
// returns, its in-process lock is dropped, and a Close record keeps the real
// descriptors alive until all preceding operations have been applied.
// A Close is accepted even when the path carries a deferred error, and
// reports that error so it is never silently dropped.
func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return common.ErrClosed
	}
	f.fs.locks.unlockLocal(f.hl, LockNone)
	f.fs.handleClosed()
	stored := f.deferredErr()
	if err := f.fs.enqueue(&Op{code: OpClose, file: f, path: f.path}); err != nil {
		return err
	}
	return stored
}

// writable gates the enqueue-only mutating calls.
func (f *File) writable(verb string) error {
	if f.closed.Load() {
		return common.ErrClosed
	}
	if err := f.fs.fatalErr(); err != nil {
		return err
	}
	if f.flags&OpenReadOnly != 0 {
		return fmt.Errorf("%s %q: read-only handle: %w", verb, f.path, common.ErrInvalidFlags)
	}
	return nil
}

// statBase returns the real file's current size, lazily opening the read
// descriptor the first time the file is found on disk. A handle created by a
// deferred open starts with no read descriptor; once the writer has applied
// the create, the descriptor self-heals here. Called with the queue mutex
// held.
func (f *File) statBase() (int64, error) {
	info, err := f.fs.parent.Stat(f.path)
	if err != nil {
		if f.readFile == nil {
			// Not on disk yet: the create record is still queued and the
			// overlay holds everything written so far.
			return 0, nil
		}
		return 0, fmt.Errorf("stat %q: %w", f.path, err)
	}
	if f.readFile == nil {
		rf, err := f.fs.parent.Open(f.path)
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				// Deleted between the stat and the open; the overlay view is
				// authoritative.
				return 0, nil
			}
			return 0, fmt.Errorf("open %q for read: %w", f.path, err)
		}
		f.readFile = rf
	}
	return info.Size(), nil
}

// deferredErr returns the path's sticky deferred I/O error, if any.
func (f *File) deferredErr() error {
	q := f.fs.queue
	q.mu.Lock()
	defer q.mu.Unlock()
	return f.ov.ioErr
}
