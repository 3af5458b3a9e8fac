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

// Package vfs implements an asynchronous write-behind filesystem shim.
//
// Mutating file operations issued through the shim are recorded on a global
// FIFO queue and applied to a parent ("real") filesystem by a single
// background writer goroutine, so callers regain control before any disk
// I/O happens. Reads merge the real file's content with the pending
// unflushed records, preserving read-your-own-writes semantics. Durability
// is decoupled from the caller's commit: a crash loses whatever was still
// queued, and callers that need a guarantee use the blocking Flush.
package vfs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"asyncfs/internal/common"
	"asyncfs/internal/metrics"
)

// shutdownPollInterval paces the wait for a running writer to observe a halt
// request during Shutdown.
const shutdownPollInterval = 5 * time.Millisecond

// FS is one installed asynchronous shim over a parent filesystem.
//
// All state is per-instance; multiple shims coexist in one process and tests
// construct isolated instances.
type FS struct {
	parent  billy.Filesystem
	queue   *writeQueue
	locks   *lockTable
	metrics *metrics.Collector

	// wmu is held for the duration of a writer loop; it enforces the
	// single-consumer discipline and lets Shutdown detect writer exit.
	wmu sync.Mutex

	halt    atomic.Int32
	delay   atomic.Int64 // nanoseconds
	handles atomic.Int64
	fatal   atomic.Value // error
	shut    atomic.Bool
}

// Option configures an FS.
type Option func(*FS)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(fs *FS) { fs.metrics = c }
}

// WithOSLocks enables OS-level advisory locking for handles opened with
// OpenLocking. root is the real directory the parent filesystem is rooted
// in; lock sidecars are created beneath it.
func WithOSLocks(root string) Option {
	return func(fs *FS) { fs.locks = newLockTable(root) }
}

// WithDelay sets the initial artificial per-operation writer delay.
func WithDelay(d time.Duration) Option {
	return func(fs *FS) { fs.delay.Store(int64(d)) }
}

// New wraps parent in an asynchronous write-behind shim. The writer is not
// running yet; call Start (background goroutine) or Run (caller-driven).
func New(parent billy.Filesystem, opts ...Option) *FS {
	fs := &FS{
		parent: parent,
		queue:  newWriteQueue(),
		locks:  newLockTable(""),
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// OpenFile opens path through the shim.
//
// Flag validation fails synchronously. Pre-existing files get their read
// descriptor opened synchronously, so open errors such as permission denial
// are also synchronous. Creating opens are deferred: an Open record is
// queued, the handle is returned immediately, and the real file appears when
// the writer reaches the record — any real open failure is deferred with it.
func (fs *FS) OpenFile(path string, flags OpenFlag) (*File, error) {
	if err := fs.fatalErr(); err != nil {
		return nil, err
	}
	if err := validateOpenFlags(flags); err != nil {
		return nil, err
	}
	cpath := common.CanonicalPath(path)
	if cpath == "" {
		return nil, fmt.Errorf("open %q: %w", path, common.ErrInvalidFlags)
	}

	_, statErr := fs.parent.Stat(cpath)
	onDisk := statErr == nil
	exists := fs.logicalExists(cpath, onDisk)

	if flags&OpenExclusive != 0 && exists {
		return nil, fmt.Errorf("open %q: %w", cpath, common.ErrExists)
	}
	if !exists && flags&OpenCreate == 0 {
		return nil, fmt.Errorf("open %q: %w", cpath, common.ErrNotFound)
	}

	f := &File{
		fs:    fs,
		path:  cpath,
		flags: flags,
		ov:    fs.queue.getOverlay(cpath),
		hl:    fs.locks.register(cpath, flags&OpenLocking != 0),
	}

	if onDisk {
		rf, err := fs.parent.Open(cpath)
		switch {
		case err == nil:
			f.readFile = rf
		case errors.Is(err, iofs.ErrNotExist) && flags&OpenCreate != 0:
			// The file vanished in the window after the existence check: a
			// queued delete drained. Fall back to a deferred create, ordered
			// after the delete.
			if qerr := fs.enqueue(&Op{code: OpOpen, file: f, path: cpath, flags: int(flags)}); qerr != nil {
				fs.discardHandle(f)
				return nil, qerr
			}
		default:
			fs.discardHandle(f)
			return nil, fmt.Errorf("open %q: %w", cpath, err)
		}
	} else if !exists {
		// Deferred create: the real file appears when the writer applies
		// this record.
		if err := fs.enqueue(&Op{code: OpOpen, file: f, path: cpath, flags: int(flags)}); err != nil {
			fs.discardHandle(f)
			return nil, err
		}
	}
	// Remaining case: not on disk but logically existing because another
	// handle's create is still queued. The read descriptor self-heals once
	// the writer catches up (see File.statBase).

	fs.handles.Add(1)
	fs.metrics.HandleOpened()
	log.Tracef("[ASYNC] OPEN %q flags=%#x deferred=%v", cpath, flags, !onDisk)
	return f, nil
}

// Remove records deletion of the file at path. If syncDir is set the writer
// also syncs the containing directory where the parent supports it.
func (fs *FS) Remove(path string, syncDir bool) error {
	if err := fs.fatalErr(); err != nil {
		return err
	}
	cpath := common.CanonicalPath(path)
	flags := 0
	if syncDir {
		flags = 1
	}
	return fs.enqueue(&Op{code: OpDelete, path: cpath, flags: flags})
}

// Access answers existence/permission checks against the logical state:
// the real filesystem's answer adjusted by queued delete and create records,
// in enqueue order.
func (fs *FS) Access(path string, flag AccessFlag) (bool, error) {
	if err := fs.fatalErr(); err != nil {
		return false, err
	}
	cpath := common.CanonicalPath(path)

	// Held across the stat so queued records cannot shift mid-check.
	fs.queue.mu.Lock()
	defer fs.queue.mu.Unlock()

	info, err := fs.parent.Stat(cpath)
	ok := err == nil
	if ok {
		switch flag {
		case AccessRead:
			ok = info.Mode().Perm()&0444 != 0
		case AccessReadWrite:
			ok = info.Mode().Perm()&0444 != 0 && info.Mode().Perm()&0200 != 0
		}
	}
	for _, op := range fs.queue.ops {
		if op.path != cpath {
			continue
		}
		switch op.code {
		case OpDelete:
			ok = false
		case OpOpen:
			ok = true
		}
	}
	return ok, nil
}

// FullPath returns the canonical form of path, the key under which the shim
// tracks locks and pending writes.
func (fs *FS) FullPath(path string) (string, error) {
	cpath := common.CanonicalPath(path)
	if cpath == "" {
		return "", fmt.Errorf("full path of %q: %w", path, common.ErrInvalidFlags)
	}
	return cpath, nil
}

// QueueLen returns the number of queued, not yet applied records.
func (fs *FS) QueueLen() int {
	return fs.queue.len()
}

// OpenHandles returns the number of handles not yet closed.
func (fs *FS) OpenHandles() int {
	return int(fs.handles.Load())
}

// SetHalt changes the writer halt mode. The writer re-checks the mode every
// iteration, so no transition is missed; an idle writer is woken so HaltIdle
// and HaltNow take effect promptly.
func (fs *FS) SetHalt(m HaltMode) {
	fs.halt.Store(int32(m))
	fs.queue.signal()
}

// Halt returns the current halt mode.
func (fs *FS) Halt() HaltMode {
	return HaltMode(fs.halt.Load())
}

// SetDelay sets the artificial delay inserted before each applied record,
// simulating a slow disk for timing-sensitive tests.
func (fs *FS) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	fs.delay.Store(int64(d))
}

// Delay returns the configured artificial delay.
func (fs *FS) Delay() time.Duration {
	return time.Duration(fs.delay.Load())
}

// Drain blocks until every record queued before the call has been applied.
func (fs *FS) Drain(ctx context.Context) error {
	if err := fs.fatalErr(); err != nil {
		return err
	}
	return fs.queue.awaitEmpty().WaitContext(ctx)
}

// Start runs the writer on its own goroutine.
func (fs *FS) Start() {
	go func() {
		err := fs.Run(context.Background())
		if err != nil && !errors.Is(err, common.ErrWriterRunning) && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("[ASYNC] writer exited")
		}
	}()
}

// Shutdown halts the writer after the queue drains and marks the shim
// unusable. It refuses while file handles remain open: their queued records
// would reference a shim that no longer exists.
func (fs *FS) Shutdown(ctx context.Context) error {
	if n := fs.handles.Load(); n > 0 {
		return fmt.Errorf("shutdown with %d handles: %w", n, common.ErrOpenHandles)
	}
	fs.SetHalt(HaltIdle)

	// Wait for a running writer to observe the halt and exit.
	for {
		if fs.wmu.TryLock() {
			fs.wmu.Unlock()
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(shutdownPollInterval):
		}
	}

	// No writer is running. Drain anything still queued inline.
	if fs.queue.len() > 0 {
		if err := fs.Run(ctx); err != nil {
			return err
		}
	}
	fs.shut.Store(true)
	return nil
}

// enqueue appends op to the write queue, unless the target path already
// carries a deferred I/O error (Close records are always accepted so
// teardown can proceed).
func (fs *FS) enqueue(op *Op) error {
	if err := fs.fatalErr(); err != nil {
		return err
	}
	if err := fs.queue.pushChecked(op); err != nil {
		return err
	}
	fs.metrics.SetQueueDepth(fs.queue.len())
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[ASYNC] PUSH %v %q off=%d n=%d", op.code, op.path, op.offset, len(op.data))
	}
	return nil
}

// logicalExists reports whether cpath exists from the engine's point of
// view: on disk, adjusted by queued delete/create records in order.
func (fs *FS) logicalExists(cpath string, onDisk bool) bool {
	exists := onDisk
	fs.queue.scan(func(op *Op) bool {
		if op.path == cpath {
			switch op.code {
			case OpDelete:
				exists = false
			case OpOpen:
				exists = true
			}
		}
		return true
	})
	return exists
}

// discardHandle rolls back OpenFile bookkeeping after a synchronous failure.
func (fs *FS) discardHandle(f *File) {
	fs.queue.releaseOverlay(f.ov)
	if err := fs.locks.unregister(f.path, f.hl); err != nil {
		log.WithError(err).Warnf("[ASYNC] discard %q: unregister lock", f.path)
	}
}

// handleClosed is called when a handle's Close is accepted; mirrors the
// original's bookkeeping of the open-file count at enqueue time.
func (fs *FS) handleClosed() {
	fs.handles.Add(-1)
	fs.metrics.HandleClosed()
}

// fatalErr returns the distinguished halted-state error once the shim has
// fatally failed or been shut down.
func (fs *FS) fatalErr() error {
	if v := fs.fatal.Load(); v != nil {
		return v.(error)
	}
	if fs.shut.Load() {
		return common.ErrHalted
	}
	return nil
}

// setFatal transitions the whole shim to the halted error state.
func (fs *FS) setFatal(err error) {
	fs.fatal.Store(err)
	fs.queue.signal()
}

func validateOpenFlags(flags OpenFlag) error {
	ro := flags&OpenReadOnly != 0
	rw := flags&OpenReadWrite != 0
	if ro == rw {
		return fmt.Errorf("exactly one of read-only/read-write required: %w", common.ErrInvalidFlags)
	}
	if ro && flags&(OpenCreate|OpenExclusive) != 0 {
		return fmt.Errorf("read-only open cannot create: %w", common.ErrInvalidFlags)
	}
	if flags&OpenExclusive != 0 && flags&OpenCreate == 0 {
		return fmt.Errorf("exclusive open requires create: %w", common.ErrInvalidFlags)
	}
	return nil
}

// openFlagsToOS maps shim open flags to the parent filesystem's flags for
// the writer-owned descriptor.
func openFlagsToOS(flags OpenFlag) int {
	osFlags := os.O_RDWR | os.O_CREATE
	if flags&OpenExclusive != 0 {
		osFlags |= os.O_EXCL
	}
	return osFlags
}
