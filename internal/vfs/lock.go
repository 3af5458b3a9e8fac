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
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"asyncfs/internal/common"
	"asyncfs/internal/util"
)

// handleLock is one handle's view of its file's lock.
//
// level is the lock level the engine believes it holds. queued is the floor
// the lock may not drop below until the handle's queued writes have reached
// disk: Unlock lowers level immediately but only lowers queued when the
// writer applies the corresponding Unlock record. queued >= level always.
type handleLock struct {
	level  LockLevel
	queued LockLevel
}

// pathLock aggregates the lock state of all handles open on one canonical
// path, plus the OS-level advisory lock taken on behalf of the process.
type pathLock struct {
	holders []*handleLock

	// os is the OS-level advisory lock, created lazily for paths opened with
	// OpenLocking when the lock table is rooted in a real directory.
	os      *flock.Flock
	osLevel LockLevel // level class currently held on os
	locking bool      // at least one OpenLocking handle exists
}

// lockTable implements in-process locking keyed by canonical path, with
// optional pass-through to OS advisory locks.
//
// Lock acquisition is synchronous: deferring it through the queue would let
// two connections both believe they hold conflicting locks. Unlock is the
// asymmetric case: the engine-visible level drops immediately, but the OS
// lock is only lowered by the writer once the data queued under the lock has
// been flushed.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*pathLock

	// root is the real directory paths are resolved against for OS locks.
	// Empty disables OS-level locking (in-memory parents, tests).
	root string
}

func newLockTable(root string) *lockTable {
	return &lockTable{
		locks: make(map[string]*pathLock),
		root:  root,
	}
}

// register adds a holder for path and returns its handleLock.
func (t *lockTable) register(path string, osLocking bool) *handleLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	pl, ok := t.locks[path]
	if !ok {
		pl = &pathLock{}
		t.locks[path] = pl
	}
	if osLocking && t.root != "" {
		pl.locking = true
	}
	hl := &handleLock{}
	pl.holders = append(pl.holders, hl)
	return hl
}

// unregister removes a holder. The last holder out releases the OS lock and
// discards the entry; otherwise the OS lock is recomputed from the remaining
// holders.
func (t *lockTable) unregister(path string, hl *handleLock) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pl, ok := t.locks[path]
	if !ok {
		return nil
	}
	for i, h := range pl.holders {
		if h == hl {
			pl.holders = append(pl.holders[:i], pl.holders[i+1:]...)
			break
		}
	}
	if len(pl.holders) == 0 {
		var err error
		if pl.os != nil {
			err = pl.os.Unlock()
		}
		delete(t.locks, path)
		return err
	}
	return t.syncOSLocked(path, pl)
}

// lock raises hl to level. Conflicts with other holders of the same path are
// reported as ErrBusy; on success the OS-level lock is raised before
// returning, so a second process can never believe a conflicting lock
// succeeded.
func (t *lockTable) lock(path string, hl *handleLock, level LockLevel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hl.level >= level {
		return nil
	}
	pl := t.locks[path]
	if pl == nil {
		return fmt.Errorf("lock %q: %w", path, common.ErrNotFound)
	}
	for _, other := range pl.holders {
		if other == hl {
			continue
		}
		if lockConflicts(level, other.level) {
			return fmt.Errorf("lock %q to %v: %w", path, level, common.ErrBusy)
		}
	}
	prevLevel, prevQueued := hl.level, hl.queued
	hl.level = level
	if level > hl.queued {
		hl.queued = level
	}
	if err := t.syncOSLocked(path, pl); err != nil {
		// Another process holds the lock. Roll back and restore the OS lock
		// to the class the remaining holders require.
		hl.level, hl.queued = prevLevel, prevQueued
		if rerr := t.syncOSLocked(path, pl); rerr != nil {
			return fmt.Errorf("restore after failed lock: %v: %w", rerr, err)
		}
		return err
	}
	return nil
}

// unlockLocal lowers the engine-visible level immediately. The queued floor
// and the OS lock are untouched; they lower when the writer applies the
// handle's Unlock record.
func (t *lockTable) unlockLocal(hl *handleLock, level LockLevel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if level < hl.level {
		hl.level = level
	}
}

// applyUnlock is the writer-side half of Unlock: all operations queued
// before the Unlock record have been applied, so the queued floor may drop
// to the engine-visible level and the OS lock may be lowered.
func (t *lockTable) applyUnlock(path string, hl *handleLock, level LockLevel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	floor := hl.level
	if level > floor {
		floor = level
	}
	if floor < hl.queued {
		hl.queued = floor
	}
	pl, ok := t.locks[path]
	if !ok {
		return nil
	}
	return t.syncOSLocked(path, pl)
}

// checkReserved reports whether any holder of path has a lock at or above
// LockReserved. The pager uses this for hot-journal detection.
func (t *lockTable) checkReserved(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pl, ok := t.locks[path]
	if !ok {
		return false
	}
	for _, h := range pl.holders {
		if h.level >= LockReserved {
			return true
		}
	}
	return false
}

// level returns hl's engine-visible lock level.
func (t *lockTable) level(hl *handleLock) LockLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return hl.level
}

// lockConflicts implements the ladder's conflict matrix: would granting
// `want` to one handle conflict with another handle holding `held`?
func lockConflicts(want, held LockLevel) bool {
	switch want {
	case LockExclusive:
		return held >= LockShared
	case LockPending, LockReserved:
		return held >= LockReserved
	case LockShared:
		return held >= LockPending
	}
	return false
}

// syncOSLocked raises or lowers the OS advisory lock to match the strongest
// queued level across holders. Called with t.mu held. flock distinguishes
// only shared and exclusive, so LockShared maps to a shared lock and
// anything at LockReserved or above maps to exclusive.
func (t *lockTable) syncOSLocked(path string, pl *pathLock) error {
	if !pl.locking {
		return nil
	}
	var required LockLevel
	for _, h := range pl.holders {
		if h.queued > required {
			required = h.queued
		}
	}
	want := osLockClass(required)
	have := osLockClass(pl.osLevel)
	if want == have {
		pl.osLevel = required
		return nil
	}
	if pl.os == nil {
		// Lock a sidecar rather than the file itself: the file may not exist
		// on disk yet (deferred create), and flock would create it early.
		pl.os = flock.New(filepath.Join(t.root, path+".lock"))
	}
	// flock cannot atomically change class; drop and reacquire. The
	// in-process table still holds the level, so in-process correctness is
	// unaffected during the window.
	if have != LockNone {
		if err := pl.os.Unlock(); err != nil {
			return fmt.Errorf("os unlock %q: %w", path, err)
		}
		pl.osLevel = LockNone
	}
	if want == LockNone {
		return nil
	}
	acquire := func() error {
		var ok bool
		var err error
		if want >= LockReserved {
			ok, err = pl.os.TryLock()
		} else {
			ok, err = pl.os.TryRLock()
		}
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("os lock %q: %w", path, common.ErrBusy)
		}
		return nil
	}
	if err := util.Retry(context.Background(), acquire, util.LockRetryOptions(context.Background())...); err != nil {
		return err
	}
	pl.osLevel = required
	return nil
}

// osLockClass collapses the five-step ladder to flock's three states.
func osLockClass(l LockLevel) LockLevel {
	switch {
	case l >= LockReserved:
		return LockExclusive
	case l == LockShared:
		return LockShared
	default:
		return LockNone
	}
}
