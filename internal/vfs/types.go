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
	"asyncfs/internal/util"
)

// OpCode identifies a deferred I/O operation on the write queue.
type OpCode int

const (
	// OpNoop is substituted for records that must be skipped (for example
	// after an earlier deferred error on the same file).
	OpNoop OpCode = iota
	// OpWrite writes Op.data at Op.offset.
	OpWrite
	// OpSync syncs the real file; Op.flags carries the sync flags.
	OpSync
	// OpTruncate truncates the real file to Op.offset bytes.
	OpTruncate
	// OpClose closes the real descriptors and tears down per-file state.
	OpClose
	// OpDelete removes the file at Op.path; Op.flags carries the sync-dir flag.
	OpDelete
	// OpOpen performs a deferred create/exclusive open; Op.flags carries the
	// original open flags.
	OpOpen
	// OpUnlock lowers the queued lock floor to Op.flags once all preceding
	// operations on the file have reached disk.
	OpUnlock
)

var opCodeNames = [...]string{"NOOP", "WRITE", "SYNC", "TRUNCATE", "CLOSE", "DELETE", "OPEN", "UNLOCK"}

func (c OpCode) String() string {
	if c < 0 || int(c) >= len(opCodeNames) {
		return "UNKNOWN"
	}
	return opCodeNames[c]
}

// Op is one deferred I/O operation. An Op is immutable once enqueued; only
// the writer goroutine touches err, and done is resolved exactly once by the
// writer after the operation has been applied (or skipped).
//
// Field use by opcode:
//
//	OpWrite:    offset, data
//	OpSync:     flags (SyncFlag)
//	OpTruncate: offset (new size)
//	OpClose:    —
//	OpDelete:   path, flags (1 = sync containing directory)
//	OpOpen:     flags (OpenFlag)
//	OpUnlock:   flags (LockLevel)
type Op struct {
	code   OpCode
	file   *File  // nil for OpDelete
	path   string // canonical path
	offset int64
	data   []byte       // owned copy of the payload, OpWrite only
	flags  int          // see above
	done   util.Promise // non-nil when a caller blocks on completion
	err    error        // result, written by the writer before resolving done
}

// OpenFlag is a bitmask of options for FS.OpenFile.
type OpenFlag int

const (
	// OpenReadOnly opens the file for reading only. Write, Truncate and Sync
	// fail synchronously on read-only handles.
	OpenReadOnly OpenFlag = 1 << iota
	// OpenReadWrite opens the file for reading and writing.
	OpenReadWrite
	// OpenCreate creates the file if it does not exist. Creation is deferred
	// through the queue.
	OpenCreate
	// OpenExclusive fails if the file already exists. Requires OpenCreate.
	OpenExclusive
	// OpenLocking enables OS-level advisory locking for this handle, in
	// addition to the in-process lock table.
	OpenLocking
)

// SyncFlag is a bitmask of options for File.Sync.
type SyncFlag int

const (
	// SyncNormal requests an ordinary fsync.
	SyncNormal SyncFlag = 1 << iota
	// SyncFull requests a full barrier sync where the platform supports one.
	SyncFull
	// SyncDataOnly requests fdatasync semantics.
	SyncDataOnly
)

// LockLevel is the five-step lock ladder the storage engine drives.
// Each level implies all lower levels.
type LockLevel int32

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

var lockLevelNames = [...]string{"NONE", "SHARED", "RESERVED", "PENDING", "EXCLUSIVE"}

func (l LockLevel) String() string {
	if l < 0 || int(l) >= len(lockLevelNames) {
		return "UNKNOWN"
	}
	return lockLevelNames[l]
}

// HaltMode governs whether and when the background writer stops.
type HaltMode int32

const (
	// HaltNever keeps the writer running indefinitely (the default).
	HaltNever HaltMode = iota
	// HaltNow stops the writer before it applies another record. Queued
	// records are retained and resume in order when the writer restarts.
	HaltNow
	// HaltIdle stops the writer once the queue is empty.
	HaltIdle
)

var haltModeNames = [...]string{"never", "now", "idle"}

func (m HaltMode) String() string {
	if m < 0 || int(m) >= len(haltModeNames) {
		return "unknown"
	}
	return haltModeNames[m]
}

// FileControlOp selects a File.FileControl verb.
type FileControlOp int

const (
	// FcntlLockState queries the lock level the engine holds on the handle.
	FcntlLockState FileControlOp = iota + 1
)

// AccessFlag selects what FS.Access checks.
type AccessFlag int

const (
	// AccessExists checks for existence.
	AccessExists AccessFlag = iota
	// AccessRead checks for read permission.
	AccessRead
	// AccessReadWrite checks for read and write permission.
	AccessReadWrite
)

// SectorSize is the sector size reported for all files. The layer does not
// interpret file content, so the conventional value is fine.
const SectorSize = 512
