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

// overlay is the pending-write cache for one canonical path.
//
// It is shared by every handle open on that path, so a handle opened while a
// previous handle's Close record is still queued observes the earlier
// handle's unflushed writes. All fields are guarded by the owning
// writeQueue's mutex.
type overlay struct {
	path string

	// pending holds the content-affecting records (OpWrite, OpTruncate,
	// OpDelete) for this path in enqueue order. The writer removes the head
	// entry after applying it; entries are never removed out of order.
	pending []*Op

	// ioErr is the sticky deferred I/O error for this path. Set by the
	// writer when applying a record fails; surfaced to callers on the next
	// enqueue, read or blocking sync, and cleared on final close.
	ioErr error

	// refs counts open handles referencing this path. Incremented on open,
	// decremented when the writer applies the handle's Close record.
	refs int
}

// append records a content-affecting op at the overlay's tail.
func (o *overlay) append(op *Op) {
	o.pending = append(o.pending, op)
}

// remove drops op from the overlay. FIFO consumption means op is almost
// always the head, but a skipped (NOOP-ed) record may be removed from any
// position, so match by identity.
func (o *overlay) remove(op *Op) {
	for i, p := range o.pending {
		if p == op {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
}

// merge folds the overlay's pending records into buf, which holds the bytes
// at [off, off+len(buf)) of the logical file. The caller has already filled
// buf with nBase valid bytes read from the real file (the rest must be
// zero), where baseSize is the real file's current size.
//
// Records apply in enqueue order so later writes win over earlier ones and
// over stale disk content. Truncates zero the logical tail at the point they
// appear in the sequence; a later write may re-extend the file, in which
// case the gap reads as zeros.
//
// Returns the number of valid bytes in buf; bytes past that count are the
// zero-fill beyond the logical end of file.
func (o *overlay) merge(buf []byte, off int64, baseSize int64) int {
	size := baseSize
	for _, op := range o.pending {
		switch op.code {
		case OpWrite:
			opEnd := op.offset + int64(len(op.data))
			// Clip [op.offset, opEnd) against [off, off+len(buf)).
			from := op.offset - off
			var skip int64
			if from < 0 {
				skip = -from
				from = 0
			}
			n := int64(len(op.data)) - skip
			if rem := int64(len(buf)) - from; n > rem {
				n = rem
			}
			if n > 0 {
				copy(buf[from:from+n], op.data[skip:skip+n])
			}
			if opEnd > size {
				size = opEnd
			}
		case OpTruncate:
			if op.offset < size {
				size = op.offset
				zeroTail(buf, off, size)
			}
		case OpDelete:
			size = 0
			zeroTail(buf, off, 0)
		}
	}
	valid := size - off
	if valid < 0 {
		valid = 0
	}
	if valid > int64(len(buf)) {
		valid = int64(len(buf))
	}
	return int(valid)
}

// logicalSize folds the pending records over the real file's size.
func (o *overlay) logicalSize(baseSize int64) int64 {
	size := baseSize
	for _, op := range o.pending {
		switch op.code {
		case OpWrite:
			if end := op.offset + int64(len(op.data)); end > size {
				size = end
			}
		case OpTruncate:
			if op.offset < size {
				size = op.offset
			}
		case OpDelete:
			size = 0
		}
	}
	return size
}

// zeroTail zeroes the portion of buf at or beyond logical size, where buf
// holds the bytes starting at offset off.
func zeroTail(buf []byte, off, size int64) {
	from := size - off
	if from < 0 {
		from = 0
	}
	if from >= int64(len(buf)) {
		return
	}
	clear(buf[from:])
}
