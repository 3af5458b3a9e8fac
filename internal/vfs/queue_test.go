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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := newWriteQueue()
	a := &Op{code: OpNoop, path: "a"}
	b := &Op{code: OpNoop, path: "b"}
	c := &Op{code: OpNoop, path: "c"}
	require.NoError(t, q.pushChecked(a))
	require.NoError(t, q.pushChecked(b))
	require.NoError(t, q.pushChecked(c))
	assert.Equal(t, 3, q.len())

	assert.Same(t, a, q.head())
	q.pop(a)
	assert.Same(t, b, q.head())
	q.pop(b)
	q.pop(c)
	assert.Nil(t, q.head())
	assert.Equal(t, 0, q.len())
}

func TestQueuePopOutOfOrderPanics(t *testing.T) {
	q := newWriteQueue()
	a := &Op{code: OpNoop, path: "a"}
	b := &Op{code: OpNoop, path: "b"}
	require.NoError(t, q.pushChecked(a))
	require.NoError(t, q.pushChecked(b))
	assert.Panics(t, func() { q.pop(b) })
}

func TestQueueOverlayLifecycle(t *testing.T) {
	q := newWriteQueue()
	o := q.getOverlay("f")
	assert.Equal(t, 1, o.refs)
	assert.Same(t, o, q.getOverlay("f"))
	assert.Equal(t, 2, o.refs)

	f := &File{ov: o, path: "f"}
	w := &Op{code: OpWrite, file: f, path: "f", data: []byte("x")}
	require.NoError(t, q.pushChecked(w))
	assert.Equal(t, []*Op{w}, o.pending)

	// Releasing both handles with a record still pending keeps the overlay
	// alive so the writer can find it.
	q.releaseOverlay(o)
	q.releaseOverlay(o)
	q.mu.Lock()
	_, alive := q.overlays["f"]
	q.mu.Unlock()
	assert.True(t, alive)

	// Popping the last pending record discards the unreferenced overlay.
	q.pop(w)
	q.mu.Lock()
	_, alive = q.overlays["f"]
	q.mu.Unlock()
	assert.False(t, alive)
}

func TestQueueDeleteMaterializesOverlay(t *testing.T) {
	q := newWriteQueue()

	// No handle has "g" open: the delete still builds an overlay, so a
	// handle opened before the delete drains will observe it.
	del := &Op{code: OpDelete, path: "g"}
	require.NoError(t, q.pushChecked(del))
	q.mu.Lock()
	o, ok := q.overlays["g"]
	q.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 0, o.refs)
	assert.Equal(t, []*Op{del}, o.pending)

	// A later open shares the materialized overlay.
	assert.Same(t, o, q.getOverlay("g"))
	assert.Equal(t, 1, o.refs)

	// An existing overlay keeps collecting deletes.
	require.NoError(t, q.pushChecked(&Op{code: OpDelete, path: "g"}))
	assert.Len(t, o.pending, 2)

	// With no handle interested, the overlay is discarded once the delete
	// is applied.
	q2 := newWriteQueue()
	del2 := &Op{code: OpDelete, path: "h"}
	require.NoError(t, q2.pushChecked(del2))
	q2.pop(del2)
	q2.mu.Lock()
	_, ok = q2.overlays["h"]
	q2.mu.Unlock()
	assert.False(t, ok)
}

func TestQueueRejectsAfterDeferredError(t *testing.T) {
	q := newWriteQueue()
	o := q.getOverlay("f")
	f := &File{ov: o, path: "f"}

	errBoom := errors.New("disk on fire")
	q.mu.Lock()
	o.ioErr = errBoom
	q.mu.Unlock()

	err := q.pushChecked(&Op{code: OpWrite, file: f, path: "f", data: []byte("x")})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, q.len())

	// Close records pass through so teardown is always possible.
	require.NoError(t, q.pushChecked(&Op{code: OpClose, file: f, path: "f"}))
	assert.Equal(t, 1, q.len())
}

func TestQueueAwaitEmpty(t *testing.T) {
	q := newWriteQueue()
	assert.True(t, q.awaitEmpty().Resolved(), "empty queue resolves immediately")

	op := &Op{code: OpNoop, path: "a"}
	require.NoError(t, q.pushChecked(op))
	p := q.awaitEmpty()
	assert.False(t, p.Resolved())
	q.pop(op)
	assert.True(t, p.Resolved())
}

func TestQueueSignalNeverBlocks(t *testing.T) {
	q := newWriteQueue()
	for i := 0; i < 10; i++ {
		q.signal()
	}
	select {
	case <-q.wake:
	default:
		t.Fatal("expected a pending wake")
	}
}
