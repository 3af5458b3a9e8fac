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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"
)

// memfsNew returns a fresh in-memory parent filesystem.
func memfsNew() billy.Filesystem { return memfs.New() }

// newTestFS returns a shim over a fresh in-memory filesystem with the writer
// NOT running, so tests control exactly when records are applied.
func newTestFS(t *testing.T, opts ...Option) (*FS, billy.Filesystem) {
	t.Helper()
	parent := memfs.New()
	return New(parent, opts...), parent
}

// drain runs the writer inline until the queue is empty, then restores the
// halt mode. Deterministic: no goroutines, no sleeps.
func drain(t *testing.T, fs *FS) {
	t.Helper()
	prev := fs.Halt()
	fs.SetHalt(HaltIdle)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fs.Run(ctx))
	fs.SetHalt(prev)
}

// seed writes content to path directly on the parent, bypassing the shim.
func seed(t *testing.T, parent billy.Filesystem, path string, content []byte) {
	t.Helper()
	f, err := parent.Create(path)
	require.NoError(t, err)
	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// readBack reads path directly from the parent, bypassing the shim.
func readBack(t *testing.T, parent billy.Filesystem, path string) []byte {
	t.Helper()
	f, err := parent.Open(path)
	require.NoError(t, err)
	defer f.Close()
	info, err := parent.Stat(path)
	require.NoError(t, err)
	buf := make([]byte, info.Size())
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	return buf
}

// flakyFS wraps a filesystem and fails writes to chosen paths, for deferred
// error tests.
type flakyFS struct {
	billy.Filesystem
	mu         sync.Mutex
	failWrites map[string]error
}

func newFlakyFS(parent billy.Filesystem) *flakyFS {
	return &flakyFS{Filesystem: parent, failWrites: make(map[string]error)}
}

func (f *flakyFS) failWritesTo(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites[path] = err
}

func (f *flakyFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	file, err := f.Filesystem.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	werr, ok := f.failWrites[name]
	f.mu.Unlock()
	if ok {
		return &flakyFile{File: file, err: werr}, nil
	}
	return file, nil
}

type flakyFile struct {
	billy.File
	err error
}

func (f *flakyFile) Write(p []byte) (int, error) { return 0, f.err }

// recordingFS wraps a filesystem and records the order of writes and removes
// reaching it, for FIFO ordering tests.
type recordingFS struct {
	billy.Filesystem
	mu     sync.Mutex
	events []string
}

func newRecordingFS(parent billy.Filesystem) *recordingFS {
	return &recordingFS{Filesystem: parent}
}

func (r *recordingFS) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingFS) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	file, err := r.Filesystem.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &recordingFile{File: file, fs: r, name: name}, nil
}

func (r *recordingFS) Remove(name string) error {
	r.record("remove " + name)
	return r.Filesystem.Remove(name)
}

type recordingFile struct {
	billy.File
	fs   *recordingFS
	name string
}

func (f *recordingFile) Write(p []byte) (int, error) {
	f.fs.record("write " + f.name)
	return f.File.Write(p)
}

func (f *recordingFile) Truncate(size int64) error {
	f.fs.record("truncate " + f.name)
	return f.File.Truncate(size)
}
