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
	"sync"

	"github.com/go-git/go-billy/v5"

	"asyncfs/internal/common"
)

// VFSName is the name the asynchronous shim registers itself under.
const VFSName = "async"

// registry maps names to filesystems so callers can address them the way a
// storage engine addresses its VFS list: by name, with one default.
type registry struct {
	mu   sync.Mutex
	fss  map[string]billy.Filesystem
	dflt string

	installed *FS
	prevDflt  string
}

var reg = registry{fss: make(map[string]billy.Filesystem)}

// Register adds fs under name. The first registration, or any registration
// with makeDefault set, becomes the default.
func Register(name string, fs billy.Filesystem, makeDefault bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.fss[name] = fs
	if makeDefault || reg.dflt == "" {
		reg.dflt = name
	}
}

// Unregister removes the named filesystem. If it was the default, an
// arbitrary remaining registration becomes the default.
func Unregister(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.fss, name)
	if reg.dflt == name {
		reg.dflt = ""
		for n := range reg.fss {
			reg.dflt = n
			break
		}
	}
}

// Lookup resolves name to the filesystem registered under it, or to the
// default when name is empty. The installed shim is addressable like any
// registration, under VFSName; exactly one of the two returns is non-nil.
func Lookup(name string) (billy.Filesystem, *FS, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if name == "" {
		name = reg.dflt
	}
	if name == VFSName && reg.installed != nil {
		return nil, reg.installed, nil
	}
	fs, ok := reg.fss[name]
	if !ok {
		return nil, nil, fmt.Errorf("lookup %q: %w", name, common.ErrUnknownVFS)
	}
	return fs, nil, nil
}

// Install wraps the filesystem registered under parentName in a new
// asynchronous shim, starts its writer goroutine and returns it; with
// makeDefault the shim's name becomes the default. parentName empty selects
// the current default. Only one shim is installed at a time.
func Install(parentName string, makeDefault bool, opts ...Option) (*FS, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.installed != nil {
		return nil, fmt.Errorf("install: shim already installed: %w", common.ErrExists)
	}
	if parentName == "" {
		parentName = reg.dflt
	}
	parent, ok := reg.fss[parentName]
	if !ok {
		return nil, fmt.Errorf("install over %q: %w", parentName, common.ErrUnknownVFS)
	}
	fs := New(parent, opts...)
	fs.Start()
	reg.installed = fs
	if makeDefault {
		reg.prevDflt = reg.dflt
		reg.dflt = VFSName
	}
	return fs, nil
}

// Uninstall shuts the installed shim down, blocking until its queue drains,
// and removes its registration. It fails with ErrOpenHandles while files
// remain open through the shim.
func Uninstall(ctx context.Context) error {
	reg.mu.Lock()
	fs := reg.installed
	reg.mu.Unlock()
	if fs == nil {
		return fmt.Errorf("uninstall: %w", common.ErrUnknownVFS)
	}
	if err := fs.Shutdown(ctx); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.dflt == VFSName {
		reg.dflt = reg.prevDflt
	}
	reg.installed = nil
	return nil
}

// Installed returns the currently installed shim, or nil.
func Installed() *FS {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.installed
}
