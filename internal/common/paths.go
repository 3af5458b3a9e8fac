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

package common

import (
	"path"
	"strings"
)

// CanonicalPath returns the canonical form of a slash-separated path.
// Duplicate slashes, "." segments and "seg/.." pairs are collapsed, so two
// spellings of the same file always map to the same string. Because
// in-process locking and the pending-write overlay are keyed by this value,
// every path entering the VFS must pass through here first.
func CanonicalPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	rooted := strings.HasPrefix(p, "/")
	p = path.Clean(p)
	if p == "." {
		if rooted {
			return "/"
		}
		return ""
	}
	return p
}

// SplitPath splits a canonical path into its components.
func SplitPath(p string) []string {
	p = strings.Trim(CanonicalPath(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ParentPath returns the parent directory of a canonical path.
func ParentPath(p string) string {
	p = CanonicalPath(p)
	if p == "" || p == "/" {
		return p
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the final component of a canonical path.
func BaseName(p string) string {
	p = CanonicalPath(p)
	if p == "" || p == "/" {
		return ""
	}
	return path.Base(p)
}
