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

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrBusy          = errors.New("file is locked")
	ErrClosed        = errors.New("file handle is closed")
	ErrInvalidFlags  = errors.New("invalid open flags")
	ErrHalted        = errors.New("asynchronous writer halted")
	ErrWriterRunning = errors.New("writer already running")
	ErrOpenHandles   = errors.New("open file handles remain")
	ErrUnknownVFS    = errors.New("unknown filesystem name")
	ErrIO            = errors.New("I/O error")
)
