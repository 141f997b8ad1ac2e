// Copyright 2021 The Nirvana Authors.
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

// Package port declares the host abstraction the runtime kernel is built
// against (spec §9, "Port interface"): page-level memory, asynchronous
// file I/O, timers, worker threads and debugger output. Concrete hosts
// (a real OS, or the in-process simhost used by tests) implement these
// interfaces; the kernel packages never import an OS-specific package
// directly.
package port

import (
	"context"
	"time"
)

// QueryParam selects a property returned by Memory.Query.
type QueryParam int

const (
	AllocationUnit QueryParam = iota
	ProtectionUnit
	SharingUnit
	CommitUnit
	SharingAssociativity
	FixedCommitUnit
)

// CopyFlags control Memory.Copy's sharing semantics.
type CopyFlags int

const (
	ReadOnly CopyFlags = 1 << iota
	SrcRelease
	SrcDecommit
)

// Memory is the page-level memory service every Heap ultimately commits
// and decommits through (spec §4.2).
type Memory interface {
	// Allocate reserves (and optionally commits) size bytes, returning
	// the base address. dst, if non-nil, requests a specific address.
	Allocate(dst uintptr, size uintptr, reserved bool) (uintptr, error)
	Release(p uintptr, size uintptr) error
	Commit(p uintptr, size uintptr) error
	Decommit(p uintptr, size uintptr) error
	// Copy implements the READ_ONLY|SRC_RELEASE copy-on-write remap path
	// when the host supports it, falling back to a physical copy.
	Copy(dst, src uintptr, size uintptr, flags CopyFlags) (uintptr, error)
	IsPrivate(p uintptr, size uintptr) bool
	IsReadOnly(p uintptr, size uintptr) bool
	Query(p uintptr, param QueryParam) uintptr
}

// IOOp identifies the direction of an AsyncFile request.
type IOOp int

const (
	OpRead IOOp = iota
	OpWrite
)

// IORequest is a single outstanding asynchronous device request.
type IORequest interface {
	// Wait blocks until the request reaches a terminal state and
	// returns the number of bytes actually transferred and any error.
	Wait(ctx context.Context) (n int64, err error)
	Cancel()
}

// AsyncFile is the block device FileAccessDirect (spec §4.10) issues
// requests to. All offsets and lengths are in bytes and must be aligned
// to BlockSize for Read/Write.
type AsyncFile interface {
	BlockSize() int64
	Size() (int64, error)
	Truncate(ctx context.Context, newSize int64) error
	Read(ctx context.Context, off int64, buf []byte) IORequest
	Write(ctx context.Context, off int64, buf []byte) IORequest
	Flush(ctx context.Context) error
	Close() error
}

// Timer fires Signal once after the given deadline elapses, or
// immediately if the deadline has already passed. It may be canceled
// before firing.
type Timer interface {
	Set(deadline time.Time, signal func())
	Cancel()
}

// SystemInfo exposes host sizing facts the scheduler's worker pool and
// the heap's commit granularity are derived from.
type SystemInfo interface {
	HardwareConcurrency() int
	SharingAssociativity() int64
}

// Debugger is the platform debug-output sink (Port::Debugger in the
// original source).
type Debugger interface {
	OutputDebugString(s string)
}
