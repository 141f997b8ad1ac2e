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

// Package simhost is an in-process reference implementation of the
// internal/port interfaces, used by unit tests and by any embedder that
// doesn't need a real OS-backed host. It models page commit/decommit
// bookkeeping over a plain Go heap arena instead of real mmap/mprotect
// calls.
package simhost

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/nirvanaos/core/internal/port"
)

const (
	pageSize   = 4096
	allocUnit  = 64 * 1024
	commitUnit = pageSize
)

// Memory is a simulated page-memory host. Addresses it returns are
// offsets into an internal arena, not real pointers; callers treat them
// as opaque uintptr tokens.
type Memory struct {
	mu       sync.Mutex
	arena    []byte
	next     uintptr
	private  map[uintptr]bool
	readonly map[uintptr]bool
}

// NewMemory creates a simulated memory host with the given arena size.
func NewMemory(size uintptr) *Memory {
	return &Memory{
		arena:    make([]byte, size),
		next:     allocUnit, // keep 0 reserved as a null token
		private:  make(map[uintptr]bool),
		readonly: make(map[uintptr]bool),
	}
}

func (m *Memory) Allocate(dst uintptr, size uintptr, reserved bool) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size = roundUp(size, allocUnit)
	if dst == 0 {
		dst = m.next
	}
	if dst+size > uintptr(len(m.arena)) {
		return 0, fmt.Errorf("simhost: out of simulated address space")
	}
	if dst+size > m.next {
		m.next = dst + size
	}
	m.private[dst] = true
	return dst, nil
}

func (m *Memory) Release(p uintptr, size uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.private, p)
	delete(m.readonly, p)
	return nil
}

func (m *Memory) Commit(p uintptr, size uintptr) error {
	if p+size > uintptr(len(m.arena)) {
		return fmt.Errorf("simhost: commit out of range")
	}
	return nil
}

func (m *Memory) Decommit(p uintptr, size uintptr) error {
	if p+size > uintptr(len(m.arena)) {
		return fmt.Errorf("simhost: decommit out of range")
	}
	for i := p; i < p+size; i++ {
		m.arena[i] = 0
	}
	return nil
}

func (m *Memory) Copy(dst, src uintptr, size uintptr, flags port.CopyFlags) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dst == 0 {
		var err error
		dst, err = m.allocateLocked(size)
		if err != nil {
			return 0, err
		}
	}
	copy(m.arena[dst:dst+size], m.arena[src:src+size])
	if flags&port.ReadOnly != 0 {
		m.readonly[dst] = true
	}
	if flags&port.SrcRelease != 0 {
		delete(m.private, src)
	}
	return dst, nil
}

func (m *Memory) allocateLocked(size uintptr) (uintptr, error) {
	size = roundUp(size, allocUnit)
	dst := m.next
	if dst+size > uintptr(len(m.arena)) {
		return 0, fmt.Errorf("simhost: out of simulated address space")
	}
	m.next = dst + size
	m.private[dst] = true
	return dst, nil
}

func (m *Memory) IsPrivate(p uintptr, size uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.private[p]
}

func (m *Memory) IsReadOnly(p uintptr, size uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readonly[p]
}

func (m *Memory) Query(p uintptr, param port.QueryParam) uintptr {
	switch param {
	case port.AllocationUnit:
		return allocUnit
	case port.ProtectionUnit, port.CommitUnit:
		return commitUnit
	case port.SharingUnit:
		return allocUnit
	case port.SharingAssociativity:
		return pageSize
	case port.FixedCommitUnit:
		return commitUnit
	}
	return 0
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// SystemInfo reports the real host's CPU count, used to size the
// scheduler worker pool during tests.
type SystemInfo struct{}

func (SystemInfo) HardwareConcurrency() int    { return runtime.NumCPU() }
func (SystemInfo) SharingAssociativity() int64 { return pageSize }

// Timer wraps time.AfterFunc to satisfy port.Timer.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (t *Timer) Set(deadline time.Time, signal func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	t.timer = time.AfterFunc(d, signal)
}

func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// memIORequest is the IORequest returned by File's Read/Write.
type memIORequest struct {
	done chan struct{}
	n    int64
	err  error
}

func (r *memIORequest) Wait(ctx context.Context) (int64, error) {
	select {
	case <-r.done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *memIORequest) Cancel() {}

// File is an in-memory AsyncFile implementation, useful for exercising
// pkg/fileaccess without a real disk.
type File struct {
	mu        sync.Mutex
	data      []byte
	blockSize int64
}

// NewFile creates an empty in-memory file with the given device block
// size.
func NewFile(blockSize int64) *File {
	return &File{blockSize: blockSize}
}

func (f *File) BlockSize() int64 { return f.blockSize }

func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *File) Truncate(ctx context.Context, newSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if newSize < int64(len(f.data)) {
		f.data = f.data[:newSize]
	} else {
		f.data = append(f.data, make([]byte, newSize-int64(len(f.data)))...)
	}
	return nil
}

func (f *File) Read(ctx context.Context, off int64, buf []byte) port.IORequest {
	req := &memIORequest{done: make(chan struct{})}
	f.mu.Lock()
	if off >= int64(len(f.data)) {
		req.n = 0
	} else {
		n := copy(buf, f.data[off:])
		req.n = int64(n)
	}
	f.mu.Unlock()
	close(req.done)
	return req
}

func (f *File) Write(ctx context.Context, off int64, buf []byte) port.IORequest {
	req := &memIORequest{done: make(chan struct{})}
	f.mu.Lock()
	end := off + int64(len(buf))
	if end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	copy(f.data[off:end], buf)
	req.n = int64(len(buf))
	f.mu.Unlock()
	close(req.done)
	return req
}

func (f *File) Flush(ctx context.Context) error { return nil }
func (f *File) Close() error                    { return nil }
