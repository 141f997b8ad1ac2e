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

// Package heap implements the user-facing allocator on top of a
// pkg/heapdir.Directory: allocate/release/commit/decommit/copy/is_private
// plus a pooled "dynamic heap" variant (spec §4.2) that memory contexts
// create and destroy in bulk.
package heap

import (
	"sync"

	"github.com/nirvanaos/core/internal/corbaerr"
	"github.com/nirvanaos/core/internal/port"
	"github.com/nirvanaos/core/pkg/heapdir"
)

// Config sizes a Heap's backing directory and commit granularity.
type Config struct {
	Directory heapdir.Config
	UnitSize  uint64 // bytes per allocation unit
	Commit    uint64 // bytes per commit granule
}

// Heap allocates fixed-size units out of a reserved virtual address
// range, falling through to the port allocator directly for requests
// larger than the directory's MaxBlockSize (spec §4.2: "half-page
// overhead is tolerable there").
type Heap struct {
	mem  port.Memory
	cfg  Config
	dir  *heapdir.Directory
	base uintptr
	info *heapdir.HeapInfo

	mu    sync.Mutex
	large map[uintptr]uintptr // large-allocation base -> size, for Release/Query
}

// New reserves a Config.Directory.UnitCount*UnitSize byte region from
// mem and returns a Heap managing it.
func New(mem port.Memory, cfg Config) (*Heap, error) {
	size := uintptr(cfg.Directory.UnitCount * cfg.UnitSize)
	base, err := mem.Allocate(0, size, true)
	if err != nil {
		return nil, corbaerr.Wrap(corbaerr.NoMemory, 0, err)
	}
	h := &Heap{
		mem:   mem,
		cfg:   cfg,
		dir:   heapdir.New(cfg.Directory),
		base:  base,
		large: make(map[uintptr]uintptr),
	}
	h.info = &heapdir.HeapInfo{Mem: mem, Base: base, UnitSize: cfg.UnitSize, CommitSize: cfg.Commit}
	return h, nil
}

func (h *Heap) units(size uintptr) uint64 {
	n := (uint64(size) + h.cfg.UnitSize - 1) / h.cfg.UnitSize
	if n == 0 {
		n = 1
	}
	return n
}

// Allocate returns size bytes, falling through to the port allocator
// when size exceeds the directory's MaxBlockSize in units.
func (h *Heap) Allocate(size uintptr) (uintptr, error) {
	units := h.units(size)
	if units > h.dir.MaxBlockSizeUnits() {
		p, err := h.mem.Allocate(0, size, false)
		if err != nil {
			return 0, corbaerr.Wrap(corbaerr.NoMemory, 0, err)
		}
		h.mu.Lock()
		h.large[p] = uintptr(size)
		h.mu.Unlock()
		return p, nil
	}
	off, err := h.dir.Allocate(units, h.info)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, corbaerr.New(corbaerr.NoMemory, 0)
	}
	return h.base + uintptr(uint64(off)*h.cfg.UnitSize), nil
}

// Release gives back a block previously returned by Allocate.
func (h *Heap) Release(p uintptr, size uintptr) error {
	h.mu.Lock()
	if sz, ok := h.large[p]; ok {
		delete(h.large, p)
		h.mu.Unlock()
		return h.mem.Release(p, sz)
	}
	h.mu.Unlock()

	units := h.units(size)
	off := uint64(p-h.base) / h.cfg.UnitSize
	return h.dir.Release(off, off+units, h.info)
}

// Commit/Decommit/Copy/IsPrivate/Query delegate straight to the backing
// port, matching spec §4.2's "Heap provides allocate/release/commit/
// decommit/copy/is_private/query" contract; HeapDirectory only manages
// address-space bookkeeping, not page residency for blocks the caller
// commits itself (used for reserve-then-commit-on-demand growth).
func (h *Heap) Commit(p uintptr, size uintptr) error   { return h.mem.Commit(p, size) }
func (h *Heap) Decommit(p uintptr, size uintptr) error { return h.mem.Decommit(p, size) }

// Copy implements READ_ONLY|SRC_RELEASE copy-on-write sharing when the
// port supports page remap, falling back to a physical copy otherwise
// (both paths are the same call on port.Memory; the port decides).
func (h *Heap) Copy(dst, src uintptr, size uintptr, flags port.CopyFlags) (uintptr, error) {
	return h.mem.Copy(dst, src, size, flags)
}

func (h *Heap) IsPrivate(p uintptr, size uintptr) bool { return h.mem.IsPrivate(p, size) }
func (h *Heap) Query(p uintptr, param port.QueryParam) uintptr {
	return h.mem.Query(p, param)
}
