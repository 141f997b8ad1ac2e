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

// Package heapdir implements the virtual-memory heap directory: a
// buddy-style bitmap pyramid allocator handing out aligned unit ranges in
// O(log N), coordinating commit/decommit with a port.Memory (spec §4.1).
//
// Unlike the C++ original, whose control block is a fixed-size template
// instantiation sized to fit in one protection unit (16/32/64K), this
// port allocates its bitmap levels as Go slices sized from a runtime
// Config. That trades the original's "control block fits in one page"
// property for a simpler, level-per-slice implementation; every other
// invariant (buddy exclusivity, free-count bound, CAS-only mutation) is
// preserved. See DESIGN.md.
package heapdir

import (
	"sync/atomic"

	"github.com/nirvanaos/core/internal/bitmap"
	"github.com/nirvanaos/core/internal/corbaerr"
	"github.com/nirvanaos/core/internal/port"
)

// Config describes the quantization of a single heap directory.
type Config struct {
	// UnitCount is the number of allocation units the directory
	// manages; must be a power of two.
	UnitCount uint64
	// Levels is HEAP_LEVELS: MaxBlockSize = 1 << (Levels-1) units.
	Levels int
}

// MaxBlockSize returns the largest block size, in units, this
// configuration can hand out directly.
func (c Config) MaxBlockSize() uint64 { return uint64(1) << uint(c.Levels-1) }

// TopLevelBlocks returns the number of blocks at level 0 (the coarsest,
// materialized top of the truncated pyramid).
func (c Config) TopLevelBlocks() uint64 { return c.UnitCount >> uint(c.Levels-1) }

// HeapInfo optionally ties a Directory's unit range to backing pages that
// must be committed when a block is carved out and decommitted when a
// block collapses back to the configured decommit granularity (spec §4.1,
// §4.2).
type HeapInfo struct {
	Mem        port.Memory
	Base       uintptr
	UnitSize   uint64
	CommitSize uint64
}

func (h *HeapInfo) decommitLevel(levels int) int {
	if h == nil || h.Mem == nil {
		return levels // never reached: disables decommit
	}
	return levels - 1 - int(bitmap.Ilog2Floor(h.CommitSize/h.UnitSize))
}

func (h *HeapInfo) commit(begin, end uint64) error {
	if h == nil || h.Mem == nil {
		return nil
	}
	off := h.Base + uintptr(begin*h.UnitSize)
	return h.Mem.Commit(off, uintptr((end-begin)*h.UnitSize))
}

func (h *HeapInfo) decommitBlock(blockNumber uint64, commitSize uint64) {
	if h == nil || h.Mem == nil {
		return
	}
	off := h.Base + uintptr(blockNumber*h.CommitSize)
	_ = h.Mem.Decommit(off, uintptr(commitSize))
}

// Directory is a buddy bitmap pyramid over UnitCount allocation units.
// All mutation is lock-free (CAS loops in internal/bitmap); there is no
// mutex anywhere in this type.
type Directory struct {
	cfg       Config
	bitmaps   [][]bitmap.Word // bitmaps[level][wordIndex]; level 0 = coarsest
	freeCount []uint32        // freeCount[level]
}

// New creates and initializes a Directory: the top level starts fully
// free, every other level starts fully allocated (as the C++
// constructor's fill_n of the top bitmap words does).
func New(cfg Config) *Directory {
	if cfg.Levels < 1 {
		panic("heapdir: Levels must be >= 1")
	}
	d := &Directory{
		cfg:       cfg,
		bitmaps:   make([][]bitmap.Word, cfg.Levels),
		freeCount: make([]uint32, cfg.Levels),
	}
	for l := 0; l < cfg.Levels; l++ {
		blocks := d.blocksAtLevel(l)
		words := int((blocks + bitmap.WordBits - 1) / bitmap.WordBits)
		if words == 0 {
			words = 1
		}
		d.bitmaps[l] = make([]bitmap.Word, words)
	}
	top := cfg.TopLevelBlocks()
	for i := range d.bitmaps[0] {
		d.bitmaps[0][i] = ^bitmap.Word(0)
	}
	// Mask off any bits beyond top, in case TopLevelBlocks isn't a
	// multiple of the word width.
	if rem := top % bitmap.WordBits; rem != 0 {
		d.bitmaps[0][len(d.bitmaps[0])-1] = (bitmap.Word(1) << rem) - 1
	}
	d.freeCount[0] = uint32(top)
	return d
}

func (d *Directory) blocksAtLevel(level int) uint64 {
	return d.cfg.UnitCount >> uint(d.cfg.Levels-1-level)
}

func (d *Directory) blockSize(level int) uint64 {
	return d.cfg.MaxBlockSize() >> uint(level)
}

// MaxBlockSizeUnits returns the largest block size, in allocation
// units, this directory can hand out directly; callers requesting more
// than this must fall through to a larger allocator (spec §4.2).
func (d *Directory) MaxBlockSizeUnits() uint64 { return d.cfg.MaxBlockSize() }

// Empty reports whether every unit is currently free, i.e. the whole
// directory is at quiescence (spec §8, HeapDirectory round-trip
// property).
func (d *Directory) Empty() bool {
	return d.freeCount[0] == uint32(d.cfg.TopLevelBlocks())
}

func levelForSize(levels int, size uint64) int {
	return levels - int(bitmap.Ilog2Ceil(size)) - 1
}

// Allocate rounds size up to a power of two, finds the smallest free
// block of at least that size, splits it down to the requested size, and
// returns the unit offset of the carved-out block, or -1 if no block
// fits (spec §4.1 Allocate(size)).
func (d *Directory) Allocate(size uint64, info *HeapInfo) (int64, error) {
	if size == 0 || size > d.cfg.MaxBlockSize() {
		return -1, corbaerr.New(corbaerr.BadParam, 0)
	}
	level := levelForSize(d.cfg.Levels, size)
	if level < 0 {
		level = 0
	}

	foundLevel := -1
	var bitIdx uint64
	for l := level; l >= 0; l-- {
		if !bitmap.Acquire(&d.freeCount[l]) {
			continue
		}
		bit := d.clearAnyBit(l)
		if bit < 0 {
			// Lost the race: someone else grabbed the last free
			// bit between our Acquire and our scan. Put the
			// counter back and keep searching coarser levels.
			bitmap.Release(&d.freeCount[l])
			continue
		}
		foundLevel = l
		bitIdx = uint64(bit)
		break
	}
	if foundLevel < 0 {
		return -1, nil
	}

	// Split from foundLevel down to level: keep the left half, free
	// the right half at each intermediate level.
	for l := foundLevel; l < level; l++ {
		rightBit := bitIdx*2 + 1
		d.setBit(l+1, rightBit)
		bitmap.Release(&d.freeCount[l+1])
		bitIdx = bitIdx * 2
	}

	blockOffset := bitIdx * d.blockSize(level)
	blockEnd := blockOffset + d.blockSize(level)

	if err := info.commit(blockOffset, blockEnd); err != nil {
		// Roll back: treat the whole block as free again.
		d.release(blockOffset, blockEnd, info, false)
		return -1, err
	}

	if tail := blockOffset + size; tail < blockEnd {
		if err := d.release(tail, blockEnd, info, false); err != nil {
			d.release(blockOffset, tail, info, false)
			return -1, err
		}
	}

	return int64(blockOffset), nil
}

// clearAnyBit clears and returns the index of some set bit at level, or
// -1 if the level's bitmap is exhausted (can race with concurrent
// allocators; caller re-checks).
func (d *Directory) clearAnyBit(level int) int {
	words := d.bitmaps[level]
	for w := range words {
		if bit := bitmap.ClearRightmostOne(&words[w]); bit >= 0 {
			return w*bitmap.WordBits + bit
		}
	}
	return -1
}

func (d *Directory) setBit(level int, bitIdx uint64) {
	w := bitIdx / bitmap.WordBits
	mask := bitmap.Word(1) << (bitIdx % bitmap.WordBits)
	bitmap.BitSet(&d.bitmaps[level][w], mask)
}

// levelAlign returns the coarsest level whose block size both divides
// offset and fits within remaining (spec §4.1 Release, "largest aligned
// block whose size divides the remaining range").
func (d *Directory) levelAlign(offset, remaining uint64) int {
	maxBlock := d.cfg.MaxBlockSize()
	var ntz uint
	if offset == 0 {
		ntz = bitmap.Ntz(maxBlock)
	} else {
		ntz = bitmap.Ntz(offset | maxBlock)
	}
	ilog := bitmap.Ilog2Floor(remaining)
	lim := ntz
	if ilog < lim {
		lim = ilog
	}
	level := d.cfg.Levels - 1 - int(lim)
	if level < 0 {
		level = 0
	}
	return level
}

// Release frees the unit range [begin, end), merging buddies upward as
// far as they go free (spec §4.1 Release).
func (d *Directory) Release(begin, end uint64, info *HeapInfo) error {
	if !d.CheckAllocated(begin, end) {
		return corbaerr.New(corbaerr.FreeMem, 0)
	}
	return d.release(begin, end, info, false)
}

func (d *Directory) release(begin, end uint64, info *HeapInfo, rtl bool) error {
	decommitLevel := d.cfg.Levels
	if info != nil && info.Mem != nil {
		decommitLevel = info.decommitLevel(d.cfg.Levels)
	}

	for begin < end {
		var level int
		var blockBegin uint64
		if rtl {
			level = d.levelAlign(end, end-begin)
			blockBegin = end - d.blockSize(level)
		} else {
			level = d.levelAlign(begin, end-begin)
			blockBegin = begin
		}
		blockEnd := blockBegin + d.blockSize(level)
		blockNumber := blockBegin >> uint(d.cfg.Levels-1-level)

		for {
			if level == decommitLevel {
				info.decommitBlock(blockNumber, info.CommitSize)
			}
			w := blockNumber / bitmap.WordBits
			bit := blockNumber % bitmap.WordBits
			mask := bitmap.Word(1) << bit

			if level == 0 {
				if !bitmap.BitSet(&d.bitmaps[0][w], mask) {
					return corbaerr.New(corbaerr.FreeMem, 0)
				}
				bitmap.Release(&d.freeCount[0])
				break
			}

			companion := bitmap.CompanionMask(mask)
			merged, ok := bitmap.BitSetCheckCompanion(&d.bitmaps[level][w], mask, companion)
			if !ok {
				return corbaerr.New(corbaerr.FreeMem, 0)
			}
			if merged {
				bitmap.Decrement(&d.freeCount[level])
				level--
				blockNumber >>= 1
				continue
			}
			bitmap.Release(&d.freeCount[level])
			break
		}

		if rtl {
			end = blockBegin
		} else {
			begin = blockEnd
		}
	}
	return nil
}

// AllocateRange reserves the exact unit range [begin, end), splitting
// blocks as needed; on any failure it releases whatever it already
// acquired and returns false (spec §4.1, Allocate(begin,end)).
func (d *Directory) AllocateRange(begin, end uint64, info *HeapInfo) bool {
	if end > d.cfg.UnitCount || begin >= end {
		return false
	}
	allocBegin, allocEnd := begin, begin
	for allocEnd < end {
		level := d.levelAlign(allocEnd, end-allocEnd)
		blockNumber := allocEnd >> uint(d.cfg.Levels-1-level)

		ok := false
		for {
			w := blockNumber / bitmap.WordBits
			bit := blockNumber % bitmap.WordBits
			mask := bitmap.Word(1) << bit
			if bitmap.Acquire(&d.freeCount[level]) {
				if bitmap.BitClear(&d.bitmaps[level][w], mask) {
					ok = true
					break
				}
				bitmap.Release(&d.freeCount[level])
			}
			if level == 0 {
				break
			}
			level--
			blockNumber >>= 1
		}
		if !ok {
			d.release(allocBegin, allocEnd, nil, false)
			return false
		}
		blockOffset := blockNumber << uint(d.cfg.Levels-1-level)
		if blockOffset < allocBegin {
			allocBegin = blockOffset
		}
		allocEnd = blockOffset + d.blockSize(level)
	}

	if err := info.commit(allocBegin, allocEnd); err != nil {
		d.release(allocBegin, allocEnd, nil, false)
		return false
	}

	if err := d.release(allocBegin, begin, nil, true); err != nil {
		d.release(begin, end, info, false)
		return false
	}
	if err := d.release(end, allocEnd, nil, false); err != nil {
		d.release(begin, end, info, false)
		return false
	}
	return true
}

// CheckAllocated reports whether every unit in [begin, end) is currently
// allocated (no bit set at any level for any sub-range).
func (d *Directory) CheckAllocated(begin, end uint64) bool {
	if begin >= d.cfg.UnitCount || end > d.cfg.UnitCount || end <= begin {
		return false
	}
	level := d.cfg.Levels - 1
	for {
		for u := begin; u < end; u++ {
			w := u / bitmap.WordBits
			bit := u % bitmap.WordBits
			if d.bitmaps[level][w]&(bitmap.Word(1)<<bit) != 0 {
				return false
			}
		}
		if level == 0 {
			break
		}
		level--
		begin /= 2
		end = (end + 1) / 2
	}
	return true
}

// CountFree returns the number of free blocks at level, for tests that
// assert the §3 invariant free_count[l] <= 2^l * TOP_LEVEL_BLOCKS / 2.
func (d *Directory) CountFree(level int) uint32 {
	return atomic.LoadUint32(&d.freeCount[level])
}
