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

package heapdir

import (
	"testing"

	"pgregory.net/rapid"
)

func TestAllocateReleaseRestoresEmpty(t *testing.T) {
	d := New(Config{UnitCount: 1024, Levels: 11}) // max block 1024 units, one top block
	off, err := d.Allocate(64, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if off < 0 {
		t.Fatalf("Allocate returned -1")
	}
	if d.Empty() {
		t.Fatalf("directory reports empty right after a successful allocation")
	}
	if err := d.Release(uint64(off), uint64(off)+64, nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !d.Empty() {
		t.Fatalf("directory did not return to empty after release")
	}
}

func TestAllocateDistinctRanges(t *testing.T) {
	d := New(Config{UnitCount: 256, Levels: 9})
	a, err := d.Allocate(32, nil)
	if err != nil || a < 0 {
		t.Fatalf("Allocate a: %v (off=%d)", err, a)
	}
	b, err := d.Allocate(32, nil)
	if err != nil || b < 0 {
		t.Fatalf("Allocate b: %v (off=%d)", err, b)
	}
	if a == b {
		t.Fatalf("two live allocations returned the same offset %d", a)
	}
	lo, hi := a, a+32
	if b >= lo && b < hi {
		t.Fatalf("allocation b=%d overlaps a=[%d,%d)", b, lo, hi)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	d := New(Config{UnitCount: 64, Levels: 7})
	off, err := d.Allocate(64, nil)
	if err != nil || off != 0 {
		t.Fatalf("first allocate: off=%d err=%v", off, err)
	}
	off2, err := d.Allocate(64, nil)
	if err != nil {
		t.Fatalf("second allocate returned error instead of -1: %v", err)
	}
	if off2 != -1 {
		t.Fatalf("second allocate should have failed (directory fully used), got %d", off2)
	}
}

func TestDoubleReleaseFails(t *testing.T) {
	d := New(Config{UnitCount: 64, Levels: 7})
	off, err := d.Allocate(16, nil)
	if err != nil || off < 0 {
		t.Fatalf("Allocate: off=%d err=%v", off, err)
	}
	if err := d.Release(uint64(off), uint64(off)+16, nil); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := d.Release(uint64(off), uint64(off)+16, nil); err == nil {
		t.Fatalf("second Release of the same range should have failed")
	}
}

func TestAllocateRangeExactSpan(t *testing.T) {
	d := New(Config{UnitCount: 128, Levels: 8})
	if !d.AllocateRange(10, 42, nil) {
		t.Fatalf("AllocateRange(10,42) failed")
	}
	if !d.CheckAllocated(10, 42) {
		t.Fatalf("range [10,42) should be reported allocated")
	}
	if err := d.Release(10, 42, nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !d.Empty() {
		t.Fatalf("directory should be empty after releasing the whole reserved range")
	}
}

// TestAllocateSizesRoundTrip exercises arbitrary allocate/release orders
// and checks the directory always returns to empty once every live
// allocation has been released back, the HeapDirectory round-trip
// property.
func TestAllocateSizesRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := New(Config{UnitCount: 4096, Levels: 13})
		sizeGen := rapid.SampledFrom([]uint64{1, 2, 4, 8, 16, 32, 64})
		n := rapid.IntRange(1, 12).Draw(rt, "n")

		type live struct {
			off  int64
			size uint64
		}
		var allocs []live
		for i := 0; i < n; i++ {
			size := sizeGen.Draw(rt, "size")
			off, err := d.Allocate(size, nil)
			if err != nil {
				rt.Fatalf("Allocate: %v", err)
			}
			if off >= 0 {
				allocs = append(allocs, live{off, size})
			}
		}
		for _, a := range allocs {
			if err := d.Release(uint64(a.off), uint64(a.off)+a.size, nil); err != nil {
				rt.Fatalf("Release(%d,%d): %v", a.off, a.size, err)
			}
		}
		if !d.Empty() {
			rt.Fatalf("directory not empty after releasing every live allocation")
		}
	})
}
