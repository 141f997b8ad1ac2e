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

// Package fileaccess implements FileAccessDirect's block cache and
// write-back (spec §4.10) and the advisory byte-range locks of spec
// §4.11 (FileLockRanges, FileLockQueue).
//
// Grounded on Source/FileLockRanges.h/.cpp, FileLockQueue.h/.cpp.
package fileaccess

import (
	"sort"
)

// LockType is an NDBC DsLockable lock level, ordered from weakest to
// strongest.
type LockType int

const (
	LockNone LockType = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

// rangeEntry is one owner's locked byte range.
type rangeEntry struct {
	begin, end uint64
	owner      any
	level      LockType
}

// LockRanges tracks every owner's locked byte ranges over a single
// file, answering whether a new lock can be granted and at what level
// (spec §4.11).
//
// The original keeps these as a single sorted std::vector and splices
// segments in place; this port keeps the same sorted-slice shape
// (iteration order matters for check_read/check_write's short-circuit
// scan) but rebuilds affected spans through a merge helper instead of
// replicating the in-place std::vector splice byte for byte.
type LockRanges struct {
	ranges []rangeEntry
}

// NewLockRanges creates an empty range-lock table.
func NewLockRanges() *LockRanges { return &LockRanges{} }

func (r *LockRanges) sorted() {
	sort.Slice(r.ranges, func(i, j int) bool { return r.ranges[i].begin < r.ranges[j].begin })
}

// CheckRead reports whether [begin,end) may be read by proxy: any
// other owner's exclusive lock overlapping the range forbids it (spec:
// "check_read").
func (r *LockRanges) CheckRead(begin, end uint64, proxy any) bool {
	for _, e := range r.ranges {
		if e.end > begin && e.begin < end && e.level == LockExclusive && e.owner != proxy {
			return false
		}
	}
	return true
}

// CheckWrite reports whether [begin,end) may be written by proxy:
// every overlapping byte must be covered by proxy's own exclusive
// lock (spec: "check_write").
func (r *LockRanges) CheckWrite(begin, end uint64, proxy any) bool {
	for _, e := range r.ranges {
		if e.end > begin && e.begin < end {
			if e.level < LockExclusive || e.owner != proxy {
				return false
			}
		}
	}
	return true
}

// TestResult reports the outcome of a lock-compatibility scan.
type TestResult struct {
	// CanSet is the strongest level that can be granted, bounded by
	// the caller's requested levelMax.
	CanSet LockType
	// CurMax/CurMin bound the caller's own pre-existing lock levels
	// over the requested range (LockNone if it holds none, or if the
	// range isn't uniformly covered).
	CurMax, CurMin LockType
}

// test scans existing ranges and determines whether a new lock at
// some level between levelMin and levelMax can be granted to owner
// over [begin,end), following the priority rules of spec §4.11:
//   - another owner's PENDING-or-stronger lock forbids any new lock
//   - another owner's RESERVED lock permits only SHARED to us
//   - another owner's SHARED lock permits us up to PENDING
func (r *LockRanges) test(begin, end uint64, levelMax, levelMin LockType, owner any) (TestResult, bool) {
	level := levelMax
	curMin := LockExclusive + 1
	curMax := LockNone
	right := end

	for i := len(r.ranges) - 1; i >= 0; i-- {
		e := r.ranges[i]
		if e.begin >= end {
			continue
		}
		if e.end <= begin {
			continue
		}
		if e.owner != owner {
			if e.level >= LockPending {
				return TestResult{}, false
			} else if e.level == LockReserved {
				if levelMin > LockShared {
					return TestResult{}, false
				}
				if level > LockShared {
					level = LockShared
				}
			} else {
				if LockPending < levelMin {
					return TestResult{}, false
				}
				if level > LockPending {
					level = LockPending
				}
			}
		} else {
			if curMax < e.level {
				curMax = e.level
			}
			if e.end < right {
				curMin = LockNone
			} else if curMin > e.level {
				curMin = e.level
			}
			right = e.begin
		}
	}

	if curMin > LockExclusive {
		curMin = LockNone
	}
	return TestResult{CanSet: level, CurMax: curMax, CurMin: curMin}, true
}

// Set attempts to lock [begin,end) for owner at the strongest level
// allowed between levelMin and levelMax, returning the granted level,
// or ok=false if no level in [levelMin,levelMax] can currently be
// satisfied (spec: "set(...) returns the highest level ... or reports
// incompatibility").
func (r *LockRanges) Set(begin, end uint64, levelMax, levelMin LockType, owner any) (LockType, bool) {
	res, ok := r.test(begin, end, levelMax, levelMin, owner)
	if !ok {
		return LockNone, false
	}
	r.apply(begin, end, owner, res.CanSet)
	return res.CanSet, true
}

// apply replaces owner's coverage of [begin,end) with level, merging
// with adjacent same-level segments and leaving untouched ranges
// outside [begin,end) exactly as they were (spec: "new ranges preserve
// original levels outside the affected window").
func (r *LockRanges) apply(begin, end uint64, owner any, level LockType) {
	kept := r.ranges[:0]
	for _, e := range r.ranges {
		if e.owner != owner || e.end <= begin || e.begin >= end {
			kept = append(kept, e)
			continue
		}
		if e.begin < begin {
			kept = append(kept, rangeEntry{e.begin, begin, owner, e.level})
		}
		if e.end > end {
			kept = append(kept, rangeEntry{end, e.end, owner, e.level})
		}
	}
	r.ranges = kept

	if level != LockNone {
		r.ranges = append(r.ranges, rangeEntry{begin, end, owner, level})
	}
	r.sorted()
	r.coalesce(owner)
}

// coalesce merges owner's adjacent, same-level segments into one,
// matching "Own overlapping ranges merge when same level" (spec
// §4.11).
func (r *LockRanges) coalesce(owner any) {
	r.sorted()
	out := r.ranges[:0]
	for _, e := range r.ranges {
		if n := len(out); n > 0 && out[n-1].owner == owner && e.owner == owner &&
			out[n-1].level == e.level && out[n-1].end == e.begin {
			out[n-1].end = e.end
			continue
		}
		out = append(out, e)
	}
	r.ranges = out
}

// Release clears owner's lock over [begin,end), equivalent to
// Set(begin,end,LockNone,LockNone,owner) (spec: "Setting NONE clears
// the range and coalesces neighbours"). It reports whether anything
// changed.
func (r *LockRanges) Release(begin, end uint64, owner any) bool {
	changed := false
	for _, e := range r.ranges {
		if e.owner == owner && e.end > begin && e.begin < end {
			changed = true
			break
		}
	}
	r.apply(begin, end, owner, LockNone)
	return changed
}
