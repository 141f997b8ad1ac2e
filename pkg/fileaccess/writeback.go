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

package fileaccess

import (
	"context"
	"time"

	"github.com/google/btree"
	"github.com/nirvanaos/core/internal/corbaerr"
	"golang.org/x/time/rate"
)

// run is a maximal contiguous range of dirty, adjacent cache entries
// ready to be coalesced into a single port write (spec §4.10:
// "coalesced into maximal contiguous runs").
type run struct {
	startBlock int64
	buf        []byte
}

// collectDirtyRuns walks the cache in block-index order and groups
// every entry whose dirty interval has aged past writeTimeout into
// maximal contiguous runs.
func (fa *FileAccessDirect) collectDirtyRuns(now time.Time, writeTimeout time.Duration) []run {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	var runs []run
	var cur *run
	var lastBlock int64 = -2
	fa.entries.Ascend(func(item btree.Item) bool {
		e := item.(*cacheEntry)
		if !e.dirty() || now.Sub(e.lastWrite) < writeTimeout {
			cur = nil
			return true
		}
		if cur != nil && e.blockIndex == lastBlock+1 {
			cur.buf = append(cur.buf, e.buf...)
		} else {
			runs = append(runs, run{startBlock: e.blockIndex, buf: append([]byte(nil), e.buf...)})
			cur = &runs[len(runs)-1]
		}
		lastBlock = e.blockIndex
		return true
	})
	return runs
}

// writeBack coalesces dirty entries older than writeTimeout into
// maximal contiguous runs and submits each as one port write; on
// completion the dirty range clears, or is re-marked dirty on failure
// (spec §4.10, "Write-back").
func (fa *FileAccessDirect) writeBack(ctx context.Context, writeTimeout time.Duration) error {
	runs := fa.collectDirtyRuns(time.Now(), writeTimeout)
	var firstErr error
	for _, r := range runs {
		req := fa.dev.Write(ctx, r.startBlock*fa.blockSize, r.buf)
		_, err := req.Wait(ctx)

		fa.mu.Lock()
		nblocks := int64(len(r.buf)) / fa.blockSize
		for i := int64(0); i < nblocks; i++ {
			item := fa.entries.Get(&cacheEntry{blockIndex: r.startBlock + i})
			if item == nil {
				continue
			}
			e := item.(*cacheEntry)
			if err == nil {
				e.dirtyBegin, e.dirtyEnd = 0, 0
			}
			// failed bytes remain dirty for the next sweep to retry.
		}
		fa.mu.Unlock()

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// evict clears cache entries older than discardTimeout that are past
// end-of-file, or unlocked/not-dirty/not-in-flight (spec §4.10,
// "Cache eviction").
func (fa *FileAccessDirect) evict(now time.Time, discardTimeout time.Duration) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	var drop []int64
	fa.entries.Ascend(func(item btree.Item) bool {
		e := item.(*cacheEntry)
		age := now.Sub(e.lastRead)
		if e.lastWrite.After(e.lastRead) {
			age = now.Sub(e.lastWrite)
		}
		if age < discardTimeout {
			return true
		}
		pastEOF := e.blockIndex*fa.blockSize >= fa.fileSize
		idle := e.lockCount == 0 && !e.dirty() && e.inFlight == nil
		if pastEOF || idle {
			drop = append(drop, e.blockIndex)
		}
		return true
	})
	for _, b := range drop {
		fa.entries.Delete(&cacheEntry{blockIndex: b})
	}
}

// Housekeeping runs one write-back + eviction pass, as the periodic
// HOUSEKEEPING_PERIOD timer does in the original (spec §4.10).
func (fa *FileAccessDirect) Housekeeping(ctx context.Context, now time.Time) error {
	if err := fa.writeBack(ctx, fa.cfg.WriteTimeout); err != nil {
		return err
	}
	fa.evict(now, fa.cfg.DiscardTimeout)
	return nil
}

// Flush forces immediate write-back (timeout 0), waits for every
// dirty block to be written, aligns the device's file size to the
// logical size, and surfaces any write error as INTERNAL(errno) (spec
// §4.10, "Flush").
func (fa *FileAccessDirect) Flush(ctx context.Context) error {
	if err := fa.writeBack(ctx, 0); err != nil {
		return corbaerr.Wrap(corbaerr.Internal, 0, err)
	}
	fa.mu.Lock()
	size := fa.fileSize
	fa.mu.Unlock()
	if err := fa.dev.Truncate(ctx, size); err != nil {
		return corbaerr.Wrap(corbaerr.Internal, 0, err)
	}
	return fa.dev.Flush(ctx)
}

// Truncate shrinks or grows the logical file size, dropping dirty
// bits beyond the new end before issuing a port truncate; a truncate
// already in flight must complete first (spec §4.10, "Truncation
// (size(new_size) shrinks) drops dirty bits beyond the new end before
// issuing a port truncate; if the truncate is in flight another
// truncate must complete first").
func (fa *FileAccessDirect) Truncate(ctx context.Context, newSize int64) error {
	fa.mu.Lock()
	for fa.truncating {
		fa.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
		fa.mu.Lock()
	}
	fa.truncating = true

	if newSize < fa.fileSize {
		firstTruncBlock := newSize / fa.blockSize
		fa.entries.AscendGreaterOrEqual(&cacheEntry{blockIndex: firstTruncBlock}, func(item btree.Item) bool {
			e := item.(*cacheEntry)
			blockStart := e.blockIndex * fa.blockSize
			keep := newSize - blockStart
			if keep < 0 {
				keep = 0
			}
			if int(keep) < e.dirtyEnd {
				e.dirtyEnd = int(keep)
				if e.dirtyEnd < e.dirtyBegin {
					e.dirtyBegin, e.dirtyEnd = 0, 0
				}
			}
			return true
		})
	}
	fa.fileSize = newSize
	fa.mu.Unlock()

	err := fa.dev.Truncate(ctx, newSize)

	fa.mu.Lock()
	fa.truncating = false
	fa.mu.Unlock()

	if err != nil {
		return corbaerr.Wrap(corbaerr.Internal, 0, err)
	}
	return nil
}

// HousekeepingLimiter paces repeated Housekeeping sweeps across many
// open FileAccessDirect instances sharing one process-wide
// housekeeping goroutine (spec: "A periodic housekeeping timer
// (HOUSEKEEPING_PERIOD) scans dirty entries").
func HousekeepingLimiter(sweepsPerSecond float64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(sweepsPerSecond), 1)
}
