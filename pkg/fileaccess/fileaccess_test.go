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
	"sync"
	"testing"
	"time"

	"github.com/nirvanaos/core/internal/port"
)

// memDevice is an in-memory port.AsyncFile stand-in for tests.
type memDevice struct {
	mu        sync.Mutex
	data      []byte
	blockSize int64
}

func newMemDevice(blockSize int64) *memDevice {
	return &memDevice{blockSize: blockSize}
}

func (d *memDevice) BlockSize() int64 { return d.blockSize }

func (d *memDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.data)), nil
}

func (d *memDevice) Truncate(ctx context.Context, newSize int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if newSize > int64(len(d.data)) {
		grown := make([]byte, newSize)
		copy(grown, d.data)
		d.data = grown
	} else {
		d.data = d.data[:newSize]
	}
	return nil
}

type memIORequest struct {
	n   int64
	err error
}

func (r *memIORequest) Wait(ctx context.Context) (int64, error) { return r.n, r.err }
func (r *memIORequest) Cancel()                                 {}

func (d *memDevice) Read(ctx context.Context, off int64, buf []byte) port.IORequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(buf, d.extend(off, int64(len(buf))))
	return &memIORequest{n: int64(n)}
}

func (d *memDevice) Write(ctx context.Context, off int64, buf []byte) port.IORequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst := d.extend(off, int64(len(buf)))
	n := copy(dst, buf)
	return &memIORequest{n: int64(n)}
}

func (d *memDevice) extend(off, n int64) []byte {
	need := off + n
	if need > int64(len(d.data)) {
		grown := make([]byte, need)
		copy(grown, d.data)
		d.data = grown
	}
	return d.data[off : off+n]
}

func (d *memDevice) Flush(ctx context.Context) error { return nil }
func (d *memDevice) Close() error                    { return nil }

func newTestFA(t *testing.T) (*FileAccessDirect, *memDevice) {
	t.Helper()
	dev := newMemDevice(64)
	fa, err := New(dev, Config{
		BaseBlockSize:        64,
		SharingAssociativity: 64,
		WriteTimeout:         time.Hour,
		DiscardTimeout:       time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fa, dev
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	fa, _ := newTestFA(t)
	ctx := context.Background()

	want := []byte{1, 2, 3, 4, 5}
	if _, err := fa.Write(ctx, "owner", 0, want, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := fa.Read(ctx, "owner", 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestWriteAppendGrowsFileSize(t *testing.T) {
	fa, _ := newTestFA(t)
	ctx := context.Background()
	fa.Write(ctx, "owner", 0, []byte{1, 2, 3}, false)
	fa.Write(ctx, "owner", -1, []byte{4, 5, 6}, false)
	if fa.Size() != 6 {
		t.Fatalf("Size() = %d, want 6", fa.Size())
	}
}

func TestFlushPersistsToDevice(t *testing.T) {
	fa, dev := newTestFA(t)
	ctx := context.Background()
	fa.Write(ctx, "owner", 0, []byte{9, 8, 7}, false)
	if err := fa.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	size, _ := dev.Size()
	if size != 3 {
		t.Fatalf("device size = %d, want 3", size)
	}
}

func TestLockRangesExclusiveBlocksOtherWriter(t *testing.T) {
	r := NewLockRanges()
	ownerA, ownerB := "a", "b"
	level, ok := r.Set(0, 100, LockExclusive, LockExclusive, ownerA)
	if !ok || level != LockExclusive {
		t.Fatalf("owner A should acquire exclusive lock, got %v/%v", level, ok)
	}
	if r.CheckWrite(0, 100, ownerB) {
		t.Fatalf("owner B should not be able to write under A's exclusive lock")
	}
	if !r.CheckWrite(0, 100, ownerA) {
		t.Fatalf("owner A should be able to write under its own exclusive lock")
	}
}

func TestLockRangesSharedAllowsMultipleReaders(t *testing.T) {
	r := NewLockRanges()
	if _, ok := r.Set(0, 100, LockShared, LockShared, "a"); !ok {
		t.Fatalf("owner A shared lock should succeed")
	}
	if level, ok := r.Set(0, 100, LockShared, LockShared, "b"); !ok || level != LockShared {
		t.Fatalf("owner B shared lock should succeed alongside A's, got %v/%v", level, ok)
	}
}

func TestLockRangesReservedBlocksSecondReserved(t *testing.T) {
	r := NewLockRanges()
	if _, ok := r.Set(0, 100, LockReserved, LockReserved, "a"); !ok {
		t.Fatalf("owner A reserved lock should succeed")
	}
	if _, ok := r.Set(0, 100, LockReserved, LockReserved, "b"); ok {
		t.Fatalf("owner B reserved lock should be rejected while A holds RESERVED")
	}
}

func TestLockQueueGrantsAfterRelease(t *testing.T) {
	r := NewLockRanges()
	q := NewLockQueue()
	r.Set(0, 100, LockExclusive, LockExclusive, "a")

	entry := q.Enqueue(1, 0, 100, LockExclusive, LockExclusive, "b", time.Second, time.Second)

	r.Release(0, 100, "a")
	q.Retry(r)

	select {
	case level := <-entry.result:
		if level != LockExclusive {
			t.Fatalf("granted level = %v, want LockExclusive", level)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued lock was never granted after release")
	}
}
