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

package pqueue

import (
	"container/heap"
	"math/rand"
	"sort"
	"testing"
)

// refHeap is a reference std-library priority queue used to cross-check
// Queue's extraction order (spec §8, scenario 3).
type refItem struct {
	deadline, index uint64
}
type refHeap []refItem

func (h refHeap) Len() int { return len(h) }
func (h refHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].index < h[j].index
}
func (h refHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *refHeap) Push(x any)        { *h = append(*h, x.(refItem)) }
func (h *refHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func TestInsertDeleteMinMatchesReference(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	q := New[uint64](18)
	ref := &refHeap{}
	heap.Init(ref)

	const n = 1000
	for i := 0; i < n; i++ {
		deadline := uint64(r.Intn(100))
		q.Insert(Key{Deadline: deadline, Tiebreaker: uint64(i)}, uint64(i))
		heap.Push(ref, refItem{deadline: deadline, index: uint64(i)})
	}

	for i := 0; i < n; i++ {
		got, ok := q.DeleteMin()
		if !ok {
			t.Fatalf("DeleteMin: queue empty at i=%d, want %d more entries", i, n-i)
		}
		want := heap.Pop(ref).(refItem)
		if got != want.index {
			t.Fatalf("DeleteMin order mismatch at i=%d: got index %d, want %d", i, got, want.index)
		}
	}
	if !q.Empty() {
		t.Fatalf("queue should be empty after draining every inserted entry")
	}
	if _, ok := q.DeleteMin(); ok {
		t.Fatalf("DeleteMin on empty queue should report false")
	}
}

func TestFIFOWithinEqualDeadlines(t *testing.T) {
	q := New[int](8)
	const n = 50
	for i := 0; i < n; i++ {
		q.Insert(Key{Deadline: 7, Tiebreaker: uint64(i)}, i)
	}
	var got []int
	for {
		v, ok := q.DeleteMin()
		if !ok {
			break
		}
		got = append(got, v)
	}
	if !sort.IntsAreSorted(got) {
		t.Fatalf("equal-deadline entries were not extracted in FIFO (tiebreaker) order: %v", got)
	}
}
