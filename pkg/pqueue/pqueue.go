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

// Package pqueue implements the lock-free deadline priority queue the
// scheduler's ready queues are built from (spec §4.3): a Fraser/Sundell
// style skip list keyed by (deadline, tiebreaker), insert and delete_min
// both lock-free CAS loops.
//
// The C++ original tags deletion on the low bit of a raw value pointer
// and reference-counts nodes so concurrent readers never dereference
// freed memory (spec §9, "Pointer tagging for lock-free marks"). Go has
// no raw pointer bit-play and a tracing collector makes manual node
// refcounting unnecessary for memory safety, so this port replaces the
// tagged pointer with an atomic.Bool "marked" flag per node and lets the
// garbage collector retain unlinked-but-still-referenced nodes; the
// concurrency properties (wait-free readers, lock-free writers, helped
// deletion) are otherwise preserved. See DESIGN.md.
package pqueue

import (
	"math/rand"
	"sync/atomic"
)

const maxLevelCap = 32

// Key orders ready entries by deadline, ties broken by a monotonic
// tiebreaker (the ED creation counter in spec §4.4).
type Key struct {
	Deadline   uint64
	Tiebreaker uint64
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	if k.Deadline != other.Deadline {
		return k.Deadline < other.Deadline
	}
	return k.Tiebreaker < other.Tiebreaker
}

type node[V any] struct {
	key    Key
	value  V
	marked atomic.Bool
	next   []atomic.Pointer[node[V]]
}

func newNode[V any](level int, key Key, value V) *node[V] {
	n := &node[V]{key: key, value: value, next: make([]atomic.Pointer[node[V]], level+1)}
	return n
}

// Queue is a lock-free skip-list priority queue, fixed at construction
// to MaxLevel levels (spec §4.3: "up to MAX_LEVEL levels, configurable
// per instance").
type Queue[V any] struct {
	maxLevel int
	head     *node[V]
	rnd      func() float64
}

// New creates an empty queue with up to maxLevel skip-list levels.
func New[V any](maxLevel int) *Queue[V] {
	if maxLevel < 1 {
		maxLevel = 1
	}
	if maxLevel > maxLevelCap {
		maxLevel = maxLevelCap
	}
	return &Queue[V]{
		maxLevel: maxLevel,
		head:     newNode[V](maxLevel, Key{}, *new(V)),
		rnd:      rand.Float64,
	}
}

func (q *Queue[V]) randomLevel() int {
	level := 0
	for level < q.maxLevel-1 && q.rnd() < 0.5 {
		level++
	}
	return level
}

// find locates, for each level, the rightmost node whose key is less
// than key, helping physically unlink any marked node it passes over.
func (q *Queue[V]) find(key Key) (preds, succs [maxLevelCap]*node[V]) {
retry:
	pred := q.head
	for level := q.maxLevel - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != nil {
			if curr.marked.Load() {
				next := curr.next[level].Load()
				if !pred.next[level].CompareAndSwap(curr, next) {
					goto retry
				}
				curr = next
				continue
			}
			if curr.key.Less(key) {
				pred = curr
				curr = curr.next[level].Load()
				continue
			}
			break
		}
		preds[level] = pred
		succs[level] = curr
	}
	return
}

// Insert adds (key, value); duplicate keys are allowed (the scheduler
// distinguishes entries by tiebreaker), so Insert always succeeds once
// it has linked the node at level 0.
func (q *Queue[V]) Insert(key Key, value V) {
	level := q.randomLevel()
	n := newNode(level, key, value)
	for {
		preds, succs := q.find(key)
		for i := 0; i <= level; i++ {
			n.next[i].Store(succs[i])
		}
		if preds[0].next[0].CompareAndSwap(succs[0], n) {
			for i := 1; i <= level; i++ {
				for {
					if preds[i].next[i].CompareAndSwap(succs[i], n) {
						break
					}
					preds, succs = q.find(key)
					n.next[i].Store(succs[i])
				}
			}
			return
		}
		// Lost the level-0 race; retry from scratch.
	}
}

// DeleteMin removes and returns the value with the smallest key, and
// true, or the zero value and false if the queue was empty.
func (q *Queue[V]) DeleteMin() (V, bool) {
	for {
		curr := q.head.next[0].Load()
		for curr != nil && curr.marked.Load() {
			curr = curr.next[0].Load()
		}
		if curr == nil {
			var zero V
			return zero, false
		}
		if curr.marked.CompareAndSwap(false, true) {
			// Help unlink at every level; a concurrent find() will also
			// skip it if we don't get there first.
			q.find(curr.key)
			return curr.value, true
		}
		// Someone else marked it first; retry.
	}
}

// PeekMinDeadline reports the smallest deadline currently present,
// without removing it.
func (q *Queue[V]) PeekMinDeadline() (uint64, bool) {
	curr := q.head.next[0].Load()
	for curr != nil && curr.marked.Load() {
		curr = curr.next[0].Load()
	}
	if curr == nil {
		return 0, false
	}
	return curr.key.Deadline, true
}

// Empty reports whether the queue currently has no live entries.
func (q *Queue[V]) Empty() bool {
	curr := q.head.next[0].Load()
	for curr != nil {
		if !curr.marked.Load() {
			return false
		}
		curr = curr.next[0].Load()
	}
	return true
}
