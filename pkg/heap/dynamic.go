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

package heap

import "sync"

// Dynamic is the user-heap variant memory contexts hand out: while the
// pool holds fewer than PoolMin free heaps, a destroyed Dynamic returns to a free list instead
// of releasing its port reservation, and every live Dynamic is linked so
// a memory context can enumerate and release them all at teardown (spec
// §4.2, "dynamic heap variant").
type Dynamic struct {
	*Heap
	pool *Pool
	next *Dynamic
	prev *Dynamic
}

// Pool is the free list a memory context's user heaps are pooled
// through, plus the live-heap linked list used at teardown.
type Pool struct {
	cfg     Config
	poolMin int

	mu   sync.Mutex
	free []*Dynamic
	live *Dynamic // head of the live list, via next/prev
}

// NewPool creates a pool that keeps up to poolMin destroyed heaps
// around for reuse by Create instead of releasing their port
// reservations immediately.
func NewPool(cfg Config, poolMin int) *Pool {
	return &Pool{cfg: cfg, poolMin: poolMin}
}

// Create returns a Dynamic heap, reusing a pooled one if available.
func (p *Pool) Create(newHeap func() (*Heap, error)) (*Dynamic, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		d := p.free[n-1]
		p.free = p.free[:n-1]
		p.linkLocked(d)
		p.mu.Unlock()
		return d, nil
	}
	p.mu.Unlock()

	h, err := newHeap()
	if err != nil {
		return nil, err
	}
	d := &Dynamic{Heap: h, pool: p}
	p.mu.Lock()
	p.linkLocked(d)
	p.mu.Unlock()
	return d, nil
}

func (p *Pool) linkLocked(d *Dynamic) {
	d.next = p.live
	d.prev = nil
	if p.live != nil {
		p.live.prev = d
	}
	p.live = d
}

func (p *Pool) unlinkLocked(d *Dynamic) {
	if d.prev != nil {
		d.prev.next = d.next
	} else if p.live == d {
		p.live = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	}
	d.next, d.prev = nil, nil
}

// Release returns d to the pool's free list if there is room, or
// releases its underlying address-space reservation otherwise.
func (p *Pool) Release(d *Dynamic) error {
	p.mu.Lock()
	p.unlinkLocked(d)
	if len(p.free) < p.poolMin {
		p.free = append(p.free, d)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	size := uintptr(d.cfg.Directory.UnitCount * d.cfg.UnitSize)
	return d.mem.Release(d.base, size)
}

// ReleaseAll tears down every live Dynamic heap linked to this pool,
// used when a memory context is destroyed (spec §4.5).
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	d := p.live
	p.live = nil
	p.mu.Unlock()
	for d != nil {
		next := d.next
		size := uintptr(d.cfg.Directory.UnitCount * d.cfg.UnitSize)
		_ = d.mem.Release(d.base, size)
		d = next
	}
}
