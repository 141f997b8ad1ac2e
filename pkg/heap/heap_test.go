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

import (
	"testing"

	"github.com/nirvanaos/core/internal/port/simhost"
	"github.com/nirvanaos/core/pkg/heapdir"
)

func testConfig() Config {
	return Config{
		Directory: heapdir.Config{UnitCount: 4096, Levels: 13},
		UnitSize:  16,
		Commit:    4096,
	}
}

func TestAllocateReleaseSmall(t *testing.T) {
	mem := simhost.NewMemory(1 << 20)
	h, err := New(mem, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := h.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if p == 0 {
		t.Fatalf("Allocate returned null pointer")
	}
	if err := h.Release(p, 100); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAllocateLargeFallsThroughToPort(t *testing.T) {
	mem := simhost.NewMemory(1 << 24)
	cfg := testConfig()
	h, err := New(mem, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	big := uintptr(cfg.Directory.MaxBlockSize()*cfg.UnitSize + cfg.UnitSize)
	p, err := h.Allocate(big)
	if err != nil {
		t.Fatalf("Allocate(large): %v", err)
	}
	if _, ok := h.large[p]; !ok {
		t.Fatalf("large allocation was not routed through the port fallthrough path")
	}
	if err := h.Release(p, big); err != nil {
		t.Fatalf("Release(large): %v", err)
	}
}

func TestDynamicPoolReuse(t *testing.T) {
	cfg := testConfig()
	pool := NewPool(cfg, 2)
	mem := simhost.NewMemory(1 << 24)

	d1, err := pool.Create(func() (*Heap, error) { return New(mem, cfg) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	base := d1.base
	if err := pool.Release(d1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	d2, err := pool.Create(func() (*Heap, error) {
		t.Fatalf("pool should have reused the pooled heap instead of calling newHeap")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Create (reuse): %v", err)
	}
	if d2.base != base {
		t.Fatalf("reused heap has different base: got %v want %v", d2.base, base)
	}
}
