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

// Package memctx implements MemContext (spec §4.5): the per-ExecDomain
// container holding the current heap, a runtime-proxy map, a TLS slot
// table, and a current-working-directory name.
//
// Rather than the C++ original's thread-local "current ExecDomain"
// lookup, this port follows gvisor's own convention of threading
// request-scoped state through context.Context: the scheduler installs
// the running ExecDomain's MemContext into the context it hands to a
// Runnable, and Current retrieves it from there.
package memctx

import (
	"context"
	"sync"

	"github.com/nirvanaos/core/pkg/heap"
)

type ctxKey struct{}

// Context is one ExecDomain's memory context.
type Context struct {
	mu      sync.Mutex
	heap    *heap.Heap
	newHeap func() (*heap.Heap, error)
	proxies map[uintptr]any
	tls     []any
	cwd     string
}

// New creates a memory context. newHeap is invoked lazily, the first
// time Heap() is called, so standalone contexts that never allocate
// never pay for a heap reservation (spec §4.5, "heap() ... creating on
// demand for standalone contexts").
func New(newHeap func() (*heap.Heap, error)) *Context {
	return &Context{newHeap: newHeap, proxies: make(map[uintptr]any)}
}

// Heap returns the context's heap, creating it on first use.
func (c *Context) Heap() (*heap.Heap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heap == nil {
		h, err := c.newHeap()
		if err != nil {
			return nil, err
		}
		c.heap = h
	}
	return c.heap, nil
}

// Proxy returns the runtime-tracking proxy registered for key,
// installing create() the first time key is seen.
func (c *Context) Proxy(key uintptr, create func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.proxies[key]; ok {
		return p
	}
	p := create()
	c.proxies[key] = p
	return p
}

// DropProxy removes a previously installed proxy.
func (c *Context) DropProxy(key uintptr) {
	c.mu.Lock()
	delete(c.proxies, key)
	c.mu.Unlock()
}

// TLS returns the value in TLS slot i, or nil if the slot has never been
// set (SetTLS grows the slot table), analogous to the per-ExecDomain TLS
// array of the original.
func (c *Context) TLS(i int) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.tls) {
		return nil
	}
	return c.tls[i]
}

// SetTLS stores value in TLS slot i.
func (c *Context) SetTLS(i int, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.tls) {
		grown := make([]any, i+1)
		copy(grown, c.tls)
		c.tls = grown
	}
	c.tls[i] = value
}

// Cwd returns the context's current-working-directory name.
func (c *Context) Cwd() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwd
}

// SetCwd updates the context's current-working-directory name.
func (c *Context) SetCwd(name string) {
	c.mu.Lock()
	c.cwd = name
	c.mu.Unlock()
}

// WithContext returns a derived context.Context carrying mc, for the
// scheduler to install before running an ExecDomain's Runnable.
func WithContext(ctx context.Context, mc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, mc)
}

// Current returns the calling ExecDomain's MemContext, or nil if none is
// installed (e.g. a worker goroutine not currently attached to an ED).
func Current(ctx context.Context) *Context {
	mc, _ := ctx.Value(ctxKey{}).(*Context)
	return mc
}

// Destroy detaches the context's current heap and passes it to release;
// it does nothing if no heap is installed. The context holds only that
// one heap, so other heaps are not released by Destroy. release is
// supplied by the caller since the concrete pooling strategy (heap.Pool)
// lives above this package.
func (c *Context) Destroy(release func(*heap.Heap) error) error {
	c.mu.Lock()
	h := c.heap
	c.heap = nil
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return release(h)
}
