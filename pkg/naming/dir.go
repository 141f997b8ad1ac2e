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

package naming

import (
	"errors"
	"sort"
	"sync"

	"github.com/moby/locker"
)

var (
	ErrNotFound     = errors.New("naming: NotFound")
	ErrAlreadyBound = errors.New("naming: AlreadyBound")
	ErrNotContext   = errors.New("naming: NotContext, component is not a NamingContext")
	ErrInvalidName  = errors.New("naming: InvalidName")
)

// binding is a single (id, kind) -> object entry. obj is either a
// leaf value or a *Dir for a nested naming context.
type binding struct {
	component Component
	obj       any
	isContext bool
}

// Dir is a CosNaming NamingContext: a single level of the naming
// tree, holding bindings keyed by (id, kind) (spec §4.12).
type Dir struct {
	locks *locker.Locker

	mu       sync.RWMutex
	children map[string]*binding // keyed by keyOf(component)
	order    []string            // bound keys in insertion order; List sorts a copy
}

// New creates an empty naming context.
func New() *Dir {
	return &Dir{locks: locker.New(), children: make(map[string]*binding)}
}

func keyOf(c Component) string { return c.ID + "\x00" + c.Kind }

// Bind binds name (resolved through any intermediate contexts, which
// must already exist) to obj (spec: "bind ... follow CORBA CosNaming
// semantics").
func (d *Dir) Bind(name Name, obj any) error {
	return d.bindAt(name, obj, false, false)
}

// Rebind is Bind but overwrites an existing binding instead of
// failing (spec: "rebind").
func (d *Dir) Rebind(name Name, obj any) error {
	return d.bindAt(name, obj, true, false)
}

// BindContext binds name to a nested NamingContext (spec:
// "bind_context").
func (d *Dir) BindContext(name Name, ctx *Dir) error {
	return d.bindAt(name, ctx, false, true)
}

// BindNewContext creates and binds a fresh subdirectory at name,
// returning it (spec: "bind_new_context creates a subdirectory").
func (d *Dir) BindNewContext(name Name) (*Dir, error) {
	sub := New()
	if err := d.BindContext(name, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (d *Dir) bindAt(name Name, obj any, rebind bool, isContext bool) error {
	if len(name) == 0 {
		return ErrInvalidName
	}
	dir, last, err := d.resolveParent(name)
	if err != nil {
		return err
	}
	key := keyOf(last)
	dir.locks.Lock(key)
	defer dir.locks.Unlock(key)

	dir.mu.Lock()
	defer dir.mu.Unlock()
	if _, exists := dir.children[key]; exists && !rebind {
		return ErrAlreadyBound
	}
	if _, exists := dir.children[key]; !exists {
		dir.order = append(dir.order, key)
	}
	dir.children[key] = &binding{component: last, obj: obj, isContext: isContext}
	return nil
}

// Resolve walks name through this context and any nested contexts,
// returning the bound object (spec: "resolve").
func (d *Dir) Resolve(name Name) (any, error) {
	if len(name) == 0 {
		return d, nil
	}
	dir, last, err := d.resolveParent(name)
	if err != nil {
		return nil, err
	}
	dir.mu.RLock()
	b, ok := dir.children[keyOf(last)]
	dir.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return b.obj, nil
}

// resolveParent walks every component of name except the last,
// requiring each to be a nested Dir, and returns the final context
// plus the unresolved last component.
func (d *Dir) resolveParent(name Name) (*Dir, Component, error) {
	cur := d
	for _, c := range name[:len(name)-1] {
		cur.mu.RLock()
		b, ok := cur.children[keyOf(c)]
		cur.mu.RUnlock()
		if !ok {
			return nil, Component{}, ErrNotFound
		}
		sub, ok := b.obj.(*Dir)
		if !ok {
			return nil, Component{}, ErrNotContext
		}
		cur = sub
	}
	return cur, name[len(name)-1], nil
}

// Unbind removes name's binding (spec: "unbind").
func (d *Dir) Unbind(name Name) error {
	if len(name) == 0 {
		return ErrInvalidName
	}
	dir, last, err := d.resolveParent(name)
	if err != nil {
		return err
	}
	key := keyOf(last)
	dir.locks.Lock(key)
	defer dir.locks.Unlock(key)

	dir.mu.Lock()
	defer dir.mu.Unlock()
	if _, ok := dir.children[key]; !ok {
		return ErrNotFound
	}
	delete(dir.children, key)
	for i, k := range dir.order {
		if k == key {
			dir.order = append(dir.order[:i], dir.order[i+1:]...)
			break
		}
	}
	return nil
}

// Binding pairs a component with whether it is itself a context, the
// element type List/BindingIterator hand back.
type Binding struct {
	Component Component
	IsContext bool
}

// List returns up to howMany bindings plus, if more remain, an
// iterator over the rest (spec: "Iteration returns at least how_many
// entries (or all) plus optionally a BindingIterator for the
// remainder").
func (d *Dir) List(howMany int) ([]Binding, *BindingIterator) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := append([]string(nil), d.order...)
	sort.Strings(keys) // stable, deterministic enumeration order

	all := make([]Binding, 0, len(keys))
	for _, k := range keys {
		b := d.children[k]
		all = append(all, Binding{Component: b.component, IsContext: b.isContext})
	}

	if howMany >= len(all) {
		return all, nil
	}
	return all[:howMany], newBindingIterator(all[howMany:])
}

// BindingIterator hands out the remainder of a List call in slices.
type BindingIterator struct {
	mu   sync.Mutex
	rest []Binding
}

func newBindingIterator(rest []Binding) *BindingIterator {
	return &BindingIterator{rest: rest}
}

// Next returns the next n bindings, or fewer at the end; ok is false
// once exhausted.
func (it *BindingIterator) Next(n int) (bindings []Binding, ok bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.rest) == 0 {
		return nil, false
	}
	if n > len(it.rest) {
		n = len(it.rest)
	}
	bindings, it.rest = it.rest[:n], it.rest[n:]
	return bindings, true
}

// Destroy is a no-op placeholder matching CosNaming's
// BindingIterator::destroy; Go's GC reclaims the iterator once
// unreferenced.
func (it *BindingIterator) Destroy() {}
