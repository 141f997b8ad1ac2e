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

package poa

import (
	"errors"
	"sync"
)

// ErrWrongAdapter is raised by ObjectToServant when the caller is not
// running in the proxy's sync context (spec §4.9).
var ErrWrongAdapter = errors.New("poa: WrongAdapter")

// Proxy is the stable bridge between a servant and the object
// reference(s) it backs: "Every PortableServer servant has at most
// one proxy" (spec §4.9).
type Proxy struct {
	Servant      any
	ActivatedPOA *AOM // weak back-pointer; the POA owns the proxy's lifetime, not vice versa

	// syncDomain identifies the sync context the servant must be
	// entered from for ObjectToServant to succeed locally.
	syncDomain any
}

// Bridge tracks the servant<->Proxy bijection across every POA in a
// process, implementing servant2object/object2servant (spec §4.9).
type Bridge struct {
	mu       sync.Mutex
	proxies  map[any]*Proxy
	byObject map[ObjectId]*Proxy
}

// NewBridge creates an empty servant/object bridge.
func NewBridge() *Bridge {
	return &Bridge{proxies: make(map[any]*Proxy), byObject: make(map[ObjectId]*Proxy)}
}

// ServantToObject returns the existing proxy for servant, installing
// one on first use (spec: "servant2object(s) returns the existing
// proxy or installs a new one the first time").
func (b *Bridge) ServantToObject(servant any, poa *AOM, oid ObjectId, syncDomain any) *Proxy {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.proxies[servant]; ok {
		return p
	}
	p := &Proxy{Servant: servant, ActivatedPOA: poa, syncDomain: syncDomain}
	b.proxies[servant] = p
	b.byObject[oid] = p
	return p
}

// ObjectToServant returns the servant behind oid, but only when the
// object is local to this domain's bridge and currentSyncDomain
// matches the proxy's sync context. An oid unknown to the bridge
// yields (nil, nil); a sync-context mismatch raises WrongAdapter
// (spec: "object2servant(o) returns a servant only if o is local to
// this domain and the caller is in the servant's sync context;
// otherwise returns null / raises WrongAdapter").
func (b *Bridge) ObjectToServant(oid ObjectId, currentSyncDomain any) (any, error) {
	b.mu.Lock()
	p, ok := b.byObject[oid]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if p.syncDomain != currentSyncDomain {
		return nil, ErrWrongAdapter
	}
	return p.Servant, nil
}

// Forget removes the proxy registered for servant/oid, called once a
// servant has been fully deactivated everywhere.
func (b *Bridge) Forget(servant any, oid ObjectId) {
	b.mu.Lock()
	delete(b.proxies, servant)
	delete(b.byObject, oid)
	b.mu.Unlock()
}
