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

package orb

import (
	"sync"
	"time"
)

// ListenPoint identifies a remote ORB endpoint, the Go analog of
// IIOP::ListenPoint (host, port).
type ListenPoint struct {
	Host string
	Port uint16
}

// RemoteDomains is the registry of peer domains reached over IIOP,
// keyed by listen point, with periodic housekeeping to drop peers
// that have gone quiet (spec §4.9; grounded on RemoteDomains.h/.cpp).
type RemoteDomains struct {
	mu           sync.Mutex
	listenPoints map[ListenPoint]*Domain
}

// NewRemoteDomains creates an empty registry.
func NewRemoteDomains() *RemoteDomains {
	return &RemoteDomains{listenPoints: make(map[ListenPoint]*Domain)}
}

// Get returns the Domain for lp, creating one via NewDomain on first
// use (spec: "RemoteDomains::get").
func (r *RemoteDomains) Get(lp ListenPoint) *Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.listenPoints[lp]
	if !ok {
		d = NewDomain()
		r.listenPoints[lp] = d
	}
	return d
}

// Erase drops the Domain registered for lp without shutting it down.
func (r *RemoteDomains) Erase(lp ListenPoint) {
	r.mu.Lock()
	delete(r.listenPoints, lp)
	r.mu.Unlock()
}

// Housekeeping removes every domain that has been silent longer than
// ttl and reports whether any domain remains registered (spec:
// "housekeeping").
func (r *RemoteDomains) Housekeeping(now time.Time, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for lp, d := range r.listenPoints {
		if d.IsGarbage(now, ttl) {
			delete(r.listenPoints, lp)
		}
	}
	return len(r.listenPoints) > 0
}

// Shutdown closes every registered domain's event broadcaster.
func (r *RemoteDomains) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.listenPoints {
		_ = d.Close()
	}
}
