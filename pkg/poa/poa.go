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

// Package poa implements the Portable Object Adapter's Active Object
// Map (spec §4.8): the mapping from ObjectId to servant, under the
// UNIQUE_ID/MULTIPLE_ID and SYSTEM_ID/USER_ID policies, plus the
// servant-to-proxy bridge of spec §4.9.
//
// Grounded on Objects/ORB/POA.cpp, POA_p.cpp and
// Source/ORB/POA_AOM.cpp/POA_p.cpp.
package poa

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/moby/locker"
)

// ObjectId is the POA's per-object identifier (spec: "ObjectId").
type ObjectId string

// IDAssignment selects how ObjectIds are produced.
type IDAssignment int

const (
	SystemID IDAssignment = iota
	UserID
)

// Uniqueness selects whether a servant may be active under more than
// one ObjectId simultaneously.
type Uniqueness int

const (
	UniqueID Uniqueness = iota
	MultipleID
)

var (
	// ErrObjectAlreadyActive is raised by ActivateObjectWithID when
	// oid is already bound.
	ErrObjectAlreadyActive = errors.New("poa: ObjectAlreadyActive")
	// ErrServantAlreadyActive is raised under UNIQUE_ID when the
	// servant is already bound to a different oid.
	ErrServantAlreadyActive = errors.New("poa: ServantAlreadyActive")
	// ErrObjectNotActive is raised when oid has no AOM entry.
	ErrObjectNotActive = errors.New("poa: ObjectNotActive")
	// ErrAdapterInactive is raised once the POA has begun destruction.
	ErrAdapterInactive = errors.New("poa: AdapterInactive")
)

// Policies bundles the subset of POA policies the AOM enforces;
// RETAIN/NON_RETAIN and the servant-manager policies govern request
// dispatch, handled above this package.
type Policies struct {
	IDAssignment IDAssignment
	Uniqueness   Uniqueness
}

// AOM is a Portable Object Adapter's active object map: a strongly
// owned ObjectId -> servant table plus the reverse index UNIQUE_ID
// needs to reject double activation.
type AOM struct {
	name     string
	policies Policies

	locks *locker.Locker

	mu          sync.RWMutex
	byID        map[ObjectId]any
	byServant   map[any]ObjectId
	counter     atomic.Uint64
	destroyed   atomic.Bool
}

// New creates an AOM named name (the POA's own name, used in
// generated SYSTEM_IDs for traceability).
func New(name string, policies Policies) *AOM {
	return &AOM{
		name:      name,
		policies:  policies,
		locks:     locker.New(),
		byID:      make(map[ObjectId]any),
		byServant: make(map[any]ObjectId),
	}
}

// newSystemID generates a fresh oid: a monotonic counter salted with
// a random UUID suffix so ids are globally unique across POA restarts
// (spec: "monotonic counter + salt").
func (a *AOM) newSystemID() ObjectId {
	n := a.counter.Add(1)
	return ObjectId(fmt.Sprintf("%s/%d/%s", a.name, n, uuid.New().String()))
}

// ActivateObject assigns servant a fresh SYSTEM_ID oid (spec:
// "activate_object(servant) -> oid. Requires SYSTEM_ID.").
func (a *AOM) ActivateObject(servant any) (ObjectId, error) {
	if a.policies.IDAssignment != SystemID {
		return "", fmt.Errorf("poa: activate_object requires SYSTEM_ID policy")
	}
	if a.destroyed.Load() {
		return "", ErrAdapterInactive
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.policies.Uniqueness == UniqueID {
		if _, bound := a.byServant[servant]; bound {
			return "", ErrServantAlreadyActive
		}
	}
	oid := a.newSystemID()
	a.byID[oid] = servant
	a.byServant[servant] = oid
	return oid, nil
}

// ActivateObjectWithID binds servant to the caller-supplied oid (spec:
// "activate_object_with_id(oid, servant). Requires the oid not bound;
// UNIQUE_ID also requires servant not bound.").
func (a *AOM) ActivateObjectWithID(oid ObjectId, servant any) error {
	if a.destroyed.Load() {
		return ErrAdapterInactive
	}
	a.locks.Lock(string(oid))
	defer a.locks.Unlock(string(oid))

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, bound := a.byID[oid]; bound {
		return ErrObjectAlreadyActive
	}
	if a.policies.Uniqueness == UniqueID {
		if _, bound := a.byServant[servant]; bound {
			return ErrServantAlreadyActive
		}
	}
	a.byID[oid] = servant
	a.byServant[servant] = oid
	return nil
}

// DeactivateObject removes oid's AOM entry (spec:
// "deactivate_object(oid). Removes the entry...").
func (a *AOM) DeactivateObject(oid ObjectId) error {
	a.locks.Lock(string(oid))
	defer a.locks.Unlock(string(oid))

	a.mu.Lock()
	defer a.mu.Unlock()
	servant, ok := a.byID[oid]
	if !ok {
		return ErrObjectNotActive
	}
	delete(a.byID, oid)
	if bound, ok := a.byServant[servant]; ok && bound == oid {
		delete(a.byServant, servant)
	}
	return nil
}

// IDToServant returns the servant bound to oid (spec: "id_to_servant").
func (a *AOM) IDToServant(oid ObjectId) (any, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.byID[oid]
	if !ok {
		return nil, ErrObjectNotActive
	}
	return s, nil
}

// ServantToID returns the oid a servant is currently bound to (spec:
// "servant_to_id"). Under MULTIPLE_ID a servant may have several
// active ids; this returns an arbitrary one of them, matching the
// CORBA POA specification's own non-determinism there.
func (a *AOM) ServantToID(servant any) (ObjectId, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	oid, ok := a.byServant[servant]
	return oid, ok
}

// Destroy marks the AOM destroyed (rejecting further activation),
// swaps out both maps and invokes etherealize for each removed entry
// (spec: "Destruction cascades: mark POA destroyed ...
// etherealize all, then release the AOM").
func (a *AOM) Destroy(etherealize func(oid ObjectId, servant any)) {
	a.destroyed.Store(true)

	a.mu.Lock()
	entries := a.byID
	a.byID = make(map[ObjectId]any)
	a.byServant = make(map[any]ObjectId)
	a.mu.Unlock()

	for oid, servant := range entries {
		if etherealize != nil {
			etherealize(oid, servant)
		}
	}
}

// Len reports the number of active AOM entries.
func (a *AOM) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byID)
}
