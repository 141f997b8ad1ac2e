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

// Package orb implements the object-reference, Domain and distributed
// garbage collection machinery of spec §4.9: a Reference binds an
// object key and a primary interface id to the Domain (local or
// remote peer) that owns the object; Domain tracks which objects it
// has exported and which remote objects it currently holds references
// to so peers can run distributed GC sweeps.
//
// Grounded on Source/ORB/Domain.h/.cpp, DomainRemote.h/.cpp,
// ReferenceRemote.cpp and RemoteDomains.h/.cpp.
package orb

import (
	"sync/atomic"
)

// ObjectKey identifies an object within a Domain (spec §4.9,
// "IOP::ObjectKey").
type ObjectKey string

// Reference binds an object key to the Domain that owns it.
type Reference struct {
	domain     *Domain
	objectKey  ObjectKey
	primaryIID string
	flags      uint
	refCnt     atomic.Int32
}

// NewReference creates a reference with an initial refcount of 1,
// mirroring ReferenceRemote's constructor.
func NewReference(domain *Domain, key ObjectKey, primaryIID string, flags uint) *Reference {
	r := &Reference{domain: domain, objectKey: key, primaryIID: primaryIID, flags: flags}
	r.refCnt.Store(1)
	return r
}

// Domain returns the Domain this reference resolves through.
func (r *Reference) Domain() *Domain { return r.domain }

// ObjectKey returns the referenced object's key.
func (r *Reference) ObjectKey() ObjectKey { return r.objectKey }

// PrimaryInterfaceID returns the reference's most-derived known
// interface repository id.
func (r *Reference) PrimaryInterfaceID() string { return r.primaryIID }

// AddRef increments the reference count (spec: "_add_ref").
func (r *Reference) AddRef() { r.refCnt.Add(1) }

// Release decrements the reference count and, on reaching zero,
// notifies the owning Domain's DGC bookkeeping that this remote
// reference has gone away (spec: "_remove_ref ... schedule garbage
// collection").
func (r *Reference) Release() {
	if r.refCnt.Add(-1) == 0 && r.domain != nil {
		r.domain.onReferenceReleased(r.objectKey)
	}
}
