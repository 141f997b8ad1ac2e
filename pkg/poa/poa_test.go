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

import "testing"

type fakeServant struct{ name string }

func TestActivateObjectAssignsFreshID(t *testing.T) {
	a := New("root", Policies{IDAssignment: SystemID, Uniqueness: UniqueID})
	s := &fakeServant{"a"}
	oid1, err := a.ActivateObject(s)
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}
	s2 := &fakeServant{"b"}
	oid2, err := a.ActivateObject(s2)
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}
	if oid1 == oid2 {
		t.Fatalf("expected distinct oids, got %q twice", oid1)
	}
}

func TestActivateObjectRejectsDoubleActivationUnderUniqueID(t *testing.T) {
	a := New("root", Policies{IDAssignment: SystemID, Uniqueness: UniqueID})
	s := &fakeServant{"a"}
	if _, err := a.ActivateObject(s); err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}
	if _, err := a.ActivateObject(s); err != ErrServantAlreadyActive {
		t.Fatalf("second activation: got %v, want ErrServantAlreadyActive", err)
	}
}

func TestActivateObjectWithIDRejectsRebinding(t *testing.T) {
	a := New("root", Policies{IDAssignment: UserID, Uniqueness: MultipleID})
	if err := a.ActivateObjectWithID("oid-1", &fakeServant{"a"}); err != nil {
		t.Fatalf("ActivateObjectWithID: %v", err)
	}
	if err := a.ActivateObjectWithID("oid-1", &fakeServant{"b"}); err != ErrObjectAlreadyActive {
		t.Fatalf("rebinding oid: got %v, want ErrObjectAlreadyActive", err)
	}
}

func TestDeactivateObjectRemovesEntry(t *testing.T) {
	a := New("root", Policies{IDAssignment: SystemID, Uniqueness: UniqueID})
	s := &fakeServant{"a"}
	oid, _ := a.ActivateObject(s)
	if err := a.DeactivateObject(oid); err != nil {
		t.Fatalf("DeactivateObject: %v", err)
	}
	if _, err := a.IDToServant(oid); err != ErrObjectNotActive {
		t.Fatalf("IDToServant after deactivate: got %v, want ErrObjectNotActive", err)
	}
}

func TestDestroyEtherealizesEveryEntry(t *testing.T) {
	a := New("root", Policies{IDAssignment: SystemID, Uniqueness: MultipleID})
	oid1, _ := a.ActivateObject(&fakeServant{"a"})
	oid2, _ := a.ActivateObject(&fakeServant{"b"})

	seen := map[ObjectId]bool{}
	a.Destroy(func(oid ObjectId, servant any) { seen[oid] = true })

	if !seen[oid1] || !seen[oid2] {
		t.Fatalf("Destroy did not etherealize every entry: %v", seen)
	}
	if a.Len() != 0 {
		t.Fatalf("AOM should be empty after Destroy, has %d entries", a.Len())
	}
	if _, err := a.ActivateObject(&fakeServant{"c"}); err != ErrAdapterInactive {
		t.Fatalf("ActivateObject after Destroy: got %v, want ErrAdapterInactive", err)
	}
}

func TestBridgeServantToObjectStable(t *testing.T) {
	b := NewBridge()
	s := &fakeServant{"a"}
	p1 := b.ServantToObject(s, nil, "oid-1", "sync-1")
	p2 := b.ServantToObject(s, nil, "oid-1", "sync-1")
	if p1 != p2 {
		t.Fatalf("ServantToObject should return the same proxy on repeat calls")
	}
}

func TestBridgeObjectToServantWrongAdapter(t *testing.T) {
	b := NewBridge()
	s := &fakeServant{"a"}
	b.ServantToObject(s, nil, "oid-1", "sync-1")

	if _, err := b.ObjectToServant("oid-1", "sync-2"); err != ErrWrongAdapter {
		t.Fatalf("ObjectToServant from wrong sync domain: got %v, want ErrWrongAdapter", err)
	}
	got, err := b.ObjectToServant("oid-1", "sync-1")
	if err != nil {
		t.Fatalf("ObjectToServant: %v", err)
	}
	if got != s {
		t.Fatalf("ObjectToServant returned %v, want the original servant", got)
	}
}
