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
	"context"
	"testing"
	"time"
)

type fakePinger struct {
	calls int
	fail  int
}

func (p *fakePinger) Ping(ctx context.Context, domain *Domain, add, del []ObjectKey) error {
	p.calls++
	if p.calls <= p.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func TestReferenceReleaseNotifiesDomain(t *testing.T) {
	d := NewDomain()
	key := ObjectKey("obj-1")
	d.OnDGCReferenceUnmarshal(key)
	r := NewReference(d, key, "IDL:demo/Foo:1.0", 0)

	if got := len(d.PendingAdd()); got != 1 {
		t.Fatalf("PendingAdd before release = %d, want 1", got)
	}

	r.Release()
	if got := len(d.PendingAdd()); got != 0 {
		t.Fatalf("PendingAdd after release = %d, want 0", got)
	}
}

func TestComplexPingMergesAddDelete(t *testing.T) {
	d := NewDomain()
	d.ComplexPing(time.Now(), []ObjectKey{"a", "b"}, nil)
	d.ComplexPing(time.Now(), nil, []ObjectKey{"a"})

	d.mu.Lock()
	_, hasA := d.ownedObjects["a"]
	_, hasB := d.ownedObjects["b"]
	d.mu.Unlock()

	if hasA {
		t.Fatalf("object 'a' should have been deleted")
	}
	if !hasB {
		t.Fatalf("object 'b' should still be owned")
	}
}

func TestDomainIsGarbageAfterTTL(t *testing.T) {
	d := NewDomain()
	past := time.Now().Add(-time.Hour)
	d.RequestIn(past)
	if !d.IsGarbage(time.Now(), time.Minute) {
		t.Fatalf("domain silent for an hour should be garbage with a 1-minute TTL")
	}
	d.RequestIn(time.Now())
	if d.IsGarbage(time.Now(), time.Minute) {
		t.Fatalf("domain pinged just now should not be garbage")
	}
}

func TestRemoteDomainsHousekeepingDropsStalePeers(t *testing.T) {
	rd := NewRemoteDomains()
	lp := ListenPoint{Host: "127.0.0.1", Port: 9999}
	d := rd.Get(lp)
	d.RequestIn(time.Now().Add(-time.Hour))

	if rd.Housekeeping(time.Now(), time.Minute) {
		t.Fatalf("Housekeeping should report no domains remaining")
	}
	if got := rd.Get(lp); got == d {
		t.Fatalf("stale domain should have been evicted, Get returned the same instance")
	}
}

func TestDGCSweepRetriesThenSucceeds(t *testing.T) {
	d := NewDomain()
	d.OnDGCReferenceUnmarshal("x")

	pinger := &fakePinger{fail: 1}
	dgc := NewDGC(pinger, 1000, 10, nil)
	dgc.Track(d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dgc.Sweep(ctx, time.Second)

	if pinger.calls < 2 {
		t.Fatalf("expected at least one retry, got %d calls", pinger.calls)
	}
	if d.LatestRequestInTime().IsZero() {
		t.Fatalf("successful ping should have updated LatestRequestInTime")
	}
}
