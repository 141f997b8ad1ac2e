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

package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nirvanaos/core/internal/port/simhost"
)

type fnRunnable struct {
	fn func(ctx context.Context) error
}

func (r fnRunnable) Run(ctx context.Context) error { return r.fn(ctx) }
func (r fnRunnable) OnCrash(any)                    {}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(simhost.SystemInfo{}, Config{Workers: 4}, nil)
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestScheduleRunsOnFreeContext(t *testing.T) {
	s := newTestScheduler(t)
	done := make(chan struct{})
	ed := s.CreateExecDomain(context.Background(), 1, PolicySync, 0, nil, fnRunnable{func(ctx context.Context) error {
		close(done)
		return nil
	}})
	s.Schedule(ed, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runnable never ran")
	}
	<-ed.Done()
	if ed.State() != StateFinished {
		t.Fatalf("state = %v, want StateFinished", ed.State())
	}
}

func TestSyncDomainSerializesExecution(t *testing.T) {
	s := newTestScheduler(t)
	domain := NewSyncDomain(8)

	var mu sync.Mutex
	var active int
	var maxActive int
	var wg sync.WaitGroup

	const n = 20
	wg.Add(n)
	for i := 0; i < n; i++ {
		ed := s.CreateExecDomain(context.Background(), DeadlineTime(i), PolicySync, 0, nil, fnRunnable{func(ctx context.Context) error {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			wg.Done()
			return nil
		}})
		s.Schedule(ed, domain)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("SyncDomain allowed %d concurrently running ExecDomains, want 1", maxActive)
	}
}

func TestCancelExecDomain(t *testing.T) {
	s := newTestScheduler(t)
	started := make(chan struct{})
	ed := s.CreateExecDomain(context.Background(), DeadlineInfinite, PolicySync, 0, nil, fnRunnable{func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	s.Schedule(ed, nil)
	<-started
	ed.Cancel()
	<-ed.Done()
	if ed.State() != StateCancelled {
		t.Fatalf("state = %v, want StateCancelled", ed.State())
	}
}
