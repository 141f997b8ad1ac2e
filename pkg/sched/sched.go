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

// Package sched implements the Scheduler, SyncDomain and ExecDomain of
// spec §4.4: a global ready queue serviced by a fixed worker pool, plus
// per-SyncDomain ready queues that serialize the ExecDomains bound to
// them.
//
// The original's explicit ExecDomain detach/reattach worker-thread
// protocol (pop ready ED, attach, run, detach, loop) exists to free an
// OS thread while an ED is suspended. Go's M:N goroutine scheduler
// already multiplexes blocked goroutines off OS threads, so suspension
// points here are modeled as ordinary blocking calls inside a Runnable
// (an event channel receive, an IORequest.Wait, a mutex Lock) rather
// than as an explicit state machine the worker pool manages; the
// worker pool's job collapses to bounding the number of CONCURRENTLY
// RUNNING ExecDomains to hardware_concurrency, which a fixed-size pool
// of goroutines does directly. See DESIGN.md.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nirvanaos/core/internal/corbaerr"
	"github.com/nirvanaos/core/internal/port"
	"github.com/nirvanaos/core/pkg/memctx"
	"github.com/nirvanaos/core/pkg/pqueue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DeadlineTime is a steady-clock tick count, as in spec §4.4.
type DeadlineTime = uint64

// DeadlineInfinite marks a deadline that never expires (the default for
// oneway calls).
const DeadlineInfinite DeadlineTime = ^DeadlineTime(0)

// MakeDeadline returns steady_now + timeout, clamped to DeadlineInfinite.
func MakeDeadline(now time.Time, timeout time.Duration) DeadlineTime {
	if timeout < 0 {
		return DeadlineInfinite
	}
	d := uint64(now.UnixNano()) + uint64(timeout.Nanoseconds())
	if d < uint64(now.UnixNano()) {
		return DeadlineInfinite // overflow
	}
	return d
}

// Policy selects the default deadline an ExecDomain is created with.
type Policy int

const (
	// PolicySync: the ED's own deadline is used as given.
	PolicySync Policy = iota
	// PolicyAsyncInherit: adopt the caller's deadline (the async default).
	PolicyAsyncInherit
	// PolicyOnewayInfinite: DeadlineInfinite (the oneway default).
	PolicyOnewayInfinite
)

// State is an ExecDomain's lifecycle state (spec §4.4).
type State int32

const (
	StateCreated State = iota
	StateQueued
	StateRunning
	StateSuspended
	StateFinished
	StateCancelled
)

// Runnable is user or subsystem code scheduled to run on an ExecDomain.
// Run should treat ctx.Done() as the cancellation-check suspension
// point described in spec §4.4 and §5.
type Runnable interface {
	Run(ctx context.Context) error
	// OnCrash is invoked if Run panics; the scheduler recovers the
	// panic and routes it here before cleaning up the ExecDomain (spec
	// §7, "Scheduler errors are routed through Runnable::on_crash").
	OnCrash(recovered any)
}

// ExecDomain is a schedulable task with its own deadline, memory
// context and cancellation flag (see GLOSSARY).
type ExecDomain struct {
	id       uint64
	deadline DeadlineTime
	runnable Runnable
	mem      *memctx.Context

	state  atomic.Int32
	domain atomic.Pointer[SyncDomain]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// State returns the ExecDomain's current lifecycle state.
func (ed *ExecDomain) State() State { return State(ed.state.Load()) }

// Deadline returns the ED's scheduling deadline.
func (ed *ExecDomain) Deadline() DeadlineTime { return ed.deadline }

// MemContext returns the ED's memory context.
func (ed *ExecDomain) MemContext() *memctx.Context { return ed.mem }

// Cancel requests cancellation: the next suspension point inside Run
// (any select on ctx.Done()) observes it.
func (ed *ExecDomain) Cancel() {
	ed.state.CompareAndSwap(int32(StateQueued), int32(StateCancelled))
	ed.cancel()
}

// Done returns a channel closed once the ExecDomain reaches a terminal
// state (Finished or Cancelled).
func (ed *ExecDomain) Done() <-chan struct{} { return ed.done }

// Err returns the error Run completed with, valid after Done() closes.
func (ed *ExecDomain) Err() error { return ed.err }

// SyncDomain is a cooperative island serializing execution of every ED
// bound to it (GLOSSARY).
type SyncDomain struct {
	ready *pqueue.Queue[*ExecDomain]
	busy  atomic.Bool
}

// NewSyncDomain creates an empty SyncDomain with the given ready-queue
// depth.
func NewSyncDomain(maxLevel int) *SyncDomain {
	return &SyncDomain{ready: pqueue.New[*ExecDomain](maxLevel)}
}

// Config sizes a Scheduler.
type Config struct {
	Workers       int // 0 = port.SystemInfo.HardwareConcurrency()
	ReadyMaxLevel int // skip-list depth of the global ready queue
}

// Scheduler owns the global ready queue and worker pool (spec §4.4).
type Scheduler struct {
	cfg     Config
	sysinfo port.SystemInfo
	log     *logrus.Entry

	ready   *pqueue.Queue[*ExecDomain]
	wake    chan struct{}
	counter atomic.Uint64

	restricted  atomic.Bool
	backoffHint atomic.Uint32

	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. It does not start its worker pool until
// Start is called.
func New(sysinfo port.SystemInfo, cfg Config, log *logrus.Logger) *Scheduler {
	if cfg.ReadyMaxLevel == 0 {
		cfg.ReadyMaxLevel = 18
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:     cfg,
		sysinfo: sysinfo,
		log:     log.WithField("component", "scheduler"),
		ready:   pqueue.New[*ExecDomain](cfg.ReadyMaxLevel),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the worker pool, one goroutine per
// Port::SystemInfo::hardware_concurrency(), each a member of an
// errgroup.Group (spec §11 DOMAIN STACK).
func (s *Scheduler) Start(ctx context.Context) {
	n := s.cfg.Workers
	if n <= 0 {
		n = s.sysinfo.HardwareConcurrency()
	}
	if n <= 0 {
		n = 1
	}
	gctx, cancel := context.WithCancel(ctx)
	s.gctx, s.cancel = gctx, cancel
	g, gctx := errgroup.WithContext(gctx)
	s.group = g
	for i := 0; i < n; i++ {
		g.Go(func() error { return s.workerLoop(gctx) })
	}
	s.log.WithField("workers", n).Info("scheduler started")
}

// Stop cancels the worker pool and waits for every worker to return.
func (s *Scheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		return s.group.Wait()
	}
	return nil
}

// SetRestricted enters or leaves restricted mode (spec §4.4,
// "Entering module_terminate disables stateless-object creation and
// certain binder calls").
func (s *Scheduler) SetRestricted(v bool) { s.restricted.Store(v) }

// CheckNotRestricted raises BAD_INV_ORDER if the scheduler is currently
// in restricted (module-terminate) mode.
func (s *Scheduler) CheckNotRestricted() error {
	if s.restricted.Load() {
		return corbaerr.New(corbaerr.BadInvOrder, 0)
	}
	return nil
}

// BackOff records a congestion hint from a caller observing scheduling
// pressure (spec §4.4, "Scheduler back_off hint"; Interface/Scheduler.h
// `back_off(ULong hint)`).
func (s *Scheduler) BackOff(hint uint32) { s.backoffHint.Store(hint) }

// BackOffHint returns the most recently recorded congestion hint, which
// the worker pool or a caller issuing new work may use to shed load.
func (s *Scheduler) BackOffHint() uint32 { return s.backoffHint.Load() }

// CreateExecDomain creates a new ExecDomain with the given deadline
// policy and binds mem as its memory context.
func (s *Scheduler) CreateExecDomain(parent context.Context, deadline DeadlineTime, policy Policy, callerDeadline DeadlineTime, mem *memctx.Context, r Runnable) *ExecDomain {
	switch policy {
	case PolicyAsyncInherit:
		deadline = callerDeadline
	case PolicyOnewayInfinite:
		deadline = DeadlineInfinite
	}
	ctx, cancel := context.WithCancel(parent)
	ed := &ExecDomain{
		id:       s.counter.Add(1),
		deadline: deadline,
		runnable: r,
		mem:      mem,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	ed.state.Store(int32(StateCreated))
	return ed
}

// Schedule enqueues ed, either on the Scheduler's global (parallel)
// ready queue when domain is nil, or on domain's private ready queue
// (spec §4.4, "Cross-context scheduling").
func (s *Scheduler) Schedule(ed *ExecDomain, domain *SyncDomain) {
	old := ed.domain.Load()
	if old != nil && old != domain {
		old.leave(ed)
	}
	ed.domain.Store(domain)
	ed.state.CompareAndSwap(int32(StateCreated), int32(StateQueued))
	ed.state.CompareAndSwap(int32(StateSuspended), int32(StateQueued))

	key := pqueue.Key{Deadline: ed.deadline, Tiebreaker: ed.id}
	if domain == nil {
		s.ready.Insert(key, ed)
		s.signal()
		return
	}
	domain.ready.Insert(key, ed)
	if domain.busy.CompareAndSwap(false, true) {
		s.dispatchFromDomain(domain)
	}
}

// dispatchFromDomain pops domain's own next-ready ED (the caller must
// already hold the right to run one, i.e. domain.busy was just
// acquired) and places it on the global queue so a worker picks it up;
// the domain stays marked busy until that ED's run completes.
func (s *Scheduler) dispatchFromDomain(domain *SyncDomain) {
	next, ok := domain.ready.DeleteMin()
	if !ok {
		domain.busy.Store(false)
		return
	}
	s.ready.Insert(pqueue.Key{Deadline: next.deadline, Tiebreaker: next.id}, next)
	s.signal()
}

func (s *SyncDomain) leave(ed *ExecDomain) {
	// The ED is not the domain's currently-running one (that case is
	// handled by the worker's post-run handoff); nothing further to do
	// beyond having already been removed from this domain's pointer by
	// the caller.
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) workerLoop(ctx context.Context) error {
	for {
		ed, ok := s.ready.DeleteMin()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}
		s.run(ed)
	}
}

func (s *Scheduler) run(ed *ExecDomain) {
	ed.state.Store(int32(StateRunning))
	runCtx := memctx.WithContext(ed.ctx, ed.mem)

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.WithFields(logrus.Fields{"ed": ed.id, "panic": r}).Error("execdomain crashed")
				ed.runnable.OnCrash(r)
				ed.err = corbaerr.New(corbaerr.Unknown, 0)
			}
		}()
		ed.err = ed.runnable.Run(runCtx)
	}()

	if ed.ctx.Err() != nil {
		ed.state.Store(int32(StateCancelled))
	} else {
		ed.state.Store(int32(StateFinished))
	}
	close(ed.done)

	if domain := ed.domain.Load(); domain != nil {
		s.dispatchFromDomain(domain)
	}
}
