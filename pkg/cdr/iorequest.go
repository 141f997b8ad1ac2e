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

package cdr

import (
	"context"
	"sync"

	"github.com/nirvanaos/core/internal/corbaerr"
)

// IOState is an IORequest's lifecycle state (spec §4.6).
type IOState int

const (
	IOBuilt IOState = iota
	IOInvoking
	IOAwaitingReply
	IOCompleted
	IOFailed
	IOCancelled
)

// ResponseFlags governs reply handling (spec §4.6).
type ResponseFlags int

const (
	// ResponseOneway: neither a reply is expected nor carries data.
	ResponseOneway ResponseFlags = iota
	// ResponseAckOnly: a reply is expected but carries no data.
	ResponseAckOnly
	// ResponseTwoWay: a reply is expected and carries data.
	ResponseTwoWay
)

// IORequest is a single outstanding two-way or oneway invocation.
// Callbacks registered with OnComplete run exactly once, when the
// request reaches a terminal state.
type IORequest struct {
	mu        sync.Mutex
	state     IOState
	reply     *StreamIn
	err       error
	done      chan struct{}
	callbacks []func(*IORequest)
	cancel    func() // transport-specific cancellation hook
}

// NewIORequest creates a request in the Built state. cancelFn, if
// non-nil, is invoked by Cancel to send a CancelRequest (remote) or
// dequeue (local) the in-flight invocation.
func NewIORequest(cancelFn func()) *IORequest {
	return &IORequest{state: IOBuilt, done: make(chan struct{}), cancel: cancelFn}
}

// State returns the request's current lifecycle state.
func (r *IORequest) State() IOState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// MarkInvoking transitions Built -> Invoking.
func (r *IORequest) MarkInvoking() {
	r.mu.Lock()
	if r.state == IOBuilt {
		r.state = IOInvoking
	}
	r.mu.Unlock()
}

// MarkAwaitingReply transitions Invoking -> AwaitingReply.
func (r *IORequest) MarkAwaitingReply() {
	r.mu.Lock()
	if r.state == IOInvoking {
		r.state = IOAwaitingReply
	}
	r.mu.Unlock()
}

// Complete delivers a reply stream and transitions to Completed or
// Failed, whichever is appropriate; a reply arriving after Cancel is
// discarded (spec §4.6: "a later-arriving reply is discarded").
func (r *IORequest) Complete(reply *StreamIn, err error) {
	r.mu.Lock()
	if r.state == IOCancelled || r.state == IOCompleted || r.state == IOFailed {
		r.mu.Unlock()
		return
	}
	r.reply = reply
	r.err = err
	if err != nil {
		r.state = IOFailed
	} else {
		r.state = IOCompleted
	}
	cbs := r.callbacks
	r.callbacks = nil
	r.mu.Unlock()
	close(r.done)
	for _, cb := range cbs {
		cb(r)
	}
}

// Cancel transitions a non-terminal request to Cancelled and invokes
// the transport cancellation hook; it is a no-op if the request is
// already terminal.
func (r *IORequest) Cancel() {
	r.mu.Lock()
	if r.state == IOCompleted || r.state == IOFailed || r.state == IOCancelled {
		r.mu.Unlock()
		return
	}
	r.state = IOCancelled
	cbs := r.callbacks
	r.callbacks = nil
	cancel := r.cancel
	r.mu.Unlock()
	close(r.done)
	if cancel != nil {
		cancel()
	}
	for _, cb := range cbs {
		cb(r)
	}
}

// OnComplete registers cb to run exactly once when the request reaches
// a terminal state, immediately if it already has.
func (r *IORequest) OnComplete(cb func(*IORequest)) {
	r.mu.Lock()
	if r.isTerminalLocked() {
		r.mu.Unlock()
		cb(r)
		return
	}
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

func (r *IORequest) isTerminalLocked() bool {
	return r.state == IOCompleted || r.state == IOFailed || r.state == IOCancelled
}

// Wait blocks the calling ExecDomain until the request reaches a
// terminal state or ctx is done (spec §4.6, "wait(timeout) blocks the
// calling ED via an event until terminal").
func (r *IORequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsException reports whether the completed reply marshals an
// exception (spec §4.6).
func (r *IORequest) IsException() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err != nil
}

// Reply returns the reply stream, valid once State() is IOCompleted.
func (r *IORequest) Reply() (*StreamIn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != IOCompleted {
		return nil, corbaerr.New(corbaerr.NoResponse, 0)
	}
	return r.reply, nil
}
