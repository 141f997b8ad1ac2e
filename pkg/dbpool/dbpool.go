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

// Package dbpool implements the driver-agnostic NDBC connection pool
// of spec §4.13: bounded resident and in-flight connection counts,
// wait-with-timeout on exhaustion, and release-time state
// reconciliation. Built over database/sql.DB (via sqlx) so it is
// usable with any driver registered in the pack, including
// pkg/packagedb's modernc.org/sqlite.
package dbpool

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ErrPoolExhausted is raised when get_connection's creation timeout
// elapses with no connection released, destroyed, or newly creatable.
var ErrPoolExhausted = errors.New("dbpool: exhausted, creation timeout elapsed")

// Config bounds a Pool (spec §4.13: "max_size (resident) and
// max_create (concurrent in-existence) plus a creation timeout").
type Config struct {
	MaxSize        int
	MaxCreate      int
	CreateTimeout  time.Duration
	DoNotSharePrep bool // DO_NOT_SHARE_PREPARED
}

// pooledConn is one live *sqlx.DB-backed connection plus the state a
// release must reconcile.
type pooledConn struct {
	db         *sqlx.DB
	autoCommit bool
	stmtCache  map[stmtKey]*sqlx.Stmt
}

// stmtKey is how prepared statements are cached inside a pooled
// connection (spec: "Statement caches inside a connection pool are
// keyed (sql, result_set_type)").
type stmtKey struct {
	sql           string
	resultSetType int
}

// Pool is a driver-agnostic pool of NDBC-style connections.
type Pool struct {
	driverName string
	dsn        string
	cfg        Config

	mu       sync.Mutex
	idle     []*pooledConn
	inFlight int // resident + currently-being-created
	released chan struct{}
}

// New constructs a Pool that lazily dials driverName/dsn connections
// on demand, up to cfg.MaxCreate concurrently and cfg.MaxSize resident.
func New(driverName, dsn string, cfg Config) *Pool {
	if cfg.MaxCreate <= 0 {
		cfg.MaxCreate = cfg.MaxSize
	}
	return &Pool{
		driverName: driverName,
		dsn:        dsn,
		cfg:        cfg,
		released:   make(chan struct{}, 1),
	}
}

// Conn is the proxy get_connection hands back; Release returns it to
// the pool after reconciling its state.
type Conn struct {
	pool      *pooledConn
	p         *Pool
	stmtCache map[stmtKey]*sqlx.Stmt
}

// DB exposes the underlying *sqlx.DB for queries.
func (c *Conn) DB() *sqlx.DB { return c.pool.db }

// Prepare returns a cached prepared statement for (query, resultSetType),
// creating one if absent.
func (c *Conn) Prepare(ctx context.Context, query string, resultSetType int) (*sqlx.Stmt, error) {
	key := stmtKey{sql: query, resultSetType: resultSetType}
	if stmt, ok := c.pool.stmtCache[key]; ok {
		return stmt, nil
	}
	stmt, err := c.pool.db.PreparexContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "dbpool: prepare")
	}
	c.pool.stmtCache[key] = stmt
	return stmt, nil
}

// GetConnection waits on the pool until a connection is available or
// creatable, up to cfg.CreateTimeout (spec: "on pool exhaustion it
// waits on an event until some connection is released or destroyed,
// up to the creation timeout, then raises an exception").
func (p *Pool) GetConnection(ctx context.Context) (*Conn, error) {
	deadline := time.Now().Add(p.cfg.CreateTimeout)
	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return &Conn{pool: pc, p: p}, nil
		}
		if p.inFlight < p.cfg.MaxCreate {
			p.inFlight++
			p.mu.Unlock()
			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.inFlight--
				p.mu.Unlock()
				return nil, err
			}
			return &Conn{pool: pc, p: p}, nil
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if p.cfg.CreateTimeout > 0 && remaining <= 0 {
			return nil, ErrPoolExhausted
		}
		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if p.cfg.CreateTimeout > 0 {
			timer = time.NewTimer(remaining)
			timeoutCh = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-p.released:
			if timer != nil {
				timer.Stop()
			}
		case <-timeoutCh:
			return nil, ErrPoolExhausted
		}
	}
}

func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	db, err := sqlx.ConnectContext(ctx, p.driverName, p.dsn)
	if err != nil {
		return nil, errors.Wrap(err, "dbpool: connect")
	}
	return &pooledConn{db: db, autoCommit: true, stmtCache: make(map[stmtKey]*sqlx.Stmt)}, nil
}

// Release reconciles c's state (a rollback if auto-commit is off, and
// clearing the prepared-statement cache if DoNotSharePrep is set) and
// returns the underlying connection to the pool if it still fits under
// max_size, otherwise closes it. Savepoints are not tracked or
// released.
func (c *Conn) Release(ctx context.Context) error {
	p := c.p
	var reconcileErr error
	if !c.pool.autoCommit {
		if _, err := c.pool.db.ExecContext(ctx, "ROLLBACK"); err != nil {
			reconcileErr = errors.Wrap(err, "dbpool: rollback on release")
		}
		c.pool.autoCommit = true
	}
	if p.cfg.DoNotSharePrep {
		for key, stmt := range c.pool.stmtCache {
			stmt.Close()
			delete(c.pool.stmtCache, key)
		}
	}

	p.mu.Lock()
	if len(p.idle)+1 <= p.cfg.MaxSize {
		p.idle = append(p.idle, c.pool)
		p.mu.Unlock()
		p.notifyReleased()
		return reconcileErr
	}
	p.inFlight--
	p.mu.Unlock()
	p.notifyReleased()
	closeErr := c.pool.db.Close()
	if reconcileErr != nil {
		return reconcileErr
	}
	return errors.Wrap(closeErr, "dbpool: close evicted connection")
}

func (p *Pool) notifyReleased() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// SetAutoCommit records whether c is in auto-commit mode, consulted
// by Release to decide whether a rollback is needed.
func (c *Conn) SetAutoCommit(auto bool) { c.pool.autoCommit = auto }

// Close shuts down every idle connection in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, pc := range p.idle {
		if err := pc.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	return firstErr
}
