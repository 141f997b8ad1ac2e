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

package dbpool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testDSN(t *testing.T) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), "pool.db") + "?mode=rwc"
}

func TestGetConnectionReusesReleasedConnection(t *testing.T) {
	ctx := context.Background()
	p := New("sqlite", testDSN(t), Config{MaxSize: 1, MaxCreate: 1, CreateTimeout: time.Second})
	defer p.Close()

	c1, err := p.GetConnection(ctx)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if err := c1.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	c2, err := p.GetConnection(ctx)
	if err != nil {
		t.Fatalf("second GetConnection: %v", err)
	}
	if c2.pool != c1.pool {
		t.Fatalf("expected the released connection to be reused")
	}
}

func TestGetConnectionTimesOutOnExhaustion(t *testing.T) {
	ctx := context.Background()
	p := New("sqlite", testDSN(t), Config{MaxSize: 1, MaxCreate: 1, CreateTimeout: 50 * time.Millisecond})
	defer p.Close()

	c1, err := p.GetConnection(ctx)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	defer c1.Release(ctx)

	_, err = p.GetConnection(ctx)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("GetConnection on exhausted pool = %v, want ErrPoolExhausted", err)
	}
}

func TestReleaseRollsBackWhenAutoCommitOff(t *testing.T) {
	ctx := context.Background()
	p := New("sqlite", testDSN(t), Config{MaxSize: 1, MaxCreate: 1, CreateTimeout: time.Second})
	defer p.Close()

	c, err := p.GetConnection(ctx)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	c.DB().ExecContext(ctx, "CREATE TABLE t(x INTEGER)")
	c.DB().ExecContext(ctx, "BEGIN")
	c.SetAutoCommit(false)
	if err := c.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestPrepareCachesStatementByKey(t *testing.T) {
	ctx := context.Background()
	p := New("sqlite", testDSN(t), Config{MaxSize: 1, MaxCreate: 1, CreateTimeout: time.Second})
	defer p.Close()

	c, err := p.GetConnection(ctx)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	defer c.Release(ctx)

	c.DB().ExecContext(ctx, "CREATE TABLE t(x INTEGER)")
	s1, err := c.Prepare(ctx, "SELECT x FROM t", 0)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	s2, err := c.Prepare(ctx, "SELECT x FROM t", 0)
	if err != nil {
		t.Fatalf("Prepare (cached): %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected cached statement to be reused for the same (sql, result_set_type)")
	}
}
