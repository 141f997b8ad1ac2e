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

package packagedb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "packages.db")
	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterBinaryCreatesModule(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.RegisterBinary(ctx, "/lib/foo.so", "Foo", 0, 0); err != nil {
		t.Fatalf("RegisterBinary: %v", err)
	}
	id, ok, err := db.ModuleID(ctx, "Foo")
	if err != nil || !ok {
		t.Fatalf("ModuleID: id=%d ok=%v err=%v", id, ok, err)
	}
	name, err := db.ModuleName(ctx, id)
	if err != nil || name != "Foo" {
		t.Fatalf("ModuleName = %q, %v, want Foo", name, err)
	}
}

func TestRegisterBinaryRejectsDuplicatePlatform(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.RegisterBinary(ctx, "/lib/foo.so", "Foo", 0, 0); err != nil {
		t.Fatalf("first RegisterBinary: %v", err)
	}
	err := db.RegisterBinary(ctx, "/lib/foo-dup.so", "Foo", 0, 0)
	if !errors.Is(err, ErrModuleExists) {
		t.Fatalf("duplicate RegisterBinary = %v, want ErrModuleExists", err)
	}
}

func TestBindPackageAssociatesModule(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	db.RegisterBinary(ctx, "/lib/foo.so", "Foo", 0, 0)
	id, _, _ := db.ModuleID(ctx, "Foo")
	if err := db.BindPackage(ctx, "mypackage", id); err != nil {
		t.Fatalf("BindPackage: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.db")
	ctx := context.Background()
	db1, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.RegisterBinary(ctx, "/lib/foo.so", "Foo", 0, 0)
	db1.Close()

	db2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()
	if _, ok, _ := db2.ModuleID(ctx, "Foo"); !ok {
		t.Fatalf("module Foo should survive reopen")
	}
}
