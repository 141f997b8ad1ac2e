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

// Package packagedb implements the SQLite-backed package/module/binary
// registry of spec §6 ("regmod registers a binary module with the
// package manager"), opening /var/lib/packages.db (or a caller-chosen
// path) and creating its schema on first use.
//
// Grounded on Installer/InstallerImpl.cpp's Singleton, which opens the
// database with "file:...?mode=rwc&journal_mode=WAL", checks
// PRAGMA user_version against a DATABASE_VERSION constant, and runs the
// packages/modules/mod2pack/binaries/objects DDL inside one transaction
// when the version does not match.
package packagedb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// DatabaseVersion is the schema version stamped into PRAGMA
// user_version; bumping it forces ensureSchema to rerun the DDL on next open.
const DatabaseVersion = 1

// DefaultPath is the well-known registry location named in spec §6.
const DefaultPath = "/var/lib/packages.db"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS packages(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE
);
CREATE TABLE IF NOT EXISTS modules(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT UNIQUE,
	flags INTEGER
);
CREATE TABLE IF NOT EXISTS mod2pack(
	package INTEGER REFERENCES packages(id),
	module INTEGER REFERENCES modules(id)
);
CREATE TABLE IF NOT EXISTS binaries(
	module INTEGER REFERENCES modules(id),
	platform INTEGER,
	path TEXT UNIQUE,
	UNIQUE(module, platform)
);
CREATE TABLE IF NOT EXISTS objects(
	name TEXT,
	version INTEGER,
	module INTEGER REFERENCES modules(id),
	flags INTEGER,
	PRIMARY KEY(name, version)
);
`

// Module flags, carried over from Nirvana/Packages.idl's Module::Flags.
const (
	FlagSingleton uint32 = 1 << iota
	FlagSingletonTerm
)

// DB is a handle on the package registry.
type DB struct {
	conn *sqlx.DB
}

// Open opens (creating if necessary) the database at path, running the
// schema migration when PRAGMA user_version disagrees with
// DatabaseVersion.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)", path)
	conn, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "packagedb: open %s", path)
	}
	db := &DB{conn: conn}
	if err := db.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) ensureSchema(ctx context.Context) error {
	var version int
	if err := db.conn.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return errors.Wrap(err, "packagedb: read user_version")
	}
	if version == DatabaseVersion {
		return nil
	}
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "packagedb: begin schema tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return errors.Wrap(err, "packagedb: create schema")
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", DatabaseVersion)); err != nil {
		return errors.Wrap(err, "packagedb: stamp user_version")
	}
	return errors.Wrap(tx.Commit(), "packagedb: commit schema tx")
}

// Close releases the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// ErrModuleExists is returned by RegisterBinary when module already
// names a binary for a different platform path under the same
// (module, platform) pair.
var ErrModuleExists = errors.New("packagedb: module already registered for this platform")

// RegisterBinary records that binaryPath implements moduleName on
// platform, creating the module row if needed (spec §6: "registers a
// binary module with the package manager"; InstallerImpl::register_module
// and regmod.cpp's PacMan::register_binary).
func (db *DB) RegisterBinary(ctx context.Context, binaryPath, moduleName string, platform int, flags uint32) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "packagedb: begin register tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO modules(name, flags) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET flags=excluded.flags`,
		moduleName, flags); err != nil {
		return errors.Wrap(err, "packagedb: upsert module")
	}

	var moduleID int64
	if err := tx.GetContext(ctx, &moduleID, `SELECT id FROM modules WHERE name = ?`, moduleName); err != nil {
		return errors.Wrap(err, "packagedb: lookup module id")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO binaries(module, platform, path) VALUES(?, ?, ?)`,
		moduleID, platform, binaryPath); err != nil {
		if isUniqueConstraint(err) {
			return ErrModuleExists
		}
		return errors.Wrap(err, "packagedb: insert binary")
	}

	return errors.Wrap(tx.Commit(), "packagedb: commit register tx")
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ModuleID returns the module row id for name, or false if unregistered.
func (db *DB) ModuleID(ctx context.Context, name string) (int64, bool, error) {
	var id int64
	err := db.conn.GetContext(ctx, &id, `SELECT id FROM modules WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "packagedb: lookup module")
	}
	return id, true, nil
}

// ModuleName returns the module name for id (Packages::get_module_name
// in regmod.cpp's error path).
func (db *DB) ModuleName(ctx context.Context, id int64) (string, error) {
	var name string
	err := db.conn.GetContext(ctx, &name, `SELECT name FROM modules WHERE id = ?`, id)
	return name, errors.Wrap(err, "packagedb: lookup module name")
}

// BindPackage associates moduleID with packageName, creating the
// package row if needed.
func (db *DB) BindPackage(ctx context.Context, packageName string, moduleID int64) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "packagedb: begin bind tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO packages(name) VALUES(?) ON CONFLICT(name) DO NOTHING`, packageName); err != nil {
		return errors.Wrap(err, "packagedb: upsert package")
	}
	var packageID int64
	if err := tx.GetContext(ctx, &packageID, `SELECT id FROM packages WHERE name = ?`, packageName); err != nil {
		return errors.Wrap(err, "packagedb: lookup package id")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mod2pack(package, module) VALUES(?, ?)`, packageID, moduleID); err != nil {
		return errors.Wrap(err, "packagedb: insert mod2pack")
	}
	return errors.Wrap(tx.Commit(), "packagedb: commit bind tx")
}
