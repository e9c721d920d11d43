// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database opens the sqlite file that backs optional persisted state.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle.
type DB struct {
	*sql.DB
	path string
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA foreign_keys = ON",
}

// migrations run in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS job_memo (
		job_name     TEXT PRIMARY KEY,
		outcome      TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_memo_processed_at ON job_memo (processed_at)`,
}

// New opens (creating if needed) the database at path and applies migrations.
// Use ":memory:" for an in-memory database.
func New(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Single writer keeps sqlite lock contention out of the workers.
	handle.SetMaxOpenConns(1)

	db := &DB{DB: handle, path: path}
	ctx := context.Background()
	for _, pragma := range pragmas {
		if _, err := handle.ExecContext(ctx, pragma); err != nil {
			handle.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}
	if err := db.migrate(ctx); err != nil {
		handle.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("database: ready")
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer tx.Rollback()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			return errors.Wrapf(err, "migration %d", i+1)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return errors.Wrap(err, "set schema version")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit migration")
	}

	log.Info().Int("from", version).Int("to", len(migrations)).Msg("database: migrated schema")
	return nil
}
