// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package paramstore implements the read side of the Parameter Store
// external interface of spec.md §6: a hierarchical key-value tree of
// per-board settings and process-level settings, backed by MySQL in
// production (github.com/go-sql-driver/mysql, following conddb/conddb.go)
// and an in-memory fake in tests.
package paramstore // import "github.com/go-wavedaq/frontend/paramstore"

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/go-wavedaq/frontend/board"
)

// ProcessSettings mirrors the process-level keys of spec.md §6.
type ProcessSettings struct {
	EnableChronobox         bool
	ChronoboxIP             string
	MergeDataFromBoards     bool
	WritePartiallyMerged    bool
	FlushBuffersAtEndOfRun  bool
	TSMatchThreshTicks      uint32
}

// Store is a read-only handle onto the Parameter Store.
type Store struct {
	db   *sql.DB
	name string
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	driver string
	dsn    string
}

// WithDriver overrides the database/sql driver name (default "mysql").
// Tests use this to select the "fakedb" driver registered by
// paramstore/internal/fakedb.
func WithDriver(name string) Option {
	return func(c *openConfig) { c.driver = name }
}

// WithDSN overrides the full data-source name, bypassing the default
// user/password/host template.
func WithDSN(dsn string) Option {
	return func(c *openConfig) { c.dsn = dsn }
}

// Open opens a connection to the parameter-store database named
// dbname, following conddb.Open's shape.
func Open(dbname, user, password, host string, opts ...Option) (*Store, error) {
	c := openConfig{
		driver: "mysql",
		dsn:    fmt.Sprintf("%s:%s@tcp(%s)/%s", user, password, host, dbname),
	}
	for _, opt := range opts {
		opt(&c)
	}

	db, err := sql.Open(c.driver, c.dsn)
	if err != nil {
		return nil, fmt.Errorf("paramstore: could not open %q db: %w", dbname, err)
	}

	if c.driver != "fakedb" {
		if err := ping(db, dbname); err != nil {
			return nil, err
		}
	}

	return &Store{db: db, name: dbname}, nil
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("paramstore: could not ping %q db: %w", dbname, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BoardSettings loads the settings row for the board identified by
// moduleID, stored as a JSON blob in the "settings" column, the way
// conddb/asic.go's ASIC rows are read then reassembled into a
// HardRoc configuration.
func (s *Store) BoardSettings(ctx context.Context, moduleID uint32) (board.Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var blob string
	rows, err := s.db.QueryContext(
		ctx,
		"SELECT settings FROM board_settings WHERE module_id=? ORDER BY updated_at DESC LIMIT 1",
		moduleID,
	)
	if err != nil {
		return board.Settings{}, fmt.Errorf("paramstore: could not query board %d settings: %w", moduleID, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		if err := rows.Scan(&blob); err != nil {
			return board.Settings{}, fmt.Errorf("paramstore: could not scan board %d settings: %w", moduleID, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return board.Settings{}, fmt.Errorf("paramstore: could not scan board %d settings rows: %w", moduleID, err)
	}
	if !found {
		return board.Settings{}, fmt.Errorf("paramstore: no settings found for board %d", moduleID)
	}

	var settings board.Settings
	if err := json.Unmarshal([]byte(blob), &settings); err != nil {
		return board.Settings{}, fmt.Errorf("paramstore: could not decode board %d settings: %w", moduleID, err)
	}
	return settings, nil
}

// ProcessSettings loads the single process-level settings row.
func (s *Store) ProcessSettings(ctx context.Context) (ProcessSettings, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var blob string
	rows, err := s.db.QueryContext(
		ctx,
		"SELECT settings FROM process_settings ORDER BY updated_at DESC LIMIT 1",
	)
	if err != nil {
		return ProcessSettings{}, fmt.Errorf("paramstore: could not query process settings: %w", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		if err := rows.Scan(&blob); err != nil {
			return ProcessSettings{}, fmt.Errorf("paramstore: could not scan process settings: %w", err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return ProcessSettings{}, fmt.Errorf("paramstore: could not scan process settings rows: %w", err)
	}
	if !found {
		return ProcessSettings{}, fmt.Errorf("paramstore: no process settings found")
	}

	var settings ProcessSettings
	if err := json.Unmarshal([]byte(blob), &settings); err != nil {
		return ProcessSettings{}, fmt.Errorf("paramstore: could not decode process settings: %w", err)
	}
	return settings, nil
}
