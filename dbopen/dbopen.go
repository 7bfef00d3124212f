// Package dbopen opens SQLite databases with the pragmas every plume store
// expects, applied via EXEC so the settings hold regardless of driver DSN
// quirks.
//
// Default pragmas:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("plume.db", dbopen.WithMkdirAll())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

type config struct {
	driver  string
	busyMS  int
	noFK    bool
	noPing  bool
	mkdir   bool
	schemas []string
}

// pragmas returns the PRAGMA statements in application order.
func (c *config) pragmas() []string {
	fk := "ON"
	if c.noFK {
		fk = "OFF"
	}
	return []string{
		"PRAGMA foreign_keys = " + fk,
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = " + strconv.Itoa(c.busyMS),
		"PRAGMA synchronous = NORMAL",
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyMS = ms } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdir = true } }

// WithSchema queues inline SQL to execute after pragmas are applied.
// Repeatable; schemas run in the order given.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.noPing = true } }

// WithoutForeignKeys disables PRAGMA foreign_keys (rarely needed).
func WithoutForeignKeys() Option { return func(c *config) { c.noFK = true } }

// Open opens the SQLite database at path and applies the plume pragmas.
// The caller must blank-import a driver before calling Open:
//
//	import _ "modernc.org/sqlite" // default "sqlite" driver
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{driver: "sqlite", busyMS: 10_000}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdir && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	fail := func(err error) (*sql.DB, error) {
		db.Close()
		return nil, err
	}

	for _, p := range cfg.pragmas() {
		if _, err := db.Exec(p); err != nil {
			return fail(fmt.Errorf("dbopen: %s: %w", p, err))
		}
	}
	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			return fail(fmt.Errorf("dbopen: exec schema: %w", err))
		}
	}
	if !cfg.noPing {
		if err := db.Ping(); err != nil {
			return fail(fmt.Errorf("dbopen: ping: %w", err))
		}
	}
	return db, nil
}

// OpenMemory is the test variant of Open, backed by ":memory:".
// It sets MaxOpenConns(1) so every query hits the same in-memory database
// (each new connection to ":memory:" would otherwise get its own), and
// registers t.Cleanup to close it.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
