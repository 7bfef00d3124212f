// CLAUDE:SUMMARY Result cache: fingerprint-keyed upsert, TTL staleness on read, purge, hit/miss counters.
// Package cache implements the fingerprint-keyed result cache for the
// persona pipeline.
//
// One row per fingerprint; Put is an atomic upsert, so concurrent writers
// race safely (last write wins, readers never see a torn entry). Freshness
// is decided at read time against the configured TTL; stale rows are
// physically removed by the periodic Purge.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"time"

	"github.com/plumehq/plume/dbopen"
)

// Schema holds the cache table.
const Schema = `
CREATE TABLE IF NOT EXISTS persona_cache (
    fingerprint TEXT PRIMARY KEY,
    result      BLOB NOT NULL,
    stored_at   INTEGER NOT NULL               -- milliseconds since epoch
);
CREATE INDEX IF NOT EXISTS idx_persona_cache_age ON persona_cache(stored_at);
`

// Store is the cache handle. Hit/miss counters are in-process only; they
// reset with the process and feed the stats endpoint.
type Store struct {
	DB  *sql.DB
	ttl time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Store with the given freshness window. Call Init once at
// startup.
func New(db *sql.DB, ttl time.Duration) *Store {
	return &Store{DB: db, ttl: ttl}
}

// Init creates the cache table if it doesn't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, Schema)
	return err
}

// Get returns the cached result for a fingerprint. ok is false on a miss;
// rows older than the TTL count as misses. err is only non-nil on storage
// faults, never for a plain miss.
func (s *Store) Get(ctx context.Context, fingerprint string) (result []byte, ok bool, err error) {
	var storedAt int64
	err = s.DB.QueryRowContext(ctx,
		`SELECT result, stored_at FROM persona_cache WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&result, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Since(time.UnixMilli(storedAt)) > s.ttl {
		s.misses.Add(1)
		return nil, false, nil
	}
	s.hits.Add(1)
	return result, true, nil
}

// Put stores a result under its fingerprint, replacing any previous entry.
func (s *Store) Put(ctx context.Context, fingerprint string, result []byte) error {
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO persona_cache (fingerprint, result, stored_at)
		VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			result = excluded.result,
			stored_at = excluded.stored_at`,
		fingerprint, result, time.Now().UnixMilli(),
	)
	return err
}

// Purge deletes rows older than the TTL and returns how many went.
func (s *Store) Purge(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.ttl).UnixMilli()
	res, err := dbopen.Exec(ctx, s.DB,
		`DELETE FROM persona_cache WHERE stored_at < ?`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of cached entries, fresh or stale.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM persona_cache`).Scan(&n)
	return n, err
}

// Counters returns the in-process hit and miss totals.
func (s *Store) Counters() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}
