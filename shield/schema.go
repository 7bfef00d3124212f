package shield

import "database/sql"

// Schema defines the SQLite table backing the rate limiter. Rules are rows,
// so limits can be adjusted (or disabled) at runtime without a redeploy;
// the reloader picks changes up within a minute.
//
// All statements are idempotent (CREATE IF NOT EXISTS).
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// SetRule inserts or replaces a rate-limit rule. Used at startup to seed
// config-declared limits; runtime edits go straight to the table.
func SetRule(db *sql.DB, endpoint string, maxRequests, windowSeconds int) error {
	_, err := db.Exec(
		`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   max_requests = excluded.max_requests,
		   window_seconds = excluded.window_seconds,
		   enabled = 1`,
		endpoint, maxRequests, windowSeconds,
	)
	return err
}
