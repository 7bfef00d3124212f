// CLAUDE:SUMMARY Durable persona archive: save with minted id, point and by-task lookup, newest-first paging.
// Package archive is the durable store for completed personas. The cache
// forgets (TTL) and the task store sweeps; the archive keeps every
// generated result for later retrieval by product services.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/plumehq/plume/dbopen"
)

// ErrNotFound is returned for persona ids that do not exist.
var ErrNotFound = errors.New("archive: persona not found")

// Schema holds the archive table. task_id is not a foreign key: tasks are
// swept on retention, personas outlive them.
const Schema = `
CREATE TABLE IF NOT EXISTS personas (
    id          TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    result      BLOB NOT NULL,
    created_at  INTEGER NOT NULL               -- milliseconds since epoch
);
CREATE INDEX IF NOT EXISTS idx_personas_created ON personas(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_personas_task ON personas(task_id);
`

// Record is one archived persona.
type Record struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Fingerprint string    `json:"fingerprint"`
	Result      []byte    `json:"result"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store wraps an already-opened database.
type Store struct {
	DB    *sql.DB
	newID func() string
}

// New creates a Store. newID mints persona ids (e.g. idgen with a "prs_"
// prefix). Call Init once at startup.
func New(db *sql.DB, newID func() string) *Store {
	return &Store{DB: db, newID: newID}
}

// Init creates the archive table if it doesn't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, Schema)
	return err
}

// Save archives a completed persona and returns its id.
func (s *Store) Save(ctx context.Context, taskID, fingerprint string, result []byte) (string, error) {
	id := s.newID()
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO personas (id, task_id, fingerprint, result, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, taskID, fingerprint, result, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get retrieves an archived persona by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, task_id, fingerprint, result, created_at
		FROM personas WHERE id = ?`, id)
	return scanRecord(row)
}

// GetByTask retrieves the persona archived for a task, if any.
func (s *Store) GetByTask(ctx context.Context, taskID string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, task_id, fingerprint, result, created_at
		FROM personas WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`, taskID)
	return scanRecord(row)
}

// List returns archived personas, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, task_id, fingerprint, result, created_at
		FROM personas ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		var creAt int64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Fingerprint, &r.Result, &creAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(creAt)
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// Count returns the number of archived personas.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM personas`).Scan(&n)
	return n, err
}

func scanRecord(row *sql.Row) (*Record, error) {
	var r Record
	var creAt int64
	err := row.Scan(&r.ID, &r.TaskID, &r.Fingerprint, &r.Result, &creAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(creAt)
	return &r, nil
}
