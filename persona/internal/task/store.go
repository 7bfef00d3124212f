// CLAUDE:SUMMARY Task store: atomic claim, append-only progress, terminal guards, recovery and retention sweep.
// Package task implements the SQLite-backed task store and dispatcher for
// the persona pipeline.
//
// A task is created pending, claimed by exactly one worker (atomic
// UPDATE..RETURNING, the same single-writer trick as a visibility-timeout
// queue), runs to a terminal state and is eventually swept. Progress
// messages are append-only with a per-task monotonic sequence number, so a
// poller never observes reordering or gaps.
//
// The package exchanges primitives and raw JSON bytes only; decoding the
// request and result payloads is the caller's business.
package task

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/plumehq/plume/dbopen"
)

// Task statuses. Terminal statuses never transition.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned for task ids that do not exist (or were swept).
var ErrNotFound = errors.New("task: not found")

// ErrNotRunning is returned when a terminal write targets a task that is
// not in the running state. It signals a state-machine violation: completed
// and failed tasks must never transition again.
var ErrNotRunning = errors.New("task: not in running state")

// Schema holds the task tables. Progress rows cascade with their task.
const Schema = `
CREATE TABLE IF NOT EXISTS persona_tasks (
    id           TEXT PRIMARY KEY,
    fingerprint  TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    request      BLOB NOT NULL,
    result       BLOB,
    error        TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,              -- milliseconds since epoch
    completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_persona_tasks_status ON persona_tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_persona_tasks_fp ON persona_tasks(fingerprint);

CREATE TABLE IF NOT EXISTS persona_task_progress (
    task_id    TEXT NOT NULL REFERENCES persona_tasks(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    message    TEXT NOT NULL,
    PRIMARY KEY (task_id, seq)
);
`

// Store wraps an already-opened database (dbopen pragmas expected:
// WAL + foreign keys, so progress rows cascade on sweep).
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store. Call Init once at startup.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Init creates the task tables if they don't exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, Schema)
	return err
}

// Create inserts a pending task.
func (s *Store) Create(ctx context.Context, id, fingerprint string, request []byte) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO persona_tasks (id, fingerprint, status, request, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, fingerprint, StatusPending, request, time.Now().UnixMilli(),
	)
	return err
}

// CreateCompleted inserts a task that is already terminal, with one progress
// message, in a single transaction. Used when the result is known at submit
// time and no worker should ever claim the task.
func (s *Store) CreateCompleted(ctx context.Context, id, fingerprint string, request, result []byte, note string) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO persona_tasks (id, fingerprint, status, request, result, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, fingerprint, StatusCompleted, request, result, now, now,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO persona_task_progress (task_id, seq, created_at, message)
			VALUES (?, 1, ?, ?)`,
			id, now, note,
		)
		return err
	})
}

// Claimed is a task handed to exactly one worker.
type Claimed struct {
	ID          string
	Fingerprint string
	Request     []byte
}

// ClaimNext atomically picks the oldest pending task, marks it running and
// returns it. Returns nil, nil when nothing is pending. The single UPDATE
// guarantees a task is claimed at most once, so the pipeline is never
// re-entrant per task id.
func (s *Store) ClaimNext(ctx context.Context) (*Claimed, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE persona_tasks
		SET status = ?
		WHERE id = (
			SELECT id FROM persona_tasks
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id, fingerprint, request`,
		StatusRunning, StatusPending,
	)

	var c Claimed
	err := row.Scan(&c.ID, &c.Fingerprint, &c.Request)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendProgress appends a progress message with the next sequence number
// for the task. The claim guarantees a single writer per task, so the
// MAX(seq)+1 read is race-free; the primary key turns any violation of that
// assumption into an error rather than a silent reorder.
func (s *Store) AppendProgress(ctx context.Context, id, message string) error {
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO persona_task_progress (task_id, seq, created_at, message)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?
		FROM persona_task_progress WHERE task_id = ?`,
		id, time.Now().UnixMilli(), message, id,
	)
	return err
}

// Complete marks a running task completed with its result payload.
// Returns ErrNotFound for unknown ids and ErrNotRunning when the task is
// not running (already terminal, or still pending).
func (s *Store) Complete(ctx context.Context, id string, result []byte) error {
	return s.terminal(ctx,
		`UPDATE persona_tasks SET status = ?, result = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StatusCompleted, result, time.Now().UnixMilli(), id, StatusRunning,
	)
}

// Fail marks a running task failed with an error message. Same guards as
// Complete.
func (s *Store) Fail(ctx context.Context, id, errMsg string) error {
	return s.terminal(ctx,
		`UPDATE persona_tasks SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StatusFailed, errMsg, time.Now().UnixMilli(), id, StatusRunning,
	)
}

func (s *Store) terminal(ctx context.Context, query string, args ...any) error {
	res, err := dbopen.Exec(ctx, s.DB, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing task from a state-machine violation.
		id := args[3]
		var status string
		err := s.DB.QueryRowContext(ctx, `SELECT status FROM persona_tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrNotRunning
	}
	return nil
}

// Progress is one progress message.
type Progress struct {
	Seq       int
	Timestamp time.Time
	Message   string
}

// Snapshot is a consistent point-in-time view of a task: the row plus all
// progress messages, read in one transaction so a poller never sees a
// status ahead of its messages.
type Snapshot struct {
	ID          string
	Fingerprint string
	Status      string
	Request     []byte
	Result      []byte
	Error       string
	CreatedAt   time.Time
	CompletedAt time.Time // zero when not terminal
	Progress    []Progress
}

// Snapshot reads a task and its progress messages transactionally.
// Returns ErrNotFound for unknown ids, never an empty snapshot.
func (s *Store) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, fingerprint, status, request, result, error, created_at, completed_at
			FROM persona_tasks WHERE id = ?`, id)

		var creAt int64
		var comAt sql.NullInt64
		err := row.Scan(&snap.ID, &snap.Fingerprint, &snap.Status, &snap.Request,
			&snap.Result, &snap.Error, &creAt, &comAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		snap.CreatedAt = time.UnixMilli(creAt)
		if comAt.Valid {
			snap.CompletedAt = time.UnixMilli(comAt.Int64)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT seq, created_at, message FROM persona_task_progress
			WHERE task_id = ? ORDER BY seq ASC`, id)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p Progress
			var ts int64
			if err := rows.Scan(&p.Seq, &ts, &p.Message); err != nil {
				return err
			}
			p.Timestamp = time.UnixMilli(ts)
			snap.Progress = append(snap.Progress, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// FindLive returns the id of a pending or running task with the given
// fingerprint, or "" when none exists. Used for optional in-flight
// deduplication at submit time.
func (s *Store) FindLive(ctx context.Context, fingerprint string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id FROM persona_tasks
		WHERE fingerprint = ? AND status IN (?, ?)
		ORDER BY created_at ASC LIMIT 1`,
		fingerprint, StatusPending, StatusRunning,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// RecoverRunning fails every task stuck in the running state and returns
// how many were recovered. Called once at startup: a task that was running
// when the process died cannot resume, its backend calls are lost.
func (s *Store) RecoverRunning(ctx context.Context, errMsg string) (int, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE persona_tasks SET status = ?, error = ?, completed_at = ? WHERE status = ?`,
		StatusFailed, errMsg, time.Now().UnixMilli(), StatusRunning,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Sweep deletes terminal tasks created before the cutoff and returns their
// ids. Progress rows go with them via the foreign key cascade. Pending and
// running tasks are never touched.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`DELETE FROM persona_tasks
		WHERE status IN (?, ?) AND created_at < ?
		RETURNING id`,
		StatusCompleted, StatusFailed, cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByStatus returns task counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM persona_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PendingCount returns the queue depth.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM persona_tasks WHERE status = ?`, StatusPending,
	).Scan(&n)
	return n, err
}
