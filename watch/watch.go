// Package watch provides a generic "poll SQLite, detect change, debounce,
// reload" loop. plume uses it to wake the task dispatcher when new rows land
// in the tasks table, without the submit path holding a reference to the
// dispatcher: the database is the coupling point.
//
// Typical usage:
//
//	w := watch.New(db, watch.Options{Interval: 200 * time.Millisecond})
//	go w.OnChange(ctx, func() error { return dispatcher.Kick() })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token from the database. Two calls that
// return different values mean "something changed". The concrete type is
// deliberately int64 — it maps naturally to PRAGMA data_version,
// PRAGMA user_version, or a MAX(column) query.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is how often the detector runs. Default: 1s.
	Interval time.Duration
	// Debounce is the minimum quiet period after a detected change before
	// the action fires; further changes inside the window push it out
	// again. Firing lands on the first poll after the window closes.
	// 0 fires on the detecting poll itself. Default: 0.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion when nil.
	Detector ChangeDetector
	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Watcher polls a SQLite database for changes and runs an action when a
// change is detected. It is safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	// version is the last version token whose action succeeded.
	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	fires   atomic.Int64
	fireNs  atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Reloads         int64         `json:"reloads"`
	AvgReloadTime   time.Duration `json:"avg_reload_time"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(db *sql.DB, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Detector == nil {
		opts.Detector = PragmaDataVersion
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{db: db, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.fires.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.fireNs.Load() / s.Reloads)
	}
	return s
}

// Version returns the last observed version token.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled, polling at opts.Interval.
// When the detector reports a version change and the debounce window
// passes without further changes, action is called.
//
// If action returns an error the version is NOT advanced — the change is
// re-detected on the next poll and the action retried.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: seed version read failed", "error", err)
	} else {
		w.version.Store(v)
	}

	log.Info("watch: polling", "interval", w.opts.Interval, "debounce", w.opts.Debounce)
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	// A detected change arms the watcher with the pending version and a
	// firing deadline; each newer version pushes the deadline out.
	var (
		armed    bool
		pending  int64
		deadline time.Time
	)
	for {
		select {
		case <-ctx.Done():
			log.Info("watch: loop exiting")
			return

		case now := <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: detector error", "error", err)
				continue
			}
			if cur != w.version.Load() && (!armed || cur != pending) {
				w.changes.Add(1)
				armed, pending = true, cur
				deadline = now.Add(w.opts.Debounce)
				if w.opts.Debounce > 0 {
					log.Debug("watch: holding for quiet window", "version", cur)
				}
			}
			if armed && !now.Before(deadline) {
				w.fire(log, action, pending)
				armed = false
			}
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func() error, ver int64) {
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: action failed", "error", err, "version", ver)
		return
	}
	w.fires.Add(1)
	w.fireNs.Add(int64(time.Since(start)))
	w.version.Store(ver)
	log.Debug("watch: action complete", "version", ver, "duration", time.Since(start))
}

// ---------- Built-in detectors ----------

// PragmaDataVersion uses PRAGMA data_version, which increments whenever
// another connection writes to the same database file. It detects
// cross-process and cross-connection mutations.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// PragmaUserVersion uses PRAGMA user_version, an application-controlled
// integer. Callers must bump it explicitly after writes. Useful in tests
// where the version token needs to be deterministic.
func PragmaUserVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// MaxColumnDetector returns a ChangeDetector that polls MAX(column) on a
// table. This is the detector the task dispatcher uses: MAX(rowid) on the
// tasks table moves on every insert, same-connection writes included,
// which PRAGMA data_version would miss.
// Table and column names are quoted to prevent SQL injection.
func MaxColumnDetector(table, column string) ChangeDetector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

// quoteIdent wraps a SQL identifier in double quotes, escaping any embedded quotes.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
