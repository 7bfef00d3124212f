// CLAUDE:SUMMARY Main Service orchestrator: task intake, queue dispatch, cache, sweep loop, and all business methods.
package persona

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/plumehq/plume/idgen"
	"github.com/plumehq/plume/observability"
	"github.com/plumehq/plume/persona/internal/archive"
	"github.com/plumehq/plume/persona/internal/cache"
	"github.com/plumehq/plume/persona/internal/task"
	"github.com/plumehq/plume/watch"
)

// dispatcherWorker names the dispatcher in heartbeat rows.
const dispatcherWorker = "persona-dispatcher"

// Service is the main persona orchestrator: it accepts generation
// requests, runs them through the pipeline asynchronously, and answers
// status polls. One Service per process; safe for concurrent use.
type Service struct {
	tasks      *task.Store
	cache      *cache.Store
	store      *archive.Store
	generator  Generator
	strategy   Strategy
	dispatcher *task.Dispatcher
	watcher    *watch.Watcher
	logger     *slog.Logger
	config     *Config
	newID      func() string

	archive Archiver                       // persona sink; defaults to store, overridable
	events  *observability.EventLogger     // optional — business event log
	metrics *observability.MetricsManager  // optional — pipeline timeseries
	auditor *observability.AuditLogger     // optional — per-backend-call audit
	obsDB   *sql.DB                        // optional — dispatcher heartbeat + liveness

	wg sync.WaitGroup
}

// New creates a persona Service over an already-opened application
// database (dbopen pragmas expected). Call Start before any business
// method: it creates schemas and launches the background loops.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		tasks:  task.NewStore(db),
		cache:  cache.New(db, cfg.Cache.TTL()),
		store:  archive.New(db, idgen.Prefixed("prs_", idgen.Default)),
		logger: logger,
		config: cfg,
		newID:  idgen.Prefixed("tsk_", idgen.Default),
	}
	svc.archive = svc.store

	// Apply options.
	for _, opt := range opts {
		opt(svc)
	}

	if svc.generator == nil {
		svc.generator = Static{}
	}
	gen := svc.generator
	if svc.auditor != nil {
		gen = auditedGenerator{next: gen, audit: svc.auditor}
	}

	switch cfg.Pipeline.Mode {
	case ModeConsolidated:
		svc.strategy = ConsolidatedStrategy{Gen: gen, Timeout: cfg.Pipeline.CoreCallTimeout()}
	default:
		svc.strategy = FanoutStrategy{
			Gen:             gen,
			CoreTimeout:     cfg.Pipeline.CoreCallTimeout(),
			PlatformTimeout: cfg.Pipeline.PlatformCallTimeout(),
		}
	}

	svc.dispatcher = task.NewDispatcher(svc.tasks, svc.runTask, task.DispatcherOptions{
		Workers: cfg.Pipeline.Workers,
		Logger:  logger,
	})

	// The watcher wakes the dispatcher on task-table growth. In-process
	// submits kick the dispatcher directly; the watcher covers writes from
	// other processes and missed kicks.
	svc.watcher = watch.New(db, watch.Options{
		Detector: watch.MaxColumnDetector("persona_tasks", "rowid"),
		Logger:   logger,
	})

	return svc, nil
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithGenerator sets the generation backend. Default: the deterministic
// static generator.
func WithGenerator(g Generator) ServiceOption {
	return func(svc *Service) { svc.generator = g }
}

// WithArchiver replaces the default persona archive sink.
func WithArchiver(a Archiver) ServiceOption {
	return func(svc *Service) { svc.archive = a }
}

// WithEventLogger enables business event logging.
func WithEventLogger(el *observability.EventLogger) ServiceOption {
	return func(svc *Service) { svc.events = el }
}

// WithMetrics enables pipeline timeseries metrics.
func WithMetrics(mm *observability.MetricsManager) ServiceOption {
	return func(svc *Service) { svc.metrics = mm }
}

// WithAudit enables the per-backend-call audit trail.
func WithAudit(al *observability.AuditLogger) ServiceOption {
	return func(svc *Service) { svc.auditor = al }
}

// WithObservabilityDB enables the dispatcher heartbeat, written to (and
// read back from) the shared observability database.
func WithObservabilityDB(db *sql.DB) ServiceOption {
	return func(svc *Service) { svc.obsDB = db }
}

// Start creates schemas, fails tasks orphaned in running state by a
// previous process, and launches the dispatcher, watcher and sweep
// loops. The loops stop when ctx is cancelled; Close waits for them.
func (svc *Service) Start(ctx context.Context) error {
	if err := svc.tasks.Init(ctx); err != nil {
		return fmt.Errorf("persona: init task store: %w", err)
	}
	if err := svc.cache.Init(ctx); err != nil {
		return fmt.Errorf("persona: init cache: %w", err)
	}
	if err := svc.store.Init(ctx); err != nil {
		return fmt.Errorf("persona: init archive: %w", err)
	}

	n, err := svc.tasks.RecoverRunning(ctx, "dispatcher restarted")
	if err != nil {
		return fmt.Errorf("persona: recover orphaned tasks: %w", err)
	}
	if n > 0 {
		svc.logger.Warn("persona: failed tasks orphaned in running state", "count", n)
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.dispatcher.Run(ctx)
	}()
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.watcher.OnChange(ctx, svc.dispatcher.Kick)
	}()
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.sweepLoop(ctx)
	}()
	if svc.obsDB != nil {
		observability.NewHeartbeatWriter(svc.obsDB, dispatcherWorker, svc.config.Observability.HeartbeatInterval()).Start(ctx)
	}
	if svc.metrics != nil {
		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			svc.depthLoop(ctx)
		}()
	}

	svc.logger.Info("persona: service started",
		"mode", svc.config.Pipeline.Mode,
		"workers", svc.config.Pipeline.Workers,
	)
	return nil
}

// Close waits for the background loops to drain after the Start context
// is cancelled. In-flight tasks finish; nothing new is claimed.
func (svc *Service) Close() error {
	svc.wg.Wait()
	return nil
}

// --- Business methods ---

// CreateTask validates and canonicalizes the request, then either
// creates a pending task, returns a live duplicate (dedupe mode), or
// completes immediately from the result cache. The returned Task tells
// the caller which: status pending means queued, completed means done.
func (svc *Service) CreateTask(ctx context.Context, req GenerationRequest) (*Task, error) {
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	fp := Fingerprint(req)

	if max := svc.config.Pipeline.MaxPending; max > 0 {
		n, err := svc.tasks.PendingCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("persona: queue depth: %w", err)
		}
		if n >= max {
			return nil, ErrRateLimited
		}
	}

	if svc.config.Pipeline.DedupeInflight {
		id, err := svc.tasks.FindLive(ctx, fp)
		if err != nil {
			return nil, fmt.Errorf("persona: dedup lookup: %w", err)
		}
		if id != "" {
			t, err := svc.GetTask(ctx, id)
			if err == nil {
				svc.logger.Info("persona: request coalesced onto live task", "task", id)
				return t, nil
			}
			// The live task finished and was swept between the lookup and
			// the snapshot. Fall through and create a fresh one.
		}
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("persona: encode request: %w", err)
	}
	id := svc.newID()

	cached, hit, err := svc.cache.Get(ctx, fp)
	if err != nil {
		// Intake stays available when the cache is unreadable; the run
		// path will surface a persistent storage fault.
		svc.logger.Warn("persona: cache read failed at submit, treating as miss", "error", err)
		hit = false
	}
	if hit {
		if err := svc.tasks.CreateCompleted(ctx, id, fp, reqJSON, cached, "persona retrieved from cache"); err != nil {
			return nil, fmt.Errorf("persona: create task: %w", err)
		}
		svc.event(observability.EventTaskCreated, id, "cache hit at submit", true)
		svc.event(observability.EventCacheHit, id, "served from cache", true)
		svc.logger.Info("persona: task completed at submit from cache", "task", id)
		return svc.GetTask(ctx, id)
	}

	if err := svc.tasks.Create(ctx, id, fp, reqJSON); err != nil {
		return nil, fmt.Errorf("persona: create task: %w", err)
	}
	svc.event(observability.EventTaskCreated, id, "platforms "+strings.Join(req.SelectedPlatforms, ","), true)
	_ = svc.dispatcher.Kick()

	svc.logger.Info("persona: task created",
		"task", id,
		"platforms", len(req.SelectedPlatforms),
	)
	return svc.GetTask(ctx, id)
}

// GetTask returns the current state of a task: status, progress
// messages so far, and the result or error once terminal. Unknown and
// swept ids return ErrTaskNotFound.
func (svc *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	s, err := svc.tasks.Snapshot(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("persona: load task: %w", err)
	}
	return wireTask(s)
}

// ListPersonas pages through the archive, newest first. Records carry
// metadata only; use GetPersona for the full result.
func (svc *Service) ListPersonas(ctx context.Context, limit, offset int) ([]PersonaRecord, error) {
	recs, err := svc.store.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("persona: list archive: %w", err)
	}
	out := make([]PersonaRecord, len(recs))
	for i, r := range recs {
		out[i] = PersonaRecord{
			ID:          r.ID,
			TaskID:      r.TaskID,
			Fingerprint: r.Fingerprint,
			CreatedAt:   r.CreatedAt,
		}
	}
	return out, nil
}

// GetPersona returns one archived persona with its decoded result.
func (svc *Service) GetPersona(ctx context.Context, id string) (*PersonaRecord, error) {
	r, err := svc.store.Get(ctx, id)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPersonaNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("persona: load archived persona: %w", err)
	}
	rec := &PersonaRecord{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Fingerprint: r.Fingerprint,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Result) > 0 {
		var res Result
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, fmt.Errorf("persona: decode archived persona: %w", err)
		}
		rec.Persona = &res
	}
	return rec, nil
}

// Stats reports operational counters for the stats endpoint.
func (svc *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := svc.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("persona: task counts: %w", err)
	}
	size, err := svc.cache.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("persona: cache size: %w", err)
	}
	archived, err := svc.archive.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("persona: archive count: %w", err)
	}
	hits, misses := svc.cache.Counters()

	st := &Stats{
		Tasks:       counts,
		CacheHits:   hits,
		CacheMisses: misses,
		CacheSize:   size,
		Archived:    archived,
		Dispatcher:  svc.dispatcherHealth(ctx),
	}
	return st, nil
}

// dispatcherHealth reads the latest heartbeat. "unknown" without an
// observability database or before the first beat.
func (svc *Service) dispatcherHealth(ctx context.Context) string {
	if svc.obsDB == nil {
		return "unknown"
	}
	staleness := 3 * svc.config.Observability.HeartbeatInterval()
	hb, err := observability.LatestHeartbeat(ctx, svc.obsDB, dispatcherWorker, staleness)
	if err != nil {
		svc.logger.Warn("persona: heartbeat read failed", "error", err)
		return "unknown"
	}
	if hb == nil {
		return "unknown"
	}
	if hb.Alive {
		return "alive"
	}
	return "stale"
}

// --- Background loops ---

// sweepLoop evicts terminal tasks past retention and purges expired
// cache rows.
func (svc *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(svc.config.Tasks.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.sweepOnce(ctx)
		}
	}
}

func (svc *Service) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-svc.config.Tasks.Retention())
	ids, err := svc.tasks.Sweep(ctx, cutoff)
	if err != nil {
		svc.logger.Warn("persona: task sweep failed", "error", err)
	} else if len(ids) > 0 {
		for _, id := range ids {
			svc.event(observability.EventTaskSwept, id, "retention sweep", true)
		}
		svc.logger.Info("persona: swept terminal tasks", "count", len(ids))
	}

	purged, err := svc.cache.Purge(ctx)
	if err != nil {
		svc.logger.Warn("persona: cache purge failed", "error", err)
	} else if purged > 0 {
		svc.logger.Info("persona: purged expired cache entries", "count", purged)
	}
}

// depthLoop samples the pending queue depth into the metrics timeseries.
func (svc *Service) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(svc.config.Observability.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.tasks.PendingCount(ctx)
			if err != nil {
				continue
			}
			svc.metrics.RecordSimple(observability.MetricQueueDepth, float64(n), "count")
		}
	}
}

// wireTask converts a store snapshot into the API shape. The stored
// result decodes into the typed Result only for completed tasks.
func wireTask(s *task.Snapshot) (*Task, error) {
	t := &Task{
		ID:        s.ID,
		Status:    s.Status,
		Error:     s.Error,
		CreatedAt: s.CreatedAt,
	}
	if !s.CompletedAt.IsZero() {
		done := s.CompletedAt
		t.CompletedAt = &done
	}
	t.Progress = make([]ProgressMessage, len(s.Progress))
	for i, p := range s.Progress {
		t.Progress[i] = ProgressMessage{Seq: p.Seq, Timestamp: p.Timestamp, Message: p.Message}
	}
	if s.Status == StatusCompleted && len(s.Result) > 0 {
		var r Result
		if err := json.Unmarshal(s.Result, &r); err != nil {
			return nil, fmt.Errorf("persona: decode stored result: %w", err)
		}
		t.Result = &r
	}
	return t, nil
}
