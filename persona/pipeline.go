// CLAUDE:SUMMARY Pipeline execution: consolidated and fan-out strategies, the task runner, and observability hooks.
package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/plumehq/plume/kit"
	"github.com/plumehq/plume/observability"
	"github.com/plumehq/plume/persona/internal/task"
)

// Strategy turns a validated request into a core persona plus one
// adaptation per selected platform. report receives progress messages at
// stage transitions; it must be non-nil. Implementations return errors
// already stage-tagged ("core generation: ...", "platform adaptation ...").
type Strategy interface {
	Execute(ctx context.Context, req GenerationRequest, report func(msg string)) (CorePersona, map[string]PlatformPersona, error)
}

// ConsolidatedStrategy asks the backend for the core and every platform
// adaptation in a single call. Cheaper and coherent by construction, at
// the cost of one large completion.
type ConsolidatedStrategy struct {
	Gen     Generator
	Timeout time.Duration // per-call bound; 0 means none
}

func (s ConsolidatedStrategy) Execute(ctx context.Context, req GenerationRequest, report func(msg string)) (CorePersona, map[string]PlatformPersona, error) {
	report("generating core persona and platform adaptations")

	callCtx, cancel := boundCtx(ctx, s.Timeout)
	defer cancel()

	core, platforms, err := s.Gen.GenerateConsolidated(callCtx, req.generatorInput(), req.SelectedPlatforms)
	if err != nil {
		return CorePersona{}, nil, fmt.Errorf("core generation: %w", err)
	}

	// Keep exactly the requested platforms: a missing adaptation fails the
	// task, an unrequested one is dropped.
	out := make(map[string]PlatformPersona, len(req.SelectedPlatforms))
	var missing []string
	for _, p := range req.SelectedPlatforms {
		pp, ok := platforms[p]
		if !ok {
			missing = append(missing, p)
			continue
		}
		out[p] = pp
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return CorePersona{}, nil, fmt.Errorf("platform adaptation failed for %s: missing from consolidated response", strings.Join(missing, ", "))
	}
	return core, out, nil
}

// FanoutStrategy generates the core first, then adapts every platform
// concurrently, one goroutine per platform, each under its own timeout.
// All calls are joined before the outcome is decided: if any platform
// fails the whole task fails, the error names every failed platform, and
// no partial platform map is ever exposed.
type FanoutStrategy struct {
	Gen             Generator
	CoreTimeout     time.Duration
	PlatformTimeout time.Duration
}

func (s FanoutStrategy) Execute(ctx context.Context, req GenerationRequest, report func(msg string)) (CorePersona, map[string]PlatformPersona, error) {
	report("generating core persona")

	coreCtx, cancel := boundCtx(ctx, s.CoreTimeout)
	core, err := s.Gen.GenerateCore(coreCtx, req.generatorInput())
	cancel()
	if err != nil {
		return CorePersona{}, nil, fmt.Errorf("core generation: %w", err)
	}

	platforms := req.SelectedPlatforms
	report(fmt.Sprintf("adapting persona for %d platforms", len(platforms)))

	results := make([]PlatformPersona, len(platforms))
	errs := make([]error, len(platforms))
	var wg sync.WaitGroup
	for i, p := range platforms {
		wg.Add(1)
		go func(i int, platform string) {
			defer wg.Done()
			callCtx, cancel := boundCtx(ctx, s.PlatformTimeout)
			defer cancel()
			results[i], errs[i] = s.Gen.GeneratePlatform(callCtx, core, platform)
		}(i, p)
	}
	wg.Wait()

	if err := joinPlatformErrors(platforms, errs); err != nil {
		return CorePersona{}, nil, err
	}

	out := make(map[string]PlatformPersona, len(platforms))
	for i, p := range platforms {
		out[p] = results[i]
	}
	return core, out, nil
}

// joinPlatformErrors folds per-platform failures into one error naming
// every failed platform, in sorted order for determinism.
func joinPlatformErrors(platforms []string, errs []error) error {
	type failure struct {
		platform string
		err      error
	}
	var failed []failure
	for i, err := range errs {
		if err != nil {
			failed = append(failed, failure{platforms[i], err})
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Slice(failed, func(a, b int) bool { return failed[a].platform < failed[b].platform })

	if len(failed) == 1 {
		return fmt.Errorf("platform adaptation failed for %s: %v", failed[0].platform, failed[0].err)
	}
	names := make([]string, len(failed))
	details := make([]string, len(failed))
	for i, f := range failed {
		names[i] = f.platform
		details[i] = fmt.Sprintf("%s: %v", f.platform, f.err)
	}
	return fmt.Errorf("platform adaptation failed for %s: %s",
		strings.Join(names, ", "), strings.Join(details, "; "))
}

func boundCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// --- Task execution ---

// runTask is the dispatcher's Runner: it drives one claimed task through
// the pipeline and owns the terminal transition. Terminal writes use a
// fresh context so an outcome is recorded even when ctx died mid-stage.
// The returned error only reports a failure to record the outcome.
func (svc *Service) runTask(ctx context.Context, c *task.Claimed) error {
	start := time.Now()
	log := svc.logger.With("task", c.ID)
	ctx = kit.WithRequestID(ctx, c.ID)

	var req GenerationRequest
	if err := json.Unmarshal(c.Request, &req); err != nil {
		// Rows are written by CreateTask from validated input; a decode
		// failure means the payload was corrupted at rest.
		return svc.finishFailed(c, start, fmt.Sprintf("invalid request payload: %v", err), log)
	}

	svc.progress(ctx, c.ID, "generation started", log)

	// The submit path may have checked the cache already, but an identical
	// request can complete between creation and claim.
	cached, ok, err := svc.cache.Get(ctx, c.Fingerprint)
	if err != nil {
		return svc.finishFailed(c, start, "cache read: "+err.Error(), log)
	}
	if ok {
		svc.progress(ctx, c.ID, "persona retrieved from cache", log)
		if err := svc.tasks.Complete(context.Background(), c.ID, cached); err != nil {
			return fmt.Errorf("record completion: %w", err)
		}
		svc.event(observability.EventCacheHit, c.ID, "served from cache", true)
		svc.event(observability.EventTaskCompleted, c.ID, "completed from cache", true)
		svc.metricTask(start, "completed")
		log.Info("persona: task completed from cache", "duration", time.Since(start))
		return nil
	}

	genStart := time.Now()
	core, platforms, err := svc.strategy.Execute(ctx, req, func(msg string) {
		svc.progress(ctx, c.ID, msg, log)
	})
	if err != nil {
		return svc.finishFailed(c, start, err.Error(), log)
	}
	svc.metricStage("generation", genStart)

	svc.progress(ctx, c.ID, "assessing persona quality", log)
	qStart := time.Now()
	quality := Assess(core, platforms)
	svc.metricStage("quality", qStart)

	result := Result{Core: core, Platforms: platforms, Quality: quality}
	payload, err := json.Marshal(result)
	if err != nil {
		return svc.finishFailed(c, start, "cache write: encode result: "+err.Error(), log)
	}
	if err := svc.cache.Put(ctx, c.Fingerprint, payload); err != nil {
		return svc.finishFailed(c, start, "cache write: "+err.Error(), log)
	}

	svc.progress(ctx, c.ID, "persona ready", log)
	if err := svc.tasks.Complete(context.Background(), c.ID, payload); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}

	svc.event(observability.EventTaskCompleted, c.ID, fmt.Sprintf("quality %d", quality.OverallScore), true)
	svc.metricTask(start, "completed")
	svc.archiveAsync(c.ID, c.Fingerprint, payload, log)

	log.Info("persona: task completed",
		"platforms", len(platforms),
		"quality", quality.OverallScore,
		"duration", time.Since(start),
	)
	return nil
}

// finishFailed records a failed outcome. Partial results are discarded;
// the task exposes only the error string.
func (svc *Service) finishFailed(c *task.Claimed, start time.Time, msg string, log *slog.Logger) error {
	if err := svc.tasks.Fail(context.Background(), c.ID, msg); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	svc.event(observability.EventTaskFailed, c.ID, msg, false)
	svc.metricTask(start, "failed")
	log.Warn("persona: task failed", "error", msg, "duration", time.Since(start))
	return nil
}

// progress appends a message to the task's log. Progress is best-effort
// while the task runs: a write failure is logged, not fatal.
func (svc *Service) progress(ctx context.Context, id, msg string, log *slog.Logger) {
	if err := svc.tasks.AppendProgress(ctx, id, msg); err != nil {
		log.Warn("persona: progress write failed", "message", msg, "error", err)
	}
}

// archiveAsync saves the completed persona fire-and-forget.
func (svc *Service) archiveAsync(taskID, fingerprint string, payload []byte, log *slog.Logger) {
	if svc.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := svc.archive.Save(ctx, taskID, fingerprint, payload)
		if err != nil {
			log.Warn("persona: archive save failed", "error", err)
			return
		}
		log.Debug("persona: archived", "persona", id)
	}()
}

// --- Observability helpers (all collaborators optional) ---

func (svc *Service) event(eventType, taskID, details string, success bool) {
	if svc.events == nil {
		return
	}
	svc.events.LogEvent(context.Background(), observability.BusinessEvent{
		EventType:   eventType,
		ServiceName: "plume",
		EntityType:  "task",
		EntityID:    taskID,
		Action:      eventType,
		Details:     details,
		Success:     success,
	})
}

func (svc *Service) metricTask(start time.Time, status string) {
	if svc.metrics == nil {
		return
	}
	now := time.Now()
	svc.metrics.Record(&observability.Metric{
		Name:      observability.MetricTaskDurationMs,
		Timestamp: now,
		Value:     float64(time.Since(start).Milliseconds()),
		Labels:    map[string]string{"status": status},
		Unit:      "milliseconds",
	})
	svc.metrics.Record(&observability.Metric{
		Name:      observability.MetricTasksProcessed,
		Timestamp: now,
		Value:     1,
		Labels:    map[string]string{"status": status},
		Unit:      "count",
	})
}

func (svc *Service) metricStage(stage string, start time.Time) {
	if svc.metrics == nil {
		return
	}
	svc.metrics.Record(&observability.Metric{
		Name:      observability.MetricStageDurationMs,
		Timestamp: time.Now(),
		Value:     float64(time.Since(start).Milliseconds()),
		Labels:    map[string]string{"stage": stage},
		Unit:      "milliseconds",
	})
}

// --- Backend call auditing ---

// auditedGenerator records one audit row per backend call. The request_id
// column carries the task id, read from the context the orchestrator
// prepared.
type auditedGenerator struct {
	next  Generator
	audit *observability.AuditLogger
}

func (g auditedGenerator) GenerateCore(ctx context.Context, onboarding map[string]any) (CorePersona, error) {
	start := time.Now()
	core, err := g.next.GenerateCore(ctx, onboarding)
	g.log(ctx, "generate_core", map[string]any{"onboarding_fields": len(onboarding)}, err, start)
	return core, err
}

func (g auditedGenerator) GenerateConsolidated(ctx context.Context, onboarding map[string]any, platforms []string) (CorePersona, map[string]PlatformPersona, error) {
	start := time.Now()
	core, out, err := g.next.GenerateConsolidated(ctx, onboarding, platforms)
	g.log(ctx, "generate_consolidated", map[string]any{"platforms": platforms}, err, start)
	return core, out, err
}

func (g auditedGenerator) GeneratePlatform(ctx context.Context, core CorePersona, platform string) (PlatformPersona, error) {
	start := time.Now()
	pp, err := g.next.GeneratePlatform(ctx, core, platform)
	g.log(ctx, "generate_platform", map[string]any{"platform": platform}, err, start)
	return pp, err
}

func (g auditedGenerator) log(ctx context.Context, op string, params map[string]any, err error, start time.Time) {
	entry := g.audit.NewAuditEntry("genai", op, params, nil, err, time.Since(start))
	entry.RequestID = kit.GetRequestID(ctx)
	g.audit.LogAsync(entry)
}
