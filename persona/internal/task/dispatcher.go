package task

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner executes one claimed task. It owns the terminal transition: it
// must call Complete or Fail on the store before returning. A returned
// error means the runner could not even record an outcome; the dispatcher
// logs it and moves on (startup recovery will fail the stuck task).
type Runner func(ctx context.Context, c *Claimed) error

// DispatcherOptions tunes the dispatcher.
type DispatcherOptions struct {
	// Workers bounds how many tasks run concurrently. Default: 4.
	Workers int
	// PollInterval is the fallback claim frequency when no wake signal
	// arrives. Default: 2s.
	PollInterval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *DispatcherOptions) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dispatcher claims pending tasks and hands them to a bounded worker pool.
// It is woken by Kick (wired to a database watcher by the service) and by a
// fallback ticker, so tasks start promptly without the submit path holding
// a reference to it.
type Dispatcher struct {
	store  *Store
	runner Runner
	opts   DispatcherOptions
	kick   chan struct{}
}

// NewDispatcher creates a Dispatcher. Call Run to start it.
func NewDispatcher(store *Store, runner Runner, opts DispatcherOptions) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		store:  store,
		runner: runner,
		opts:   opts,
		kick:   make(chan struct{}, 1),
	}
}

// Kick nudges the dispatcher to claim immediately. Non-blocking; redundant
// kicks coalesce. The error is always nil (the signature matches the watch
// package's action type).
func (d *Dispatcher) Kick() error {
	select {
	case d.kick <- struct{}{}:
	default:
	}
	return nil
}

// Run claims and executes tasks until ctx is cancelled, draining in-flight
// workers before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	log := d.opts.Logger
	log.Info("task: dispatcher started",
		"workers", d.opts.Workers,
		"poll", d.opts.PollInterval,
	)

	sem := make(chan struct{}, d.opts.Workers)
	var wg sync.WaitGroup

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("task: dispatcher stopping, draining in-flight workers")
			wg.Wait()
			log.Info("task: dispatcher stopped")
			return
		case <-ticker.C:
		case <-d.kick:
		}
		d.drain(ctx, sem, &wg, log)
	}
}

// drain claims pending tasks until none remain. A worker slot is acquired
// BEFORE the claim: a claimed task is in the running state, and a running
// task must never sit in a local queue waiting for a worker.
func (d *Dispatcher) drain(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, log *slog.Logger) {
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		c, err := d.store.ClaimNext(ctx)
		if err != nil {
			<-sem
			if ctx.Err() == nil {
				log.Warn("task: claim failed", "error", err)
			}
			return
		}
		if c == nil {
			<-sem
			return // nothing pending
		}

		wg.Add(1)
		go func(c *Claimed) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := d.runner(ctx, c); err != nil {
				log.Error("task: runner could not record outcome", "id", c.ID, "error", err)
			}
		}(c)
	}
}
