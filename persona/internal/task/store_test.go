package task_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plumehq/plume/dbopen"
	"github.com/plumehq/plume/persona/internal/task"
)

func newStore(t *testing.T) *task.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := task.NewStore(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateAndSnapshot(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "tsk_1", "fp-a", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}

	snap, err := s.Snapshot(ctx, "tsk_1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != task.StatusPending {
		t.Fatalf("got status %q, want pending", snap.Status)
	}
	if snap.Fingerprint != "fp-a" {
		t.Fatalf("got fingerprint %q, want fp-a", snap.Fingerprint)
	}
	if string(snap.Request) != `{"x":1}` {
		t.Fatalf("got request %q", snap.Request)
	}
	if snap.Result != nil {
		t.Fatal("pending task should have no result")
	}
	if !snap.CompletedAt.IsZero() {
		t.Fatal("pending task should have no completed_at")
	}
	if len(snap.Progress) != 0 {
		t.Fatalf("expected no progress, got %d", len(snap.Progress))
	}
}

func TestSnapshotUnknownID(t *testing.T) {
	s := newStore(t)

	_, err := s.Snapshot(context.Background(), "tsk_nope")
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestClaimNextOldestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Create(ctx, "tsk_1", "fp", []byte("one"))
	s.Create(ctx, "tsk_2", "fp", []byte("two"))
	// Force distinct creation times.
	if _, err := s.DB.Exec(`UPDATE persona_tasks SET created_at = created_at - 1000 WHERE id = 'tsk_1'`); err != nil {
		t.Fatal(err)
	}

	c, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.ID != "tsk_1" {
		t.Fatalf("expected oldest task tsk_1, got %+v", c)
	}
	if string(c.Request) != "one" {
		t.Fatalf("got request %q, want one", c.Request)
	}

	snap, _ := s.Snapshot(ctx, "tsk_1")
	if snap.Status != task.StatusRunning {
		t.Fatalf("claimed task should be running, got %q", snap.Status)
	}

	c2, _ := s.ClaimNext(ctx)
	if c2 == nil || c2.ID != "tsk_2" {
		t.Fatalf("expected tsk_2, got %+v", c2)
	}

	c3, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c3 != nil {
		t.Fatalf("expected nil when nothing pending, got %+v", c3)
	}
}

func TestClaimAtomicityUnderConcurrency(t *testing.T) {
	// N claimers racing over M tasks: every task is claimed exactly once.
	s := newStore(t)
	ctx := context.Background()

	const tasks = 20
	for i := range tasks {
		if err := s.Create(ctx, fmt.Sprintf("tsk_%02d", i), "fp", nil); err != nil {
			t.Fatal(err)
		}
	}

	claimed := make(chan string, tasks)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := s.ClaimNext(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if c == nil {
					return
				}
				claimed <- c.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := make(map[string]bool)
	for id := range claimed {
		if seen[id] {
			t.Fatalf("task %s claimed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != tasks {
		t.Fatalf("claimed %d tasks, want %d", len(seen), tasks)
	}
}

func TestAppendProgressMonotonicSeq(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Create(ctx, "tsk_1", "fp", nil)
	for i := range 5 {
		if err := s.AppendProgress(ctx, "tsk_1", fmt.Sprintf("step %d", i+1)); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := s.Snapshot(ctx, "tsk_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Progress) != 5 {
		t.Fatalf("got %d messages, want 5", len(snap.Progress))
	}
	for i, p := range snap.Progress {
		if p.Seq != i+1 {
			t.Fatalf("message %d has seq %d, want %d", i, p.Seq, i+1)
		}
		if p.Message != fmt.Sprintf("step %d", i+1) {
			t.Fatalf("message %d out of order: %q", i, p.Message)
		}
	}
}

func TestCompleteAndTerminalGuards(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Create(ctx, "tsk_1", "fp", nil)

	// Completing a pending task is a state-machine violation.
	if err := s.Complete(ctx, "tsk_1", []byte("{}")); !errors.Is(err, task.ErrNotRunning) {
		t.Fatalf("got %v, want ErrNotRunning for pending task", err)
	}

	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(ctx, "tsk_1", []byte(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}

	snap, _ := s.Snapshot(ctx, "tsk_1")
	if snap.Status != task.StatusCompleted {
		t.Fatalf("got status %q, want completed", snap.Status)
	}
	if string(snap.Result) != `{"ok":true}` {
		t.Fatalf("got result %q", snap.Result)
	}
	if snap.CompletedAt.IsZero() {
		t.Fatal("completed task should have completed_at")
	}

	// Terminal states never transition.
	if err := s.Fail(ctx, "tsk_1", "boom"); !errors.Is(err, task.ErrNotRunning) {
		t.Fatalf("got %v, want ErrNotRunning for completed task", err)
	}
	snap, _ = s.Snapshot(ctx, "tsk_1")
	if snap.Status != task.StatusCompleted || snap.Error != "" {
		t.Fatalf("completed task mutated: status=%q error=%q", snap.Status, snap.Error)
	}

	if err := s.Complete(ctx, "tsk_missing", nil); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestFail(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Create(ctx, "tsk_1", "fp", nil)
	s.ClaimNext(ctx)

	if err := s.Fail(ctx, "tsk_1", "core generation: backend timeout"); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot(ctx, "tsk_1")
	if snap.Status != task.StatusFailed {
		t.Fatalf("got status %q, want failed", snap.Status)
	}
	if snap.Error != "core generation: backend timeout" {
		t.Fatalf("got error %q", snap.Error)
	}
	if snap.Result != nil {
		t.Fatal("failed task should expose no result")
	}
}

func TestCreateCompleted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.CreateCompleted(ctx, "tsk_1", "fp", []byte("req"), []byte("res"), "persona retrieved from cache")
	if err != nil {
		t.Fatal(err)
	}

	snap, err := s.Snapshot(ctx, "tsk_1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != task.StatusCompleted {
		t.Fatalf("got status %q, want completed", snap.Status)
	}
	if string(snap.Result) != "res" {
		t.Fatalf("got result %q", snap.Result)
	}
	if len(snap.Progress) != 1 || snap.Progress[0].Message != "persona retrieved from cache" {
		t.Fatalf("unexpected progress: %+v", snap.Progress)
	}

	// Never claimable.
	c, _ := s.ClaimNext(ctx)
	if c != nil {
		t.Fatalf("completed task should not be claimable, got %+v", c)
	}
}

func TestFindLive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.FindLive(ctx, "fp-x")
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Fatalf("expected no live task, got %q", id)
	}

	s.Create(ctx, "tsk_1", "fp-x", nil)
	id, _ = s.FindLive(ctx, "fp-x")
	if id != "tsk_1" {
		t.Fatalf("got %q, want tsk_1", id)
	}

	// Still live while running.
	s.ClaimNext(ctx)
	id, _ = s.FindLive(ctx, "fp-x")
	if id != "tsk_1" {
		t.Fatalf("running task should be live, got %q", id)
	}

	// Not live once terminal.
	s.Complete(ctx, "tsk_1", nil)
	id, _ = s.FindLive(ctx, "fp-x")
	if id != "" {
		t.Fatalf("terminal task should not be live, got %q", id)
	}
}

func TestRecoverRunning(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Create(ctx, "tsk_1", "fp", nil)
	s.Create(ctx, "tsk_2", "fp", nil)
	s.ClaimNext(ctx) // tsk_1 or tsk_2 running, the other pending

	n, err := s.RecoverRunning(ctx, "dispatcher restarted")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d tasks, want 1", n)
	}

	counts, _ := s.CountByStatus(ctx)
	if counts[task.StatusFailed] != 1 || counts[task.StatusPending] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestSweepTerminalOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Create(ctx, "tsk_done", "fp", nil)
	s.Create(ctx, "tsk_dead", "fp", nil)
	s.Create(ctx, "tsk_wait", "fp", nil)

	mustClaim(t, s, ctx)
	mustClaim(t, s, ctx) // tsk_done and tsk_dead now both running
	s.AppendProgress(ctx, "tsk_done", "working")
	s.Complete(ctx, "tsk_done", nil)
	s.Fail(ctx, "tsk_dead", "boom")

	// Everything is "old" relative to a future cutoff.
	ids, err := s.Sweep(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("swept %v, want the 2 terminal tasks", ids)
	}

	if _, err := s.Snapshot(ctx, "tsk_done"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("swept task should be gone, got %v", err)
	}
	if _, err := s.Snapshot(ctx, "tsk_wait"); err != nil {
		t.Fatalf("pending task should survive sweep: %v", err)
	}

	// Progress rows cascade with their task.
	var orphans int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM persona_task_progress WHERE task_id = 'tsk_done'`).Scan(&orphans); err != nil {
		t.Fatal(err)
	}
	if orphans != 0 {
		t.Fatalf("expected progress rows to cascade, found %d", orphans)
	}
}

func TestSweepHonorsCutoff(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Create(ctx, "tsk_recent", "fp", nil)
	s.ClaimNext(ctx)
	s.Complete(ctx, "tsk_recent", nil)

	// Cutoff in the past: the fresh terminal task stays.
	ids, err := s.Sweep(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("swept %v, want nothing", ids)
	}
}

func TestCounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := range 3 {
		s.Create(ctx, fmt.Sprintf("tsk_%d", i), "fp", nil)
	}
	s.ClaimNext(ctx)

	n, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("got pending count %d, want 2", n)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[task.StatusPending] != 2 || counts[task.StatusRunning] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func mustClaim(t *testing.T, s *task.Store, ctx context.Context) *task.Claimed {
	t.Helper()
	c, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("expected a claimable task")
	}
	return c
}
