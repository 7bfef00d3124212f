package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/plumehq/plume/dbopen"
)

func newArchive(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	n := 0
	s := New(db, func() string {
		n++
		return fmt.Sprintf("prs_%03d", n)
	})
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := newArchive(t)
	ctx := context.Background()

	id, err := s.Save(ctx, "tsk_1", "fp-a", []byte(`{"core":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if id != "prs_001" {
		t.Fatalf("got id %q", id)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TaskID != "tsk_1" || rec.Fingerprint != "fp-a" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if string(rec.Result) != `{"core":{}}` {
		t.Fatalf("got result %q", rec.Result)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
}

func TestGetUnknown(t *testing.T) {
	s := newArchive(t)

	_, err := s.Get(context.Background(), "prs_nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetByTask(t *testing.T) {
	s := newArchive(t)
	ctx := context.Background()

	s.Save(ctx, "tsk_1", "fp-a", []byte("a"))
	s.Save(ctx, "tsk_2", "fp-b", []byte("b"))

	rec, err := s.GetByTask(ctx, "tsk_2")
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Result) != "b" {
		t.Fatalf("got %q, want b", rec.Result)
	}

	if _, err := s.GetByTask(ctx, "tsk_3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newArchive(t)
	ctx := context.Background()

	for i := range 5 {
		s.Save(ctx, fmt.Sprintf("tsk_%d", i), "fp", nil)
	}

	recs, err := s.List(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	// Same-millisecond inserts fall back to id DESC, which tracks insert order.
	if recs[0].ID != "prs_005" {
		t.Fatalf("got first id %q, want prs_005", recs[0].ID)
	}

	rest, _ := s.List(ctx, 10, 3)
	if len(rest) != 2 {
		t.Fatalf("got %d records at offset 3, want 2", len(rest))
	}

	n, _ := s.Count(ctx)
	if n != 5 {
		t.Fatalf("got count %d, want 5", n)
	}
}
