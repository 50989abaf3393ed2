package runstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	rs, err := Open(ctx, config.RunStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	if rs.Enabled() {
		t.Fatalf("ephemeral store should not persist")
	}
	if err := rs.PutRun(ctx, Run{ID: "r1", Status: "running"}); err != nil {
		t.Fatalf("put run: %v", err)
	}
	if _, err := rs.GetRun(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.RunStoreConfig{Path: filepath.Join(tmp, "runs.db"), RetentionMode: "session"}
	rs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open run store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	ctx := context.Background()

	if err := rs.PutRun(ctx, Run{ID: "run-1", Status: "running", Language: "en-US"}); err != nil {
		t.Fatalf("put run: %v", err)
	}
	if err := rs.AppendEvent(ctx, Event{RunID: "run-1", Type: "segment.completed", Payload: []byte(`{"index":0}`)}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := rs.AppendEvent(ctx, Event{RunID: "run-1", Type: "run.completed"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := rs.PutRun(ctx, Run{ID: "run-1", Status: "succeeded", Segments: 3}); err != nil {
		t.Fatalf("update run: %v", err)
	}

	run, err := rs.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != "succeeded" || run.Segments != 3 || run.Language != "en-US" {
		t.Fatalf("unexpected run %+v", run)
	}
	events, err := rs.ListRunEvents(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != "segment.completed" || string(events[0].Payload) != `{"index":0}` {
		t.Fatalf("unexpected events %+v", events)
	}
	if _, err := rs.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.RunStoreConfig{Path: filepath.Join(tmp, "runs.db"), RetentionMode: "persistent", RetentionDays: 1, MaxRuns: 1}
	rs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open run store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	ctx := context.Background()

	rs.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := rs.PutRun(ctx, Run{ID: "old-run", Status: "succeeded"}); err != nil {
		t.Fatalf("put run: %v", err)
	}
	if err := rs.AppendEvent(ctx, Event{RunID: "old-run", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	rs.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := rs.PutRun(ctx, Run{ID: "new-run", Status: "succeeded"}); err != nil {
		t.Fatalf("put run: %v", err)
	}
	if err := rs.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := rs.ListRunEvents(ctx, "old-run", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old run pruned")
	}
	if _, err := rs.GetRun(ctx, "old-run"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old run removed, got %v", err)
	}
	if _, err := rs.GetRun(ctx, "new-run"); err != nil {
		t.Fatalf("new run should survive: %v", err)
	}
}
