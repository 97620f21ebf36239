package versionlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"workhub/collab/internal/collab"
)

func sampleOp(field, value string) collab.Operation {
	return collab.Operation{
		Kind:       collab.OpSetField,
		EntityType: "task",
		Field:      field,
		Value:      value,
		ActorID:    "user-1",
	}
}

func testRoundTrip(t *testing.T, sink Sink) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	if err := sink.Record(ctx, "doc-1", "task-2", 1, sampleOp("title", "draft"), now); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := sink.Record(ctx, "doc-1", "task-1", 3, sampleOp("status", "done"), now.Add(time.Second)); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Overwrite task-2 to make sure the upsert replaces, not appends.
	if err := sink.Record(ctx, "doc-1", "task-2", 2, sampleOp("title", "final"), now.Add(2*time.Second)); err != nil {
		t.Fatalf("record overwrite: %v", err)
	}
	// A different document must stay invisible to doc-1.
	if err := sink.Record(ctx, "doc-2", "task-1", 9, sampleOp("title", "other"), now); err != nil {
		t.Fatalf("record other doc: %v", err)
	}

	got, err := sink.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(got))
	}
	if got[0].EntityID != "task-1" || got[1].EntityID != "task-2" {
		t.Fatalf("expected entity order task-1, task-2; got %s, %s", got[0].EntityID, got[1].EntityID)
	}
	if got[0].Version != 3 {
		t.Errorf("task-1 version = %d, want 3", got[0].Version)
	}
	if got[1].Version != 2 {
		t.Errorf("task-2 version = %d, want 2", got[1].Version)
	}
	if got[1].LastOperation.Value != "final" {
		t.Errorf("task-2 last operation value = %q, want %q", got[1].LastOperation.Value, "final")
	}
	if got[0].LastOperation.Kind != collab.OpSetField || got[0].LastOperation.Field != "status" {
		t.Errorf("task-1 last operation = %+v, want set-field on status", got[0].LastOperation)
	}

	empty, err := sink.Load(ctx, "doc-missing")
	if err != nil {
		t.Fatalf("load missing doc: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no entities for unknown document, got %d", len(empty))
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	testRoundTrip(t, NewMemory())
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions.db")
	sink, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer sink.Close()
	testRoundTrip(t, sink)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "versions.db")

	sink, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := sink.Record(ctx, "doc-1", "task-1", 5, sampleOp("title", "kept"), time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Load(ctx, "doc-1")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if len(got) != 1 || got[0].Version != 5 {
		t.Fatalf("expected task-1 at version 5 after reopen, got %+v", got)
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("COLLAB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COLLAB_TEST_POSTGRES_DSN not set")
	}
	sink, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer sink.Close()
	testRoundTrip(t, sink)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	sink, err := Open(ctx, "memory", "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := sink.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", sink)
	}

	sink, err = Open(ctx, "", "")
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	if _, ok := sink.(*Memory); !ok {
		t.Fatalf("expected default backend to be *Memory, got %T", sink)
	}

	path := filepath.Join(t.TempDir(), "versions.db")
	sink, err = Open(ctx, "sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sink.Close()
	if _, ok := sink.(*SQLite); !ok {
		t.Fatalf("expected *SQLite, got %T", sink)
	}

	if _, err := Open(ctx, "sqlite", ""); err == nil {
		t.Fatal("expected error for sqlite without a path")
	}
	if _, err := Open(ctx, "postgres", ""); err == nil {
		t.Fatal("expected error for postgres without a DSN")
	}
	if _, err := Open(ctx, "cassandra", "whatever"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
