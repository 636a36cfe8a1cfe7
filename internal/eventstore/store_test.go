package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/adapter"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/pool"
	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/stream"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "sessions.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not persist")
	}
	if err := es.OpenSession(ctx, SessionRecord{SessionID: "x"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "x", Type: EventSessionStarted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if events, err := es.ListSessionEvents(ctx, "x", 10); err != nil || len(events) != 0 {
		t.Fatalf("expected nothing stored, got %v %v", events, err)
	}
	if _, err := es.GetSession(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionLifecycleRecord(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	opened := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := es.OpenSession(ctx, SessionRecord{SessionID: "s1", NodeID: "n1", Model: "base", Language: "en", OpenedAt: opened}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s1", Type: EventSessionError, Category: "invalid_format"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	closed := opened.Add(time.Minute)
	if err := es.CloseSession(ctx, SessionRecord{SessionID: "s1", CloseReason: "released", Finals: 2, Interims: 5, EngineCalls: 7, TotalSamples: 960000, ClosedAt: &closed}); err != nil {
		t.Fatalf("close session: %v", err)
	}

	rec, err := es.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Model != "base" || rec.Finals != 2 || rec.Errors != 1 || rec.CloseReason != "released" || rec.TotalSamples != 960000 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.OpenedAt.Equal(opened) || rec.ClosedAt == nil || !rec.ClosedAt.Equal(closed) {
		t.Fatalf("unexpected timestamps %+v", rec)
	}

	if err := es.CloseSession(ctx, SessionRecord{SessionID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound closing unknown session, got %v", err)
	}
}

func TestAppendEventCreatesSessionRow(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.AppendEvent(ctx, Event{SessionID: "never-opened", Type: EventSessionError, Category: "capacity_exceeded"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "never-opened", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Category != "capacity_exceeded" {
		t.Fatalf("unexpected events %+v", events)
	}
	sessions, err := es.ListSessions(ctx, 10)
	if err != nil || len(sessions) != 1 || sessions[0].Errors != 1 {
		t.Fatalf("unexpected sessions %+v %v", sessions, err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, SessionRecord{SessionID: "old-session"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: EventSessionStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, SessionRecord{SessionID: "new-session"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("new session must survive pruning: %v", err)
	}
}

func TestAuditorRecordsPoolLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	auditor := NewAuditor(es, "node-1", newLogger())

	started := time.Now().Truncate(time.Millisecond)
	auditor.SessionOpened(stream.Stats{ID: "call", Model: "base", StartedAt: started})
	auditor.SessionError(ctx, "call", adapter.CategoryInvalidFormat)
	auditor.SessionReleased(stream.Stats{ID: "call", Finals: 1, EngineCalls: 3, TotalSamples: 48000}, pool.ReasonIdle, nil)

	rec, err := es.GetSession(ctx, "call")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.NodeID != "node-1" || rec.CloseReason != string(pool.ReasonIdle) || rec.EngineCalls != 3 || rec.Errors != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	events, err := es.ListSessionEvents(ctx, "call", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{EventSessionStarted, EventSessionError, EventSessionStopped}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
	if events[2].Category != "" {
		t.Fatalf("clean release must carry no category, got %q", events[2].Category)
	}

	auditor.SessionReleased(stream.Stats{ID: "call"}, pool.ReasonReleased, stream.ErrEngineFatal)
	events, _ = es.ListSessionEvents(ctx, "call", 10)
	if last := events[len(events)-1]; last.Category != adapter.CategoryEngineFailure {
		t.Fatalf("expected engine_failure category, got %q", last.Category)
	}
}
