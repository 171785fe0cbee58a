package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assist/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
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

	if err := es.OpenSession(ctx, Session{ID: "s1", Kind: KindVoice}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Append(ctx, Entry{SessionID: "s1", Type: "start"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := es.ListEntries(ctx, "s1", 10)
	if err != nil || entries != nil {
		t.Fatalf("expected no entries in ephemeral mode, got %v, %v", entries, err)
	}
}

func TestSessionTimeline(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.OpenSession(ctx, Session{ID: "voice-1", Kind: KindVoice, Source: "primary"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	for _, typ := range []string{"start", "partial", "result", "end"} {
		if err := es.Append(ctx, Entry{SessionID: "voice-1", Type: typ}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	if err := es.CloseSession(ctx, "voice-1", "completed"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if err := es.CloseSession(ctx, "voice-1", "failed"); err != nil {
		t.Fatalf("second close: %v", err)
	}

	entries, err := es.ListEntries(ctx, "voice-1", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 4 || entries[0].Type != "start" || entries[3].Type != "end" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	sessions, err := es.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Source != "primary" || got.Outcome != "completed" || got.EndedAt.IsZero() {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestAppendRequiresSession(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.Append(context.Background(), Entry{SessionID: "missing", Type: "start"}); err == nil {
		t.Fatal("expected foreign key violation for unknown session")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, Session{ID: "old", Kind: KindChat, Source: "reader"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Append(ctx, Entry{SessionID: "old", Type: "content"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, Session{ID: "new", Kind: KindChat, Source: "poll"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := es.ListEntries(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected old session entries pruned, got %d", len(entries))
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new" {
		t.Fatalf("unexpected sessions after prune: %+v", sessions)
	}
}
