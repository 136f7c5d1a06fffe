package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"aiminigames/sessionsync/internal/game"
	"aiminigames/sessionsync/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func record(id string, ended time.Time, outcome string) session.Record {
	return session.Record{
		ID:                id,
		JoinCode:          "XYZ789",
		GameType:          game.SlotsGame,
		HostParticipantID: "p1",
		Outcome:           outcome,
		Revision:          3,
		CreatedAt:         ended.Add(-2 * time.Minute),
		EndedAt:           ended,
		DurationMS:        120000,
		FinalPayload:      json.RawMessage(`{"slots":{"a1":"p1"}}`),
		History:           []game.Committed{{Revision: 1, Author: "p1", Delta: json.RawMessage(`{"slot":"a1"}`)}},
	}
}

func TestPersistAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ended := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

	if err := store.Persist(ctx, record("s1", ended, "completed")); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome != "completed" || got.Revision != 3 || !got.EndedAt.Equal(ended) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.History) != 1 || string(got.FinalPayload) != `{"slots":{"a1":"p1"}}` {
		t.Fatalf("expected payload and history preserved, got %+v", got)
	}

	//1.- A second persist for the same session replaces the row.
	if err := store.Persist(ctx, record("s1", ended, "abandoned")); err != nil {
		t.Fatalf("persist again: %v", err)
	}
	got, err = store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome != "abandoned" {
		t.Fatalf("expected replaced outcome, got %q", got.Outcome)
	}
}

func TestGetMissingRecord(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := store.Persist(ctx, record(id, base.Add(time.Duration(i)*time.Minute), "completed")); err != nil {
			t.Fatalf("persist %s: %v", id, err)
		}
	}
	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", recent)
	}
	if recent[0].GameType != game.SlotsGame || recent[0].Revision != 3 || len(recent[0].History) != 1 {
		t.Fatalf("unexpected record: %+v", recent[0])
	}
}

func TestPersistValidation(t *testing.T) {
	store := openTestStore(t)
	if err := store.Persist(context.Background(), session.Record{}); err == nil {
		t.Fatal("expected error for missing session id")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Persist(ctx, record("s1", time.Now(), "completed")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
