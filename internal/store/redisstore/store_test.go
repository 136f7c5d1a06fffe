package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"aiminigames/sessionsync/internal/session"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := New(client, Options{Prefix: "test", TTL: ttl})
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func record(id string, ended time.Time) session.Record {
	return session.Record{
		ID:           id,
		GameType:     "scores",
		Outcome:      "completed",
		Revision:     4,
		EndedAt:      ended,
		FinalPayload: json.RawMessage(`{"goals":4}`),
	}
}

func TestPersistAndGet(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()
	ended := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

	if err := store.Persist(ctx, record("s1", ended)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Revision != 4 || string(got.FinalPayload) != `{"goals":4}` {
		t.Fatalf("unexpected record: %+v", got)
	}
	if ttl := mr.TTL("test:record:s1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", ttl)
	}
	if score, err := mr.ZScore("test:records:ended", "s1"); err != nil || score != float64(ended.UnixMilli()) {
		t.Fatalf("expected index score, got %v (%v)", score, err)
	}
}

func TestGetAfterExpiry(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()
	if err := store.Persist(ctx, record("s1", time.Now())); err != nil {
		t.Fatalf("persist: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestRecentSkipsAndPrunesExpired(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := store.Persist(ctx, record(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("persist %s: %v", id, err)
		}
	}
	//1.- Drop one record as if its TTL had elapsed.
	mr.Del("test:record:b")

	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "a" {
		t.Fatalf("unexpected records: %+v", recent)
	}
	members, err := mr.ZMembers("test:records:ended")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected expired entry pruned, got %v", members)
	}
}

func TestNewClientPings(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client, err := NewClient(context.Background(), addr, "", 0)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_ = client.Close()
	mr.Close()
	if _, err := NewClient(context.Background(), addr, "", 0); err == nil {
		t.Fatal("expected ping failure against a stopped server")
	}
	if _, err := NewClient(context.Background(), "", "", 0); err == nil {
		t.Fatal("expected error for empty address")
	}
}
