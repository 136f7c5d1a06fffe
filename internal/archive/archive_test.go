package archive

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"aiminigames/sessionsync/internal/game"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
)

func sampleRecord(id string, ended time.Time) session.Record {
	return session.Record{
		ID:                id,
		JoinCode:          "ABC234",
		GameType:          game.ScoresGame,
		HostParticipantID: "p1",
		Participants:      []session.Participant{{ID: "p1"}, {ID: "p2"}},
		Outcome:           "completed",
		Revision:          2,
		CreatedAt:         ended.Add(-time.Minute),
		EndedAt:           ended,
		DurationMS:        60000,
		FinalPayload:      json.RawMessage(`{"goals":3}`),
		History: []game.Committed{
			{Revision: 1, Author: "p1", Delta: json.RawMessage(`{"add":{"goals":1}}`)},
			{Revision: 2, Author: "p2", Delta: json.RawMessage(`{"add":{"goals":2}}`)},
		},
	}
}

func TestWriterRoundTrip(t *testing.T) {
	root := t.TempDir()
	writer, err := NewWriter(root, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	ended := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	record := sampleRecord("sess/../1", ended)

	//1.- Persist the record and locate the bundle by its derived name.
	if err := writer.Persist(context.Background(), record); err != nil {
		t.Fatalf("persist: %v", err)
	}
	bundles, err := List(root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bundles) != 1 || filepath.Base(bundles[0]) != "sess1-20240715T120000Z" {
		t.Fatalf("unexpected bundles: %v", bundles)
	}
	for _, name := range []string{ManifestFile, RecordFile, HistoryFile, FinalFile} {
		if _, err := os.Stat(filepath.Join(bundles[0], name)); err != nil {
			t.Fatalf("expected %s in bundle: %v", name, err)
		}
	}

	//2.- Loading restores the history and final payload exactly.
	loaded, manifest, err := Load(bundles[0])
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if manifest.Entries != 2 || manifest.Revision != 2 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if loaded.ID != record.ID || loaded.Outcome != "completed" || len(loaded.Participants) != 2 {
		t.Fatalf("unexpected record: %+v", loaded)
	}
	if string(loaded.FinalPayload) != `{"goals":3}` {
		t.Fatalf("unexpected final payload: %s", loaded.FinalPayload)
	}
	if len(loaded.History) != 2 || loaded.History[1].Author != "p2" || string(loaded.History[1].Delta) != `{"add":{"goals":2}}` {
		t.Fatalf("unexpected history: %+v", loaded.History)
	}
}

func TestPersistReplacesExistingBundle(t *testing.T) {
	root := t.TempDir()
	writer, err := NewWriter(root, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	ended := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	record := sampleRecord("s1", ended)
	if err := writer.Persist(context.Background(), record); err != nil {
		t.Fatalf("persist: %v", err)
	}
	record.Outcome = "abandoned"
	record.History = nil
	if err := writer.Persist(context.Background(), record); err != nil {
		t.Fatalf("persist again: %v", err)
	}
	bundles, _ := List(root)
	if len(bundles) != 1 {
		t.Fatalf("expected a single bundle, got %v", bundles)
	}
	loaded, _, err := Load(bundles[0])
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Outcome != "abandoned" || len(loaded.History) != 0 {
		t.Fatalf("expected replaced bundle, got %+v", loaded)
	}
}

func TestPersistHonoursCancelledContext(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := writer.Persist(ctx, sampleRecord("s1", time.Now())); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"version":99}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, _, err := Load(dir); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version, got %v", err)
	}
}

func writeBundle(t *testing.T, root, name string, modTime time.Time, size int) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(dir, modTime, modTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestCleanerEnforcesMaxSessions(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	//1.- Seed three bundles plus an in-flight staging directory.
	writeBundle(t, root, "alpha", now.Add(-3*time.Hour), 64)
	writeBundle(t, root, "bravo", now.Add(-2*time.Hour), 32)
	writeBundle(t, root, "charlie", now.Add(-time.Hour), 48)
	writeBundle(t, root, ".staging-1", now.Add(-5*time.Hour), 8)

	cleaner := NewCleaner(root, RetentionPolicy{MaxSessions: 2}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	if _, err := os.Stat(filepath.Join(root, "alpha")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest bundle removed, stat err %v", err)
	}
	for _, name := range []string{"bravo", "charlie", ".staging-1"} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Fatalf("expected %s retained: %v", name, err)
		}
	}
	stats := cleaner.Stats()
	if stats.Sessions != 2 || stats.Removed != 1 || stats.Bytes != 80 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastSweep != now {
		t.Fatalf("expected sweep timestamp %s, got %s", now, stats.LastSweep)
	}
}

func TestCleanerPrunesByAge(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 7, 16, 9, 0, 0, 0, time.UTC)
	writeBundle(t, root, "old", now.Add(-72*time.Hour), 4)
	writeBundle(t, root, "fresh", now.Add(-time.Hour), 4)

	cleaner := NewCleaner(root, RetentionPolicy{MaxAge: 36 * time.Hour}, nil)
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	if _, err := os.Stat(filepath.Join(root, "old")); !os.IsNotExist(err) {
		t.Fatalf("expected stale bundle removed, stat err %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "fresh")); err != nil {
		t.Fatalf("expected fresh bundle retained: %v", err)
	}
}

func TestCleanerRunStopsWithContext(t *testing.T) {
	cleaner := NewCleaner(t.TempDir(), RetentionPolicy{MaxSessions: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cleaner.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop after cancellation")
	}
}
