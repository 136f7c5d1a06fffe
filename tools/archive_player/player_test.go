package archiveplayer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"aiminigames/sessionsync/internal/archive"
	"aiminigames/sessionsync/internal/game"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
)

func writeBundle(t *testing.T, record session.Record) string {
	t.Helper()
	root := t.TempDir()
	writer, err := archive.NewWriter(root, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := writer.Persist(context.Background(), record); err != nil {
		t.Fatalf("persist: %v", err)
	}
	return filepath.Join(root, archive.BundleName(record))
}

func scoresRecord(history []game.Committed, revision uint64) session.Record {
	ended := time.Date(2024, 7, 10, 15, 0, 0, 0, time.UTC)
	return session.Record{
		ID:           "match-1",
		GameType:     game.ScoresGame,
		Outcome:      "completed",
		Revision:     revision,
		CreatedAt:    ended.Add(-time.Minute),
		EndedAt:      ended,
		FinalPayload: json.RawMessage(`{"goals":3}`),
		History:      history,
	}
}

func TestLoadAndRebuild(t *testing.T) {
	dir := writeBundle(t, scoresRecord([]game.Committed{
		{Revision: 1, Author: "p1", Delta: json.RawMessage(`{"add":{"goals":1}}`)},
		{Revision: 2, Author: "p2", Delta: json.RawMessage(`{"add":{"goals":2}}`)},
	}, 2))

	timeline, err := Load(filepath.Join(dir, archive.ManifestFile))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !timeline.Complete || len(timeline.Steps) != 2 {
		t.Fatalf("unexpected timeline: %+v", timeline)
	}
	rebuilt, err := Rebuild(timeline, nil, nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	var got, want map[string]int64
	if err := json.Unmarshal(rebuilt, &got); err != nil {
		t.Fatalf("decode rebuilt: %v", err)
	}
	if err := json.Unmarshal(timeline.Final, &want); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if got["goals"] != want["goals"] {
		t.Fatalf("rebuilt %v, archived %v", got, want)
	}
}

func TestRebuildRejectsTruncatedHistory(t *testing.T) {
	dir := writeBundle(t, scoresRecord([]game.Committed{
		{Revision: 3, Author: "p1", Delta: json.RawMessage(`{"add":{"goals":1}}`)},
	}, 3))

	timeline, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if timeline.Complete {
		t.Fatal("expected truncated history to be flagged")
	}
	if _, err := Rebuild(timeline, game.NewRegistry(), nil); err == nil {
		t.Fatal("expected rebuild of truncated history to fail")
	}
}
