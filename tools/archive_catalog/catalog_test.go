package archivecatalog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"aiminigames/sessionsync/internal/archive"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
)

func persist(t *testing.T, writer *archive.Writer, id string, ended time.Time) {
	t.Helper()
	record := session.Record{
		ID:           id,
		GameType:     "scores",
		Participants: []session.Participant{{ID: "p1"}, {ID: "p2"}},
		Outcome:      "completed",
		Revision:     0,
		CreatedAt:    ended.Add(-time.Minute),
		EndedAt:      ended,
		DurationMS:   60000,
		FinalPayload: json.RawMessage(`{}`),
	}
	if err := writer.Persist(context.Background(), record); err != nil {
		t.Fatalf("persist %s: %v", id, err)
	}
}

func TestListCollectsBundles(t *testing.T) {
	dir := t.TempDir()
	writer, err := archive.NewWriter(dir, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	base := time.Date(2024, 7, 10, 15, 0, 0, 0, time.UTC)
	persist(t, writer, "alpha", base)
	persist(t, writer, "bravo", base.Add(time.Hour))

	entries, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].Manifest.SessionID != "bravo" {
		t.Fatalf("expected most recent first, got %q", entries[0].Manifest.SessionID)
	}
	if len(entries[1].Participants) != 2 || entries[1].Outcome != "completed" {
		t.Fatalf("unexpected entry: %+v", entries[1])
	}

	payload, err := MarshalEntries(entries)
	if err != nil {
		t.Fatalf("MarshalEntries: %v", err)
	}
	if len(payload) == 0 {
		t.Fatalf("expected JSON payload to be non-empty")
	}
}

func TestListRequiresDirectory(t *testing.T) {
	if _, err := List(""); err == nil {
		t.Fatal("expected error for empty root")
	}
}
