// Package archivecatalog lists the session bundles stored under an archive root.
package archivecatalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"aiminigames/sessionsync/internal/archive"
)

// Entry summarises one archived session.
type Entry struct {
	BundlePath   string           `json:"bundle_path"`
	Manifest     archive.Manifest `json:"manifest"`
	GameType     string           `json:"game_type"`
	Outcome      string           `json:"outcome"`
	Participants []string         `json:"participants"`
	EndedAt      time.Time        `json:"ended_at"`
	DurationMS   int64            `json:"duration_ms"`
}

// List loads every bundle under root, most recently ended first.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}
	bundles, err := archive.List(root)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(bundles))
	//1.- Load each bundle fully so a corrupt archive surfaces here rather than at replay time.
	for _, dir := range bundles {
		record, manifest, err := archive.Load(dir)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		ids := make([]string, 0, len(record.Participants))
		for _, p := range record.Participants {
			ids = append(ids, p.ID)
		}
		entries = append(entries, Entry{
			BundlePath:   dir,
			Manifest:     manifest,
			GameType:     record.GameType,
			Outcome:      record.Outcome,
			Participants: ids,
			EndedAt:      record.EndedAt,
			DurationMS:   record.DurationMS,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EndedAt.After(entries[j].EndedAt)
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
