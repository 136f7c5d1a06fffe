// Package archiveplayer walks the committed history of an archived session.
package archiveplayer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"aiminigames/sessionsync/internal/archive"
	"aiminigames/sessionsync/internal/game"
)

// Step is one committed delta in revision order.
type Step struct {
	Revision uint64          `json:"revision"`
	Author   string          `json:"author"`
	Delta    json.RawMessage `json:"delta"`
}

// Timeline is the replayable view of a bundle.
type Timeline struct {
	Manifest archive.Manifest `json:"manifest"`
	GameType string           `json:"game_type"`
	Outcome  string           `json:"outcome"`
	Steps    []Step           `json:"steps"`
	Final    json.RawMessage  `json:"final"`
	// Complete is true when the steps cover every revision from 1 to the final one.
	Complete bool `json:"complete"`
}

// Load reads a bundle directory, or the manifest inside one, into a timeline.
func Load(path string) (Timeline, error) {
	if path == "" {
		return Timeline{}, fmt.Errorf("path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Timeline{}, err
	}
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}

	record, manifest, err := archive.Load(dir)
	if err != nil {
		return Timeline{}, err
	}
	timeline := Timeline{
		Manifest: manifest,
		GameType: record.GameType,
		Outcome:  record.Outcome,
		Steps:    make([]Step, 0, len(record.History)),
		Final:    record.FinalPayload,
	}
	for _, committed := range record.History {
		timeline.Steps = append(timeline.Steps, Step{Revision: committed.Revision, Author: committed.Author, Delta: committed.Delta})
	}
	timeline.Complete = covers(timeline.Steps, record.Revision)
	return timeline, nil
}

func covers(steps []Step, revision uint64) bool {
	if uint64(len(steps)) != revision {
		return false
	}
	for i, step := range steps {
		if step.Revision != uint64(i+1) {
			return false
		}
	}
	return true
}

// Rebuild applies every step to the initial state built from settings and
// returns the encoded result. Truncated histories cannot be rebuilt.
func Rebuild(timeline Timeline, games *game.Registry, settings json.RawMessage) (json.RawMessage, error) {
	if !timeline.Complete {
		return nil, fmt.Errorf("history of %s is truncated", timeline.Manifest.SessionID)
	}
	if games == nil {
		games = game.NewRegistry()
	}
	rules, err := games.Lookup(timeline.GameType)
	if err != nil {
		return nil, err
	}
	state, err := rules.New(settings)
	if err != nil {
		return nil, err
	}
	//1.- Apply in order; a failing step means the archive disagrees with the rules.
	for _, step := range timeline.Steps {
		state, err = state.Apply(step.Author, step.Delta)
		if err != nil {
			return nil, fmt.Errorf("revision %d: %w", step.Revision, err)
		}
	}
	return state.Encode()
}
