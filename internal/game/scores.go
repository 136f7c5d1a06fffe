package game

import (
	"encoding/json"
	"fmt"
)

// ScoresGame is the registry name of the commutative counter variant.
const ScoresGame = "scores"

// ScoresRules keeps named integer counters. Increments commute, so merges never conflict.
type ScoresRules struct{}

type scoresDelta struct {
	Add map[string]int64 `json:"add"`
}

// Name implements Rules.
func (ScoresRules) Name() string { return ScoresGame }

// New implements Rules. Settings may seed initial counters as {"initial": {...}}.
func (ScoresRules) New(config json.RawMessage) (State, error) {
	var settings struct {
		Initial map[string]int64 `json:"initial"`
	}
	if len(config) > 0 && string(config) != "null" {
		if err := json.Unmarshal(config, &settings); err != nil {
			return nil, fmt.Errorf("decode scores settings: %w", err)
		}
	}
	counters := make(map[string]int64, len(settings.Initial))
	for key, value := range settings.Initial {
		counters[key] = value
	}
	return scoresState{counters: counters}, nil
}

// Decode implements Rules.
func (ScoresRules) Decode(payload json.RawMessage) (State, error) {
	counters := make(map[string]int64)
	if err := json.Unmarshal(payload, &counters); err != nil {
		return nil, fmt.Errorf("decode scores payload: %w", err)
	}
	return scoresState{counters: counters}, nil
}

type scoresState struct {
	counters map[string]int64
}

func decodeScores(delta json.RawMessage) (scoresDelta, error) {
	var decoded scoresDelta
	if err := json.Unmarshal(delta, &decoded); err != nil {
		return scoresDelta{}, invalid("decode scores delta: %v", err)
	}
	if len(decoded.Add) == 0 {
		return scoresDelta{}, invalid("scores delta has no counters")
	}
	return decoded, nil
}

func (s scoresState) Apply(_ string, delta json.RawMessage) (State, error) {
	decoded, err := decodeScores(delta)
	if err != nil {
		return nil, err
	}
	next := make(map[string]int64, len(s.counters)+len(decoded.Add))
	for key, value := range s.counters {
		next[key] = value
	}
	for key, by := range decoded.Add {
		if key == "" {
			return nil, invalid("empty counter name")
		}
		next[key] += by
	}
	return scoresState{counters: next}, nil
}

func (scoresState) Merge(_ []Committed, _ string, incoming json.RawMessage) (json.RawMessage, error) {
	if _, err := decodeScores(incoming); err != nil {
		return nil, err
	}
	return incoming, nil
}

func (s scoresState) Encode() (json.RawMessage, error) {
	return json.Marshal(s.counters)
}

func (scoresState) Replayable() bool { return true }
