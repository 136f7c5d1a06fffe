package game

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DocumentGame is the registry name of the free-form JSON document variant.
const DocumentGame = "document"

// DocumentRules holds a JSON object mutated with merge patches. It backs
// generated games whose state has no declared shape.
type DocumentRules struct{}

type documentSettings struct {
	Initial      map[string]any `json:"initial"`
	SnapshotOnly bool           `json:"snapshotOnly"`
}

// Name implements Rules.
func (DocumentRules) Name() string { return DocumentGame }

// New implements Rules.
func (DocumentRules) New(config json.RawMessage) (State, error) {
	var settings documentSettings
	if len(config) > 0 && string(config) != "null" {
		if err := decodeJSON(config, &settings); err != nil {
			return nil, fmt.Errorf("decode document settings: %w", err)
		}
	}
	doc := settings.Initial
	if doc == nil {
		doc = make(map[string]any)
	}
	return documentState{doc: doc, snapshotOnly: settings.SnapshotOnly}, nil
}

// Decode implements Rules.
func (DocumentRules) Decode(payload json.RawMessage) (State, error) {
	doc := make(map[string]any)
	if err := decodeJSON(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode document payload: %w", err)
	}
	return documentState{doc: doc}, nil
}

type documentState struct {
	doc          map[string]any
	snapshotOnly bool
}

func decodePatch(delta json.RawMessage) (map[string]any, error) {
	patch := make(map[string]any)
	if err := decodeJSON(delta, &patch); err != nil {
		return nil, invalid("decode merge patch: %v", err)
	}
	if len(patch) == 0 {
		return nil, invalid("empty merge patch")
	}
	return patch, nil
}

func (d documentState) Apply(_ string, delta json.RawMessage) (State, error) {
	patch, err := decodePatch(delta)
	if err != nil {
		return nil, err
	}
	return documentState{doc: mergePatch(d.doc, patch), snapshotOnly: d.snapshotOnly}, nil
}

func (d documentState) Merge(committedSince []Committed, _ string, incoming json.RawMessage) (json.RawMessage, error) {
	patch, err := decodePatch(incoming)
	if err != nil {
		return nil, err
	}
	//1.- Collect the top-level keys touched since the base revision.
	touched := make(map[string]uint64)
	for _, committed := range committedSince {
		other, err := decodePatch(committed.Delta)
		if err != nil {
			continue
		}
		for key := range other {
			touched[key] = committed.Revision
		}
	}
	//2.- Disjoint patches rebase unchanged; overlapping ones are stale.
	for key := range patch {
		if revision, ok := touched[key]; ok {
			return nil, fmt.Errorf("%w: key %q changed at revision %d", ErrConflict, key, revision)
		}
	}
	return incoming, nil
}

func (d documentState) Encode() (json.RawMessage, error) {
	return json.Marshal(d.doc)
}

func (d documentState) Replayable() bool { return !d.snapshotOnly }

// mergePatch applies an RFC 7386 merge patch to target, returning a new map.
func mergePatch(target map[string]any, patch map[string]any) map[string]any {
	result := make(map[string]any, len(target)+len(patch))
	for key, value := range target {
		result[key] = value
	}
	for key, value := range patch {
		if value == nil {
			delete(result, key)
			continue
		}
		nested, isObject := value.(map[string]any)
		if !isObject {
			result[key] = value
			continue
		}
		existing, _ := result[key].(map[string]any)
		result[key] = mergePatch(existing, nested)
	}
	return result
}

// decodeJSON keeps numbers as json.Number so integer payloads round-trip exactly.
func decodeJSON(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(v)
}
