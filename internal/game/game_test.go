package game

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustApply(t *testing.T, state State, author, delta string) State {
	t.Helper()
	next, err := state.Apply(author, json.RawMessage(delta))
	if err != nil {
		t.Fatalf("apply %s: %v", delta, err)
	}
	return next
}

func encoded(t *testing.T, state State) string {
	t.Helper()
	payload, err := state.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(payload)
}

func TestRegistryResolvesBuiltinsAndOverrides(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{SlotsGame, ScoresGame, DocumentGame} {
		if _, err := registry.Lookup(name); err != nil {
			t.Fatalf("expected %s to be registered: %v", name, err)
		}
	}
	if _, err := registry.Lookup("chess"); !errors.Is(err, ErrUnknownGame) {
		t.Fatalf("expected ErrUnknownGame, got %v", err)
	}

	//1.- An override with a builtin name replaces the builtin rules.
	registry = NewRegistry(renamedRules{Rules: ScoresRules{}, name: "SLOTS"})
	rules, err := registry.Lookup(SlotsGame)
	if err != nil {
		t.Fatalf("lookup override: %v", err)
	}
	if _, ok := rules.(renamedRules); !ok {
		t.Fatalf("expected override rules, got %T", rules)
	}
	if got := registry.Names(); len(got) != 3 {
		t.Fatalf("unexpected names: %v", got)
	}
}

type renamedRules struct {
	Rules
	name string
}

func (r renamedRules) Name() string { return r.name }

func TestParseConfigDefaultsToDocument(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil || cfg.Type != DocumentGame {
		t.Fatalf("expected document default, got %+v %v", cfg, err)
	}
	cfg, err = ParseConfig(json.RawMessage(`{"type":" Slots ","settings":{"slots":4}}`))
	if err != nil || cfg.Type != SlotsGame || string(cfg.Settings) != `{"slots":4}` {
		t.Fatalf("unexpected config: %+v %v", cfg, err)
	}
	if _, err := ParseConfig(json.RawMessage(`[1,2]`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSlotsApplyEnforcesOwnershipAndTurns(t *testing.T) {
	state, err := SlotsRules{}.New(json.RawMessage(`{"slots":3,"turnOrder":true}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	state = mustApply(t, state, "p1", `{"slot":0}`)

	if _, err := state.Apply("p2", json.RawMessage(`{"slot":0}`)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on claimed slot, got %v", err)
	}
	if _, err := state.Apply("p1", json.RawMessage(`{"slot":1}`)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on repeated turn, got %v", err)
	}
	if _, err := state.Apply("p2", json.RawMessage(`{"slot":7}`)); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected invalid delta, got %v", err)
	}
	if _, err := state.Apply("p2", json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected invalid delta for missing slot, got %v", err)
	}
	state = mustApply(t, state, "p2", `{"slot":2}`)
	if got := encoded(t, state); got != `{"slots":["p1","","p2"],"turnOrder":true,"lastActor":"p2"}` {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestSlotsMergeConflictsOnSameSlot(t *testing.T) {
	base, _ := SlotsRules{}.New(nil)
	committed := []Committed{{Revision: 1, Author: "p1", Delta: json.RawMessage(`{"slot":4}`)}}

	if _, err := base.Merge(committed, "p2", json.RawMessage(`{"slot":4}`)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	rebased, err := base.Merge(committed, "p2", json.RawMessage(`{"slot":5}`))
	if err != nil {
		t.Fatalf("expected merge, got %v", err)
	}
	if string(rebased) != `{"slot":5}` {
		t.Fatalf("unexpected rebased delta: %s", rebased)
	}
}

func TestScoresMergeAlwaysCommutes(t *testing.T) {
	base, err := ScoresRules{}.New(json.RawMessage(`{"initial":{"red":1}}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	current := mustApply(t, base, "p1", `{"add":{"red":2}}`)
	committed := []Committed{{Revision: 1, Author: "p1", Delta: json.RawMessage(`{"add":{"red":2}}`)}}

	rebased, err := base.Merge(committed, "p2", json.RawMessage(`{"add":{"red":3,"blue":1}}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	current = mustApply(t, current, "p2", string(rebased))
	if got := encoded(t, current); got != `{"blue":1,"red":6}` {
		t.Fatalf("unexpected counters: %s", got)
	}
	if _, err := base.Merge(nil, "p2", json.RawMessage(`{"add":{}}`)); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected invalid delta, got %v", err)
	}
}

func TestDocumentMergePatchAndKeyConflicts(t *testing.T) {
	base, err := DocumentRules{}.New(json.RawMessage(`{"initial":{"board":{"a":1,"b":2},"round":1}}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	current := mustApply(t, base, "p1", `{"board":{"b":null,"c":3}}`)
	if got := encoded(t, current); got != `{"board":{"a":1,"c":3},"round":1}` {
		t.Fatalf("unexpected document: %s", got)
	}
	committed := []Committed{{Revision: 1, Author: "p1", Delta: json.RawMessage(`{"board":{"b":null,"c":3}}`)}}

	//1.- Touching the same top-level key as a committed patch is a conflict.
	if _, err := base.Merge(committed, "p2", json.RawMessage(`{"board":{"d":4}}`)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	//2.- Disjoint keys rebase unchanged and apply on the current state.
	rebased, err := base.Merge(committed, "p2", json.RawMessage(`{"round":2}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	current = mustApply(t, current, "p2", string(rebased))
	if got := encoded(t, current); got != `{"board":{"a":1,"c":3},"round":2}` {
		t.Fatalf("unexpected merged document: %s", got)
	}
}

func TestDocumentDecodeRoundTripsAndSnapshotOnly(t *testing.T) {
	state, err := DocumentRules{}.New(json.RawMessage(`{"snapshotOnly":true}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if state.Replayable() {
		t.Fatalf("expected snapshot-only document to refuse replay")
	}
	state = mustApply(t, state, "p1", `{"score":12345678901234}`)
	payload, _ := state.Encode()
	decoded, err := DocumentRules{}.Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := encoded(t, decoded); got != string(payload) {
		t.Fatalf("round trip mismatch: %s vs %s", got, payload)
	}
}
