package game

import (
	"encoding/json"
	"fmt"
)

// SlotsGame is the registry name of the discrete slot-claim variant.
const SlotsGame = "slots"

const defaultSlotCount = 9

// SlotsRules models board games where participants claim discrete cells.
type SlotsRules struct{}

type slotsSettings struct {
	Slots     int  `json:"slots"`
	TurnOrder bool `json:"turnOrder"`
}

type slotsPayload struct {
	Slots     []string `json:"slots"`
	TurnOrder bool     `json:"turnOrder"`
	LastActor string   `json:"lastActor,omitempty"`
}

type slotClaim struct {
	Slot *int `json:"slot"`
}

// Name implements Rules.
func (SlotsRules) Name() string { return SlotsGame }

// New implements Rules.
func (SlotsRules) New(config json.RawMessage) (State, error) {
	settings := slotsSettings{Slots: defaultSlotCount}
	if len(config) > 0 && string(config) != "null" {
		if err := json.Unmarshal(config, &settings); err != nil {
			return nil, fmt.Errorf("decode slots settings: %w", err)
		}
	}
	if settings.Slots <= 0 || settings.Slots > 1024 {
		return nil, fmt.Errorf("slots count %d out of range", settings.Slots)
	}
	return slotsState{payload: slotsPayload{Slots: make([]string, settings.Slots), TurnOrder: settings.TurnOrder}}, nil
}

// Decode implements Rules.
func (SlotsRules) Decode(payload json.RawMessage) (State, error) {
	var decoded slotsPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode slots payload: %w", err)
	}
	return slotsState{payload: decoded}, nil
}

type slotsState struct {
	payload slotsPayload
}

func decodeClaim(delta json.RawMessage) (int, error) {
	var claim slotClaim
	if err := json.Unmarshal(delta, &claim); err != nil {
		return 0, invalid("decode slot claim: %v", err)
	}
	if claim.Slot == nil {
		return 0, invalid("slot claim missing slot")
	}
	return *claim.Slot, nil
}

func (s slotsState) Apply(author string, delta json.RawMessage) (State, error) {
	slot, err := decodeClaim(delta)
	if err != nil {
		return nil, err
	}
	if slot < 0 || slot >= len(s.payload.Slots) {
		return nil, invalid("slot %d out of range", slot)
	}
	if owner := s.payload.Slots[slot]; owner != "" {
		return nil, fmt.Errorf("%w: slot %d already claimed by %s", ErrConflict, slot, owner)
	}
	if s.payload.TurnOrder && s.payload.LastActor == author {
		return nil, fmt.Errorf("%w: %s already moved this turn", ErrConflict, author)
	}
	next := slotsPayload{Slots: append([]string(nil), s.payload.Slots...), TurnOrder: s.payload.TurnOrder, LastActor: author}
	next.Slots[slot] = author
	return slotsState{payload: next}, nil
}

func (s slotsState) Merge(committedSince []Committed, author string, incoming json.RawMessage) (json.RawMessage, error) {
	slot, err := decodeClaim(incoming)
	if err != nil {
		return nil, err
	}
	//1.- Two claims on the same cell in the same window cannot both win.
	for _, committed := range committedSince {
		other, err := decodeClaim(committed.Delta)
		if err != nil {
			continue
		}
		if other == slot {
			return nil, fmt.Errorf("%w: slot %d claimed at revision %d", ErrConflict, slot, committed.Revision)
		}
	}
	//2.- Under strict turns the move is stale once anyone else has moved since the base.
	if s.payload.TurnOrder && len(committedSince) > 0 {
		return nil, fmt.Errorf("%w: turn advanced since base", ErrConflict)
	}
	return incoming, nil
}

func (s slotsState) Encode() (json.RawMessage, error) {
	return json.Marshal(s.payload)
}

func (slotsState) Replayable() bool { return true }
