// Package game declares the payload capability every multiplayer game type must
// provide and ships the built-in variants used by the session engine.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrConflict reports that an incoming delta collides with work committed since its base.
	ErrConflict = errors.New("game: conflicting operation")
	// ErrInvalidDelta reports a delta that cannot be decoded or applied.
	ErrInvalidDelta = errors.New("game: invalid delta")
	// ErrUnknownGame reports a game type with no registered rules.
	ErrUnknownGame = errors.New("game: unknown game type")
)

// Committed is one accepted delta, as recorded in a session's history.
type Committed struct {
	Revision uint64          `json:"revision"`
	Author   string          `json:"author"`
	Delta    json.RawMessage `json:"delta"`
}

// State is an immutable game payload. Apply and Merge never mutate the receiver.
type State interface {
	// Apply returns the state produced by applying delta on behalf of author.
	Apply(author string, delta json.RawMessage) (State, error)
	// Merge rebases an incoming delta authored against the receiver (the base
	// state) over the deltas committed since. It returns the delta to apply on
	// top of the current state or ErrConflict.
	Merge(committedSince []Committed, author string, incoming json.RawMessage) (json.RawMessage, error)
	// Encode renders the payload sent to clients in snapshots.
	Encode() (json.RawMessage, error)
	// Replayable reports whether clients can rebuild this state from deltas.
	Replayable() bool
}

// Rules builds states for one game type.
type Rules interface {
	Name() string
	// New builds the initial state from the session's game configuration.
	New(config json.RawMessage) (State, error)
	// Decode rebuilds a state from an encoded snapshot payload.
	Decode(payload json.RawMessage) (State, error)
}

// Config is the envelope accepted at session creation.
type Config struct {
	Type     string          `json:"type"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// ParseConfig decodes the creation envelope, defaulting to the document game.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode game config: %w", err)
		}
	}
	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	if cfg.Type == "" {
		cfg.Type = DocumentGame
	}
	return cfg, nil
}

// Registry resolves game rules by name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rules
}

// NewRegistry returns a registry holding the built-in variants plus any overrides.
// An override with the same name as a built-in replaces it.
func NewRegistry(overrides ...Rules) *Registry {
	r := &Registry{rules: make(map[string]Rules)}
	r.Register(SlotsRules{})
	r.Register(ScoresRules{})
	r.Register(DocumentRules{})
	for _, rules := range overrides {
		r.Register(rules)
	}
	return r
}

// Register adds or replaces the rules for rules.Name().
func (r *Registry) Register(rules Rules) {
	if r == nil || rules == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(rules.Name()))
	if name == "" {
		return
	}
	r.mu.Lock()
	r.rules[name] = rules
	r.mu.Unlock()
}

// Lookup returns the rules for name or ErrUnknownGame.
func (r *Registry) Lookup(name string) (Rules, error) {
	if r == nil {
		return nil, ErrUnknownGame
	}
	r.mu.RLock()
	rules, ok := r.rules[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGame, name)
	}
	return rules, nil
}

// Names lists registered game types in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves cfg.Type and constructs its initial state.
func (r *Registry) Build(cfg Config) (Rules, State, error) {
	rules, err := r.Lookup(cfg.Type)
	if err != nil {
		return nil, nil, err
	}
	state, err := rules.New(cfg.Settings)
	if err != nil {
		return nil, nil, err
	}
	return rules, state, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDelta, fmt.Sprintf(format, args...))
}
