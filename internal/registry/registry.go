// Package registry tracks the live transport of every (session, participant) pair.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
)

const defaultShards = 32

// Transport is the outbound half of a participant connection.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// DisconnectHook observes the loss of a live transport.
type DisconnectHook func(sessionID, participantID string)

// Registry is a sharded map from (session, participant) to transport. Shards are
// keyed by session so one session's entries share a lock.
type Registry struct {
	shards []*shard
	mu     sync.RWMutex
	hook   DisconnectHook
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]map[string]Transport
}

// Option customises a registry.
type Option func(*Registry)

// WithShards overrides the shard count.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

// WithDisconnectHook installs the callback fired when a live transport unregisters.
func WithDisconnectHook(hook DisconnectHook) Option {
	return func(r *Registry) { r.hook = hook }
}

// New builds an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{shards: newShards(defaultShards)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{sessions: make(map[string]map[string]Transport)}
	}
	return shards
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register stores transport for the pair and returns the handle it replaced, if any.
// The caller owns closing the previous handle.
func (r *Registry) Register(sessionID, participantID string, transport Transport) Transport {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	participants, ok := s.sessions[sessionID]
	if !ok {
		participants = make(map[string]Transport)
		s.sessions[sessionID] = participants
	}
	previous := participants[participantID]
	participants[participantID] = transport
	return previous
}

// Unregister removes the pair when transport is still the live handle, then fires
// the disconnect hook. Unregistering a replaced handle is a no-op and returns false.
func (r *Registry) Unregister(sessionID, participantID string, transport Transport) bool {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	participants := s.sessions[sessionID]
	current, ok := participants[participantID]
	if !ok || current != transport {
		s.mu.Unlock()
		return false
	}
	delete(participants, participantID)
	if len(participants) == 0 {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	r.mu.RLock()
	hook := r.hook
	r.mu.RUnlock()
	if hook != nil {
		hook(sessionID, participantID)
	}
	return true
}

// Remove drops the pair without firing the disconnect hook. It is used when the
// participant has formally left and no recovery should follow.
func (r *Registry) Remove(sessionID, participantID string) Transport {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	participants := s.sessions[sessionID]
	current, ok := participants[participantID]
	if !ok {
		return nil
	}
	delete(participants, participantID)
	if len(participants) == 0 {
		delete(s.sessions, sessionID)
	}
	return current
}

// Lookup returns the live transport for the pair.
func (r *Registry) Lookup(sessionID, participantID string) (Transport, bool) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	transport, ok := s.sessions[sessionID][participantID]
	return transport, ok
}

// Participants lists participants with a live transport in the session, sorted.
func (r *Registry) Participants(sessionID string) []string {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions[sessionID]))
	for id := range s.sessions[sessionID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ReleaseSession removes every entry of the session without firing the hook and
// returns the released transports so the caller can close them.
func (r *Registry) ReleaseSession(sessionID string) []Transport {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	participants := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	released := make([]Transport, 0, len(participants))
	for _, transport := range participants {
		released = append(released, transport)
	}
	return released
}

// Count reports the number of live transports across all sessions.
func (r *Registry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for _, participants := range s.sessions {
			total += len(participants)
		}
		s.mu.Unlock()
	}
	return total
}
