// Package recovery holds disconnected participants for a grace window and decides
// how a returning participant catches up with the session.
package recovery

import (
	"sync"
	"sync/atomic"
	"time"

	"aiminigames/sessionsync/internal/logging"
)

const (
	defaultGrace       = 60 * time.Second
	defaultReplayLimit = 64
)

// ExpiryHandler is invoked once a participant's grace window elapses.
type ExpiryHandler func(sessionID, participantID string)

// Mode selects how a reconnecting participant is reconciled.
type Mode int

const (
	// ModeSnapshot sends one full snapshot at the current revision.
	ModeSnapshot Mode = iota
	// ModeReplay sends every missed delta in revision order.
	ModeReplay
)

func (m Mode) String() string {
	if m == ModeReplay {
		return "replay"
	}
	return "snapshot"
}

// Plan describes the catch-up for one reconnect.
type Plan struct {
	Mode Mode
	From uint64
	To   uint64
}

// Gap is the number of revisions the participant missed.
func (p Plan) Gap() uint64 {
	if p.To < p.From {
		return 0
	}
	return p.To - p.From + 1
}

// Stats summarises coordinator activity.
type Stats struct {
	Held     int
	Expired  uint64
	Replays  uint64
	Snapshot uint64
}

type key struct {
	sessionID     string
	participantID string
}

type hold struct {
	timer      *time.Timer
	generation uint64
}

// Coordinator owns the grace timers of every session.
type Coordinator struct {
	grace       time.Duration
	replayLimit uint64
	logger      *logging.Logger

	mu         sync.Mutex
	holds      map[key]*hold
	generation uint64
	onExpire   ExpiryHandler

	expired   atomic.Uint64
	replays   atomic.Uint64
	snapshots atomic.Uint64
}

// Option customises the coordinator.
type Option func(*Coordinator)

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithExpiryHandler installs the removal callback.
func WithExpiryHandler(fn ExpiryHandler) Option {
	return func(c *Coordinator) { c.onExpire = fn }
}

// New builds a coordinator with the given grace window and replay limit.
func New(grace time.Duration, replayLimit int, opts ...Option) *Coordinator {
	if grace <= 0 {
		grace = defaultGrace
	}
	if replayLimit < 0 {
		replayLimit = defaultReplayLimit
	}
	c := &Coordinator{
		grace:       grace,
		replayLimit: uint64(replayLimit),
		logger:      logging.L(),
		holds:       make(map[key]*hold),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.Named("recovery")
	return c
}

// Hold starts, or restarts, the grace timer for the participant.
func (c *Coordinator) Hold(sessionID, participantID string) {
	k := key{sessionID: sessionID, participantID: participantID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.holds[k]; ok {
		existing.timer.Stop()
	}
	c.generation++
	generation := c.generation
	h := &hold{generation: generation}
	//1.- The generation token keeps a timer that fired during a reset from removing a fresh hold.
	h.timer = time.AfterFunc(c.grace, func() { c.expire(k, generation) })
	c.holds[k] = h
}

// Cancel stops the participant's grace timer. It reports whether a hold existed.
func (c *Coordinator) Cancel(sessionID, participantID string) bool {
	k := key{sessionID: sessionID, participantID: participantID}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.holds[k]
	if !ok {
		return false
	}
	h.timer.Stop()
	delete(c.holds, k)
	return true
}

// CancelSession stops every grace timer belonging to the session.
func (c *Coordinator) CancelSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancelled := 0
	for k, h := range c.holds {
		if k.sessionID != sessionID {
			continue
		}
		h.timer.Stop()
		delete(c.holds, k)
		cancelled++
	}
	return cancelled
}

// Held reports whether the participant is inside its grace window.
func (c *Coordinator) Held(sessionID, participantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.holds[key{sessionID: sessionID, participantID: participantID}]
	return ok
}

func (c *Coordinator) expire(k key, generation uint64) {
	c.mu.Lock()
	h, ok := c.holds[k]
	if !ok || h.generation != generation {
		c.mu.Unlock()
		return
	}
	delete(c.holds, k)
	handler := c.onExpire
	c.mu.Unlock()

	c.expired.Add(1)
	c.logger.Info("grace window expired",
		logging.String("session_id", k.sessionID),
		logging.String("participant_id", k.participantID),
		logging.Duration("grace", c.grace),
	)
	if handler != nil {
		handler(k.sessionID, k.participantID)
	}
}

// Plan chooses between replaying missed deltas and sending a snapshot.
// oldestBase is the lowest revision whose successors are still retained.
func (c *Coordinator) Plan(lastSeen, current uint64, replayable bool, oldestBase uint64) Plan {
	if lastSeen > current {
		lastSeen = current
	}
	gap := current - lastSeen
	//1.- Nothing missed still gets a snapshot so the client can confirm its view.
	if gap == 0 || !replayable || gap > c.replayLimit || lastSeen < oldestBase {
		c.snapshots.Add(1)
		return Plan{Mode: ModeSnapshot, From: current, To: current}
	}
	c.replays.Add(1)
	return Plan{Mode: ModeReplay, From: lastSeen + 1, To: current}
}

// Stats returns a point-in-time view of coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	held := len(c.holds)
	c.mu.Unlock()
	return Stats{
		Held:     held,
		Expired:  c.expired.Load(),
		Replays:  c.replays.Load(),
		Snapshot: c.snapshots.Load(),
	}
}

// Close stops every outstanding timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, h := range c.holds {
		h.timer.Stop()
		delete(c.holds, k)
	}
}
