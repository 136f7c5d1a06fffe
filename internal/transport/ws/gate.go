package ws

import (
	"sync"
	"time"

	"aiminigames/sessionsync/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

type clockFunc func() time.Time

// Now implements Clock for functional adapters.
func (c clockFunc) Now() time.Time { return c() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// GateConfig controls the throughput gate applied to inbound client frames.
type GateConfig struct {
	MinInterval time.Duration
	Burst       int
}

// Decision summarises whether a frame may be processed now.
type Decision struct {
	Accepted   bool
	RetryAfter time.Duration
}

type clientState struct {
	tokens   float64
	refilled time.Time
}

// ThrottleCounters aggregates per-client throttling.
type ThrottleCounters struct {
	Throttled uint64 `json:"throttled"`
}

// Metrics stores per-client throttle counters for diagnostics.
type Metrics struct {
	mu     sync.RWMutex
	counts map[string]ThrottleCounters
}

func newMetrics() *Metrics {
	return &Metrics{counts: make(map[string]ThrottleCounters)}
}

func (m *Metrics) observe(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	current := m.counts[clientID]
	current.Throttled++
	m.counts[clientID] = current
	m.mu.Unlock()
}

func (m *Metrics) snapshot() map[string]ThrottleCounters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.counts) == 0 {
		return nil
	}
	clone := make(map[string]ThrottleCounters, len(m.counts))
	for clientID, counters := range m.counts {
		clone[clientID] = counters
	}
	return clone
}

func (m *Metrics) forget(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	delete(m.counts, clientID)
	m.mu.Unlock()
}

// Gate throttles inbound frames per client with a token bucket.
type Gate struct {
	mu      sync.Mutex
	cfg     GateConfig
	clock   Clock
	logger  *logging.Logger
	metrics *Metrics
	clients map[string]*clientState
}

// GateOption customises gate construction.
type GateOption func(*Gate)

// WithClock overrides the clock used for refills.
func WithClock(clock Clock) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate. A zero MinInterval disables throttling.
func NewGate(cfg GateConfig, logger *logging.Logger, opts ...GateOption) *Gate {
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = logging.L()
	}
	gate := &Gate{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		metrics: newMetrics(),
		clients: make(map[string]*clientState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate consumes one token for clientID or reports how long to wait for one.
func (g *Gate) Evaluate(clientID string) Decision {
	if g == nil || clientID == "" || g.cfg.MinInterval == 0 {
		return Decision{Accepted: true}
	}
	now := g.clock.Now()
	burst := float64(g.cfg.Burst)

	g.mu.Lock()
	state := g.clients[clientID]
	if state == nil {
		//1.- A new client starts with a full bucket.
		state = &clientState{tokens: burst, refilled: now}
		g.clients[clientID] = state
	}
	//2.- Refill one token per interval elapsed, capped at the burst size.
	if elapsed := now.Sub(state.refilled); elapsed > 0 {
		state.tokens += float64(elapsed) / float64(g.cfg.MinInterval)
		if state.tokens > burst {
			state.tokens = burst
		}
		state.refilled = now
	}
	if state.tokens >= 1 {
		state.tokens--
		g.mu.Unlock()
		return Decision{Accepted: true}
	}
	wait := time.Duration((1 - state.tokens) * float64(g.cfg.MinInterval))
	g.mu.Unlock()

	g.metrics.observe(clientID)
	return Decision{Accepted: false, RetryAfter: wait}
}

// Forget clears cached state and metrics for a disconnected client.
func (g *Gate) Forget(clientID string) {
	if g == nil || clientID == "" {
		return
	}
	g.mu.Lock()
	delete(g.clients, clientID)
	g.mu.Unlock()
	g.metrics.forget(clientID)
}

// Metrics returns a snapshot of the throttle counters.
func (g *Gate) Metrics() map[string]ThrottleCounters {
	if g == nil {
		return nil
	}
	return g.metrics.snapshot()
}
