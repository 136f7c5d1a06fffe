// Package broadcast fans accepted session updates out to participant transports
// without letting a slow reader hold up the rest of the session.
package broadcast

import (
	"sort"
	"sync/atomic"

	"aiminigames/sessionsync/internal/logging"
)

const defaultDepth = 32

// Metrics aggregates delivery counters across every broadcaster sharing it.
type Metrics struct {
	Frames     atomic.Uint64
	Overflows  atomic.Uint64
	SendErrors atomic.Uint64
}

// Broadcaster owns the outboxes of one session. It is confined to the session's
// actor goroutine and is not safe for concurrent use; the outboxes it creates
// deliver on their own goroutines.
type Broadcaster struct {
	sessionID string
	depth     int
	snapshot  SnapshotFunc
	logger    *logging.Logger
	metrics   *Metrics
	outboxes  map[string]*Outbox
}

// Option customises a broadcaster.
type Option func(*Broadcaster)

// WithDepth bounds each participant outbox.
func WithDepth(depth int) Option {
	return func(b *Broadcaster) {
		if depth > 0 {
			b.depth = depth
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics shares delivery counters.
func WithMetrics(metrics *Metrics) Option {
	return func(b *Broadcaster) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// New builds a broadcaster for sessionID. snapshot renders the overflow fallback.
func New(sessionID string, snapshot SnapshotFunc, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sessionID: sessionID,
		depth:     defaultDepth,
		snapshot:  snapshot,
		logger:    logging.L(),
		metrics:   &Metrics{},
		outboxes:  make(map[string]*Outbox),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = b.logger.With(logging.String("session_id", sessionID))
	return b
}

// Attach starts delivery to transport for participantID, replacing and closing
// any previous outbox. delivered seeds the participant's acknowledged revision.
func (b *Broadcaster) Attach(participantID string, transport Transport, delivered uint64) *Outbox {
	if previous, ok := b.outboxes[participantID]; ok {
		previous.stop(false)
	}
	outbox := newOutbox(participantID, transport, b.depth, delivered, b.logger, b.metrics)
	b.outboxes[participantID] = outbox
	return outbox
}

// Detach cancels pending delivery for participantID and closes its transport. It
// returns the last delivered revision.
func (b *Broadcaster) Detach(participantID string) (uint64, bool) {
	outbox, ok := b.outboxes[participantID]
	if !ok {
		return 0, false
	}
	delete(b.outboxes, participantID)
	outbox.stop(false)
	return outbox.Delivered(), true
}

// DetachIf detaches participantID only when its outbox writes to transport.
func (b *Broadcaster) DetachIf(participantID string, transport Transport) (uint64, bool) {
	outbox, ok := b.outboxes[participantID]
	if !ok || outbox.transport != transport {
		return 0, false
	}
	return b.Detach(participantID)
}

// Outbox returns the live outbox of participantID.
func (b *Broadcaster) Outbox(participantID string) (*Outbox, bool) {
	outbox, ok := b.outboxes[participantID]
	return outbox, ok
}

// Participants lists participants with an attached outbox, sorted.
func (b *Broadcaster) Participants() []string {
	ids := make([]string, 0, len(b.outboxes))
	for id := range b.outboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Publish queues frame for every attached participant in a stable order.
func (b *Broadcaster) Publish(frame Frame) {
	snapshot := &lazySnapshot{fn: b.snapshot}
	for _, id := range b.Participants() {
		b.outboxes[id].enqueue(frame, snapshot)
	}
}

// SendTo queues frames for one participant in order. It reports false when the
// participant has no outbox.
func (b *Broadcaster) SendTo(participantID string, frames ...Frame) bool {
	outbox, ok := b.outboxes[participantID]
	if !ok {
		return false
	}
	snapshot := &lazySnapshot{fn: b.snapshot}
	for _, frame := range frames {
		outbox.enqueue(frame, snapshot)
	}
	return true
}

// Close drains every outbox and closes the transports afterwards.
func (b *Broadcaster) Close() {
	for id, outbox := range b.outboxes {
		outbox.stop(true)
		delete(b.outboxes, id)
	}
}
