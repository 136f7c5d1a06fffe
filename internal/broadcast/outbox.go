package broadcast

import (
	"sync"
	"sync/atomic"

	"aiminigames/sessionsync/internal/logging"
)

// Transport is the outbound half of a participant connection.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// Frame is one encoded outbound message. Revision is zero for control frames that
// do not carry session state.
type Frame struct {
	Revision uint64
	Data     []byte
	Snapshot bool
}

func (f Frame) control() bool { return f.Revision == 0 && !f.Snapshot }

// SnapshotFunc renders a full snapshot frame at the session's current revision.
type SnapshotFunc func() (Frame, error)

// Outbox is a bounded, ordered queue drained by one writer goroutine per participant.
type Outbox struct {
	participantID string
	transport     Transport
	depth         int
	logger        *logging.Logger
	metrics       *Metrics

	mu           sync.Mutex
	pending      []Frame
	closed       bool
	reconcileAt  uint64
	onReconciled func()

	delivered atomic.Uint64
	notify    chan struct{}
	done      chan struct{}
}

func newOutbox(participantID string, transport Transport, depth int, delivered uint64, logger *logging.Logger, metrics *Metrics) *Outbox {
	o := &Outbox{
		participantID: participantID,
		transport:     transport,
		depth:         depth,
		logger:        logger,
		metrics:       metrics,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	o.delivered.Store(delivered)
	go o.run()
	return o
}

// Delivered reports the highest revision successfully handed to the transport.
func (o *Outbox) Delivered() uint64 { return o.delivered.Load() }

// Transport returns the handle this outbox writes to.
func (o *Outbox) Transport() Transport { return o.transport }

// Done is closed once the writer goroutine has exited.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Pending reports the number of queued frames.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// ExpectReconcile invokes fn once a frame at or beyond target has been delivered.
// fn runs on the writer goroutine, or inline when target is already satisfied.
func (o *Outbox) ExpectReconcile(target uint64, fn func()) {
	o.mu.Lock()
	if o.delivered.Load() >= target {
		o.mu.Unlock()
		fn()
		return
	}
	o.reconcileAt = target
	o.onReconciled = fn
	o.mu.Unlock()
}

// enqueue appends frame, collapsing the queue into one snapshot on overflow.
func (o *Outbox) enqueue(frame Frame, snapshot *lazySnapshot) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if len(o.pending) >= o.depth && snapshot != nil && snapshot.fn != nil {
		//1.- A slow reader never stalls the session: queued deltas give way to a fresh snapshot.
		snap, err := snapshot.get()
		if err != nil {
			o.mu.Unlock()
			o.logger.Warn("snapshot fallback failed", logging.String("participant_id", o.participantID), logging.Error(err))
			return false
		}
		o.pending = o.collapse(snap, frame)
		o.metrics.Overflows.Add(1)
		o.mu.Unlock()
		o.wake()
		return true
	}
	o.pending = append(o.pending, frame)
	o.mu.Unlock()
	o.wake()
	return true
}

// collapse replaces the queue with snap followed by the queued control frames,
// incoming included, so acks and rejections survive an overflow. At most
// depth-1 control frames are kept, newest last.
func (o *Outbox) collapse(snap, incoming Frame) []Frame {
	var controls []Frame
	for _, queued := range o.pending {
		if queued.control() {
			controls = append(controls, queued)
		}
	}
	if incoming.control() {
		controls = append(controls, incoming)
	}
	if keep := max(o.depth-1, 0); len(controls) > keep {
		controls = controls[len(controls)-keep:]
	}
	pending := make([]Frame, 0, len(controls)+1)
	pending = append(pending, snap)
	return append(pending, controls...)
}

// stop halts the writer. With flush the queued frames drain first; the transport is
// closed in both cases.
func (o *Outbox) stop(flush bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if !flush {
		o.pending = nil
	}
	o.onReconciled = nil
	o.mu.Unlock()
	o.wake()
}

func (o *Outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Outbox) next() (Frame, bool) {
	for {
		o.mu.Lock()
		if len(o.pending) > 0 {
			frame := o.pending[0]
			o.pending[0] = Frame{}
			o.pending = o.pending[1:]
			o.mu.Unlock()
			return frame, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return Frame{}, false
		}
		<-o.notify
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	defer func() { _ = o.transport.Close() }()
	for {
		frame, ok := o.next()
		if !ok {
			return
		}
		if err := o.transport.Send(frame.Data); err != nil {
			o.metrics.SendErrors.Add(1)
			o.logger.Debug("transport send failed", logging.String("participant_id", o.participantID), logging.Error(err))
			o.mu.Lock()
			o.closed = true
			o.pending = nil
			o.onReconciled = nil
			o.mu.Unlock()
			return
		}
		o.metrics.Frames.Add(1)
		if frame.Revision > 0 && frame.Revision > o.delivered.Load() {
			o.delivered.Store(frame.Revision)
		}
		o.checkReconciled()
	}
}

func (o *Outbox) checkReconciled() {
	o.mu.Lock()
	fn := o.onReconciled
	if fn == nil || o.delivered.Load() < o.reconcileAt {
		o.mu.Unlock()
		return
	}
	o.onReconciled = nil
	o.mu.Unlock()
	fn()
}

type lazySnapshot struct {
	fn    SnapshotFunc
	frame Frame
	err   error
	done  bool
}

func (l *lazySnapshot) get() (Frame, error) {
	if !l.done {
		l.frame, l.err = l.fn()
		l.frame.Snapshot = true
		l.done = true
	}
	return l.frame, l.err
}
