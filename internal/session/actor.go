package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"aiminigames/sessionsync/internal/broadcast"
	"aiminigames/sessionsync/internal/game"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/recovery"
	"aiminigames/sessionsync/internal/registry"
	"aiminigames/sessionsync/internal/wire"
)

// orderKey totally orders concurrent commits: receive time first, participant id second.
type orderKey struct {
	receivedAt    time.Time
	participantID string
}

func (k orderKey) less(other orderKey) bool {
	if !k.receivedAt.Equal(other.receivedAt) {
		return k.receivedAt.Before(other.receivedAt)
	}
	return k.participantID < other.participantID
}

type command struct {
	fn       func(*actor)
	order    *orderKey
	reply    chan struct{}
	panicked bool
}

// actor is the single writer of one session. Every mutation runs on its goroutine.
type actor struct {
	s           *sessionState
	m           *Manager
	broadcaster *broadcast.Broadcaster
	logger      *logging.Logger

	inbox   chan *command
	done    chan struct{}
	touched bool
}

func newActor(m *Manager, state *sessionState) *actor {
	a := &actor{
		s:      state,
		m:      m,
		logger: m.logger.With(logging.String("session_id", state.id)),
		inbox:  make(chan *command, m.cfg.QueueDepth),
		done:   make(chan struct{}),
	}
	a.broadcaster = broadcast.New(state.id, a.snapshotFrame,
		broadcast.WithDepth(m.cfg.OutboxDepth),
		broadcast.WithLogger(a.logger),
		broadcast.WithMetrics(m.delivery),
	)
	return a
}

func (a *actor) run() {
	defer close(a.done)
	idle := time.NewTimer(a.m.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case cmd := <-a.inbox:
			for _, c := range a.drain(cmd) {
				a.exec(c)
				if a.s.phase == PhaseEnded {
					return
				}
			}
			//1.- Only mutations in Waiting extend the idle deadline; Active sessions never idle out.
			switch {
			case a.s.phase != PhaseWaiting:
				idle.Stop()
			case a.touched:
				idle.Reset(a.m.cfg.IdleTimeout)
			}
			a.touched = false
		case <-idle.C:
			if a.s.phase == PhaseWaiting {
				a.logger.Info("session idle in waiting room", logging.Duration("idle_timeout", a.m.cfg.IdleTimeout))
				a.end(ReasonIdleTimeout)
				return
			}
		}
	}
}

// drain collects everything already queued and orders each run of commits.
func (a *actor) drain(first *command) []*command {
	batch := []*command{first}
	for len(batch) < cap(a.inbox)+1 {
		select {
		case cmd := <-a.inbox:
			batch = append(batch, cmd)
			continue
		default:
		}
		break
	}
	for start := 0; start < len(batch); {
		if batch[start].order == nil {
			start++
			continue
		}
		end := start
		for end < len(batch) && batch[end].order != nil {
			end++
		}
		run := batch[start:end]
		sort.SliceStable(run, func(i, j int) bool { return run[i].order.less(*run[j].order) })
		start = end
	}
	return batch
}

func (a *actor) exec(c *command) {
	defer close(c.reply)
	defer func() {
		if r := recover(); r != nil {
			c.panicked = true
			a.logger.Error("session command panicked", logging.String("panic", fmt.Sprint(r)))
			if a.s.phase != PhaseEnded {
				a.end(ReasonInternalError)
			}
		}
	}()
	c.fn(a)
}

// call runs fn on the actor and waits for it, bounded by the call timeout.
func (a *actor) call(ctx context.Context, order *orderKey, fn func(*actor)) error {
	ctx, cancel := context.WithTimeout(ctx, a.m.cfg.CallTimeout)
	defer cancel()

	select {
	case <-a.done:
		return a.endedError()
	default:
	}
	cmd := &command{fn: fn, order: order, reply: make(chan struct{})}
	select {
	case a.inbox <- cmd:
	case <-a.done:
		return a.endedError()
	case <-ctx.Done():
		return newError(CodeTimeout, "session %s inbox is full: %v", a.s.id, ctx.Err())
	}
	select {
	case <-cmd.reply:
		return cmd.result()
	case <-a.done:
		select {
		case <-cmd.reply:
			return cmd.result()
		default:
		}
		return a.endedError()
	case <-ctx.Done():
		return newError(CodeTimeout, "session %s did not answer: %v", a.s.id, ctx.Err())
	}
}

// tell runs fn on the actor without a waiting caller.
func (a *actor) tell(fn func(*actor)) {
	go func() {
		if err := a.call(context.Background(), nil, fn); err != nil && !errors.Is(err, ErrSessionEnded) {
			a.logger.Warn("session notification dropped", logging.Error(err))
		}
	}()
}

func (c *command) result() error {
	if c.panicked {
		return newError(CodeInternal, "session command failed")
	}
	return nil
}

func (a *actor) endedError() error {
	return newError(CodeSessionEnded, "session %s has ended", a.s.id)
}

// encode renders an outbound frame for this session.
func (a *actor) encode(msg wire.Outbound) []byte {
	msg.SessionID = a.s.id
	return wire.MustEncode(msg)
}

func (a *actor) deltaFrame(committed game.Committed, clientSeq uint64) broadcast.Frame {
	return broadcast.Frame{
		Revision: committed.Revision,
		Data: a.encode(wire.Outbound{
			Type:      wire.TypeStateDelta,
			Revision:  committed.Revision,
			Payload:   committed.Delta,
			Author:    committed.Author,
			ClientSeq: clientSeq,
		}),
	}
}

func (a *actor) snapshotFrame() (broadcast.Frame, error) {
	a.syncSeen()
	snap, err := a.s.snapshot()
	if err != nil {
		return broadcast.Frame{}, err
	}
	return broadcast.Frame{
		Revision: snap.Revision,
		Snapshot: true,
		Data: a.encode(wire.Outbound{
			Type:              wire.TypeStateSnapshot,
			Revision:          snap.Revision,
			Payload:           snap.Payload,
			Phase:             string(snap.Phase),
			HostParticipantID: snap.HostParticipantID,
			Participants:      membersOf(snap.Participants),
		}),
	}, nil
}

func (a *actor) control(msg wire.Outbound) broadcast.Frame {
	return broadcast.Frame{Data: a.encode(msg)}
}

// syncSeen folds delivery progress into each participant's lastSeenRevision.
func (a *actor) syncSeen() {
	for id, m := range a.s.members {
		if outbox, ok := a.broadcaster.Outbox(id); ok {
			if delivered := outbox.Delivered(); delivered > m.LastSeenRevision {
				m.LastSeenRevision = delivered
			}
		}
		if m.LastSeenRevision > a.s.revision {
			m.LastSeenRevision = a.s.revision
		}
	}
}

func (a *actor) currentSnapshot() (Snapshot, error) {
	a.syncSeen()
	return a.s.snapshot()
}

func (a *actor) join(participantID string) (Snapshot, error) {
	if a.s.phase == PhaseEnded {
		return Snapshot{}, a.endedError()
	}
	//1.- A current member, including one held in its grace window, rejoins idempotently.
	if _, ok := a.s.members[participantID]; ok {
		return a.currentSnapshot()
	}
	//2.- Capacity check and admission happen in the same actor step.
	if len(a.s.members) >= a.s.capacity {
		return Snapshot{}, newError(CodeSessionFull, "session %s is full (%d/%d)", a.s.id, len(a.s.members), a.s.capacity)
	}
	if a.s.phase == PhaseActive {
		return Snapshot{}, newError(CodeSessionAlreadyActive, "session %s has already started", a.s.id)
	}
	m := a.s.admit(participantID, a.m.now())
	a.touched = true
	a.m.recovery.Hold(a.s.id, participantID)
	a.broadcaster.Publish(a.control(wire.Outbound{
		Type:          wire.TypePlayerJoined,
		ParticipantID: participantID,
		Participants:  membersOf([]Participant{m.Participant}),
	}))
	a.logger.Info("participant joined", logging.String("participant_id", participantID), logging.Int("participants", len(a.s.members)))
	return a.currentSnapshot()
}

func (a *actor) start(hostID string) (Snapshot, error) {
	switch {
	case a.s.phase == PhaseEnded:
		return Snapshot{}, a.endedError()
	case a.s.phase == PhaseActive:
		return Snapshot{}, newError(CodeSessionAlreadyActive, "session %s has already started", a.s.id)
	case hostID != a.s.host:
		return Snapshot{}, newError(CodeNotHost, "%s is not the host of session %s", hostID, a.s.id)
	case len(a.s.members) < a.m.cfg.MinPlayers:
		return Snapshot{}, newError(CodeInsufficientPlayers, "session %s has %d of %d required players", a.s.id, len(a.s.members), a.m.cfg.MinPlayers)
	}
	a.s.phase = PhaseActive
	a.s.startedAt = a.m.now()
	a.touched = true
	a.broadcaster.Publish(a.control(wire.Outbound{
		Type:              wire.TypeSessionStarted,
		Revision:          a.s.revision,
		Phase:             string(PhaseActive),
		HostParticipantID: a.s.host,
	}))
	a.logger.Info("session started", logging.Int("participants", len(a.s.members)))
	return a.currentSnapshot()
}

// leave removes the participant with LeaveSession semantics.
func (a *actor) leave(participantID, reason string) error {
	if a.s.phase == PhaseEnded {
		return a.endedError()
	}
	if _, ok := a.s.members[participantID]; !ok {
		return newError(CodeInvalidOperation, "participant %s is not in session %s", participantID, a.s.id)
	}
	a.remove(participantID, reason)
	return nil
}

func (a *actor) remove(participantID, reason string) {
	//1.- Cancel everything pending for the participant before telling the others.
	a.broadcaster.Detach(participantID)
	a.m.registry.Remove(a.s.id, participantID)
	a.m.recovery.Cancel(a.s.id, participantID)
	delete(a.s.members, participantID)
	a.s.departed = append(a.s.departed, participantID)
	a.touched = true

	a.broadcaster.Publish(a.control(wire.Outbound{
		Type:          wire.TypePlayerLeft,
		ParticipantID: participantID,
		Reason:        reason,
	}))
	a.logger.Info("participant left",
		logging.String("participant_id", participantID),
		logging.String("reason", reason),
		logging.Int("participants", len(a.s.members)),
	)

	remaining := len(a.s.members)
	switch {
	case remaining == 0:
		a.end(ReasonAbandoned)
	case a.s.phase == PhaseWaiting && participantID == a.s.host:
		//2.- Host transfers to the earliest joined participant while still waiting.
		next, _ := a.s.earliestMember()
		a.s.host = next
		a.broadcaster.Publish(a.control(wire.Outbound{
			Type:              wire.TypeHostChanged,
			HostParticipantID: next,
		}))
		a.logger.Info("host transferred", logging.String("host", next))
	case a.s.phase == PhaseActive && remaining < 2 && a.m.cfg.MinPlayers >= 2:
		a.end(ReasonInsufficient)
	}
}

// prepare captures the view an operation resolves against, or short-circuits duplicates.
func (a *actor) prepare(op Operation) (view, *Result, error) {
	m, err := a.submittable(op)
	if err != nil {
		return view{}, nil, err
	}
	if op.ClientSeq <= m.LastClientSeq {
		result, err := a.duplicate(op)
		return view{}, &result, err
	}
	v := view{revision: a.s.revision, current: a.s.payload}
	if op.BasedOnRevision < a.s.revision {
		base, ok := a.s.history.stateAt(op.BasedOnRevision)
		if !ok {
			return view{}, nil, newError(CodeStaleOperation, "base revision %d is older than retained history (oldest %d)", op.BasedOnRevision, a.s.history.oldestBase())
		}
		since, _ := a.s.history.since(op.BasedOnRevision)
		v.base = base
		v.since = since
	}
	return v, nil, nil
}

func (a *actor) submittable(op Operation) (*member, error) {
	switch a.s.phase {
	case PhaseEnded:
		return nil, a.endedError()
	case PhaseWaiting:
		return nil, newError(CodeInvalidOperation, "session %s has not started", a.s.id)
	}
	m, ok := a.s.members[op.ParticipantID]
	if !ok {
		return nil, newError(CodeInvalidOperation, "participant %s is not in session %s", op.ParticipantID, a.s.id)
	}
	return m, nil
}

func (a *actor) duplicate(op Operation) (Result, error) {
	snap, err := a.currentSnapshot()
	if err != nil {
		return Result{}, err
	}
	a.broadcaster.SendTo(op.ParticipantID, a.control(wire.Outbound{
		Type:      wire.TypeOperationAck,
		Revision:  a.s.revision,
		ClientSeq: op.ClientSeq,
		Duplicate: true,
	}))
	return Result{Revision: a.s.revision, Duplicate: true, Snapshot: snap}, nil
}

// commit applies a resolution if the session is still at the revision it was
// resolved against. Otherwise it resolves op again against the current state,
// which cannot move while the actor holds it.
func (a *actor) commit(op Operation, res resolution) (Result, bool, error) {
	m, err := a.submittable(op)
	if err != nil {
		return Result{}, false, err
	}
	if op.ClientSeq <= m.LastClientSeq {
		result, err := a.duplicate(op)
		result.Attempts = 1
		return result, true, err
	}
	attempts := 1
	if a.s.revision != res.revision {
		if a.m.cfg.MaxRetries == 0 {
			return Result{}, false, newError(CodeTooManyConflicts, "operation lost its commit race at revision %d", res.revision)
		}
		v, _, err := a.prepare(op)
		if err != nil {
			return Result{}, false, err
		}
		if res, err = resolve(v, op); err != nil {
			return Result{}, false, err
		}
		a.m.retries.Add(1)
		attempts++
	}

	committed := game.Committed{Revision: a.s.revision + 1, Author: op.ParticipantID, Delta: res.delta}
	a.s.revision = committed.Revision
	a.s.payload = res.next
	a.s.history.append(committed, res.next)
	m.LastClientSeq = op.ClientSeq
	a.touched = true

	a.broadcaster.Publish(a.deltaFrame(committed, op.ClientSeq))
	a.broadcaster.SendTo(op.ParticipantID, a.control(wire.Outbound{
		Type:      wire.TypeOperationAck,
		Revision:  committed.Revision,
		ClientSeq: op.ClientSeq,
		Merged:    res.merged,
	}))
	a.logger.Debug("operation committed",
		logging.String("participant_id", op.ParticipantID),
		logging.Uint64("revision", committed.Revision),
		logging.Uint64("client_seq", op.ClientSeq),
		logging.Bool("merged", res.merged),
	)

	snap, err := a.currentSnapshot()
	if err != nil {
		return Result{}, true, err
	}
	return Result{Revision: committed.Revision, Delta: res.delta, Merged: res.merged, Snapshot: snap, Attempts: attempts}, true, nil
}

func (a *actor) rejected(participantID string, clientSeq uint64, cause error) {
	code := CodeOf(cause)
	a.broadcaster.SendTo(participantID, a.control(wire.Outbound{
		Type:      wire.TypeOperationRejected,
		Revision:  a.s.revision,
		ClientSeq: clientSeq,
		Code:      string(code),
		Message:   cause.Error(),
	}))
}

func (a *actor) acknowledge(participantID string, revision uint64) error {
	if a.s.phase == PhaseEnded {
		return a.endedError()
	}
	m, ok := a.s.members[participantID]
	if !ok {
		return newError(CodeInvalidOperation, "participant %s is not in session %s", participantID, a.s.id)
	}
	if revision > a.s.revision {
		revision = a.s.revision
	}
	if revision > m.LastSeenRevision {
		m.LastSeenRevision = revision
	}
	return nil
}

// attach binds a transport and reconciles the participant from its last seen revision.
func (a *actor) attach(participantID string, transport registry.Transport, resume *uint64) (recovery.Plan, error) {
	if a.s.phase == PhaseEnded {
		return recovery.Plan{}, a.endedError()
	}
	m, ok := a.s.members[participantID]
	if !ok {
		return recovery.Plan{}, newError(CodeInvalidOperation, "participant %s has not joined session %s", participantID, a.s.id)
	}

	//1.- A valid reconnect cancels the grace timer before anything else.
	a.m.recovery.Cancel(a.s.id, participantID)
	if previous := a.m.registry.Register(a.s.id, participantID, transport); previous != nil && previous != transport {
		if outbox, ok := a.broadcaster.Outbox(participantID); !ok || outbox.Transport() != previous {
			_ = previous.Close()
		}
	}
	a.syncSeen()
	lastSeen := m.LastSeenRevision
	if resume != nil && *resume < lastSeen {
		lastSeen = *resume
	}
	m.LastSeenRevision = lastSeen
	m.ConnectionState = Reconciling
	m.attached = true

	//2.- Replay missed deltas when cheap and possible, otherwise send a snapshot.
	outbox := a.broadcaster.Attach(participantID, transport, lastSeen)
	plan := a.m.recovery.Plan(lastSeen, a.s.revision, a.s.payload.Replayable(), a.s.history.oldestBase())
	var frames []broadcast.Frame
	if plan.Mode == recovery.ModeReplay {
		missed, ok := a.s.history.since(lastSeen)
		if ok {
			for _, committed := range missed {
				frames = append(frames, a.deltaFrame(committed, 0))
			}
		} else {
			plan = recovery.Plan{Mode: recovery.ModeSnapshot, From: a.s.revision, To: a.s.revision}
		}
	}
	if plan.Mode == recovery.ModeSnapshot {
		snap, err := a.snapshotFrame()
		if err != nil {
			return plan, err
		}
		frames = append(frames, snap)
	}
	a.broadcaster.SendTo(participantID, frames...)

	//3.- The participant is Connected once the frame carrying the current revision is delivered.
	target := a.s.revision
	outbox.ExpectReconcile(target, func() {
		a.tell(func(a *actor) { a.markConnected(participantID, outbox) })
	})
	a.logger.Info("participant attached",
		logging.String("participant_id", participantID),
		logging.String("mode", plan.Mode.String()),
		logging.Uint64("last_seen", lastSeen),
		logging.Uint64("revision", a.s.revision),
	)
	return plan, nil
}

func (a *actor) markConnected(participantID string, outbox *broadcast.Outbox) {
	m, ok := a.s.members[participantID]
	if !ok || m.ConnectionState != Reconciling {
		return
	}
	if current, ok := a.broadcaster.Outbox(participantID); !ok || current != outbox {
		return
	}
	m.ConnectionState = Connected
	a.syncSeen()
}

// detach handles a closed transport. A replaced transport is ignored.
func (a *actor) detach(participantID string, transport registry.Transport) {
	m, ok := a.s.members[participantID]
	if !ok {
		return
	}
	delivered, ok := a.broadcaster.DetachIf(participantID, transport)
	if !ok {
		return
	}
	if delivered > m.LastSeenRevision {
		m.LastSeenRevision = delivered
	}
	if m.LastSeenRevision > a.s.revision {
		m.LastSeenRevision = a.s.revision
	}
	m.ConnectionState = Disconnected
	a.logger.Info("participant disconnected",
		logging.String("participant_id", participantID),
		logging.Uint64("last_seen", m.LastSeenRevision),
	)
}

// expire removes a participant whose grace window elapsed without a live transport.
func (a *actor) expire(participantID string) {
	if _, ok := a.s.members[participantID]; !ok || a.s.phase == PhaseEnded {
		return
	}
	if _, attached := a.broadcaster.Outbox(participantID); attached {
		return
	}
	a.remove(participantID, LeaveTimeout)
}

// end moves the session to Ended, notifies everyone and releases its resources.
func (a *actor) end(reason string) {
	if a.s.phase == PhaseEnded {
		return
	}
	a.syncSeen()
	a.s.phase = PhaseEnded
	a.s.endedAt = a.m.now()
	a.s.endReason = reason

	a.broadcaster.Publish(a.control(wire.Outbound{
		Type:     wire.TypeSessionEnded,
		Revision: a.s.revision,
		Phase:    string(PhaseEnded),
		Reason:   reason,
	}))
	a.broadcaster.Close()
	a.m.registry.ReleaseSession(a.s.id)
	a.m.recovery.CancelSession(a.s.id)

	a.logger.Info("session ended",
		logging.String("reason", reason),
		logging.Uint64("revision", a.s.revision),
		logging.Duration("duration", a.s.endedAt.Sub(a.s.createdAt)),
	)
	a.m.sessionEnded(a, a.s.record())
}
