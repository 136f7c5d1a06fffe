// Package session is the authoritative engine for multiplayer game sessions. Each
// session is owned by one actor goroutine; the Manager routes calls to it.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"aiminigames/sessionsync/internal/broadcast"
	"aiminigames/sessionsync/internal/game"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/recovery"
	"aiminigames/sessionsync/internal/registry"
	"aiminigames/sessionsync/internal/wire"
)

const (
	joinCodeLength   = 6
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	tracerName       = "sessionsync/session"
)

// Config tunes the engine.
type Config struct {
	MinCapacity     int
	MaxCapacity     int
	DefaultCapacity int
	MinPlayers      int
	GraceWindow     time.Duration
	ReplayLimit     int
	HistoryLimit    int
	QueueDepth      int
	OutboxDepth     int
	CallTimeout     time.Duration
	// MaxRetries caps re-resolutions after a lost commit race. Zero rejects
	// the loser with TooManyConflicts instead.
	MaxRetries      int
	IdleTimeout     time.Duration
	TombstoneTTL    time.Duration
	PersistTimeout  time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MinCapacity:     2,
		MaxCapacity:     8,
		DefaultCapacity: 4,
		MinPlayers:      2,
		GraceWindow:     60 * time.Second,
		ReplayLimit:     64,
		HistoryLimit:    256,
		QueueDepth:      64,
		OutboxDepth:     32,
		CallTimeout:     5 * time.Second,
		MaxRetries:      3,
		IdleTimeout:     10 * time.Minute,
		TombstoneTTL:    10 * time.Minute,
		PersistTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinCapacity <= 0 {
		c.MinCapacity = d.MinCapacity
	}
	if c.MaxCapacity < c.MinCapacity {
		c.MaxCapacity = max(d.MaxCapacity, c.MinCapacity)
	}
	if c.DefaultCapacity < c.MinCapacity || c.DefaultCapacity > c.MaxCapacity {
		c.DefaultCapacity = min(max(d.DefaultCapacity, c.MinCapacity), c.MaxCapacity)
	}
	if c.MinPlayers <= 0 {
		c.MinPlayers = d.MinPlayers
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = d.GraceWindow
	}
	if c.ReplayLimit < 0 {
		c.ReplayLimit = d.ReplayLimit
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.OutboxDepth <= 0 {
		c.OutboxDepth = d.OutboxDepth
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = d.TombstoneTTL
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	return c
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	ActiveSessions   int
	Tombstones       int
	Connections      int
	HeldParticipants int
	Created          uint64
	Ended            uint64
	Accepted         uint64
	Merged           uint64
	Rejected         uint64
	Duplicates       uint64
	Retries          uint64 // lost commit races re-resolved by the actor
	GraceExpiries    uint64
	Replays          uint64
	Snapshots        uint64
	Frames           uint64
	Overflows        uint64
	SendErrors       uint64
	PersistFailures  uint64
}

type tombstone struct {
	joinCode string
	until    time.Time
}

// Manager owns every session actor and the shared registry and recovery coordinator.
type Manager struct {
	cfg      Config
	games    *game.Registry
	registry *registry.Registry
	recovery *recovery.Coordinator
	sink     RecordSink
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
	delivery *broadcast.Metrics

	// beforeCommit runs between resolution and commit; tests use it to force races.
	beforeCommit func(Operation)

	mu         sync.RWMutex
	sessions   map[string]*actor
	joinCodes  map[string]string
	tombstones map[string]tombstone
	endedCodes map[string]string
	closed     bool
	persisting sync.WaitGroup

	created         atomic.Uint64
	ended           atomic.Uint64
	accepted        atomic.Uint64
	merged          atomic.Uint64
	rejected        atomic.Uint64
	duplicates      atomic.Uint64
	retries         atomic.Uint64
	persistFailures atomic.Uint64
}

// Option customises the manager.
type Option func(*Manager)

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRecordSink receives final session records.
func WithRecordSink(sink RecordSink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithGames overrides the game rules registry.
func WithGames(games *game.Registry) Option {
	return func(m *Manager) {
		if games != nil {
			m.games = games
		}
	}
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// NewManager builds a manager with its own registry and recovery coordinator.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg.withDefaults(),
		games:      game.NewRegistry(),
		sink:       discardSink{},
		logger:     logging.L(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		delivery:   &broadcast.Metrics{},
		sessions:   make(map[string]*actor),
		joinCodes:  make(map[string]string),
		tombstones: make(map[string]tombstone),
		endedCodes: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.Named("session")
	m.registry = registry.New(registry.WithDisconnectHook(m.onDisconnect))
	m.recovery = recovery.New(m.cfg.GraceWindow, m.cfg.ReplayLimit,
		recovery.WithLogger(m.logger),
		recovery.WithExpiryHandler(m.onGraceExpired),
	)
	return m
}

// Config returns the effective engine configuration.
func (m *Manager) Config() Config { return m.cfg }

// GameTypes lists the game types sessions can be created with.
func (m *Manager) GameTypes() []string { return m.games.Names() }

func (m *Manager) trace(ctx context.Context, name, sessionID, participantID string) (context.Context, func(error)) {
	ctx, span := m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("participant.id", participantID),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(CodeOf(err)))
		}
		span.End()
	}
}

// CreateSession allocates a session in Waiting with hostID as its first participant.
func (m *Manager) CreateSession(ctx context.Context, hostID string, capacity int, gameConfig json.RawMessage) (snap Snapshot, err error) {
	_, finish := m.trace(ctx, "session.Create", "", hostID)
	defer func() { finish(err) }()

	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return Snapshot{}, newError(CodeUnauthorized, "host identity is required")
	}
	if capacity == 0 {
		capacity = m.cfg.DefaultCapacity
	}
	if capacity < m.cfg.MinCapacity || capacity > m.cfg.MaxCapacity {
		return Snapshot{}, newError(CodeCapacityInvalid, "capacity %d outside [%d, %d]", capacity, m.cfg.MinCapacity, m.cfg.MaxCapacity)
	}
	parsed, err := game.ParseConfig(gameConfig)
	if err != nil {
		return Snapshot{}, newError(CodeInvalidOperation, "%v", err)
	}
	rules, initial, err := m.games.Build(parsed)
	if err != nil {
		return Snapshot{}, newError(CodeInvalidOperation, "%v", err)
	}

	now := m.now()
	state := &sessionState{
		id:        uuid.NewString(),
		gameType:  rules.Name(),
		host:      hostID,
		capacity:  capacity,
		phase:     PhaseWaiting,
		rules:     rules,
		payload:   initial,
		history:   newHistory(m.cfg.HistoryLimit, initial),
		members:   make(map[string]*member),
		createdAt: now,
	}
	state.admit(hostID, now)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, newError(CodeSessionEnded, "manager is shutting down")
	}
	m.pruneLocked(now)
	code, err := m.allocateJoinCodeLocked()
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, newError(CodeInternal, "allocate join code: %v", err)
	}
	state.joinCode = code
	a := newActor(m, state)
	m.sessions[state.id] = a
	m.joinCodes[code] = state.id
	snap, err = state.snapshot()
	m.mu.Unlock()
	if err != nil {
		return Snapshot{}, err
	}

	//1.- The host is held like any joined participant until a transport attaches.
	m.recovery.Hold(state.id, hostID)
	go a.run()
	m.created.Add(1)
	m.logger.Info("session created",
		logging.String("session_id", state.id),
		logging.String("join_code", code),
		logging.String("game", state.gameType),
		logging.String("host", hostID),
		logging.Int("capacity", capacity),
	)
	return snap, nil
}

func (m *Manager) allocateJoinCodeLocked() (string, error) {
	buf := make([]byte, joinCodeLength)
	for attempt := 0; attempt < 32; attempt++ {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		code := make([]byte, joinCodeLength)
		for i, b := range buf {
			code[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
		}
		candidate := string(code)
		if _, taken := m.joinCodes[candidate]; taken {
			continue
		}
		if _, taken := m.endedCodes[candidate]; taken {
			continue
		}
		return candidate, nil
	}
	return "", errors.New("join code space exhausted")
}

// pruneLocked drops expired tombstones.
func (m *Manager) pruneLocked(now time.Time) {
	for id, tomb := range m.tombstones {
		if now.Before(tomb.until) {
			continue
		}
		delete(m.tombstones, id)
		if m.endedCodes[tomb.joinCode] == id {
			delete(m.endedCodes, tomb.joinCode)
		}
	}
}

func (m *Manager) lookup(sessionID string) (*actor, error) {
	m.mu.RLock()
	a, ok := m.sessions[sessionID]
	tomb, ended := m.tombstones[sessionID]
	m.mu.RUnlock()
	if ok {
		return a, nil
	}
	if ended && m.now().Before(tomb.until) {
		return nil, newError(CodeSessionEnded, "session %s has ended", sessionID)
	}
	return nil, newError(CodeSessionNotFound, "session %s not found", sessionID)
}

func (m *Manager) lookupCode(joinCode string) (*actor, error) {
	code := strings.ToUpper(strings.TrimSpace(joinCode))
	m.mu.RLock()
	id, ok := m.joinCodes[code]
	endedID, ended := m.endedCodes[code]
	m.mu.RUnlock()
	if ok {
		return m.lookup(id)
	}
	if ended {
		return m.lookup(endedID)
	}
	return nil, newError(CodeSessionNotFound, "no session with join code %q", joinCode)
}

// JoinSession admits participantID into the session behind joinCode.
func (m *Manager) JoinSession(ctx context.Context, joinCode, participantID string) (snap Snapshot, err error) {
	ctx, finish := m.trace(ctx, "session.Join", "", participantID)
	defer func() { finish(err) }()

	if strings.TrimSpace(participantID) == "" {
		return Snapshot{}, newError(CodeUnauthorized, "participant identity is required")
	}
	a, err := m.lookupCode(joinCode)
	if err != nil {
		return Snapshot{}, err
	}
	var joinErr error
	var joined Snapshot
	if err := a.call(ctx, nil, func(a *actor) { joined, joinErr = a.join(participantID) }); err != nil {
		return Snapshot{}, err
	}
	return joined, joinErr
}

// LeaveSession removes participantID from the session.
func (m *Manager) LeaveSession(ctx context.Context, sessionID, participantID string) (err error) {
	ctx, finish := m.trace(ctx, "session.Leave", sessionID, participantID)
	defer func() { finish(err) }()

	if strings.TrimSpace(participantID) == "" {
		return newError(CodeUnauthorized, "participant identity is required")
	}
	a, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	var leaveErr error
	if err := a.call(ctx, nil, func(a *actor) { leaveErr = a.leave(participantID, LeaveExplicit) }); err != nil {
		return err
	}
	return leaveErr
}

// StartSession moves the session from Waiting to Active on behalf of its host.
func (m *Manager) StartSession(ctx context.Context, sessionID, hostParticipantID string) (snap Snapshot, err error) {
	ctx, finish := m.trace(ctx, "session.Start", sessionID, hostParticipantID)
	defer func() { finish(err) }()

	if strings.TrimSpace(hostParticipantID) == "" {
		return Snapshot{}, newError(CodeUnauthorized, "host identity is required")
	}
	a, err := m.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	var started Snapshot
	var startErr error
	if err := a.call(ctx, nil, func(a *actor) { started, startErr = a.start(hostParticipantID) }); err != nil {
		return Snapshot{}, err
	}
	return started, startErr
}

// SubmitOperation resolves op against the session and commits it. A commit that
// loses its race is re-resolved by the actor against the new revision.
func (m *Manager) SubmitOperation(ctx context.Context, op Operation) (result Result, err error) {
	ctx, finish := m.trace(ctx, "session.SubmitOperation", op.SessionID, op.ParticipantID)
	defer func() { finish(err) }()

	if strings.TrimSpace(op.ParticipantID) == "" {
		return Result{}, newError(CodeUnauthorized, "participant identity is required")
	}
	if op.ClientSeq == 0 {
		return Result{}, newError(CodeInvalidOperation, "clientSeq must be positive")
	}
	if len(op.PayloadDelta) == 0 {
		return Result{}, newError(CodeInvalidOperation, "payloadDelta is required")
	}
	if op.ReceivedAt.IsZero() {
		op.ReceivedAt = m.now()
	}
	a, err := m.lookup(op.SessionID)
	if err != nil {
		return Result{}, err
	}
	order := &orderKey{receivedAt: op.ReceivedAt, participantID: op.ParticipantID}

	//1.- Take a consistent view from the actor.
	var v view
	var dup *Result
	var prepErr error
	if err := a.call(ctx, nil, func(a *actor) { v, dup, prepErr = a.prepare(op) }); err != nil {
		return Result{}, err
	}
	if prepErr != nil {
		return Result{}, m.reject(ctx, a, op, prepErr)
	}
	if dup != nil {
		m.duplicates.Add(1)
		dup.Attempts = 1
		return *dup, nil
	}

	//2.- Resolve outside the actor so slow merges never block the session.
	res, resErr := resolve(v, op)
	if resErr != nil {
		return Result{}, m.fail(ctx, a, op, resErr)
	}
	if m.beforeCommit != nil {
		m.beforeCommit(op)
	}

	//3.- Compare-and-commit; the actor re-resolves in place if the revision moved.
	var committed bool
	var accepted Result
	var commitErr error
	if err := a.call(ctx, order, func(a *actor) { accepted, committed, commitErr = a.commit(op, res) }); err != nil {
		return Result{}, err
	}
	if commitErr != nil {
		if committed {
			return Result{}, commitErr
		}
		return Result{}, m.fail(ctx, a, op, commitErr)
	}
	if accepted.Duplicate {
		m.duplicates.Add(1)
		return accepted, nil
	}
	m.accepted.Add(1)
	if accepted.Merged {
		m.merged.Add(1)
	}
	return accepted, nil
}

// fail ends the session when the game rules panicked and rejects op otherwise.
func (m *Manager) fail(ctx context.Context, a *actor, op Operation, cause error) error {
	var fault *faultError
	if !errors.As(cause, &fault) {
		return m.reject(ctx, a, op, cause)
	}
	m.logger.Error("game rules fault",
		logging.String("session_id", op.SessionID),
		logging.String("participant_id", op.ParticipantID),
		logging.Error(fault),
	)
	_ = a.call(ctx, nil, func(a *actor) { a.end(ReasonInternalError) })
	return newError(CodeInternal, "%v", fault)
}

// reject reports cause to the submitter's transport and returns it.
func (m *Manager) reject(ctx context.Context, a *actor, op Operation, cause error) error {
	m.rejected.Add(1)
	if errors.Is(cause, ErrSessionEnded) {
		return cause
	}
	_ = a.call(ctx, nil, func(a *actor) { a.rejected(op.ParticipantID, op.ClientSeq, cause) })
	return cause
}

// EndSession forces the session to Ended.
func (m *Manager) EndSession(ctx context.Context, sessionID, reason string) (err error) {
	ctx, finish := m.trace(ctx, "session.End", sessionID, "")
	defer func() { finish(err) }()

	a, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		reason = ReasonCompleted
	}
	var endErr error
	if err := a.call(ctx, nil, func(a *actor) {
		if a.s.phase == PhaseEnded {
			endErr = a.endedError()
			return
		}
		a.end(reason)
	}); err != nil {
		return err
	}
	return endErr
}

// Snapshot returns the current state of the session.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	a, err := m.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	var snapErr error
	if err := a.call(ctx, nil, func(a *actor) { snap, snapErr = a.currentSnapshot() }); err != nil {
		return Snapshot{}, err
	}
	return snap, snapErr
}

// ListSessions queries every live session actor for its summary.
func (m *Manager) ListSessions(ctx context.Context) ([]Summary, error) {
	m.mu.RLock()
	actors := make([]*actor, 0, len(m.sessions))
	for _, a := range m.sessions {
		actors = append(actors, a)
	}
	m.mu.RUnlock()

	summaries := make([]Summary, 0, len(actors))
	for _, a := range actors {
		var summary Summary
		err := a.call(ctx, nil, func(a *actor) { summary = a.s.summary() })
		if errors.Is(err, ErrSessionEnded) {
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

// Acknowledge records that participantID has applied revision.
func (m *Manager) Acknowledge(ctx context.Context, sessionID, participantID string, revision uint64) error {
	a, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	var ackErr error
	if err := a.call(ctx, nil, func(a *actor) { ackErr = a.acknowledge(participantID, revision) }); err != nil {
		return err
	}
	return ackErr
}

// AttachOption customises Attach.
type AttachOption func(*attachOptions)

type attachOptions struct {
	resume *uint64
}

// ResumeFrom declares the last revision the client has applied locally.
func ResumeFrom(revision uint64) AttachOption {
	return func(o *attachOptions) { o.resume = &revision }
}

// Attach binds a live transport to a joined participant and reconciles it.
func (m *Manager) Attach(ctx context.Context, sessionID, participantID string, transport registry.Transport, opts ...AttachOption) (plan recovery.Plan, err error) {
	ctx, finish := m.trace(ctx, "session.Attach", sessionID, participantID)
	defer func() { finish(err) }()

	if strings.TrimSpace(participantID) == "" {
		return recovery.Plan{}, newError(CodeUnauthorized, "participant identity is required")
	}
	if transport == nil {
		return recovery.Plan{}, newError(CodeInvalidOperation, "transport is required")
	}
	var options attachOptions
	for _, opt := range opts {
		opt(&options)
	}
	a, err := m.lookup(sessionID)
	if err != nil {
		return recovery.Plan{}, err
	}
	var attachErr error
	if err := a.call(ctx, nil, func(a *actor) { plan, attachErr = a.attach(participantID, transport, options.resume) }); err != nil {
		return recovery.Plan{}, err
	}
	return plan, attachErr
}

// Detach reports that transport closed. Only the live transport starts the grace window.
func (m *Manager) Detach(sessionID, participantID string, transport registry.Transport) {
	if !m.registry.Unregister(sessionID, participantID, transport) {
		return
	}
	a, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	a.tell(func(a *actor) { a.detach(participantID, transport) })
}

func (m *Manager) onDisconnect(sessionID, participantID string) {
	m.recovery.Hold(sessionID, participantID)
}

func (m *Manager) onGraceExpired(sessionID, participantID string) {
	a, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	a.tell(func(a *actor) { a.expire(participantID) })
}

// HandleFrame decodes one inbound client frame and dispatches it.
func (m *Manager) HandleFrame(ctx context.Context, sessionID, participantID string, data []byte) error {
	msg, err := wire.DecodeInbound(data)
	if err != nil {
		cause := newError(CodeInvalidOperation, "%v", err)
		if a, lookupErr := m.lookup(sessionID); lookupErr == nil {
			_ = a.call(ctx, nil, func(a *actor) { a.rejected(participantID, 0, cause) })
		}
		return cause
	}
	if msg.SessionID != "" && msg.SessionID != sessionID {
		return newError(CodeInvalidOperation, "frame addressed to session %s on a %s connection", msg.SessionID, sessionID)
	}
	if msg.ParticipantID != "" && msg.ParticipantID != participantID {
		return newError(CodeUnauthorized, "frame identity %s does not match connection identity", msg.ParticipantID)
	}
	switch msg.Type {
	case wire.TypeOperation:
		_, err := m.SubmitOperation(ctx, Operation{
			SessionID:       sessionID,
			ParticipantID:   participantID,
			ClientSeq:       msg.ClientSeq,
			BasedOnRevision: msg.BasedOnRevision,
			PayloadDelta:    msg.PayloadDelta,
			ReceivedAt:      m.now(),
		})
		return err
	case wire.TypeAck:
		return m.Acknowledge(ctx, sessionID, participantID, msg.Revision)
	case wire.TypeLeave:
		return m.LeaveSession(ctx, sessionID, participantID)
	}
	return nil
}

func (m *Manager) sessionEnded(a *actor, record Record) {
	now := m.now()
	m.mu.Lock()
	if current, ok := m.sessions[a.s.id]; ok && current == a {
		delete(m.sessions, a.s.id)
		delete(m.joinCodes, a.s.joinCode)
		m.tombstones[a.s.id] = tombstone{joinCode: a.s.joinCode, until: now.Add(m.cfg.TombstoneTTL)}
		m.endedCodes[a.s.joinCode] = a.s.id
	}
	m.mu.Unlock()
	m.ended.Add(1)

	m.persisting.Add(1)
	go func() {
		defer m.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
		defer cancel()
		if err := m.sink.Persist(ctx, record); err != nil {
			m.persistFailures.Add(1)
			m.logger.Error("persist session record failed", logging.String("session_id", record.ID), logging.Error(err))
		}
	}()
}

// Stats reports engine counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.sessions)
	tombstones := len(m.tombstones)
	m.mu.RUnlock()
	rec := m.recovery.Stats()
	return Stats{
		ActiveSessions:   active,
		Tombstones:       tombstones,
		Connections:      m.registry.Count(),
		HeldParticipants: rec.Held,
		Created:          m.created.Load(),
		Ended:            m.ended.Load(),
		Accepted:         m.accepted.Load(),
		Merged:           m.merged.Load(),
		Rejected:         m.rejected.Load(),
		Duplicates:       m.duplicates.Load(),
		Retries:          m.retries.Load(),
		GraceExpiries:    rec.Expired,
		Replays:          rec.Replays,
		Snapshots:        rec.Snapshot,
		Frames:           m.delivery.Frames.Load(),
		Overflows:        m.delivery.Overflows.Load(),
		SendErrors:       m.delivery.SendErrors.Load(),
		PersistFailures:  m.persistFailures.Load(),
	}
}

// Close ends every session with reason shutdown and waits for records to persist.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	actors := make([]*actor, 0, len(m.sessions))
	for _, a := range m.sessions {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	for _, a := range actors {
		_ = a.call(ctx, nil, func(a *actor) { a.end(ReasonShutdown) })
	}
	for _, a := range actors {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.recovery.Close()

	persisted := make(chan struct{})
	go func() {
		m.persisting.Wait()
		close(persisted)
	}()
	select {
	case <-persisted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
