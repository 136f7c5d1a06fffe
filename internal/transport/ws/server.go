// Package ws exposes the session engine over WebSocket connections.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aiminigames/sessionsync/internal/auth"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/recovery"
	"aiminigames/sessionsync/internal/registry"
	"aiminigames/sessionsync/internal/session"
)

const (
	// SessionParam names the query parameter carrying the session id.
	SessionParam = "session"
	// ResumeParam names the query parameter carrying the last applied revision.
	ResumeParam = "resume"
	// ParticipantHeader carries the caller identity in development mode.
	ParticipantHeader = "X-Participant-Id"
)

// Engine is the slice of the session manager the transport drives.
type Engine interface {
	Attach(ctx context.Context, sessionID, participantID string, transport registry.Transport, opts ...session.AttachOption) (recovery.Plan, error)
	Detach(sessionID, participantID string, transport registry.Transport)
	HandleFrame(ctx context.Context, sessionID, participantID string, data []byte) error
}

// Authenticator resolves the participant identity of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// TokenAuthenticator validates bearer tokens issued for participants.
type TokenAuthenticator struct {
	Verifier *auth.Verifier
}

// Authenticate validates the request token and returns its subject.
func (a TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a.Verifier == nil {
		return "", errors.New("verifier not configured")
	}
	claims, err := a.Verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// HeaderAuthenticator trusts an identity set by an upstream gateway. Browsers cannot
// set headers on upgrade requests, so the participant query parameter is also read.
type HeaderAuthenticator struct{}

// Authenticate returns the declared identity.
func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	participantID := strings.TrimSpace(r.Header.Get(ParticipantHeader))
	if participantID == "" {
		participantID = strings.TrimSpace(r.URL.Query().Get("participant"))
	}
	if participantID == "" {
		return "", auth.ErrMissingToken
	}
	return participantID, nil
}

// Config tunes connection handling.
type Config struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxPayloadBytes int64
	InboundInterval time.Duration
	InboundBurst    int
	AllowedOrigins  []string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 1 << 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 32
	}
	return c
}

// Server upgrades requests and pumps frames between sockets and the engine.
type Server struct {
	engine   Engine
	authn    Authenticator
	cfg      Config
	logger   *logging.Logger
	upgrader websocket.Upgrader
	gate     *Gate

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option customises the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGate replaces the inbound throttle.
func WithGate(gate *Gate) Option {
	return func(s *Server) {
		if gate != nil {
			s.gate = gate
		}
	}
}

// NewServer constructs a websocket server bound to engine.
func NewServer(engine Engine, authn Authenticator, cfg Config, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	if authn == nil {
		authn = HeaderAuthenticator{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine: engine,
		authn:  authn,
		cfg:    cfg,
		logger: logging.L().Named("ws"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.gate == nil {
		s.gate = NewGate(GateConfig{MinInterval: cfg.InboundInterval, Burst: cfg.InboundBurst}, s.logger)
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Gate exposes the inbound throttle for diagnostics.
func (s *Server) Gate() *Gate { return s.gate }

// Connections reports the number of open sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP authenticates, upgrades and serves one participant connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())
	participantID, err := s.authn.Authenticate(r)
	if err != nil || participantID == "" {
		logger.Warn("websocket authentication failed", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	query := r.URL.Query()
	sessionID := strings.TrimSpace(query.Get(SessionParam))
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}
	var attachOpts []session.AttachOption
	if raw := strings.TrimSpace(query.Get(ResumeParam)); raw != "" {
		revision, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "resume must be a revision number", http.StatusBadRequest)
			return
		}
		attachOpts = append(attachOpts, session.ResumeFrom(revision))
	}

	c, ok := s.track(nil)
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	socket.SetReadLimit(s.cfg.MaxPayloadBytes)
	c = newConn(socket, s.cfg.WriteTimeout)
	if _, ok := s.track(c); !ok {
		_ = c.closeWith(websocket.CloseGoingAway, "shutdown")
		return
	}
	defer s.untrack(c)

	logger = logger.With(logging.String("session_id", sessionID), logging.String("participant_id", participantID))
	s.serve(c, sessionID, participantID, attachOpts, logger)
}

// track registers a pending handler when c is nil and a live connection otherwise.
func (s *Server) track(c *Conn) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if c == nil {
		s.wg.Add(1)
		return nil, true
	}
	s.conns[c] = struct{}{}
	return c, true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) serve(c *Conn, sessionID, participantID string, attachOpts []session.AttachOption, logger *logging.Logger) {
	clientKey := sessionID + "/" + participantID

	//1.- Attach before reading so the first frames the client sees reconcile its state.
	plan, err := s.engine.Attach(s.ctx, sessionID, participantID, c, attachOpts...)
	if err != nil {
		logger.Info("websocket attach rejected", logging.Error(err))
		_ = c.closeWith(websocket.ClosePolicyViolation, string(session.CodeOf(err)))
		return
	}
	logger.Info("websocket attached", logging.String("mode", plan.Mode.String()), logging.Uint64("gap", plan.Gap()))

	defer func() {
		//2.- Detach first so only the live transport starts a grace window.
		s.engine.Detach(sessionID, participantID, c)
		_ = c.Close()
		s.gate.Forget(clientKey)
	}()

	readWindow := 2 * s.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readWindow))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWindow))
	})
	go s.keepalive(c, logger)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", logging.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWindow))
		if !s.admit(c, clientKey) {
			return
		}
		if err := s.engine.HandleFrame(s.ctx, sessionID, participantID, data); err != nil {
			if errors.Is(err, session.ErrSessionEnded) || errors.Is(err, session.ErrSessionNotFound) {
				logger.Debug("websocket closing for ended session", logging.Error(err))
				return
			}
			logger.Debug("websocket frame rejected", logging.String("code", string(session.CodeOf(err))))
		}
	}
}

// admit waits until the gate lets the client's next frame through.
func (s *Server) admit(c *Conn, clientKey string) bool {
	for {
		decision := s.gate.Evaluate(clientKey)
		if decision.Accepted {
			return true
		}
		timer := time.NewTimer(decision.RetryAfter)
		select {
		case <-timer.C:
		case <-c.Done():
			timer.Stop()
			return false
		case <-s.ctx.Done():
			timer.Stop()
			return false
		}
	}
}

func (s *Server) keepalive(c *Conn, logger *logging.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ping(s.cfg.WriteTimeout); err != nil {
				logger.Debug("websocket ping failed", logging.Error(err))
				_ = c.Close()
				return
			}
		case <-c.Done():
			return
		}
	}
}

// Shutdown closes every socket with a going-away frame and waits for handlers to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		_ = c.closeWith(websocket.CloseGoingAway, "shutdown")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
