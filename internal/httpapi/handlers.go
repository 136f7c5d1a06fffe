// Package httpapi exposes the session REST surface and the operational endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aiminigames/sessionsync/internal/auth"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
)

// ReadinessProvider exposes process state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// Engine is the slice of the session manager the HTTP surface drives.
type Engine interface {
	CreateSession(ctx context.Context, hostID string, capacity int, gameConfig json.RawMessage) (session.Snapshot, error)
	JoinSession(ctx context.Context, joinCode, participantID string) (session.Snapshot, error)
	LeaveSession(ctx context.Context, sessionID, participantID string) error
	StartSession(ctx context.Context, sessionID, hostParticipantID string) (session.Snapshot, error)
	EndSession(ctx context.Context, sessionID, reason string) error
	Snapshot(ctx context.Context, sessionID string) (session.Snapshot, error)
	ListSessions(ctx context.Context) ([]session.Summary, error)
	GameTypes() []string
	Stats() session.Stats
}

// TokenVerifier authenticates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.TokenClaims, error)
}

// RecordReader looks up persisted records of ended sessions.
type RecordReader interface {
	Get(ctx context.Context, sessionID string) (session.Record, error)
	// Recent returns up to limit records, most recently ended first.
	Recent(ctx context.Context, limit int) ([]session.Record, error)
}

// RateLimiter gates how frequently a caller may invoke sensitive operations.
type RateLimiter interface {
	Allow(key string) bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger         *logging.Logger
	Engine         Engine
	Readiness      ReadinessProvider
	Verifier       TokenVerifier
	Records        RecordReader
	AdminToken     string
	CreateLimiter  RateLimiter
	MaxBodyBytes   int64
	AllowedOrigins []string
	TimeSource     func() time.Time
}

// HandlerSet bundles the session and operational handlers.
type HandlerSet struct {
	logger        *logging.Logger
	engine        Engine
	readiness     ReadinessProvider
	verifier      TokenVerifier
	records       RecordReader
	adminToken    string
	createLimiter RateLimiter
	maxBody       int64
	origins       map[string]struct{}
	now           func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins[trimmed] = struct{}{}
		}
	}
	return &HandlerSet{
		logger:        logger.Named("http"),
		engine:        opts.Engine,
		readiness:     opts.Readiness,
		verifier:      opts.Verifier,
		records:       opts.Records,
		adminToken:    strings.TrimSpace(opts.AdminToken),
		createLimiter: opts.CreateLimiter,
		maxBody:       maxBody,
		origins:       origins,
		now:           now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /livez", h.LivenessHandler())
	mux.HandleFunc("GET /readyz", h.ReadinessHandler())
	mux.HandleFunc("GET /metrics", h.MetricsHandler())
	if h.engine == nil {
		return
	}
	mux.Handle("POST /sessions", h.identified(h.CreateSessionHandler()))
	mux.Handle("POST /sessions/join", h.identified(h.JoinSessionHandler()))
	mux.Handle("POST /sessions/{id}/start", h.identified(h.StartSessionHandler()))
	mux.Handle("POST /sessions/{id}/leave", h.identified(h.LeaveSessionHandler()))
	mux.Handle("GET /sessions/{id}", h.identified(h.GetSessionHandler()))
	mux.Handle("GET /sessions", h.identified(h.ListSessionsHandler()))
	mux.HandleFunc("POST /sessions/{id}/end", h.EndSessionHandler())
	if h.records != nil {
		mux.Handle("GET /records", h.identified(h.RecentRecordsHandler()))
		mux.Handle("GET /records/{id}", h.identified(h.RecordHandler()))
	}
}

// Handler returns the mux wrapped in trace propagation and CORS handling.
func (h *HandlerSet) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return h.Wrap(mux)
}

// Wrap applies trace propagation and CORS handling to a caller supplied mux.
func (h *HandlerSet) Wrap(next http.Handler) http.Handler {
	return logging.HTTPTraceMiddleware(h.logger)(h.cors(next))
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including session and connection counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Sessions      int     `json:"sessions"`
		Connections   int     `json:"connections"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.engine != nil {
			stats := h.engine.Stats()
			resp.Sessions = stats.ActiveSessions
			resp.Connections = stats.Connections
		}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var stats session.Stats
		var gameTypes []string
		if h.engine != nil {
			stats = h.engine.Stats()
			gameTypes = h.engine.GameTypes()
		}
		var uptime float64
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		gauge(w, "sessionsync_uptime_seconds", "Process uptime in seconds.", fmt.Sprintf("%.0f", uptime))
		gauge(w, "sessionsync_sessions", "Sessions that have not ended.", stats.ActiveSessions)
		gauge(w, "sessionsync_tombstones", "Ended sessions still answering SESSION_ENDED.", stats.Tombstones)
		gauge(w, "sessionsync_connections", "Live participant transports.", stats.Connections)
		gauge(w, "sessionsync_held_participants", "Participants inside their grace window.", stats.HeldParticipants)
		counter(w, "sessionsync_sessions_created_total", "Sessions created.", stats.Created)
		counter(w, "sessionsync_sessions_ended_total", "Sessions ended.", stats.Ended)
		counter(w, "sessionsync_operations_accepted_total", "Operations committed.", stats.Accepted)
		counter(w, "sessionsync_operations_merged_total", "Operations committed after a merge.", stats.Merged)
		counter(w, "sessionsync_operations_rejected_total", "Operations rejected.", stats.Rejected)
		counter(w, "sessionsync_operations_duplicate_total", "Operations resubmitted with a known client sequence.", stats.Duplicates)
		counter(w, "sessionsync_commit_retries_total", "Lost commit races resolved again inside the session.", stats.Retries)
		counter(w, "sessionsync_grace_expiries_total", "Participants removed after their grace window.", stats.GraceExpiries)
		counter(w, "sessionsync_reconnect_replays_total", "Reconnects served by delta replay.", stats.Replays)
		counter(w, "sessionsync_reconnect_snapshots_total", "Reconnects served by snapshot.", stats.Snapshots)
		counter(w, "sessionsync_frames_sent_total", "Frames written to transports.", stats.Frames)
		counter(w, "sessionsync_outbox_overflows_total", "Outbox overflows collapsed into a snapshot.", stats.Overflows)
		counter(w, "sessionsync_send_errors_total", "Transport write failures.", stats.SendErrors)
		counter(w, "sessionsync_persist_failures_total", "Session records that failed to persist.", stats.PersistFailures)

		//1.- One series per registered game type.
		fmt.Fprint(w, "# HELP sessionsync_game_type Game types accepted at session creation.\n# TYPE sessionsync_game_type gauge\n")
		for _, name := range gameTypes {
			fmt.Fprintf(w, "sessionsync_game_type{game=%q} 1\n", name)
		}
	}
}

func gauge(w http.ResponseWriter, name, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n", name, help, name, name, value)
}

func counter(w http.ResponseWriter, name, help string, value uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
}

// EndSessionHandler force-ends a session. It requires the admin token.
func (h *HandlerSet) EndSessionHandler() http.HandlerFunc {
	type request struct {
		Reason string `json:"reason"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "end_session"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("end session denied: admin auth disabled")
			writeError(w, http.StatusForbidden, "FORBIDDEN", "admin authentication not configured")
			return
		}
		if !h.authoriseAdmin(r) {
			reqLogger.Warn("end session denied: unauthorized request")
			writeError(w, http.StatusUnauthorized, string(session.CodeUnauthorized), "admin token required")
			return
		}
		var req request
		if !h.decode(w, r, &req, true) {
			return
		}
		if err := h.engine.EndSession(r.Context(), r.PathValue("id"), req.Reason); err != nil {
			h.fail(w, r, err)
			return
		}
		reqLogger.Info("session ended by operator", logging.String("session_id", r.PathValue("id")))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
	}
}

func (h *HandlerSet) authoriseAdmin(r *http.Request) bool {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func (h *HandlerSet) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Participant-Id, "+logging.TraceIDHeader)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HandlerSet) originAllowed(origin string) bool {
	if len(h.origins) == 0 {
		return false
	}
	if _, ok := h.origins["*"]; ok {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
