package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"aiminigames/sessionsync/internal/auth"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
)

// ParticipantHeader carries the caller identity when no token verifier is configured.
const ParticipantHeader = "X-Participant-Id"

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// identified resolves the caller identity before next runs.
func (h *HandlerSet) identified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var participantID string
		if h.verifier != nil {
			claims, err := h.verifier.Verify(auth.TokenFromRequest(r))
			if err != nil {
				logging.FromContext(r.Context()).Debug("token rejected", logging.Error(err))
				writeError(w, http.StatusUnauthorized, string(session.CodeUnauthorized), err.Error())
				return
			}
			participantID = claims.Subject
		} else {
			//1.- Development mode trusts the identity header set by an upstream gateway.
			participantID = strings.TrimSpace(r.Header.Get(ParticipantHeader))
		}
		if participantID == "" {
			writeError(w, http.StatusUnauthorized, string(session.CodeUnauthorized), "participant identity is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), participantID)))
	})
}

// CreateSessionHandler creates a session hosted by the caller.
func (h *HandlerSet) CreateSessionHandler() http.HandlerFunc {
	type request struct {
		Capacity int             `json:"capacity"`
		Game     json.RawMessage `json:"game,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		participantID := auth.IdentityFromContext(r.Context())
		if h.createLimiter != nil && !h.createLimiter.Allow(participantID) {
			logging.FromContext(r.Context()).Warn("session creation rate limited", logging.String("participant_id", participantID))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many sessions created")
			return
		}
		var req request
		if !h.decode(w, r, &req, true) {
			return
		}
		snap, err := h.engine.CreateSession(r.Context(), participantID, req.Capacity, req.Game)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

// JoinSessionHandler admits the caller by join code.
func (h *HandlerSet) JoinSessionHandler() http.HandlerFunc {
	type request struct {
		JoinCode string `json:"joinCode"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !h.decode(w, r, &req, false) {
			return
		}
		if strings.TrimSpace(req.JoinCode) == "" {
			writeError(w, http.StatusBadRequest, string(session.CodeInvalidOperation), "joinCode is required")
			return
		}
		snap, err := h.engine.JoinSession(r.Context(), req.JoinCode, auth.IdentityFromContext(r.Context()))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// StartSessionHandler starts the session on behalf of its host.
func (h *HandlerSet) StartSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := h.engine.StartSession(r.Context(), r.PathValue("id"), auth.IdentityFromContext(r.Context()))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// LeaveSessionHandler removes the caller from the session.
func (h *HandlerSet) LeaveSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.engine.LeaveSession(r.Context(), r.PathValue("id"), auth.IdentityFromContext(r.Context())); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetSessionHandler returns the current snapshot to the session's participants.
// Everyone else sees SESSION_NOT_FOUND.
func (h *HandlerSet) GetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := h.engine.Snapshot(r.Context(), r.PathValue("id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !snapshotMember(snap, auth.IdentityFromContext(r.Context())) {
			h.fail(w, r, session.ErrSessionNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func snapshotMember(snap session.Snapshot, participantID string) bool {
	for _, p := range snap.Participants {
		if p.ID == participantID {
			return true
		}
	}
	return false
}

// ListSessionsHandler lists live sessions, optionally filtered by phase.
func (h *HandlerSet) ListSessionsHandler() http.HandlerFunc {
	type response struct {
		Sessions []session.Summary `json:"sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := h.engine.ListSessions(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if phase := strings.TrimSpace(r.URL.Query().Get("phase")); phase != "" {
			filtered := summaries[:0]
			for _, summary := range summaries {
				if string(summary.Phase) == phase {
					filtered = append(filtered, summary)
				}
			}
			summaries = filtered
		}
		writeJSON(w, http.StatusOK, response{Sessions: summaries})
	}
}

// decode reads a JSON body into dst. An empty body is accepted when optional.
func (h *HandlerSet) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF) && optional:
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, string(session.CodeInvalidOperation), "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, string(session.CodeInvalidOperation), "invalid request body: "+err.Error())
	return false
}

// fail maps an engine error onto an HTTP response.
func (h *HandlerSet) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := session.CodeOf(err)
	status := StatusFor(code)
	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("session request failed", logging.String("path", r.URL.Path), logging.Error(err))
	} else {
		logger.Debug("session request rejected", logging.String("path", r.URL.Path), logging.String("code", string(code)))
	}
	var typed *session.Error
	message := err.Error()
	if errors.As(err, &typed) && typed.Message != "" {
		message = typed.Message
	}
	writeError(w, status, string(code), message)
}

// StatusFor maps an engine code onto an HTTP status.
func StatusFor(code session.Code) int {
	switch code {
	case session.CodeCapacityInvalid, session.CodeInvalidOperation:
		return http.StatusBadRequest
	case session.CodeUnauthorized:
		return http.StatusUnauthorized
	case session.CodeNotHost:
		return http.StatusForbidden
	case session.CodeSessionNotFound:
		return http.StatusNotFound
	case session.CodeSessionFull, session.CodeSessionAlreadyActive, session.CodeInsufficientPlayers,
		session.CodeStaleOperation, session.CodeTooManyConflicts:
		return http.StatusConflict
	case session.CodeSessionEnded:
		return http.StatusGone
	case session.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}
