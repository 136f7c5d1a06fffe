package httpapi

import (
	"net/http"
	"strconv"

	"aiminigames/sessionsync/internal/auth"
	"aiminigames/sessionsync/internal/session"
)

const (
	defaultRecentRecords = 20
	maxRecentRecords     = 100
)

// RecordHandler returns the persisted record of an ended session. Only the
// session's participants, current or departed, may read it.
func (h *HandlerSet) RecordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		record, err := h.records.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !recordMember(record, auth.IdentityFromContext(r.Context())) {
			h.fail(w, r, session.ErrSessionNotFound)
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

// RecentRecordsHandler lists the caller's sessions among the most recently
// ended ones. The limit query parameter bounds how far back it looks.
func (h *HandlerSet) RecentRecordsHandler() http.HandlerFunc {
	type response struct {
		Records []session.Record `json:"records"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultRecentRecords
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, string(session.CodeInvalidOperation), "limit must be a positive integer")
				return
			}
			limit = min(n, maxRecentRecords)
		}
		records, err := h.records.Recent(r.Context(), limit)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		caller := auth.IdentityFromContext(r.Context())
		resp := response{Records: make([]session.Record, 0, len(records))}
		for _, record := range records {
			if recordMember(record, caller) {
				resp.Records = append(resp.Records, record)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func recordMember(record session.Record, participantID string) bool {
	for _, p := range record.Participants {
		if p.ID == participantID {
			return true
		}
	}
	for _, id := range record.Departed {
		if id == participantID {
			return true
		}
	}
	return false
}
