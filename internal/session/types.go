package session

import (
	"encoding/json"
	"time"

	"aiminigames/sessionsync/internal/game"
	"aiminigames/sessionsync/internal/wire"
)

// Phase is the session lifecycle stage. Transitions only move forward.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseActive  Phase = "active"
	PhaseEnded   Phase = "ended"
)

// ConnectionState tracks a participant's transport.
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
	Reconciling  ConnectionState = "reconciling"
)

// End reasons recorded on terminal sessions.
const (
	ReasonCompleted     = "completed"
	ReasonAbandoned     = "abandoned"
	ReasonInsufficient  = "insufficient_players"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonInternalError = "internal_error"
	ReasonShutdown      = "shutdown"
)

// Leave reasons broadcast in player_left frames.
const (
	LeaveExplicit = "left"
	LeaveTimeout  = "timeout"
)

// Participant is a member of one session. It survives transport drops.
type Participant struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"sessionId"`
	ConnectionState  ConnectionState `json:"connectionState"`
	JoinedAt         time.Time       `json:"joinedAt"`
	LastSeenRevision uint64          `json:"lastSeenRevision"`
	LastClientSeq    uint64          `json:"lastClientSeq"`
}

// Snapshot is an immutable copy of a session taken by its actor.
type Snapshot struct {
	ID                string          `json:"id"`
	JoinCode          string          `json:"joinCode"`
	GameType          string          `json:"gameType"`
	HostParticipantID string          `json:"hostParticipantId"`
	Capacity          int             `json:"capacity"`
	Phase             Phase           `json:"phase"`
	Revision          uint64          `json:"revision"`
	Payload           json.RawMessage `json:"payload"`
	Participants      []Participant   `json:"participants"`
	CreatedAt         time.Time       `json:"createdAt"`
	StartedAt         *time.Time      `json:"startedAt,omitempty"`
	EndedAt           *time.Time      `json:"endedAt,omitempty"`
	EndReason         string          `json:"endReason,omitempty"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID                string    `json:"id"`
	JoinCode          string    `json:"joinCode"`
	GameType          string    `json:"gameType"`
	HostParticipantID string    `json:"hostParticipantId"`
	Capacity          int       `json:"capacity"`
	Participants      int       `json:"participants"`
	Phase             Phase     `json:"phase"`
	Revision          uint64    `json:"revision"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Operation is one participant-submitted change request.
type Operation struct {
	SessionID       string
	ParticipantID   string
	ClientSeq       uint64
	BasedOnRevision uint64
	PayloadDelta    json.RawMessage
	ReceivedAt      time.Time
}

// Result describes an accepted, merged or duplicate operation.
type Result struct {
	Revision  uint64
	Delta     json.RawMessage
	Merged    bool
	Duplicate bool
	Attempts  int
	Snapshot  Snapshot
}

// Record is the final session summary handed to persistence on end.
type Record struct {
	ID                string           `json:"id"`
	JoinCode          string           `json:"joinCode"`
	GameType          string           `json:"gameType"`
	HostParticipantID string           `json:"hostParticipantId"`
	Participants      []Participant    `json:"participants"`
	Departed          []string         `json:"departed,omitempty"`
	Outcome           string           `json:"outcome"`
	Revision          uint64           `json:"revision"`
	CreatedAt         time.Time        `json:"createdAt"`
	StartedAt         *time.Time       `json:"startedAt,omitempty"`
	EndedAt           time.Time        `json:"endedAt"`
	DurationMS        int64            `json:"durationMs"`
	FinalPayload      json.RawMessage  `json:"finalPayload"`
	History           []game.Committed `json:"history,omitempty"`
}

func membersOf(participants []Participant) []wire.Member {
	members := make([]wire.Member, 0, len(participants))
	for _, p := range participants {
		members = append(members, wire.Member{
			ID:               p.ID,
			ConnectionState:  string(p.ConnectionState),
			JoinedAt:         p.JoinedAt,
			LastSeenRevision: p.LastSeenRevision,
		})
	}
	return members
}
