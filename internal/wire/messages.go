// Package wire defines the JSON frames exchanged with session clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Inbound frame types.
const (
	TypeOperation = "operation"
	TypeAck       = "ack"
	TypeLeave     = "leave"
)

// Outbound frame types.
const (
	TypeStateDelta        = "state_delta"
	TypeStateSnapshot     = "state_snapshot"
	TypePlayerJoined      = "player_joined"
	TypePlayerLeft        = "player_left"
	TypeSessionStarted    = "session_started"
	TypeSessionEnded      = "session_ended"
	TypeHostChanged       = "host_changed"
	TypeOperationAck      = "operation_ack"
	TypeOperationRejected = "operation_rejected"
)

// ErrMalformed reports an inbound frame that cannot be decoded.
var ErrMalformed = errors.New("wire: malformed frame")

// Inbound is a client to server frame.
type Inbound struct {
	Type            string          `json:"type"`
	SessionID       string          `json:"sessionId,omitempty"`
	ParticipantID   string          `json:"participantId,omitempty"`
	ClientSeq       uint64          `json:"clientSeq,omitempty"`
	BasedOnRevision uint64          `json:"basedOnRevision"`
	PayloadDelta    json.RawMessage `json:"payloadDelta,omitempty"`
	Revision        uint64          `json:"revision,omitempty"`
}

// Member describes one participant inside snapshot and lifecycle frames.
type Member struct {
	ID               string    `json:"id"`
	ConnectionState  string    `json:"connectionState"`
	JoinedAt         time.Time `json:"joinedAt"`
	LastSeenRevision uint64    `json:"lastSeenRevision"`
}

// Outbound is a server to client frame. Fields are populated per Type.
type Outbound struct {
	Type              string          `json:"type"`
	SessionID         string          `json:"sessionId"`
	Revision          uint64          `json:"revision,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Author            string          `json:"author,omitempty"`
	ParticipantID     string          `json:"participantId,omitempty"`
	ClientSeq         uint64          `json:"clientSeq,omitempty"`
	Phase             string          `json:"phase,omitempty"`
	HostParticipantID string          `json:"hostParticipantId,omitempty"`
	Participants      []Member        `json:"participants,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Code              string          `json:"code,omitempty"`
	Message           string          `json:"message,omitempty"`
	Merged            bool            `json:"merged,omitempty"`
	Duplicate         bool            `json:"duplicate,omitempty"`
}

// Encode renders an outbound frame.
func Encode(msg Outbound) ([]byte, error) {
	if msg.Type == "" {
		return nil, errors.New("wire: outbound frame requires a type")
	}
	return json.Marshal(msg)
}

// MustEncode renders frames whose fields are all engine-controlled.
func MustEncode(msg Outbound) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(fmt.Sprintf("encode %s frame: %v", msg.Type, err))
	}
	return data
}

// DecodeInbound parses and validates a client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))
	switch msg.Type {
	case TypeOperation:
		if len(msg.PayloadDelta) == 0 {
			return Inbound{}, fmt.Errorf("%w: operation requires payloadDelta", ErrMalformed)
		}
		if msg.ClientSeq == 0 {
			return Inbound{}, fmt.Errorf("%w: operation requires clientSeq", ErrMalformed)
		}
	case TypeAck, TypeLeave:
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Inbound{}, fmt.Errorf("%w: unsupported type %q", ErrMalformed, msg.Type)
	}
	return msg, nil
}
