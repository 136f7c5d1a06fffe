package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"aiminigames/sessionsync/internal/game"
)

// member is the actor-owned record of one participant.
type member struct {
	Participant
	joinSeq  uint64
	attached bool
}

// historyEntry pairs a committed delta with the state it produced.
type historyEntry struct {
	committed game.Committed
	state     game.State
}

// history retains the most recent revisions so stale operations can be merged
// and reconnecting participants can be replayed. Entries are contiguous.
type history struct {
	limit   int
	entries []historyEntry
}

func newHistory(limit int, initial game.State) *history {
	if limit <= 0 {
		limit = 1
	}
	return &history{
		limit:   limit,
		entries: []historyEntry{{committed: game.Committed{Revision: 0}, state: initial}},
	}
}

func (h *history) append(committed game.Committed, state game.State) {
	h.entries = append(h.entries, historyEntry{committed: committed, state: state})
	//1.- Keep the base entry plus limit deltas; the oldest surviving state becomes the new base.
	if overflow := len(h.entries) - (h.limit + 1); overflow > 0 {
		trimmed := make([]historyEntry, len(h.entries)-overflow)
		copy(trimmed, h.entries[overflow:])
		h.entries = trimmed
	}
}

// oldestBase is the lowest revision whose state and successors are retained.
func (h *history) oldestBase() uint64 {
	return h.entries[0].committed.Revision
}

func (h *history) stateAt(revision uint64) (game.State, bool) {
	oldest := h.oldestBase()
	if revision < oldest {
		return nil, false
	}
	idx := revision - oldest
	if idx >= uint64(len(h.entries)) {
		return nil, false
	}
	return h.entries[idx].state, true
}

// since returns the deltas committed after revision, in order.
func (h *history) since(revision uint64) ([]game.Committed, bool) {
	oldest := h.oldestBase()
	if revision < oldest {
		return nil, false
	}
	idx := revision - oldest + 1
	if idx > uint64(len(h.entries)) {
		return nil, false
	}
	out := make([]game.Committed, 0, uint64(len(h.entries))-idx)
	for _, entry := range h.entries[idx:] {
		out = append(out, entry.committed)
	}
	return out, true
}

// committed lists every retained delta, excluding the base entry at revision 0.
func (h *history) committed() []game.Committed {
	out := make([]game.Committed, 0, len(h.entries))
	for _, entry := range h.entries {
		if entry.committed.Revision == 0 {
			continue
		}
		out = append(out, entry.committed)
	}
	return out
}

// sessionState is the authoritative state of one session. Only its actor touches it.
type sessionState struct {
	id       string
	joinCode string
	gameType string
	host     string
	capacity int
	phase    Phase
	revision uint64

	rules   game.Rules
	payload game.State
	history *history

	members  map[string]*member
	departed []string
	joinSeq  uint64

	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	endReason string
}

func (s *sessionState) admit(participantID string, now time.Time) *member {
	s.joinSeq++
	m := &member{
		Participant: Participant{
			ID:              participantID,
			SessionID:       s.id,
			ConnectionState: Disconnected,
			JoinedAt:        now,
		},
		joinSeq: s.joinSeq,
	}
	s.members[participantID] = m
	return m
}

func (s *sessionState) orderedMembers() []*member {
	ordered := make([]*member, 0, len(s.members))
	for _, m := range s.members {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].joinSeq < ordered[j].joinSeq })
	return ordered
}

// earliestMember returns the longest-standing participant.
func (s *sessionState) earliestMember() (string, bool) {
	ordered := s.orderedMembers()
	if len(ordered) == 0 {
		return "", false
	}
	return ordered[0].ID, true
}

func (s *sessionState) participants() []Participant {
	ordered := s.orderedMembers()
	out := make([]Participant, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, m.Participant)
	}
	return out
}

func (s *sessionState) encodePayload() (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode %s payload panicked: %v", s.gameType, r)
		}
	}()
	return s.payload.Encode()
}

func (s *sessionState) snapshot() (Snapshot, error) {
	payload, err := s.encodePayload()
	if err != nil {
		return Snapshot{}, newError(CodeInternal, "encode payload: %v", err)
	}
	snap := Snapshot{
		ID:                s.id,
		JoinCode:          s.joinCode,
		GameType:          s.gameType,
		HostParticipantID: s.host,
		Capacity:          s.capacity,
		Phase:             s.phase,
		Revision:          s.revision,
		Payload:           payload,
		Participants:      s.participants(),
		CreatedAt:         s.createdAt,
		EndReason:         s.endReason,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		snap.StartedAt = &started
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	return snap, nil
}

func (s *sessionState) summary() Summary {
	return Summary{
		ID:                s.id,
		JoinCode:          s.joinCode,
		GameType:          s.gameType,
		HostParticipantID: s.host,
		Capacity:          s.capacity,
		Participants:      len(s.members),
		Phase:             s.phase,
		Revision:          s.revision,
		CreatedAt:         s.createdAt,
	}
}

func (s *sessionState) record() Record {
	payload, err := s.encodePayload()
	if err != nil {
		payload = nil
	}
	rec := Record{
		ID:                s.id,
		JoinCode:          s.joinCode,
		GameType:          s.gameType,
		HostParticipantID: s.host,
		Participants:      s.participants(),
		Departed:          append([]string(nil), s.departed...),
		Outcome:           s.endReason,
		Revision:          s.revision,
		CreatedAt:         s.createdAt,
		EndedAt:           s.endedAt,
		DurationMS:        s.endedAt.Sub(s.createdAt).Milliseconds(),
		FinalPayload:      payload,
		History:           s.history.committed(),
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		rec.StartedAt = &started
	}
	return rec
}
