package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"aiminigames/sessionsync/internal/game"
)

// view is the immutable slice of session state an operation is resolved against.
type view struct {
	revision uint64
	current  game.State
	base     game.State
	since    []game.Committed
}

// resolution is the outcome of resolving one operation against a view.
type resolution struct {
	revision uint64
	delta    json.RawMessage
	next     game.State
	merged   bool
}

// faultError marks a panic raised by game rules. It ends the session.
type faultError struct {
	cause any
}

func (f *faultError) Error() string {
	return fmt.Sprintf("game rules panicked: %v", f.cause)
}

// resolve decides whether op may be applied on top of v and computes the new state.
// Callers outside the actor rely on commit to re-check v.revision.
func resolve(v view, op Operation) (res resolution, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = resolution{}
			err = &faultError{cause: r}
		}
	}()

	switch {
	case op.BasedOnRevision > v.revision:
		//1.- A base from the future cannot come from a correct client.
		return resolution{}, newError(CodeInvalidOperation, "based on revision %d but session is at %d", op.BasedOnRevision, v.revision)

	case op.BasedOnRevision == v.revision:
		//2.- Fast path: the client saw the current state.
		next, err := v.current.Apply(op.ParticipantID, op.PayloadDelta)
		if err != nil {
			return resolution{}, gameRejection(err, false)
		}
		return resolution{revision: v.revision, delta: op.PayloadDelta, next: next}, nil

	default:
		//3.- Rebase the delta over everything committed since its base, then apply.
		if v.base == nil {
			return resolution{}, newError(CodeStaleOperation, "base revision %d is no longer retained", op.BasedOnRevision)
		}
		rebased, err := v.base.Merge(v.since, op.ParticipantID, op.PayloadDelta)
		if err != nil {
			return resolution{}, gameRejection(err, true)
		}
		next, err := v.current.Apply(op.ParticipantID, rebased)
		if err != nil {
			return resolution{}, gameRejection(err, true)
		}
		return resolution{revision: v.revision, delta: rebased, next: next, merged: true}, nil
	}
}

// gameRejection maps game errors onto engine codes. A conflict found while merging
// means the client must resubmit against the current revision.
func gameRejection(err error, merging bool) error {
	if merging && errors.Is(err, game.ErrConflict) {
		return newError(CodeStaleOperation, "%v", err)
	}
	return newError(CodeInvalidOperation, "%v", err)
}
