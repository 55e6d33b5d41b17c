// Package workflow owns the per-session state machine and the orchestrator
// that drives a review from collection through reporting.
package workflow

import (
	"fmt"

	"github.com/reviewdesk/internal/session"
)

// Event is a state machine input.
type Event string

const (
	// EventCollect: operator input parsed into a well-formed target.
	EventCollect Event = "collect"
	// EventConfirm: operator affirmed the rendered summary.
	EventConfirm Event = "confirm"
	// EventReject: operator rejected the summary; back to collection.
	EventReject Event = "reject"
	// EventExecute: execution begins.
	EventExecute Event = "execute"
	// EventComplete: report built and published.
	EventComplete Event = "complete"
	// EventFail: unrecoverable stage failure.
	EventFail Event = "fail"
	// EventRestart: explicit restart from a terminal state.
	EventRestart Event = "restart"
)

// transitions is the complete edge set. Anything not listed is a protocol
// violation: status never moves backward except through the explicit
// reject and restart edges.
var transitions = map[session.Status]map[Event]session.Status{
	session.StatusCollecting: {
		EventCollect: session.StatusCollected,
		EventFail:    session.StatusFailed,
	},
	session.StatusCollected: {
		EventConfirm: session.StatusConfirmed,
		EventReject:  session.StatusCollecting,
		EventFail:    session.StatusFailed,
	},
	session.StatusConfirmed: {
		EventExecute: session.StatusExecuting,
		EventFail:    session.StatusFailed,
	},
	session.StatusExecuting: {
		EventComplete: session.StatusCompleted,
		EventFail:     session.StatusFailed,
	},
	session.StatusCompleted: {
		EventRestart: session.StatusCollecting,
	},
	session.StatusFailed: {
		EventRestart: session.StatusCollecting,
	},
}

// Next returns the state after applying ev to cur. Invalid transitions are
// ProtocolErrors: they indicate a bug in the caller, never operator input.
func Next(cur session.Status, ev Event) (session.Status, error) {
	if next, ok := transitions[cur][ev]; ok {
		return next, nil
	}
	return cur, &session.ProtocolError{
		Op:     "transition",
		Reason: fmt.Sprintf("event %q is not valid in status %q", ev, cur),
	}
}

// CanCancel reports whether a session may be cancelled with no side
// effects. Once execution starts the session either completes or fails on
// its own; it never leaves a partially-posted comment.
func CanCancel(cur session.Status) bool {
	switch cur {
	case session.StatusCollecting, session.StatusCollected, session.StatusConfirmed:
		return true
	}
	return false
}
