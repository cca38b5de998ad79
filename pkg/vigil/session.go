package vigil

import "fmt"

// SessionState is the lifecycle state of a stored shadow session.
//
//	pending → active            credential validated against the origin
//	pending → failed            validation rejected (terminal)
//	active  → revoked           user stop or runtime auth error (terminal)
//
// There is no path back from failed/revoked; a fresh credential submission
// replaces the row with a new pending entry.
type SessionState string

const (
	SessionPending SessionState = "pending"
	SessionActive  SessionState = "active"
	SessionFailed  SessionState = "failed"
	SessionRevoked SessionState = "revoked"
)

// ErrSessionState is returned by store transition methods when the row is not
// in a state the transition is legal from.
type ErrSessionState struct {
	UserID int64
	From   SessionState
	To     SessionState
}

func (e *ErrSessionState) Error() string {
	return fmt.Sprintf("illegal session transition from %q to %q for user %d", e.From, e.To, e.UserID)
}

// canTransition encodes the state machine above.
func canTransition(from, to SessionState) bool {
	switch to {
	case SessionActive, SessionFailed:
		return from == SessionPending
	case SessionRevoked:
		return from == SessionActive
	default:
		return false
	}
}

// ShadowSession is one user's stored credential and its lifecycle state.
type ShadowSession struct {
	UserID     int64
	Credential []byte
	State      SessionState
}
