package calls

import "time"

// CallType distinguishes audio-only from video calls. The core never
// inspects media; the type only rides along to clients and push payloads.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	switch t {
	case CallTypeAudio, CallTypeVideo:
		return true
	default:
		return false
	}
}

type CallState string

const (
	StateRinging   CallState = "ringing"
	StateAccepted  CallState = "accepted"
	StateRejected  CallState = "rejected"
	StateCancelled CallState = "cancelled"
	StateTimeout   CallState = "timeout"
	StateEnded     CallState = "ended"
)

// Terminal reports whether no further transition is permitted from s.
func (s CallState) Terminal() bool {
	switch s {
	case StateRejected, StateCancelled, StateTimeout, StateEnded:
		return true
	default:
		return false
	}
}

// transitions is the only legal movement through the call lifecycle.
// Self-transitions are handled separately as idempotent no-ops.
var transitions = map[CallState][]CallState{
	StateRinging:  {StateAccepted, StateRejected, StateCancelled, StateTimeout, StateEnded},
	StateAccepted: {StateEnded},
}

// CanTransitionTo reports whether s -> next is in the transition table.
// next == s is not covered here; callers treat it as a no-op.
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CallSession is the record describing one call attempt between two users.
//
// Concurrency invariant: a session is only ever mutated through
// SessionStore.Transition; never write one back to the store directly.
type CallSession struct {
	CallID   string   `json:"call_id"`
	CallerID string   `json:"caller_id"`
	CalleeID string   `json:"callee_id"`
	CallType CallType `json:"call_type"`

	State CallState `json:"state"`

	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Participant reports whether userID is the caller or the callee.
func (c CallSession) Participant(userID string) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// Peer returns the other participant, or "" if userID is not on the call.
func (c CallSession) Peer(userID string) string {
	switch userID {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	default:
		return ""
	}
}
