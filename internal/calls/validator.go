package calls

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// Validator enforces business preconditions before a transition is attempted.
// It only reads; the authoritative mutual exclusion is the reservation layer
// in SessionStore, so every check here is a pre-check that may be overtaken
// by a concurrent writer.
type Validator struct {
	store *SessionStore
	log   *slog.Logger
}

func NewValidator(store *SessionStore, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{store: store, log: log}
}

// ValidateInitiate guards call creation: well-formed distinct user IDs, a
// known call type, and neither participant already on a call.
func (v *Validator) ValidateInitiate(ctx context.Context, callerID, calleeID string, callType CallType) *CallError {
	if strings.TrimSpace(callerID) == "" {
		return NewCallError(CodeInvalidUserID, "caller id is required")
	}
	if strings.TrimSpace(calleeID) == "" {
		return NewCallError(CodeInvalidUserID, "callee id is required")
	}
	if callerID == calleeID {
		return NewCallError(CodeInvalidUserID, "cannot call yourself")
	}
	if !callType.Valid() {
		return NewCallError(CodeInvalidPayload, "call type must be audio or video")
	}

	busy, err := v.store.UserBusy(ctx, callerID)
	if err != nil {
		return NewCallError(CodeInternal, "busy check failed")
	}
	if busy {
		return NewCallError(CodeCallerBusy, "you are already in a call")
	}

	busy, err = v.store.UserBusy(ctx, calleeID)
	if err != nil {
		return NewCallError(CodeInternal, "busy check failed")
	}
	if busy {
		return NewCallError(CodeCalleeBusy, "user is busy on another call")
	}
	return nil
}

// ValidateAnswer guards both accept and reject: the call must exist, the
// requester must be the recorded callee, and the call must still be ringing.
func (v *Validator) ValidateAnswer(ctx context.Context, callID, userID string) (CallSession, *CallError) {
	if strings.TrimSpace(callID) == "" {
		return CallSession{}, MissingFields("call_id")
	}

	sess, found, err := v.store.GetCall(ctx, callID)
	if err != nil {
		return CallSession{}, NewCallError(CodeInternal, "call lookup failed")
	}
	if !found {
		return CallSession{}, NewCallError(CodeCallNotFound, "call not found")
	}
	if sess.CalleeID != userID {
		return CallSession{}, NewCallError(CodeUnauthorized, "only the callee can answer this call")
	}
	if sess.State != StateRinging {
		return CallSession{}, NewCallError(CodeInvalidCallState, "call is no longer ringing")
	}
	return sess, nil
}

// ValidateEnd is permissive so client hang-up buttons stay idempotent: a
// missing call is valid to end (found=false), and ending an
// already-terminal call is logged, not rejected. An existing call still
// requires the requester to be a participant.
func (v *Validator) ValidateEnd(ctx context.Context, callID, userID string) (CallSession, bool, *CallError) {
	if strings.TrimSpace(callID) == "" {
		return CallSession{}, false, MissingFields("call_id")
	}

	sess, found, err := v.store.GetCall(ctx, callID)
	if err != nil {
		return CallSession{}, false, NewCallError(CodeInternal, "call lookup failed")
	}
	if !found {
		return CallSession{}, false, nil
	}
	if !sess.Participant(userID) {
		return CallSession{}, false, NewCallError(CodeUnauthorized, "not a participant of this call")
	}
	if sess.State.Terminal() {
		v.log.Info("end requested for already-terminal call", "call_id", callID, "state", sess.State, "user_id", userID)
	}
	return sess, true, nil
}

// ValidateSignal checks the shape of a relay payload: call id, recipient,
// and whatever extra fields the specific message type requires. Every
// missing field is enumerated so the client can pinpoint the defect.
func (v *Validator) ValidateSignal(callID, recipientID string, extra map[string]string) *CallError {
	var missing []string
	if strings.TrimSpace(callID) == "" {
		missing = append(missing, "call_id")
	}
	if strings.TrimSpace(recipientID) == "" {
		missing = append(missing, "to")
	}
	for field, value := range extra {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		// Map iteration order is random; keep the enumeration deterministic.
		sort.Strings(missing)
		return MissingFields(missing...)
	}
	return nil
}
