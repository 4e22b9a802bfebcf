// Package router is the protocol front door: it turns inbound real-time
// events into validator checks and store transitions, relays signaling blobs,
// and triggers push delivery as a reachability fallback.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/internal/push"
	"call-signaling/internal/transport"

	"github.com/google/uuid"
)

// Notifier is the push-fallback contract the router consumes.
type Notifier interface {
	SendIncomingCall(ctx context.Context, userID string, n push.IncomingCall) error
	SendCallCancelled(ctx context.Context, userID, callID string) error
}

// Router drives the call lifecycle from client events. Handler failures
// degrade to an acknowledgment error for that one request; they never take
// the connection down.
type Router struct {
	store     *calls.SessionStore
	validator *calls.Validator
	transport transport.Transport
	notifier  Notifier
	log       *slog.Logger

	// newCallID is injectable for deterministic tests.
	newCallID func() string
	// dispatch runs push side effects without blocking the acknowledgment.
	dispatch func(func())
}

func New(store *calls.SessionStore, validator *calls.Validator, t transport.Transport, n Notifier, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:     store,
		validator: validator,
		transport: t,
		notifier:  n,
		log:       log,
		newCallID: uuid.NewString,
		dispatch:  func(f func()) { go f() },
	}
}

// HandleEvent implements transport.Handler. A nil return means the event has
// no acknowledgment contract.
func (r *Router) HandleEvent(ctx context.Context, userID string, ev transport.ClientEvent) *transport.Ack {
	switch ev.Event {
	case EventInitiate:
		return r.handleInitiate(ctx, userID, ev)
	case EventAccept:
		return r.handleAnswer(ctx, userID, ev, calls.StateAccepted)
	case EventReject:
		return r.handleAnswer(ctx, userID, ev, calls.StateRejected)
	case EventEnd:
		return r.handleEnd(ctx, userID, ev)
	case EventOffer, EventAnswer:
		return r.handleSDP(ctx, userID, ev)
	case EventICE:
		r.handleCandidate(ctx, userID, ev)
		return nil
	default:
		return fail(ev, calls.NewCallError(calls.CodeInvalidPayload, "unknown event: "+ev.Event))
	}
}

func (r *Router) handleInitiate(ctx context.Context, callerID string, ev transport.ClientEvent) *transport.Ack {
	var p InitiatePayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fail(ev, calls.NewCallError(calls.CodeInvalidPayload, "malformed initiate payload"))
	}

	callType := calls.CallType(p.CallType)
	if cerr := r.validator.ValidateInitiate(ctx, callerID, p.CalleeID, callType); cerr != nil {
		return fail(ev, cerr)
	}

	callID := r.newCallID()
	sess, err := r.store.CreateCall(ctx, callID, callerID, p.CalleeID, callType)
	if err != nil {
		// The validator busy pre-check can be overtaken; the reservation is
		// authoritative.
		switch {
		case errors.Is(err, calls.ErrCallerBusy):
			return fail(ev, calls.NewCallError(calls.CodeCallerBusy, "you are already in a call"))
		case errors.Is(err, calls.ErrCalleeBusy):
			return fail(ev, calls.NewCallError(calls.CodeCalleeBusy, "user is busy on another call"))
		default:
			r.log.Error("create call failed", "caller_id", callerID, "err", err)
			return fail(ev, calls.NewCallError(calls.CodeInternal, "could not start call"))
		}
	}

	incoming := IncomingCallEvent{
		CallID:       callID,
		CallerID:     callerID,
		CallerName:   p.CallerName,
		CallerAvatar: p.CallerAvatar,
		CallType:     p.CallType,
	}
	if r.transport.IsUserReachable(p.CalleeID) {
		if err := r.transport.EmitToUser(ctx, p.CalleeID, EventIncomingCall, incoming); err != nil {
			r.log.Warn("incoming_call emit failed", "call_id", callID, "err", err)
		}
	}

	// Socket reachability does not guarantee deliverability (backgrounded
	// app), so the push fallback always goes out. Fire-and-forget: push
	// latency or failure must not delay or fail this acknowledgment.
	calleeID := p.CalleeID
	r.dispatch(func() {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.notifier.SendIncomingCall(pushCtx, calleeID, push.IncomingCall{
			CallID:       callID,
			CallerID:     incoming.CallerID,
			CallerName:   incoming.CallerName,
			CallerAvatar: incoming.CallerAvatar,
			CallType:     incoming.CallType,
		}); err != nil {
			r.log.Warn("incoming-call push failed", "call_id", callID, "callee_id", calleeID, "err", err)
		}
	})

	return ok(ev, InitiateAck{CallID: callID, State: string(sess.State)})
}

// handleAnswer covers accept and reject; they differ only in target state
// and the event relayed to the caller.
func (r *Router) handleAnswer(ctx context.Context, userID string, ev transport.ClientEvent, target calls.CallState) *transport.Ack {
	var p CallRefPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fail(ev, calls.NewCallError(calls.CodeInvalidPayload, "malformed payload"))
	}

	sess, cerr := r.validator.ValidateAnswer(ctx, p.CallID, userID)
	if cerr != nil {
		return fail(ev, cerr)
	}

	updated, err := r.store.Transition(ctx, p.CallID, target)
	if err != nil {
		return fail(ev, transitionError(err))
	}

	if err := r.transport.EmitToUser(ctx, sess.CallerID, ev.Event, CallStateEvent{CallID: p.CallID, By: userID}); err != nil {
		r.log.Debug("peer notify failed", "call_id", p.CallID, "event", ev.Event, "err", err)
	}
	return ok(ev, InitiateAck{CallID: p.CallID, State: string(updated.State)})
}

// handleEnd is permissive end-to-end: whatever happened to the call in the
// meantime, the client that hung up gets a success acknowledgment.
func (r *Router) handleEnd(ctx context.Context, userID string, ev transport.ClientEvent) *transport.Ack {
	var p CallRefPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fail(ev, calls.NewCallError(calls.CodeInvalidPayload, "malformed payload"))
	}

	sess, found, cerr := r.validator.ValidateEnd(ctx, p.CallID, userID)
	if cerr != nil {
		return fail(ev, cerr)
	}
	if !found || sess.State.Terminal() {
		// Already gone or already over: nothing to do, still a success.
		return ok(ev, InitiateAck{CallID: p.CallID, State: string(calls.StateEnded)})
	}

	// A caller hanging up an unanswered call is a cancellation; the callee's
	// devices must stop presenting it. Everything else is a normal end.
	target := calls.StateEnded
	cancelled := sess.State == calls.StateRinging && userID == sess.CallerID
	if cancelled {
		target = calls.StateCancelled
	}

	updated, err := r.store.Transition(ctx, p.CallID, target)
	if err != nil {
		// Lost a race with accept/timeout/another end. The call is being
		// handled; the hang-up still succeeded from the client's view.
		r.log.Info("end transition superseded", "call_id", p.CallID, "target", target, "err", err)
		return ok(ev, InitiateAck{CallID: p.CallID, State: string(calls.StateEnded)})
	}

	peer := sess.Peer(userID)
	if err := r.transport.EmitToUser(ctx, peer, EventEnd, CallStateEvent{CallID: p.CallID, By: userID}); err != nil {
		r.log.Debug("peer notify failed", "call_id", p.CallID, "event", EventEnd, "err", err)
	}
	if cancelled {
		calleeID := sess.CalleeID
		r.dispatch(func() {
			pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := r.notifier.SendCallCancelled(pushCtx, calleeID, p.CallID); err != nil {
				r.log.Warn("cancellation push failed", "call_id", p.CallID, "err", err)
			}
		})
	}
	return ok(ev, InitiateAck{CallID: p.CallID, State: string(updated.State)})
}

// handleSDP relays an offer or answer verbatim after confirming the call
// still exists.
func (r *Router) handleSDP(ctx context.Context, userID string, ev transport.ClientEvent) *transport.Ack {
	var p SDPPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return fail(ev, calls.NewCallError(calls.CodeInvalidPayload, "malformed payload"))
	}
	if cerr := r.validator.ValidateSignal(p.CallID, p.To, map[string]string{"sdp": p.SDP}); cerr != nil {
		return fail(ev, cerr)
	}

	if _, found, err := r.store.GetCall(ctx, p.CallID); err != nil {
		r.log.Error("call lookup failed", "call_id", p.CallID, "err", err)
		return fail(ev, calls.NewCallError(calls.CodeInternal, "call lookup failed"))
	} else if !found {
		return fail(ev, calls.NewCallError(calls.CodeCallNotFound, "call not found"))
	}

	payload := struct {
		SDPPayload
		From string `json:"from"`
	}{SDPPayload: p, From: userID}
	if err := r.transport.EmitToUser(ctx, p.To, ev.Event, payload); err != nil {
		return fail(ev, calls.NewCallError(calls.CodeInternal, "recipient unreachable"))
	}
	return ok(ev, nil)
}

// handleCandidate relays an ICE candidate. No existence check and no ack:
// candidates arrive in bursts and latency matters more than strictness.
func (r *Router) handleCandidate(ctx context.Context, userID string, ev transport.ClientEvent) {
	var p CandidatePayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		r.log.Debug("malformed ice candidate", "user_id", userID)
		return
	}
	if cerr := r.validator.ValidateSignal(p.CallID, p.To, map[string]string{"candidate": string(p.Candidate)}); cerr != nil {
		r.log.Debug("invalid ice candidate", "user_id", userID, "err", cerr)
		return
	}

	payload := struct {
		CandidatePayload
		From string `json:"from"`
	}{CandidatePayload: p, From: userID}
	if err := r.transport.EmitToUser(ctx, p.To, EventICE, payload); err != nil {
		r.log.Debug("ice relay dropped", "call_id", p.CallID, "to", p.To)
	}
}

func transitionError(err error) *calls.CallError {
	switch {
	case errors.Is(err, calls.ErrNotFound):
		return calls.NewCallError(calls.CodeCallNotFound, "call not found")
	case errors.Is(err, calls.ErrInvalidTransition):
		return calls.NewCallError(calls.CodeInvalidCallState, "call state changed, action no longer valid")
	case errors.Is(err, calls.ErrContentionExceeded):
		return calls.NewCallError(calls.CodeInternal, "temporary conflict, please retry")
	default:
		return calls.NewCallError(calls.CodeInternal, "operation failed")
	}
}

func ok(ev transport.ClientEvent, data any) *transport.Ack {
	return &transport.Ack{Event: "ack", AckID: ev.AckID, OK: true, Data: data}
}

func fail(ev transport.ClientEvent, cerr *calls.CallError) *transport.Ack {
	return &transport.Ack{Event: "ack", AckID: ev.AckID, OK: false, Code: cerr.Code, Message: cerr.Message, Data: ackMissing(cerr)}
}

func ackMissing(cerr *calls.CallError) any {
	if len(cerr.Missing) == 0 {
		return nil
	}
	return map[string][]string{"missing_fields": cerr.Missing}
}
