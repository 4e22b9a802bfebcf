package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-signaling/internal/kv"
)

// Key layout in the shared store. Everything about one call (record, two
// reservations, timeout lock, ringing-index entry) is kept consistent by
// operation ordering, not by multi-key atomicity.
const (
	sessionKeyPrefix     = "call:session:"
	reservationKeyPrefix = "call:reserve:"
	timeoutLockPrefix    = "call:timeout:"
	ringingIndex         = "call:ringing"
)

func sessionKey(callID string) string     { return sessionKeyPrefix + callID }
func reservationKey(userID string) string { return reservationKeyPrefix + userID }
func timeoutLockKey(callID string) string { return timeoutLockPrefix + callID }

// Policy holds the lifetime rules for call sessions.
type Policy struct {
	// RingTTL bounds how long an unanswered call may ring. It is both the
	// session TTL while ringing and the reservation TTL for that phase.
	RingTTL time.Duration
	// ActiveTTL bounds an accepted call's total duration.
	ActiveTTL time.Duration
	// GraceTTL keeps terminal records around briefly so duplicate "end"
	// deliveries still find them.
	GraceTTL time.Duration
	// TimeoutLockTTL is the lifetime of the per-call sweep lock.
	TimeoutLockTTL time.Duration
	// TransitionAttempts bounds the optimistic retry loop.
	TransitionAttempts int
}

func (p Policy) withDefaults() Policy {
	out := p
	if out.RingTTL <= 0 {
		out.RingTTL = 30 * time.Second
	}
	if out.ActiveTTL <= 0 {
		out.ActiveTTL = 4 * time.Hour
	}
	if out.GraceTTL <= 0 {
		out.GraceTTL = 45 * time.Second
	}
	if out.TimeoutLockTTL <= 0 {
		out.TimeoutLockTTL = 10 * time.Second
	}
	if out.TransitionAttempts <= 0 {
		out.TransitionAttempts = 5
	}
	return out
}

func (p Policy) ttlFor(state CallState) time.Duration {
	switch {
	case state == StateAccepted:
		return p.ActiveTTL
	case state.Terminal():
		return p.GraceTTL
	default:
		return p.RingTTL
	}
}

// staleAfter is the age past which a RINGING record is assumed to have been
// missed by every sweeper and is self-healed on read.
func (p Policy) staleAfter() time.Duration {
	return 2 * p.RingTTL
}

// SessionStore owns call records, the per-user active-call reservations and
// the state-transition protocol against the shared store.
type SessionStore struct {
	kv     kv.Store
	policy Policy
	log    *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewSessionStore(store kv.Store, policy Policy, log *slog.Logger) *SessionStore {
	if log == nil {
		log = slog.Default()
	}
	return &SessionStore{
		kv:     store,
		policy: policy.withDefaults(),
		log:    log,
		clock:  time.Now,
	}
}

// Reserve acquires the active-call slot for both participants. If the caller
// acquires but the callee is busy, the caller's slot is released before
// returning, so a failed reserve leaves no residue.
func (s *SessionStore) Reserve(ctx context.Context, callID, callerID, calleeID string) error {
	ok, err := s.kv.SetNX(ctx, reservationKey(callerID), callID, s.policy.RingTTL)
	if err != nil {
		return fmt.Errorf("reserve caller: %w", err)
	}
	if !ok {
		return ErrCallerBusy
	}

	ok, err = s.kv.SetNX(ctx, reservationKey(calleeID), callID, s.policy.RingTTL)
	if err != nil {
		s.releaseReservation(ctx, callerID, callID)
		return fmt.Errorf("reserve callee: %w", err)
	}
	if !ok {
		s.releaseReservation(ctx, callerID, callID)
		return ErrCalleeBusy
	}
	return nil
}

// releaseReservation frees a user's slot only if it still belongs to callID.
// A slot reused by a newer call after expiry must never be released by a
// stale cleanup.
func (s *SessionStore) releaseReservation(ctx context.Context, userID, callID string) {
	if _, err := s.kv.DelIfEquals(ctx, reservationKey(userID), callID); err != nil {
		s.log.Error("reservation release failed", "user_id", userID, "call_id", callID, "err", err)
	}
}

// CreateCall reserves both participants and persists a fresh RINGING record.
// Reservation and record existence must not diverge: any failure after the
// reserve rolls the reservations back.
func (s *SessionStore) CreateCall(ctx context.Context, callID, callerID, calleeID string, callType CallType) (CallSession, error) {
	if err := s.Reserve(ctx, callID, callerID, calleeID); err != nil {
		return CallSession{}, err
	}

	sess := CallSession{
		CallID:    callID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		CallType:  callType,
		State:     StateRinging,
		CreatedAt: s.clock().UTC(),
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		s.rollbackCreate(ctx, sess)
		return CallSession{}, fmt.Errorf("encode session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey(callID), string(raw), s.policy.RingTTL); err != nil {
		s.rollbackCreate(ctx, sess)
		return CallSession{}, fmt.Errorf("persist session: %w", err)
	}

	// Membership in the ringing index is what arms the answer timeout. A call
	// the sweeper cannot see would ring forever, so index failure fails the
	// create.
	if err := s.kv.IndexAdd(ctx, ringingIndex, callID, sess.CreatedAt); err != nil {
		_ = s.kv.Del(ctx, sessionKey(callID))
		s.rollbackCreate(ctx, sess)
		return CallSession{}, fmt.Errorf("index session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) rollbackCreate(ctx context.Context, sess CallSession) {
	s.releaseReservation(ctx, sess.CallerID, sess.CallID)
	s.releaseReservation(ctx, sess.CalleeID, sess.CallID)
}

// Transition moves a call to next under optimistic concurrency. Losing the
// conditional commit retries from a fresh read, up to the configured attempt
// budget; invalid transitions and corrupt records abort immediately because
// retrying cannot fix them. next == current is an idempotent no-op.
func (s *SessionStore) Transition(ctx context.Context, callID string, next CallState) (CallSession, error) {
	key := sessionKey(callID)

	for attempt := 0; attempt < s.policy.TransitionAttempts; attempt++ {
		var updated CallSession
		var noop bool

		err := s.kv.Watch(ctx, key, func(tx kv.Tx) error {
			raw, found, err := tx.Get(ctx, key)
			if err != nil {
				return err
			}
			if !found {
				return ErrNotFound
			}

			var cur CallSession
			if err := json.Unmarshal([]byte(raw), &cur); err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
			}

			if next == cur.State {
				// Returning without a commit releases the watch.
				updated = cur
				noop = true
				return nil
			}
			if !cur.State.CanTransitionTo(next) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, next)
			}

			upd := cur
			upd.State = next
			now := s.clock().UTC()
			if next == StateAccepted && upd.AcceptedAt == nil {
				upd.AcceptedAt = &now
			}
			if next.Terminal() && upd.EndedAt == nil {
				upd.EndedAt = &now
			}

			encoded, err := json.Marshal(upd)
			if err != nil {
				return fmt.Errorf("encode session: %w", err)
			}

			if err := tx.Commit(ctx, func(p kv.Pipe) {
				p.Set(key, string(encoded), s.policy.ttlFor(next))
			}); err != nil {
				return err
			}
			updated = upd
			return nil
		})

		if errors.Is(err, kv.ErrTxConflict) {
			continue
		}
		if err != nil {
			return CallSession{}, err
		}
		if noop {
			return updated, nil
		}

		s.syncReservations(ctx, updated)
		// The call is no longer awaiting an answer on any committed
		// transition out of RINGING; removal is idempotent.
		if err := s.kv.IndexRemove(ctx, ringingIndex, callID); err != nil {
			s.log.Error("ringing index remove failed", "call_id", callID, "err", err)
		}
		return updated, nil
	}

	return CallSession{}, fmt.Errorf("%w: call %s -> %s after %d attempts",
		ErrContentionExceeded, callID, next, s.policy.TransitionAttempts)
}

// syncReservations runs after every committed transition. Acceptance renews
// both slots for the call's remaining life; any terminal state releases them.
// Failures are logged, not fatal: reservation TTLs are the backstop.
func (s *SessionStore) syncReservations(ctx context.Context, sess CallSession) {
	switch {
	case sess.State == StateAccepted:
		for _, userID := range []string{sess.CallerID, sess.CalleeID} {
			if _, err := s.kv.Expire(ctx, reservationKey(userID), s.policy.ActiveTTL); err != nil {
				s.log.Error("reservation refresh failed", "user_id", userID, "call_id", sess.CallID, "err", err)
			}
		}
	case sess.State.Terminal():
		s.releaseReservation(ctx, sess.CallerID, sess.CallID)
		s.releaseReservation(ctx, sess.CalleeID, sess.CallID)
	}
}

// GetCall fetches a call record. A RINGING record older than the staleness
// threshold was missed by every sweeper; it is deleted and reported as
// not found (self-healing).
func (s *SessionStore) GetCall(ctx context.Context, callID string) (CallSession, bool, error) {
	raw, found, err := s.kv.Get(ctx, sessionKey(callID))
	if err != nil {
		return CallSession{}, false, err
	}
	if !found {
		return CallSession{}, false, nil
	}

	var sess CallSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return CallSession{}, false, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	if sess.State == StateRinging && s.clock().UTC().Sub(sess.CreatedAt) > s.policy.staleAfter() {
		s.log.Warn("deleting stale ringing call", "call_id", callID, "created_at", sess.CreatedAt)
		if err := s.DeleteCall(ctx, callID); err != nil {
			s.log.Error("stale call cleanup failed", "call_id", callID, "err", err)
		}
		return CallSession{}, false, nil
	}
	return sess, true, nil
}

// DeleteCall removes a call record and defensively releases both
// participants' reservations if they can still be recovered. Deleting a
// missing call is not an error.
func (s *SessionStore) DeleteCall(ctx context.Context, callID string) error {
	raw, found, err := s.kv.Get(ctx, sessionKey(callID))
	if err != nil {
		return err
	}
	if found {
		var sess CallSession
		if err := json.Unmarshal([]byte(raw), &sess); err == nil {
			s.releaseReservation(ctx, sess.CallerID, callID)
			s.releaseReservation(ctx, sess.CalleeID, callID)
		} else {
			s.log.Error("deleting undecodable call record", "call_id", callID, "err", err)
		}
	}
	if err := s.kv.Del(ctx, sessionKey(callID)); err != nil {
		return err
	}
	return s.kv.IndexRemove(ctx, ringingIndex, callID)
}

// ActiveCallForUser returns the call currently holding the user's slot.
func (s *SessionStore) ActiveCallForUser(ctx context.Context, userID string) (string, bool, error) {
	return s.kv.Get(ctx, reservationKey(userID))
}

// UserBusy reports whether the user holds an active-call reservation.
func (s *SessionStore) UserBusy(ctx context.Context, userID string) (bool, error) {
	return s.kv.Exists(ctx, reservationKey(userID))
}

// AcquireTimeoutLock grants the calling process the exclusive right to
// force-timeout the given call. Losing the race is the expected outcome when
// several sweepers run; the lock expires on its own.
func (s *SessionStore) AcquireTimeoutLock(ctx context.Context, callID string) (bool, error) {
	return s.kv.SetNX(ctx, timeoutLockKey(callID), "1", s.policy.TimeoutLockTTL)
}

// RingingOlderThan lists calls that have been ringing since before cutoff.
func (s *SessionStore) RingingOlderThan(ctx context.Context, cutoff time.Time, limit int64) ([]string, error) {
	return s.kv.IndexOlderThan(ctx, ringingIndex, cutoff, limit)
}

// ClearRinging drops a call from the ringing index without touching the
// record, for entries whose session is already gone.
func (s *SessionStore) ClearRinging(ctx context.Context, callID string) error {
	return s.kv.IndexRemove(ctx, ringingIndex, callID)
}
