package calls

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"call-signaling/internal/kv"
)

func testPolicy() Policy {
	return Policy{
		RingTTL:            30 * time.Second,
		ActiveTTL:          4 * time.Hour,
		GraceTTL:           45 * time.Second,
		TimeoutLockTTL:     10 * time.Second,
		TransitionAttempts: 5,
	}
}

// newTestStore returns a store on a memory backend with a controllable clock.
func newTestStore(t *testing.T) (*SessionStore, *kv.Memory, *time.Time) {
	t.Helper()
	mem := kv.NewMemory()
	now := time.Unix(1700000000, 0).UTC()
	mem.Now = func() time.Time { return now }
	s := NewSessionStore(mem, testPolicy(), slog.Default())
	s.clock = func() time.Time { return now }
	return s, mem, &now
}

func mustCreate(t *testing.T, s *SessionStore, callID string) CallSession {
	t.Helper()
	sess, err := s.CreateCall(context.Background(), callID, "u1", "u2", CallTypeAudio)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return sess
}

func TestReserve_CalleeBusyRollsBackCaller(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()

	// Callee already holds a slot for another call.
	if _, err := mem.SetNX(ctx, "call:reserve:u2", "other-call", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := s.Reserve(ctx, "c1", "u1", "u2")
	if !errors.Is(err, ErrCalleeBusy) {
		t.Fatalf("expected ErrCalleeBusy, got %v", err)
	}

	// Rollback invariant: the caller must hold zero reservations afterward.
	if _, found, _ := s.ActiveCallForUser(ctx, "u1"); found {
		t.Fatalf("caller reservation leaked after failed reserve")
	}
	// The callee's original reservation is untouched.
	if callID, _, _ := s.ActiveCallForUser(ctx, "u2"); callID != "other-call" {
		t.Fatalf("callee reservation clobbered: %q", callID)
	}
}

func TestReserve_CallerBusyAbortsWithoutSideEffects(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()

	_, _ = mem.SetNX(ctx, "call:reserve:u1", "other-call", 0)

	if err := s.Reserve(ctx, "c1", "u1", "u2"); !errors.Is(err, ErrCallerBusy) {
		t.Fatalf("expected ErrCallerBusy, got %v", err)
	}
	if _, found, _ := s.ActiveCallForUser(ctx, "u2"); found {
		t.Fatalf("callee must not be reserved when caller is busy")
	}
}

func TestCreateCall_ReservesBothAndIndexes(t *testing.T) {
	s, _, now := newTestStore(t)
	ctx := context.Background()

	sess := mustCreate(t, s, "c1")
	if sess.State != StateRinging {
		t.Fatalf("expected ringing, got %s", sess.State)
	}
	if !sess.CreatedAt.Equal(*now) {
		t.Fatalf("created_at not set from clock")
	}

	for _, u := range []string{"u1", "u2"} {
		callID, found, _ := s.ActiveCallForUser(ctx, u)
		if !found || callID != "c1" {
			t.Fatalf("expected %s reserved for c1, got %q found=%v", u, callID, found)
		}
	}

	ringing, err := s.RingingOlderThan(ctx, now.Add(time.Second), 10)
	if err != nil || len(ringing) != 1 || ringing[0] != "c1" {
		t.Fatalf("expected c1 in ringing index, got %v err=%v", ringing, err)
	}
}

func TestCreateCall_BusyParticipantCreatesNoRecord(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "c1")

	_, err := s.CreateCall(ctx, "c2", "u3", "u2", CallTypeVideo)
	if !errors.Is(err, ErrCalleeBusy) {
		t.Fatalf("expected ErrCalleeBusy, got %v", err)
	}
	if _, found, _ := s.GetCall(ctx, "c2"); found {
		t.Fatalf("no record may exist after failed reservation")
	}
	// First call untouched.
	if sess, found, _ := s.GetCall(ctx, "c1"); !found || sess.State != StateRinging {
		t.Fatalf("first call disturbed: found=%v", found)
	}
}

func TestTransition_AcceptSetsAcceptedAtOnce(t *testing.T) {
	s, _, now := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")

	acceptTime := *now
	sess, err := s.Transition(ctx, "c1", StateAccepted)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if sess.State != StateAccepted {
		t.Fatalf("expected accepted, got %s", sess.State)
	}
	if sess.AcceptedAt == nil || !sess.AcceptedAt.Equal(acceptTime) {
		t.Fatalf("accepted_at not set: %v", sess.AcceptedAt)
	}

	// Self-transition later must not move accepted_at.
	*now = now.Add(time.Minute)
	again, err := s.Transition(ctx, "c1", StateAccepted)
	if err != nil {
		t.Fatalf("idempotent accept: %v", err)
	}
	if !again.AcceptedAt.Equal(acceptTime) {
		t.Fatalf("accepted_at changed on no-op: %v", again.AcceptedAt)
	}
}

func TestTransition_TerminalSetsEndedAtOnce(t *testing.T) {
	s, _, now := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")
	_, _ = s.Transition(ctx, "c1", StateAccepted)

	endTime := now.Add(time.Minute)
	*now = endTime
	sess, err := s.Transition(ctx, "c1", StateEnded)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sess.EndedAt == nil || !sess.EndedAt.Equal(endTime) {
		t.Fatalf("ended_at not set: %v", sess.EndedAt)
	}

	*now = now.Add(time.Hour)
	again, err := s.Transition(ctx, "c1", StateEnded)
	if err != nil {
		t.Fatalf("idempotent end: %v", err)
	}
	if !again.EndedAt.Equal(endTime) {
		t.Fatalf("ended_at changed on no-op")
	}
}

func TestTransition_InvalidLeavesRecordUnchanged(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")
	_, _ = s.Transition(ctx, "c1", StateRejected)

	before, _, _ := mem.Get(ctx, "call:session:c1")

	_, err := s.Transition(ctx, "c1", StateAccepted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	after, _, _ := mem.Get(ctx, "call:session:c1")
	if before != after {
		t.Fatalf("record mutated by rejected transition:\n%s\n%s", before, after)
	}
}

func TestTransition_MissingCall(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Transition(context.Background(), "nope", StateEnded); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransition_CorruptRecordAbortsWithoutRetry(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	_ = mem.Set(ctx, "call:session:c1", "{not json", 0)

	watches := 0
	mem.BeforeCommit = func(string) { watches++ }

	_, err := s.Transition(ctx, "c1", StateEnded)
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
	if watches != 0 {
		t.Fatalf("corrupt record must abort before any commit, saw %d", watches)
	}
}

func TestTransition_RetriesPastOneConflict(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")

	// First commit attempt races against a writer that touches the record
	// without changing its meaning; the retry should then succeed.
	fired := false
	mem.BeforeCommit = func(key string) {
		if fired {
			return
		}
		fired = true
		raw, _, _ := mem.Get(ctx, key)
		_ = mem.Set(ctx, key, raw, testPolicy().RingTTL)
	}

	sess, err := s.Transition(ctx, "c1", StateAccepted)
	if err != nil {
		t.Fatalf("expected retry to absorb one conflict, got %v", err)
	}
	if sess.State != StateAccepted {
		t.Fatalf("expected accepted, got %s", sess.State)
	}
}

func TestTransition_ContentionExhaustionFailsLoudly(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")

	mem.BeforeCommit = func(key string) {
		raw, _, _ := mem.Get(ctx, key)
		_ = mem.Set(ctx, key, raw, testPolicy().RingTTL)
	}

	_, err := s.Transition(ctx, "c1", StateAccepted)
	if !errors.Is(err, ErrContentionExceeded) {
		t.Fatalf("expected ErrContentionExceeded, got %v", err)
	}
}

func TestTransition_RacingWritersConvergeOrReject(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")

	// The "other actor" accepts the call between our watch and commit.
	fired := false
	mem.BeforeCommit = func(key string) {
		if fired {
			return
		}
		fired = true
		mem.BeforeCommit = nil
		if _, err := s.Transition(ctx, "c1", StateAccepted); err != nil {
			t.Errorf("winner transition: %v", err)
		}
		mem.BeforeCommit = func(string) {}
	}

	// The loser retries, re-reads ACCEPTED, and its REJECTED target is now an
	// invalid transition. It must be reported, never silently dropped.
	_, err := s.Transition(ctx, "c1", StateRejected)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for the loser, got %v", err)
	}
	sess, _, _ := s.GetCall(ctx, "c1")
	if sess.State != StateAccepted {
		t.Fatalf("winner's state lost: %s", sess.State)
	}
}

func TestTransition_AcceptRefreshesReservations(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")

	if _, err := s.Transition(ctx, "c1", StateAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}

	for _, u := range []string{"u1", "u2"} {
		ttl, ok := mem.TTL("call:reserve:" + u)
		if !ok {
			t.Fatalf("reservation for %s missing", u)
		}
		if ttl < 3*time.Hour {
			t.Fatalf("reservation for %s not refreshed to active TTL: %v", u, ttl)
		}
	}
}

func TestTransition_TerminalReleasesReservations(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")

	if _, err := s.Transition(ctx, "c1", StateEnded); err != nil {
		t.Fatalf("end: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if _, found, _ := s.ActiveCallForUser(ctx, u); found {
			t.Fatalf("reservation for %s not released", u)
		}
	}
}

func TestTransition_SelfNoopHasNoReservationSideEffects(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")
	_, _ = s.Transition(ctx, "c1", StateEnded)

	// u1 has moved on to a newer call; the duplicate end must not release it.
	_, _ = mem.SetNX(ctx, "call:reserve:u1", "c2", 0)

	if _, err := s.Transition(ctx, "c1", StateEnded); err != nil {
		t.Fatalf("duplicate end: %v", err)
	}
	if callID, found, _ := s.ActiveCallForUser(ctx, "u1"); !found || callID != "c2" {
		t.Fatalf("no-op transition released an unrelated reservation")
	}
}

func TestTransition_RemovesCallFromRingingIndex(t *testing.T) {
	s, _, now := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")

	_, _ = s.Transition(ctx, "c1", StateAccepted)

	ringing, _ := s.RingingOlderThan(ctx, now.Add(time.Hour), 10)
	if len(ringing) != 0 {
		t.Fatalf("accepted call still in ringing index: %v", ringing)
	}
}

func TestGetCall_StaleRingingSelfHeals(t *testing.T) {
	s, mem, now := newTestStore(t)
	ctx := context.Background()

	// A ringing record that outlived its TTL somehow (sweeper outage plus a
	// store that kept the key). Older than twice the ring TTL means every
	// sweeper missed it; GetCall must treat it as gone and clean up.
	stale := CallSession{
		CallID: "c1", CallerID: "u1", CalleeID: "u2",
		CallType: CallTypeAudio, State: StateRinging,
		CreatedAt: now.Add(-2*testPolicy().RingTTL - time.Second),
	}
	raw, _ := json.Marshal(stale)
	_ = mem.Set(ctx, "call:session:c1", string(raw), 0)
	_, _ = mem.SetNX(ctx, "call:reserve:u1", "c1", 0)
	_, _ = mem.SetNX(ctx, "call:reserve:u2", "c1", 0)

	if _, found, err := s.GetCall(ctx, "c1"); err != nil || found {
		t.Fatalf("stale ringing call must read as not found, found=%v err=%v", found, err)
	}
	if _, found, _ := mem.Get(ctx, "call:session:c1"); found {
		t.Fatalf("stale record not deleted")
	}
	// Reservations were recovered and released.
	for _, u := range []string{"u1", "u2"} {
		if _, found, _ := s.ActiveCallForUser(ctx, u); found {
			t.Fatalf("stale cleanup leaked reservation for %s", u)
		}
	}
}

func TestDeleteCall_IdempotentAndReleasesReservations(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, "c1")

	if err := s.DeleteCall(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		if _, found, _ := s.ActiveCallForUser(ctx, u); found {
			t.Fatalf("delete did not release %s", u)
		}
	}
	// Deleting a missing call is not an error.
	if err := s.DeleteCall(ctx, "c1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestAcquireTimeoutLock_SingleOwner(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireTimeoutLock(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("first acquire should win: ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireTimeoutLock(ctx, "c1")
	if err != nil || ok {
		t.Fatalf("second acquire should lose: ok=%v err=%v", ok, err)
	}
}

func TestSessionRecordRoundTrip(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	want := mustCreate(t, s, "c1")

	raw, found, _ := mem.Get(ctx, "call:session:c1")
	if !found {
		t.Fatalf("record missing")
	}
	var got CallSession
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CallID != want.CallID || got.CallerID != "u1" || got.CalleeID != "u2" || got.CallType != CallTypeAudio {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
