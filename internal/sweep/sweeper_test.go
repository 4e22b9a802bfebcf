package sweep

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/internal/kv"
)

type emission struct {
	userID  string
	event   string
	payload any
}

type fakeTransport struct {
	mu        sync.Mutex
	reachable map[string]bool
	emitted   []emission
}

func (f *fakeTransport) EmitToUser(_ context.Context, userID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emission{userID, event, payload})
	return nil
}

func (f *fakeTransport) IsUserReachable(userID string) bool {
	return f.reachable[userID]
}

func testPolicy() calls.Policy {
	return calls.Policy{
		RingTTL:            30 * time.Second,
		ActiveTTL:          time.Hour,
		GraceTTL:           45 * time.Second,
		TimeoutLockTTL:     10 * time.Second,
		TransitionAttempts: 5,
	}
}

// newSweepFixture wires a coordinator over a memory store with a call c1
// between u1 and u2 already ringing, and the sweeper clock pushed past the
// answer window.
func newSweepFixture(t *testing.T) (*Coordinator, *calls.SessionStore, *fakeTransport, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	store := calls.NewSessionStore(mem, testPolicy(), slog.Default())
	tr := &fakeTransport{reachable: map[string]bool{"u1": true, "u2": true}}
	c := NewCoordinator(store, tr, Config{RingTimeout: 30 * time.Second, BatchSize: 10}, slog.Default())
	c.clock = func() time.Time { return time.Now().Add(31 * time.Second) }

	if _, err := store.CreateCall(context.Background(), "c1", "u1", "u2", calls.CallTypeAudio); err != nil {
		t.Fatalf("seed call: %v", err)
	}
	return c, store, tr, mem
}

func TestSweep_TimesOutStaleRingingCall(t *testing.T) {
	c, store, tr, _ := newSweepFixture(t)
	ctx := context.Background()

	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept call, got %d", n)
	}

	sess, found, _ := store.GetCall(ctx, "c1")
	if !found || sess.State != calls.StateTimeout {
		t.Fatalf("expected TIMEOUT, got found=%v state=%s", found, sess.State)
	}
	if sess.EndedAt == nil {
		t.Fatalf("ended_at not set on timeout")
	}

	// Both reservations released.
	for _, u := range []string{"u1", "u2"} {
		if _, found, _ := store.ActiveCallForUser(ctx, u); found {
			t.Fatalf("reservation for %s not released", u)
		}
	}

	// Distinct reasons for caller vs callee.
	if len(tr.emitted) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(tr.emitted))
	}
	reasons := map[string]string{}
	for _, e := range tr.emitted {
		if e.event != "call_timeout" {
			t.Fatalf("unexpected event %s", e.event)
		}
		reasons[e.userID] = e.payload.(timeoutEvent).Reason
	}
	if reasons["u1"] != "no answer" || reasons["u2"] != "timed out" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestSweep_LockLoserDoesNothing(t *testing.T) {
	c, store, tr, _ := newSweepFixture(t)
	ctx := context.Background()

	// Another process already owns this call's timeout.
	if ok, _ := store.AcquireTimeoutLock(ctx, "c1"); !ok {
		t.Fatalf("seed lock")
	}

	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("lock loser must sweep nothing, got %d", n)
	}
	if sess, _, _ := store.GetCall(ctx, "c1"); sess.State != calls.StateRinging {
		t.Fatalf("lock loser mutated the call: %s", sess.State)
	}
	if len(tr.emitted) != 0 {
		t.Fatalf("lock loser must not notify, got %v", tr.emitted)
	}
}

func TestSweep_SkipsCallAnsweredAfterIndexing(t *testing.T) {
	c, store, tr, mem := newSweepFixture(t)
	ctx := context.Background()

	if _, err := store.Transition(ctx, "c1", calls.StateAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// Simulate the index entry surviving the accept (e.g. a remove that
	// raced); the state re-check after the lock must catch it.
	_ = mem.IndexAdd(ctx, "call:ringing", "c1", time.Now().Add(-time.Minute))

	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("answered call must not be swept, got %d", n)
	}
	if sess, _, _ := store.GetCall(ctx, "c1"); sess.State != calls.StateAccepted {
		t.Fatalf("sweep mutated an accepted call: %s", sess.State)
	}
	if len(tr.emitted) != 0 {
		t.Fatalf("no notifications expected, got %v", tr.emitted)
	}
}

func TestSweep_PrunesIndexEntryForMissingCall(t *testing.T) {
	c, store, _, mem := newSweepFixture(t)
	ctx := context.Background()

	_ = mem.IndexAdd(ctx, "call:ringing", "ghost", time.Now().Add(-time.Minute))

	if _, err := c.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	cutoff := time.Now().Add(time.Hour)
	remaining, _ := store.RingingOlderThan(ctx, cutoff, 10)
	for _, id := range remaining {
		if id == "ghost" {
			t.Fatalf("ghost entry not pruned from index")
		}
	}
}

func TestSweep_UnreachableUsersAreNotNotified(t *testing.T) {
	c, store, tr, _ := newSweepFixture(t)
	tr.reachable = map[string]bool{}
	ctx := context.Background()

	n, err := c.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if sess, _, _ := store.GetCall(ctx, "c1"); sess.State != calls.StateTimeout {
		t.Fatalf("call not timed out")
	}
	if len(tr.emitted) != 0 {
		t.Fatalf("unreachable users must not be emitted to")
	}
}

func TestSweep_FreshRingingCallUntouched(t *testing.T) {
	c, store, _, _ := newSweepFixture(t)
	c.clock = time.Now

	n, err := c.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("fresh call swept: n=%d err=%v", n, err)
	}
	if sess, _, _ := store.GetCall(context.Background(), "c1"); sess.State != calls.StateRinging {
		t.Fatalf("fresh call mutated")
	}
}

func TestConfigDefaults_IntervalCapped(t *testing.T) {
	cfg := Config{RingTimeout: 2 * time.Minute}.withDefaults()
	if cfg.Interval != 10*time.Second {
		t.Fatalf("interval must be capped at 10s, got %v", cfg.Interval)
	}

	cfg = Config{RingTimeout: 5 * time.Second}.withDefaults()
	if cfg.Interval != 5*time.Second {
		t.Fatalf("short ring timeout should drive the interval, got %v", cfg.Interval)
	}
}
