// Package sweep terminates calls that nobody answered. Every backend process
// runs the same sweeper against the shared store; the per-call timeout lock
// guarantees each stale call is timed out exactly once across the fleet.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/internal/transport"
)

// Human-readable reasons delivered with the timeout event. The caller hears
// the callee never answered; the callee hears the call expired.
const (
	reasonCaller = "no answer"
	reasonCallee = "timed out"
)

const eventTimeout = "call_timeout"

// Config tunes the sweep loop.
type Config struct {
	// RingTimeout is how long a call may ring before it is forced to
	// TIMEOUT. It should match the session store's ring TTL policy.
	RingTimeout time.Duration
	// Interval between sweeps. Zero derives it from RingTimeout, capped so
	// sweeps stay frequent regardless of a generous ring window.
	Interval time.Duration
	// BatchSize bounds how many candidates one sweep processes.
	BatchSize int64
}

func (c Config) withDefaults() Config {
	out := c
	if out.RingTimeout <= 0 {
		out.RingTimeout = 30 * time.Second
	}
	if out.Interval <= 0 {
		out.Interval = out.RingTimeout
	}
	if out.Interval > 10*time.Second {
		out.Interval = 10 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	return out
}

// Coordinator drives ring-timeout sweeps through the session store.
type Coordinator struct {
	store     *calls.SessionStore
	transport transport.Transport
	cfg       Config
	log       *slog.Logger
	clock     func() time.Time
}

func NewCoordinator(store *calls.SessionStore, t transport.Transport, cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:     store,
		transport: t,
		cfg:       cfg.withDefaults(),
		log:       log,
		clock:     time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.log.Info("timeout sweeper started", "interval", c.cfg.Interval, "ring_timeout", c.cfg.RingTimeout)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("timeout sweeper stopped")
			return
		case <-ticker.C:
			if n, err := c.Sweep(ctx); err != nil {
				c.log.Error("sweep failed", "err", err)
			} else if n > 0 {
				c.log.Info("swept stale calls", "count", n)
			}
		}
	}
}

// Sweep times out every ringing call older than the answer window that this
// process wins the lock for. Returns how many calls it timed out.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	cutoff := c.clock().UTC().Add(-c.cfg.RingTimeout)
	candidates, err := c.store.RingingOlderThan(ctx, cutoff, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, callID := range candidates {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		if c.sweepOne(ctx, callID) {
			swept++
		}
	}
	return swept, nil
}

func (c *Coordinator) sweepOne(ctx context.Context, callID string) bool {
	// Losing the lock means another process owns this timeout. Expected with
	// concurrent sweepers; skip silently.
	acquired, err := c.store.AcquireTimeoutLock(ctx, callID)
	if err != nil {
		c.log.Error("timeout lock error", "call_id", callID, "err", err)
		return false
	}
	if !acquired {
		return false
	}

	sess, found, err := c.store.GetCall(ctx, callID)
	if err != nil {
		c.log.Error("sweep lookup failed", "call_id", callID, "err", err)
		return false
	}
	if !found {
		// Already cleaned up; drop the leftover index entry.
		if err := c.store.ClearRinging(ctx, callID); err != nil {
			c.log.Error("index cleanup failed", "call_id", callID, "err", err)
		}
		return false
	}
	if sess.State != calls.StateRinging {
		// Answered or ended while we held the lock; the wasted acquisition is
		// harmless. Drop the index entry so it is not revisited.
		if err := c.store.ClearRinging(ctx, callID); err != nil {
			c.log.Error("index cleanup failed", "call_id", callID, "err", err)
		}
		return false
	}

	if _, err := c.store.Transition(ctx, callID, calls.StateTimeout); err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) {
			// Someone moved the call after our state check. Equivalent to the
			// skip above.
			return false
		}
		// Leave the call for the next cycle; the lock expires on its own.
		c.log.Error("timeout transition failed", "call_id", callID, "err", err)
		return false
	}

	c.notify(ctx, sess.CallerID, callID, reasonCaller)
	c.notify(ctx, sess.CalleeID, callID, reasonCallee)
	c.log.Info("call timed out", "call_id", callID, "caller_id", sess.CallerID, "callee_id", sess.CalleeID)
	return true
}

type timeoutEvent struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

func (c *Coordinator) notify(ctx context.Context, userID, callID, reason string) {
	if !c.transport.IsUserReachable(userID) {
		return
	}
	if err := c.transport.EmitToUser(ctx, userID, eventTimeout, timeoutEvent{CallID: callID, Reason: reason}); err != nil {
		c.log.Debug("timeout notify failed", "call_id", callID, "user_id", userID, "err", err)
	}
}
