// Package push wakes callees whose real-time connection is dormant or
// absent. Delivery is best-effort: failures are logged and never fail the
// call operation that triggered them.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnregisteredToken marks a device token the provider no longer accepts.
// The token is removed from the registry; nothing else is wrong.
var ErrUnregisteredToken = errors.New("push: device token no longer registered")

// DeviceToken binds a user to one push-capable device.
type DeviceToken struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"` // "fcm"
	CreatedAt time.Time `json:"created_at"`
}

// TokenRepo is the persistence contract for device tokens.
type TokenRepo interface {
	Save(ctx context.Context, t DeviceToken) error
	TokensForUser(ctx context.Context, userID string) ([]DeviceToken, error)
	Delete(ctx context.Context, userID, token string) error
}

// Sender delivers a data payload to a single device token.
type Sender interface {
	Send(ctx context.Context, token string, data map[string]string) error
}

// IncomingCall is the payload for the incoming-call notification.
type IncomingCall struct {
	CallID       string
	CallerID     string
	CallerName   string
	CallerAvatar string
	CallType     string
}

// NoopSender stands in when no push provider is configured (local dev
// without Firebase credentials). Every send is logged and counts as
// delivered.
type NoopSender struct {
	Log *slog.Logger
}

func (n NoopSender) Send(_ context.Context, token string, data map[string]string) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("push disabled, dropping notification", "type", data["type"])
	return nil
}

// Service fans a notification out to every device registered for a user,
// pruning tokens the provider reports as unregistered.
type Service struct {
	repo   TokenRepo
	sender Sender
	log    *slog.Logger
}

func NewService(repo TokenRepo, sender Sender, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, sender: sender, log: log}
}

// SendIncomingCall notifies every device of userID about a ringing call.
// Returns an error only when no device could be reached; callers treat any
// outcome as non-fatal.
func (s *Service) SendIncomingCall(ctx context.Context, userID string, n IncomingCall) error {
	return s.fanOut(ctx, userID, map[string]string{
		"type":          "incoming_call",
		"call_id":       n.CallID,
		"caller_id":     n.CallerID,
		"caller_name":   n.CallerName,
		"caller_avatar": n.CallerAvatar,
		"call_type":     n.CallType,
	})
}

// SendCallCancelled tells the callee's devices to stop presenting the call.
func (s *Service) SendCallCancelled(ctx context.Context, userID, callID string) error {
	return s.fanOut(ctx, userID, map[string]string{
		"type":    "call_cancelled",
		"call_id": callID,
	})
}

func (s *Service) fanOut(ctx context.Context, userID string, data map[string]string) error {
	tokens, err := s.repo.TokensForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	if len(tokens) == 0 {
		s.log.Debug("no push tokens for user", "user_id", userID)
		return nil
	}

	delivered := 0
	for _, t := range tokens {
		err := s.sender.Send(ctx, t.Token, data)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrUnregisteredToken):
			s.log.Info("pruning unregistered push token", "user_id", userID, "platform", t.Platform)
			if derr := s.repo.Delete(ctx, userID, t.Token); derr != nil {
				s.log.Error("token prune failed", "user_id", userID, "err", derr)
			}
		default:
			s.log.Error("push delivery failed", "user_id", userID, "platform", t.Platform, "err", err)
		}
	}

	if delivered == 0 {
		return fmt.Errorf("push: no device reached for user %s", userID)
	}
	return nil
}
