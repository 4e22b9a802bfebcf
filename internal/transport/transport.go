// Package transport carries real-time events between the backend and
// connected clients. The call core only depends on the Transport and Handler
// contracts; the websocket hub is one implementation.
package transport

import (
	"context"
	"encoding/json"
)

// Transport is the outbound side: deliver an event to a user if they have a
// live connection on this node.
type Transport interface {
	EmitToUser(ctx context.Context, userID, event string, payload any) error
	// IsUserReachable reports whether the user currently has a live
	// real-time connection. Reachability does not guarantee deliverability
	// (the app may be backgrounded), which is why call initiation always
	// sends the push fallback as well.
	IsUserReachable(userID string) bool
}

// ClientEvent is the inbound envelope every client message uses.
type ClientEvent struct {
	Event string          `json:"event"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Ack is the acknowledgment sent back for a client event. Failures carry a
// machine-readable code the client branches on.
type Ack struct {
	Event   string `json:"event"`
	AckID   string `json:"ack_id,omitempty"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Handler consumes inbound client events. A nil return means the event has
// no acknowledgment contract (fire-and-forget).
type Handler interface {
	HandleEvent(ctx context.Context, userID string, ev ClientEvent) *Ack
}
