package router

import "encoding/json"

// Wire event names. Inbound events arrive in a transport.ClientEvent
// envelope; outbound events reuse the same names toward the peer.
const (
	EventInitiate = "call_initiate"
	EventAccept   = "call_accept"
	EventReject   = "call_reject"
	EventEnd      = "call_end"
	EventOffer    = "sdp_offer"
	EventAnswer   = "sdp_answer"
	EventICE      = "ice_candidate"

	EventIncomingCall = "incoming_call"
	EventTimeout      = "call_timeout"
)

// Each inbound event has its own payload shape, validated at the boundary
// before anything enters the core.

type InitiatePayload struct {
	CalleeID     string `json:"callee_id"`
	CallType     string `json:"call_type"`
	CallerName   string `json:"caller_name,omitempty"`
	CallerAvatar string `json:"caller_avatar,omitempty"`
}

// CallRefPayload is shared by accept, reject and end.
type CallRefPayload struct {
	CallID string `json:"call_id"`
}

// SDPPayload carries an offer or answer. The SDP body is opaque to the
// backend and forwarded verbatim.
type SDPPayload struct {
	CallID string `json:"call_id"`
	To     string `json:"to"`
	SDP    string `json:"sdp"`
}

// CandidatePayload carries one ICE candidate. High-frequency; relayed
// without a call-existence check or acknowledgment.
type CandidatePayload struct {
	CallID    string          `json:"call_id"`
	To        string          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

// Outbound payloads.

type IncomingCallEvent struct {
	CallID       string `json:"call_id"`
	CallerID     string `json:"caller_id"`
	CallerName   string `json:"caller_name,omitempty"`
	CallerAvatar string `json:"caller_avatar,omitempty"`
	CallType     string `json:"call_type"`
}

type CallStateEvent struct {
	CallID string `json:"call_id"`
	By     string `json:"by,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// InitiateAck is the data returned to a successful initiator.
type InitiateAck struct {
	CallID string `json:"call_id"`
	State  string `json:"state"`
}
