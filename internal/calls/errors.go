package calls

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store operations. Validation failures destined for
// clients use CallError instead.
var (
	ErrNotFound           = errors.New("calls: call not found")
	ErrCorruptRecord      = errors.New("calls: corrupt call record")
	ErrInvalidTransition  = errors.New("calls: invalid state transition")
	ErrContentionExceeded = errors.New("calls: transition retries exhausted")
	ErrCallerBusy         = errors.New("calls: caller already in a call")
	ErrCalleeBusy         = errors.New("calls: callee already in a call")
)

// Error codes surfaced to clients on the acknowledgment channel.
// Clients branch on Code; Message is human-readable only.
const (
	CodeInvalidUserID    = "INVALID_USER_ID"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeMissingField     = "MISSING_FIELD"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeCallerBusy       = "CALLER_BUSY"
	CodeCalleeBusy       = "CALLEE_BUSY"
	CodeCallNotFound     = "CALL_NOT_FOUND"
	CodeInvalidCallState = "INVALID_CALL_STATE"
	CodeInternal         = "INTERNAL_ERROR"
)

// CallError is the structured failure every client-facing operation reports.
type CallError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Missing []string `json:"missing_fields,omitempty"`
}

func (e *CallError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: %s (missing: %s)", e.Code, e.Message, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewCallError(code, message string) *CallError {
	return &CallError{Code: code, Message: message}
}

// MissingFields builds a MISSING_FIELD error enumerating every absent field
// so the client can pinpoint the defect.
func MissingFields(fields ...string) *CallError {
	return &CallError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required fields: %s", strings.Join(fields, ", ")),
		Missing: fields,
	}
}
