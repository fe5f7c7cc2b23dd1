package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oriys/lattice/internal/invocation"
)

// Error kinds carried in a response frame. The receiving side cannot ship
// concrete error types across the wire, so it ships the kind and rebuilds
// an error of equivalent classification on the caller.
const (
	ErrKindNone           = ""
	ErrKindRetryable      = "retryable"
	ErrKindExecution      = "execution"
	ErrKindShutdown       = "node_shutdown"
	ErrKindUnknownService = "unknown_operation"
)

// Response is the wire frame for one operation outcome. Null results are
// expressed as HasValue=false with ErrKind empty; the caller-side inbox
// maps that back to its null sentinel.
type Response struct {
	CallID   int64           `json:"call_id"`
	HasValue bool            `json:"has_value"`
	Value    json.RawMessage `json:"value,omitempty"`
	ErrKind  string          `json:"err_kind,omitempty"`
	ErrMsg   string          `json:"err_msg,omitempty"`
}

// NewValueResponse frames a successful result. The value must be
// JSON-serializable; operations exchange plain data, not live objects.
func NewValueResponse(callID int64, value any) (*Response, error) {
	if value == nil {
		return &Response{CallID: callID}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal response value for call %d: %w", callID, err)
	}
	return &Response{CallID: callID, HasValue: true, Value: raw}, nil
}

// NewErrorResponse frames a failure, preserving its retry classification.
func NewErrorResponse(callID int64, err error) *Response {
	kind := ErrKindExecution
	switch {
	case invocation.IsRetryable(err):
		kind = ErrKindRetryable
	case errors.Is(err, invocation.ErrNodeShutdown):
		kind = ErrKindShutdown
	}
	return &Response{CallID: callID, ErrKind: kind, ErrMsg: err.Error()}
}

// Encode serializes the response frame.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResponse parses a response frame.
func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode response frame: %w", err)
	}
	return &r, nil
}

// Outcome converts the frame into the value delivered to the waiting
// future: a decoded value, nil for a null result, or a rebuilt error.
func (r *Response) Outcome() any {
	switch r.ErrKind {
	case ErrKindNone:
	case ErrKindRetryable:
		return &invocation.RetryableIOError{Cause: errors.New(r.ErrMsg)}
	case ErrKindShutdown:
		return fmt.Errorf("%w: %s", invocation.ErrNodeShutdown, r.ErrMsg)
	default:
		return errors.New(r.ErrMsg)
	}

	if !r.HasValue {
		return nil
	}
	var v any
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return fmt.Errorf("decode response value for call %d: %w", r.CallID, err)
	}
	return v
}
