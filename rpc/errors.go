package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame means a frame failed protocol-level validation. The frame
	// is dropped; the connection survives.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownMessageType means a request frame carried an unrecognized type tag.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrObjectDisposed means a call targeted an object that has been disposed.
	ErrObjectDisposed = errors.New("object disposed")

	// ErrTimeout means no reply arrived within the dispatcher's per-call timeout.
	// The pending entry is removed; a late reply is dropped.
	ErrTimeout = errors.New("rpc timeout")

	// ErrBackpressure means the outbound queue hit its cap.
	ErrBackpressure = errors.New("outbound queue full")

	// ErrClosed means the dispatcher or session was shut down while the call was
	// pending or before it was made.
	ErrClosed = errors.New("rpc closed")

	// ErrDuplicateTypeRegistration means a type name was registered twice.
	ErrDuplicateTypeRegistration = errors.New("type already registered")
)

// Error codes attached to dispatch-time remote errors.
const (
	CodeUnknownService = "EUNKNOWNSERVICE"
	CodeUnknownMethod  = "EUNKNOWNMETHOD"
	CodeObjectDisposed = "EOBJECTDISPOSED"
)

// RemoteError is an error raised on the peer and reconstructed locally. Code is
// optional; Stack is advisory and transmitted verbatim.
type RemoteError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Coder is implemented by handler errors that carry an error code for the wire.
type Coder interface {
	Code() string
}

// encodeError translates a handler error into its wire form.
func encodeError(err error) json.RawMessage {
	re, ok := err.(*RemoteError)
	if !ok {
		re = &RemoteError{Message: err.Error()}
		var c Coder
		if errors.As(err, &c) {
			re.Code = c.Code()
		}
	}
	b, merr := json.Marshal(re)
	if merr != nil {
		b, _ = json.Marshal(&RemoteError{Message: err.Error()})
	}
	return b
}

// decodeError reconstructs an error from its wire form. Objects become
// RemoteErrors bearing the same fields; primitives surface as-is in the message.
func decodeError(raw json.RawMessage) error {
	var re RemoteError
	if err := json.Unmarshal(raw, &re); err == nil && re.Message != "" {
		return &re
	}
	var prim any
	if err := json.Unmarshal(raw, &prim); err != nil {
		return &RemoteError{Message: string(raw)}
	}
	return &RemoteError{Message: fmt.Sprintf("%v", prim)}
}
