package rpc

import (
	"encoding/json"
	"fmt"
)

// Protocol tags every frame belonging to this transport. Frames carrying any
// other protocol share the socket but are not ours.
const Protocol = "hostd-rpc"

// Channels multiplexed over one socket.
const (
	ChannelRPC       = "rpc"
	ChannelHeartbeat = "heartbeat"
)

// MessageType identifies a request frame. Response and stream frames carry no type
// and are correlated purely by request id.
type MessageType string

const (
	TypeFunctionCall      MessageType = "FunctionCall"
	TypeMethodCall        MessageType = "MethodCall"
	TypeNewObject         MessageType = "NewObject"
	TypeDisposeObject     MessageType = "DisposeObject"
	TypeDisposeObservable MessageType = "DisposeObservable"
)

// Message is one frame on the socket, encoded as a single JSON text message.
type Message struct {
	Protocol  string      `json:"protocol"`
	Channel   string      `json:"channel"`
	RequestID uint64      `json:"requestId"`
	Type      MessageType `json:"type,omitempty"`

	Function  string            `json:"function,omitempty"`
	Interface string            `json:"interface,omitempty"`
	Method    string            `json:"method,omitempty"`
	ObjectID  uint64            `json:"objectId,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`

	HadError bool            `json:"hadError,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// IsRequest reports whether the frame is a request (as opposed to a response or
// stream frame).
func (m *Message) IsRequest() bool { return m.Type != "" }

// Stream event kinds carried in the Result field of observable frames.
const (
	StreamNext      = "next"
	StreamCompleted = "completed"
)

// StreamEvent is the Result payload of a non-error observable frame.
type StreamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame serializes a message to the bytes of one socket frame.
func EncodeFrame(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return b, nil
}

// ParseFrame parses the bytes of one socket frame.
//
// It fails with ErrMalformedFrame if the payload is not valid JSON, if the
// protocol tag does not match, or if mandatory fields are missing, and with
// ErrUnknownMessageType for a request frame whose type is not recognized.
// Unrecognized fields are ignored.
func ParseFrame(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, err)
	}
	if m.Protocol != Protocol {
		return nil, fmt.Errorf("%w: protocol %q", ErrMalformedFrame, m.Protocol)
	}
	switch m.Channel {
	case ChannelRPC, ChannelHeartbeat:
	case "":
		return nil, fmt.Errorf("%w: missing channel", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: channel %q", ErrMalformedFrame, m.Channel)
	}
	if m.RequestID == 0 {
		return nil, fmt.Errorf("%w: missing request id", ErrMalformedFrame)
	}
	if m.IsRequest() {
		if err := validateRequest(&m); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func validateRequest(m *Message) error {
	switch m.Type {
	case TypeFunctionCall:
		if m.Function == "" {
			return fmt.Errorf("%w: function call without function name", ErrMalformedFrame)
		}
	case TypeMethodCall:
		if m.Method == "" {
			return fmt.Errorf("%w: method call without method name", ErrMalformedFrame)
		}
		if m.ObjectID == 0 {
			return fmt.Errorf("%w: method call without object id", ErrMalformedFrame)
		}
	case TypeNewObject:
		if m.Interface == "" {
			return fmt.Errorf("%w: new object without interface name", ErrMalformedFrame)
		}
	case TypeDisposeObject:
		if m.ObjectID == 0 {
			return fmt.Errorf("%w: dispose without object id", ErrMalformedFrame)
		}
	case TypeDisposeObservable:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return nil
}
