package common

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the invocation envelope carried over a transport connection.
// The transport never looks inside the payload; it only needs the type to
// know whether a response is expected.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Subsystem names the server adapter responsible for the invocation
	Subsystem string `json:"subsystem,omitempty"`

	// Meta holds per-invocation parameters (e.g. "timeout")
	Meta map[string]string `json:"meta,omitempty"`

	// Payload is the opaque invocation argument or result
	Payload []byte `json:"payload,omitempty"`

	// Err is empty if no error, otherwise contains the error message
	Err string `json:"err,omitempty"`
}

// MetaTimeout is the metadata key carrying a per-invocation time budget.
// The value is either a Go duration ("1500ms") or plain milliseconds ("1500").
const MetaTimeout = "timeout"

// IsOneway reports whether the sender expects no response
func (m *Message) IsOneway() bool {
	return m.MsgType == MsgTOneway
}

// Timeout parses the per-invocation time budget from the metadata.
// ok is false if no (valid) timeout is present.
func (m *Message) Timeout() (d time.Duration, ok bool) {
	if m.Meta == nil {
		return 0, false
	}
	return ParseMetaDuration(m.Meta[MetaTimeout])
}

// ParseMetaDuration parses a duration metadata value: plain integers are
// milliseconds, anything else must be a Go duration string
func ParseMetaDuration(raw string) (d time.Duration, ok bool) {
	if raw == "" {
		return 0, false
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	return 0, false
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewInvocationRequest creates a request that expects a response
func NewInvocationRequest(subsystem string, payload []byte, meta map[string]string) *Message {
	return &Message{
		MsgType:   MsgTInvocation,
		Subsystem: subsystem,
		Payload:   payload,
		Meta:      meta,
	}
}

// NewOnewayRequest creates a request for which no response is read
func NewOnewayRequest(subsystem string, payload []byte, meta map[string]string) *Message {
	return &Message{
		MsgType:   MsgTOneway,
		Subsystem: subsystem,
		Payload:   payload,
		Meta:      meta,
	}
}

// NewCallbackRequest creates a server-to-client callback request
func NewCallbackRequest(subsystem string, payload []byte) *Message {
	return &Message{
		MsgType:   MsgTCallback,
		Subsystem: subsystem,
		Payload:   payload,
	}
}

// NewResponse creates a new response for an invocation
func NewResponse(payload []byte, err error) *Message {
	msg := &Message{
		MsgType: MsgTResponse,
		Payload: payload,
	}
	if err != nil {
		msg.MsgType = MsgTError
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTInvocation:
		return "invocation"
	case MsgTOneway:
		return "oneway"
	case MsgTCallback:
		return "callback"
	case MsgTResponse:
		return "response"
	case MsgTError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "invocation":
		*t = MsgTInvocation
	case "oneway":
		*t = MsgTOneway
	case "callback":
		*t = MsgTCallback
	case "response":
		*t = MsgTResponse
	case "error":
		*t = MsgTError
	case "unknown":
		*t = MsgTUnknown
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	MsgTUnknown MessageType = iota

	// Requests

	MsgTInvocation // Request expecting a response
	MsgTOneway     // Request without response
	MsgTCallback   // Server-to-client push over a bisocket channel

	// Responses

	MsgTResponse // Successful result
	MsgTError    // Indicates an error occurred
)
