package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NilRequestID is the sentinel for frames with no correlation id.
const NilRequestID = "00000000-0000-0000-0000-000000000000"

// NewRequestID returns a fresh UUIDv4 request id.
func NewRequestID() string {
	return uuid.NewString()
}

// Header is the envelope header. Purpose-specific fields are optional and
// omitted from the wire form when unset.
type Header struct {
	Version        Version `json:"version"`
	RequestID      string  `json:"requestId"`
	MessagePurpose Purpose `json:"messagePurpose"`

	EventName  string `json:"eventName,omitempty"`
	DataType   string `json:"dataType,omitempty"`
	Type       *int   `json:"type,omitempty"`
	Action     any    `json:"action,omitempty"`
	ActionName string `json:"actionName,omitempty"`
}

// Frame is one decoded {header, body} envelope. The body is kept raw: the
// envelope is not schema-validated and game-specific payloads pass through
// untouched.
type Frame struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body"`
}

// New builds a frame with a marshaled body. An empty requestID becomes the
// sentinel; a nil body encodes as JSON null.
func New(version Version, purpose Purpose, requestID string, body any) (*Frame, error) {
	raw, err := Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", purpose, err)
	}
	if requestID == "" {
		requestID = NilRequestID
	}
	return &Frame{
		Header: Header{
			Version:        version,
			RequestID:      requestID,
			MessagePurpose: purpose,
		},
		Body: raw,
	}, nil
}

// Marshal converts a body value to its raw wire form. Raw messages pass
// through, nil becomes JSON null.
func Marshal(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return json.RawMessage(b), nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Encode renders the frame as compact JSON text.
func (f *Frame) Encode() ([]byte, error) {
	if f.Header.RequestID == "" {
		f.Header.RequestID = NilRequestID
	}
	return json.Marshal(f)
}

// Decode parses one envelope. Unknown purposes and arbitrary bodies are kept;
// only the envelope shape itself is checked.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// Bind unmarshals the frame body into v.
func (f *Frame) Bind(v any) error {
	if len(f.Body) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(f.Body, v)
}

// HasRequestID reports whether the frame carries a non-sentinel correlation id.
func (f *Frame) HasRequestID() bool {
	return f.Header.RequestID != "" && f.Header.RequestID != NilRequestID
}

// EventName resolves the event name of an event or chat frame: header first,
// then body, else empty.
func (f *Frame) EventName() string {
	if f.Header.EventName != "" {
		return f.Header.EventName
	}
	var body struct {
		EventName string `json:"eventName"`
	}
	if err := f.Bind(&body); err != nil {
		return ""
	}
	return body.EventName
}
