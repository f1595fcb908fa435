package wire

import (
	"encoding/json"
	"fmt"

	"github.com/cuihairu/arcade/internal/apperr"
)

// Kind discriminates requests, responses and unsolicited pushes.
type Kind string

const (
	KindRequest  Kind = "req"
	KindResponse Kind = "resp"
	KindPush     Kind = "push"
)

// Push operations.
const (
	PushHello          = "HELLO"
	PushSessionExpired = "SESSION_EXPIRED"
	PushRoomUpdated    = "ROOM_UPDATED"
	PushRoomStarted    = "ROOM_STARTED"
	PushRoomFinished   = "ROOM_FINISHED"
)

// Message is the unit carried by one frame.
type Message struct {
	Op     string         `json:"op"`
	Kind   Kind           `json:"kind"`
	OK     bool           `json:"ok,omitempty"`
	Code   string         `json:"code,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Error  string         `json:"error,omitempty"`
	Body   map[string]any `json:"body,omitempty"`
}

func (m *Message) validate() error {
	if m.Op == "" {
		return apperr.Protocol(nil, "message without op")
	}
	switch m.Kind {
	case KindRequest, KindResponse, KindPush:
		return nil
	default:
		return apperr.Protocol(nil, "unknown kind %q", m.Kind)
	}
}

// Decode copies the body into v. Malformed fields are a VALIDATION error.
func (m *Message) Decode(v any) error {
	if m.Body == nil {
		return nil
	}
	b, err := json.Marshal(m.Body)
	if err != nil {
		return apperr.Validation(apperr.ReasonBadField, "body: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return apperr.Validation(apperr.ReasonBadField, "body: %v", err)
	}
	return nil
}

// Err converts a failed response into an *apperr.Error, nil when OK.
func (m *Message) Err() error {
	if m.OK || m.Kind != KindResponse {
		return nil
	}
	code := apperr.Code(m.Code)
	if code == "" {
		code = apperr.CodeInternal
	}
	return &apperr.Error{Code: code, Reason: m.Reason, Message: m.Error, Details: m.Body}
}

// ToBody normalizes v into a field mapping through its JSON form.
func ToBody(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return normalize(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("wire: body must encode as an object: %w", err)
	}
	return out, nil
}

// normalize rewrites typed slices and maps (e.g. []string) into the generic
// shapes both codecs understand.
func normalize(m map[string]any) (map[string]any, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewRequest builds a request message.
func NewRequest(op string, body any) (*Message, error) {
	b, err := ToBody(body)
	if err != nil {
		return nil, err
	}
	return &Message{Op: op, Kind: KindRequest, Body: b}, nil
}

// NewPush builds a push notification.
func NewPush(op string, body any) (*Message, error) {
	b, err := ToBody(body)
	if err != nil {
		return nil, err
	}
	return &Message{Op: op, Kind: KindPush, Body: b}, nil
}

// Reply answers req successfully.
func Reply(req *Message, body any) *Message {
	b, err := ToBody(body)
	if err != nil {
		return Failure(req, fmt.Errorf("encode response: %w", err))
	}
	return &Message{Op: req.Op, Kind: KindResponse, OK: true, Body: b}
}

// Failure answers req with a classified error. Unclassified errors are
// reported as INTERNAL without their cause text.
func Failure(req *Message, err error) *Message {
	ae := apperr.From(err)
	msg := ae.Message
	if msg == "" {
		msg = string(ae.Code)
	}
	var body map[string]any
	if len(ae.Details) > 0 {
		body, _ = ToBody(ae.Details)
	}
	return &Message{Op: req.Op, Kind: KindResponse, Code: string(ae.Code), Reason: ae.Reason, Error: msg, Body: body}
}
