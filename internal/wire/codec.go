package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuihairu/arcade/internal/apperr"
)

// Codec encodes messages into frame payloads. Both peers must agree on it.
type Codec interface {
	Name() string
	Marshal(m *Message) ([]byte, error)
	Unmarshal(b []byte, m *Message) error
}

// CodecByName resolves "json" (default) or "proto".
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown codec %q", name)
	}
}

// JSONCodec encodes a message as a JSON object.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(m *Message) ([]byte, error) { return json.Marshal(m) }

func (JSONCodec) Unmarshal(b []byte, m *Message) error {
	if err := json.Unmarshal(b, m); err != nil {
		return apperr.Protocol(err, "undecodable json payload")
	}
	return m.validate()
}

// ProtoCodec encodes a message as a protobuf google.protobuf.Struct.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(m *Message) ([]byte, error) {
	fields := map[string]any{"op": m.Op, "kind": string(m.Kind)}
	if m.OK {
		fields["ok"] = true
	}
	if m.Code != "" {
		fields["code"] = m.Code
	}
	if m.Reason != "" {
		fields["reason"] = m.Reason
	}
	if m.Error != "" {
		fields["error"] = m.Error
	}
	if m.Body != nil {
		body, err := normalize(m.Body)
		if err != nil {
			return nil, err
		}
		fields["body"] = body
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("wire: proto encode: %w", err)
	}
	return proto.Marshal(s)
}

func (ProtoCodec) Unmarshal(b []byte, m *Message) error {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return apperr.Protocol(err, "undecodable proto payload")
	}
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	*m = Message{
		Op:     str("op"),
		Kind:   Kind(str("kind")),
		OK:     f["ok"].GetBoolValue(),
		Code:   str("code"),
		Reason: str("reason"),
		Error:  str("error"),
	}
	if body := f["body"].GetStructValue(); body != nil {
		m.Body = body.AsMap()
	}
	return m.validate()
}
