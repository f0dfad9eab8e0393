package contracts

import (
	"bytes"
	"fmt"
)

// MessageKind distinguishes structured messages (a named entry point plus a
// parameter tree) from opaque byte payloads.
type MessageKind string

const (
	MessageStructured MessageKind = "structured"
	MessageRaw        MessageKind = "raw"
)

// Message is one call a caller asks to execute. Messages are matched
// positionally against the functions of a label's subroutine.
type Message struct {
	Kind     MessageKind    `json:"kind" yaml:"kind"`
	Contract string         `json:"contract,omitempty" yaml:"contract,omitempty"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Raw      []byte         `json:"raw,omitempty" yaml:"raw,omitempty"`

	// Encoded holds the wire form produced by an external encoder for
	// targets in non-native execution environments.
	Encoded []byte `json:"encoded,omitempty" yaml:"-"`
}

// Structured builds a structured message.
func Structured(name string, params map[string]any) Message {
	return Message{Kind: MessageStructured, Name: name, Params: params}
}

// Raw builds an opaque message.
func Raw(payload []byte) Message {
	return Message{Kind: MessageRaw, Raw: append([]byte(nil), payload...)}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Params != nil {
		out.Params = cloneMap(m.Params)
	}
	if m.Raw != nil {
		out.Raw = append([]byte(nil), m.Raw...)
	}
	if m.Encoded != nil {
		out.Encoded = append([]byte(nil), m.Encoded...)
	}
	return out
}

// Equal reports deep equality of two messages.
func (m Message) Equal(o Message) bool {
	if m.Kind != o.Kind || m.Contract != o.Contract || m.Name != o.Name {
		return false
	}
	if !bytes.Equal(m.Raw, o.Raw) || !bytes.Equal(m.Encoded, o.Encoded) {
		return false
	}
	return fmt.Sprint(m.Params) == fmt.Sprint(o.Params)
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
