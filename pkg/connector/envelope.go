// Package connector carries envelopes between domains. A connector is the
// bridge abstraction: it delivers batches and admin commands toward a
// processor and carries callbacks back.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed        = errors.New("connector closed")
	ErrUnknownDomain = errors.New("no connector for domain")
)

// Kind names what an envelope asks the receiver to do.
type Kind string

const (
	KindExecute       Kind = "execute"
	KindInsert        Kind = "insert"
	KindEvict         Kind = "evict"
	KindEvictAwaiting Kind = "evict_awaiting"
	KindPause         Kind = "pause"
	KindResume        Kind = "resume"
	KindConfirm       Kind = "confirm"
	KindCallback      Kind = "callback"
)

// Envelope is the unit a connector transports.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	Kind        Kind            `json:"kind"`
	Domain      string          `json:"domain"`
	Sender      string          `json:"sender"`
	ExecutionID uint64          `json:"execution_id,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
}

// NewEnvelope wraps body for domain. A nil body is sent empty.
func NewEnvelope(kind Kind, domain, sender string, executionID uint64, body any) (Envelope, error) {
	env := Envelope{
		ID:          uuid.New(),
		Kind:        kind,
		Domain:      domain,
		Sender:      sender,
		ExecutionID: executionID,
		SentAt:      time.Now().UTC(),
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s body: %w", kind, err)
		}
		env.Body = raw
	}
	return env, nil
}

// Decode unmarshals the body into v.
func (e Envelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%s envelope has no body", e.Kind)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Kind, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

// Unmarshal decodes a wire envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// Handler consumes inbound envelopes.
type Handler interface {
	HandleEnvelope(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) HandleEnvelope(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Connector sends envelopes toward one remote domain.
type Connector interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// Receiver pulls inbound envelopes and hands them to a handler until ctx is
// cancelled.
type Receiver interface {
	Run(ctx context.Context, h Handler) error
}
