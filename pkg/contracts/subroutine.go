package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority selects the queue a batch is placed in.
type Priority string

const (
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// OrDefault returns the priority, defaulting to medium when unset.
func (p Priority) OrDefault() Priority {
	if p == "" {
		return PriorityMedium
	}
	return p
}

// Valid reports whether p is a known priority (empty counts as medium).
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// SubroutineKind selects how a batch's functions are executed.
type SubroutineKind string

const (
	Atomic    SubroutineKind = "atomic"
	NonAtomic SubroutineKind = "non_atomic"
)

// Subroutine is the ordered function sequence a label may execute.
type Subroutine struct {
	Kind      SubroutineKind `json:"kind" yaml:"kind"`
	Functions []FunctionSpec `json:"functions" yaml:"functions"`
	// RetryPolicy applies to the whole batch; atomic subroutines only.
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// Domain returns the domain targeted by the subroutine.
func (s Subroutine) Domain() string {
	if len(s.Functions) == 0 {
		return ""
	}
	return s.Functions[0].Domain
}

// Validation errors for subroutines.
var (
	ErrEmptySubroutine     = errors.New("subroutine has no functions")
	ErrMixedDomains        = errors.New("subroutine functions target different domains")
	ErrUnknownSubroutine   = errors.New("unknown subroutine kind")
	ErrMisplacedRetry      = errors.New("retry policy placed on the wrong level for subroutine kind")
	ErrCallbackOnAtomic    = errors.New("callback confirmations are only allowed on non-atomic functions")
	ErrInvalidConstraint   = errors.New("invalid message constraint")
	ErrMissingFunctionDest = errors.New("function is missing domain or contract")
)

// Validate checks the structural rules of a subroutine.
func (s Subroutine) Validate() error {
	if len(s.Functions) == 0 {
		return ErrEmptySubroutine
	}
	switch s.Kind {
	case Atomic, NonAtomic:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSubroutine, s.Kind)
	}
	domain := s.Functions[0].Domain
	for i, f := range s.Functions {
		if f.Domain == "" || f.Contract == "" {
			return fmt.Errorf("function %d: %w", i, ErrMissingFunctionDest)
		}
		if f.Domain != domain {
			return ErrMixedDomains
		}
		if err := f.Message.Validate(); err != nil {
			return fmt.Errorf("function %d: %w", i, err)
		}
		if s.Kind == Atomic {
			if f.RetryPolicy != nil {
				return fmt.Errorf("function %d: %w", i, ErrMisplacedRetry)
			}
			if f.Callback != nil {
				return fmt.Errorf("function %d: %w", i, ErrCallbackOnAtomic)
			}
		}
	}
	if s.Kind == NonAtomic && s.RetryPolicy != nil {
		return ErrMisplacedRetry
	}
	return nil
}

// Clone deep-copies the subroutine.
func (s Subroutine) Clone() Subroutine {
	out := s
	out.Functions = make([]FunctionSpec, len(s.Functions))
	for i, f := range s.Functions {
		out.Functions[i] = f.Clone()
	}
	if s.RetryPolicy != nil {
		rp := *s.RetryPolicy
		out.RetryPolicy = &rp
	}
	return out
}

// FunctionSpec describes one allowed call of a subroutine.
type FunctionSpec struct {
	Domain   string            `json:"domain" yaml:"domain"`
	Contract string            `json:"contract" yaml:"contract"`
	Message  MessageConstraint `json:"message" yaml:"message"`
	Encoder  *EncoderRef       `json:"encoder,omitempty" yaml:"encoder,omitempty"`

	// Non-atomic only.
	RetryPolicy *RetryPolicy         `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	Callback    *CallbackRequirement `json:"callback,omitempty" yaml:"callback,omitempty"`
}

// Clone deep-copies the function spec.
func (f FunctionSpec) Clone() FunctionSpec {
	out := f
	out.Message = f.Message.Clone()
	if f.Encoder != nil {
		e := *f.Encoder
		out.Encoder = &e
	}
	if f.RetryPolicy != nil {
		rp := *f.RetryPolicy
		out.RetryPolicy = &rp
	}
	if f.Callback != nil {
		cb := *f.Callback
		cb.Payload = append([]byte(nil), f.Callback.Payload...)
		out.Callback = &cb
	}
	return out
}

// EncoderRef names the external encoder used to translate messages for a
// non-native execution environment.
type EncoderRef struct {
	Library string `json:"library" yaml:"library"`
	Version string `json:"version" yaml:"version"`
}

// CallbackRequirement makes a non-atomic function wait for an external
// confirmation from Sender carrying exactly Payload.
type CallbackRequirement struct {
	Sender  string `json:"sender" yaml:"sender"`
	Payload []byte `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// RestrictionKind enumerates structured parameter restrictions.
type RestrictionKind string

const (
	MustBeIncluded   RestrictionKind = "must_be_included"
	CannotBeIncluded RestrictionKind = "cannot_be_included"
	MustBeValue      RestrictionKind = "must_be_value"
)

// ParamRestriction constrains one parameter path of a structured message.
type ParamRestriction struct {
	Kind  RestrictionKind `json:"kind" yaml:"kind"`
	Path  []string        `json:"path" yaml:"path"`
	Value any             `json:"value,omitempty" yaml:"value,omitempty"`
}

// MessageConstraint is the shape a message must have to match a function.
// Structured constraints carry a Name plus restrictions and an optional CEL
// Expression; raw constraints carry the exact Bytes.
type MessageConstraint struct {
	Kind         MessageKind        `json:"kind" yaml:"kind"`
	Name         string             `json:"name,omitempty" yaml:"name,omitempty"`
	Restrictions []ParamRestriction `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
	Expression   string             `json:"expression,omitempty" yaml:"expression,omitempty"`
	Bytes        []byte             `json:"bytes,omitempty" yaml:"bytes,omitempty"`
}

// Validate checks that the constraint is well formed.
func (c MessageConstraint) Validate() error {
	switch c.Kind {
	case MessageStructured:
		if c.Name == "" {
			return fmt.Errorf("%w: structured constraint needs a name", ErrInvalidConstraint)
		}
		if len(c.Bytes) > 0 {
			return fmt.Errorf("%w: structured constraint cannot carry bytes", ErrInvalidConstraint)
		}
		for _, r := range c.Restrictions {
			if len(r.Path) == 0 {
				return fmt.Errorf("%w: empty restriction path", ErrInvalidConstraint)
			}
			switch r.Kind {
			case MustBeIncluded, CannotBeIncluded, MustBeValue:
			default:
				return fmt.Errorf("%w: restriction kind %q", ErrInvalidConstraint, r.Kind)
			}
		}
	case MessageRaw:
		if len(c.Restrictions) > 0 || c.Expression != "" {
			return fmt.Errorf("%w: raw constraint only supports exact bytes", ErrInvalidConstraint)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidConstraint, c.Kind)
	}
	return nil
}

// Clone deep-copies the constraint.
func (c MessageConstraint) Clone() MessageConstraint {
	out := c
	if c.Restrictions != nil {
		out.Restrictions = make([]ParamRestriction, len(c.Restrictions))
		for i, r := range c.Restrictions {
			r.Path = append([]string(nil), r.Path...)
			r.Value = cloneValue(r.Value)
			out.Restrictions[i] = r
		}
	}
	if c.Bytes != nil {
		out.Bytes = append([]byte(nil), c.Bytes...)
	}
	return out
}

// RetryTimes bounds how many retries are allowed. The zero value means no
// retry.
type RetryTimes struct {
	Indefinitely bool `json:"indefinitely,omitempty" yaml:"indefinitely,omitempty"`
	Amount       int  `json:"amount,omitempty" yaml:"amount,omitempty"`
}

// RetryInterval is the cooldown between attempts, in blocks or in time.
// Exponential doubles the duration per attempt up to MaxDuration.
type RetryInterval struct {
	Blocks      uint64   `json:"blocks,omitempty" yaml:"blocks,omitempty"`
	Duration    Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Exponential bool     `json:"exponential,omitempty" yaml:"exponential,omitempty"`
	MaxDuration Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
}

// RetryPolicy governs re-execution after a failed attempt.
type RetryPolicy struct {
	Times    RetryTimes    `json:"times" yaml:"times"`
	Interval RetryInterval `json:"interval" yaml:"interval"`
}

// CanRetry reports whether another attempt is allowed after the given number
// of retries already used. A nil policy never retries.
func (p *RetryPolicy) CanRetry(used int) bool {
	if p == nil {
		return false
	}
	if p.Times.Indefinitely {
		return true
	}
	return used < p.Times.Amount
}

// Duration is a time.Duration that encodes as a Go duration string.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
