// Package policy holds the authorization table: label-keyed entries that
// describe who may execute which subroutine, when, and how often.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// MaxLabelLength is the practical label limit imposed by credential
// denominations on some domains. It is documented, not enforced.
const MaxLabelLength = 44

// Mode selects how callers are admitted.
type Mode string

const (
	Permissionless          Mode = "permissionless"
	Permissioned            Mode = "permissioned"
	PermissionedCallLimited Mode = "permissioned_call_limited"
)

// RequiresCredential reports whether callers must hold a credential.
func (m Mode) RequiresCredential() bool {
	return m == Permissioned || m == PermissionedCallLimited
}

// State is the lifecycle state of an authorization.
type State string

const (
	Enabled  State = "enabled"
	Disabled State = "disabled"
)

// Grant seeds credential units for a holder when the label is created.
type Grant struct {
	Holder string `json:"holder" yaml:"holder"`
	Amount uint64 `json:"amount" yaml:"amount"`
}

// Authorization is one entry of the policy table.
type Authorization struct {
	Label                   string               `json:"label" yaml:"label"`
	Mode                    Mode                 `json:"mode" yaml:"mode"`
	Subroutine              contracts.Subroutine `json:"subroutine" yaml:"subroutine"`
	Priority                contracts.Priority   `json:"priority,omitempty" yaml:"priority,omitempty"`
	NotBefore               contracts.Bound      `json:"not_before,omitempty" yaml:"not_before,omitempty"`
	Expiration              contracts.Bound      `json:"expiration,omitempty" yaml:"expiration,omitempty"`
	MaxConcurrentExecutions int                  `json:"max_concurrent_executions,omitempty" yaml:"max_concurrent_executions,omitempty"`
	State                   State                `json:"state,omitempty" yaml:"state,omitempty"`
	Grants                  []Grant              `json:"grants,omitempty" yaml:"grants,omitempty"`
}

var (
	ErrNotFound       = errors.New("authorization not found")
	ErrDuplicateLabel = errors.New("label already exists")
	ErrInvalid        = errors.New("invalid authorization")
	ErrImmutable      = errors.New("field is immutable after creation")
)

// NormalizeLabel returns the canonical form of a label.
func NormalizeLabel(label string) string {
	return norm.NFC.String(strings.TrimSpace(label))
}

// WithDefaults fills unset optional fields.
func (a Authorization) WithDefaults() Authorization {
	a.Label = NormalizeLabel(a.Label)
	a.Priority = a.Priority.OrDefault()
	if a.MaxConcurrentExecutions == 0 {
		a.MaxConcurrentExecutions = 1
	}
	if a.State == "" {
		a.State = Enabled
	}
	return a
}

// Validate checks an authorization after defaults are applied.
func (a Authorization) Validate() error {
	if a.Label == "" {
		return fmt.Errorf("%w: empty label", ErrInvalid)
	}
	switch a.Mode {
	case Permissionless, Permissioned, PermissionedCallLimited:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, a.Mode)
	}
	if !a.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalid, a.Priority)
	}
	if a.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("%w: max_concurrent_executions must be at least 1", ErrInvalid)
	}
	switch a.State {
	case Enabled, Disabled:
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalid, a.State)
	}
	if a.Mode == Permissionless && len(a.Grants) > 0 {
		return fmt.Errorf("%w: permissionless labels have no credentials to grant", ErrInvalid)
	}
	if err := a.Subroutine.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Domain returns the domain the label's subroutine targets.
func (a Authorization) Domain() string { return a.Subroutine.Domain() }

// Clone deep-copies the authorization.
func (a Authorization) Clone() Authorization {
	out := a
	out.Subroutine = a.Subroutine.Clone()
	out.Grants = append([]Grant(nil), a.Grants...)
	return out
}

// Modification changes the mutable fields of an authorization. Nil fields are
// left untouched.
type Modification struct {
	Label                   string              `json:"label"`
	NotBefore               *contracts.Bound    `json:"not_before,omitempty"`
	Expiration              *contracts.Bound    `json:"expiration,omitempty"`
	MaxConcurrentExecutions *int                `json:"max_concurrent_executions,omitempty"`
	Priority                *contracts.Priority `json:"priority,omitempty"`
}

// Apply returns a copy of a with the modification applied.
func (m Modification) Apply(a Authorization) (Authorization, error) {
	out := a.Clone()
	if m.NotBefore != nil {
		out.NotBefore = *m.NotBefore
	}
	if m.Expiration != nil {
		out.Expiration = *m.Expiration
	}
	if m.MaxConcurrentExecutions != nil {
		out.MaxConcurrentExecutions = *m.MaxConcurrentExecutions
	}
	if m.Priority != nil {
		out.Priority = m.Priority.OrDefault()
	}
	if err := out.Validate(); err != nil {
		return Authorization{}, err
	}
	return out, nil
}

// Diff derives the modification that turns current into next, failing when
// next changes an immutable field.
func Diff(current, next Authorization) (Modification, error) {
	if current.Mode != next.Mode {
		return Modification{}, fmt.Errorf("%w: mode", ErrImmutable)
	}
	if !sameSubroutine(current.Subroutine, next.Subroutine) {
		return Modification{}, fmt.Errorf("%w: subroutine", ErrImmutable)
	}
	m := Modification{Label: current.Label}
	if !sameBound(current.NotBefore, next.NotBefore) {
		nb := next.NotBefore
		m.NotBefore = &nb
	}
	if !sameBound(current.Expiration, next.Expiration) {
		exp := next.Expiration
		m.Expiration = &exp
	}
	if current.MaxConcurrentExecutions != next.MaxConcurrentExecutions {
		n := next.MaxConcurrentExecutions
		m.MaxConcurrentExecutions = &n
	}
	if current.Priority != next.Priority {
		p := next.Priority
		m.Priority = &p
	}
	return m, nil
}

// Empty reports whether the modification changes nothing.
func (m Modification) Empty() bool {
	return m.NotBefore == nil && m.Expiration == nil && m.MaxConcurrentExecutions == nil && m.Priority == nil
}

func sameBound(a, b contracts.Bound) bool {
	return a.Height == b.Height && a.Time.Equal(b.Time)
}

func sameSubroutine(a, b contracts.Subroutine) bool {
	if a.Kind != b.Kind || len(a.Functions) != len(b.Functions) {
		return false
	}
	for i := range a.Functions {
		fa, fb := a.Functions[i], b.Functions[i]
		if fa.Domain != fb.Domain || fa.Contract != fb.Contract || fa.Message.Kind != fb.Message.Kind || fa.Message.Name != fb.Message.Name {
			return false
		}
	}
	return true
}
