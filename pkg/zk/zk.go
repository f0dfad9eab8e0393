// Package zk holds the registry of proof-gated authorizations. A proof-gated
// label replaces the credential check with a verified proof over the
// submitted message, an optional sender allowlist and replay protection by
// strictly increasing block number.
package zk

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

var (
	ErrNotFound      = errors.New("zk authorization not found")
	ErrDuplicate     = errors.New("zk authorization already exists")
	ErrReplay        = errors.New("block number is not greater than the last executed one")
	ErrSender        = errors.New("sender not allowed for zk authorization")
	ErrInvalidProof  = errors.New("proof verification failed")
	ErrInvalidConfig = errors.New("invalid zk authorization")
)

// Authorization is one proof-gated label.
type Authorization struct {
	Label        string               `json:"label" yaml:"label"`
	Registry     uint64               `json:"registry" yaml:"registry"`
	VerifyingKey []byte               `json:"verifying_key" yaml:"verifying_key"`
	Subroutine   contracts.Subroutine `json:"subroutine" yaml:"subroutine"`
	Priority     contracts.Priority   `json:"priority,omitempty" yaml:"priority,omitempty"`
	// AllowedSenders restricts who may submit; empty means anyone.
	AllowedSenders    []string `json:"allowed_senders,omitempty" yaml:"allowed_senders,omitempty"`
	ValidateLastBlock bool     `json:"validate_last_block,omitempty" yaml:"validate_last_block,omitempty"`
}

func (a Authorization) Validate() error {
	if a.Label == "" {
		return fmt.Errorf("%w: empty label", ErrInvalidConfig)
	}
	if len(a.VerifyingKey) == 0 {
		return fmt.Errorf("%w: %s has no verifying key", ErrInvalidConfig, a.Label)
	}
	if !a.Priority.Valid() {
		return fmt.Errorf("%w: %s priority %q", ErrInvalidConfig, a.Label, a.Priority)
	}
	if err := a.Subroutine.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, a.Label, err)
	}
	return nil
}

// Allows reports whether sender may submit messages for the label.
func (a Authorization) Allows(sender string) bool {
	if len(a.AllowedSenders) == 0 {
		return true
	}
	for _, s := range a.AllowedSenders {
		if s == sender {
			return true
		}
	}
	return false
}

// Message is the proven statement: which label to run with which messages,
// bound to an authorization address and a source block.
type Message struct {
	Registry      uint64              `json:"registry"`
	BlockNumber   uint64              `json:"block_number"`
	Authorization string              `json:"authorization"`
	Label         string              `json:"label"`
	Messages      []contracts.Message `json:"messages"`
}

// ParseMessage decodes the public inputs of a proof.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode zk message: %w", err)
	}
	if m.Label == "" {
		return Message{}, errors.New("decode zk message: missing label")
	}
	return m, nil
}

// Registry stores proof-gated authorizations and the last executed block of
// each.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]Authorization
	lastBlock map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]Authorization),
		lastBlock: make(map[string]uint64),
	}
}

// Add inserts all entries or none.
func (r *Registry) Add(entries ...Authorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if _, ok := r.entries[e.Label]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.Label)
		}
		if _, ok := seen[e.Label]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.Label)
		}
		seen[e.Label] = struct{}{}
	}
	for _, e := range entries {
		e.Subroutine = e.Subroutine.Clone()
		r.entries[e.Label] = e
	}
	return nil
}

// Remove deletes labels; unknown labels are an error and nothing is removed.
func (r *Registry) Remove(labels ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range labels {
		if _, ok := r.entries[l]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, l)
		}
	}
	for _, l := range labels {
		delete(r.entries, l)
		delete(r.lastBlock, l)
	}
	return nil
}

func (r *Registry) Get(label string) (Authorization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[label]
	if !ok {
		return Authorization{}, fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	e.Subroutine = e.Subroutine.Clone()
	return e, nil
}

func (r *Registry) List() []Authorization {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Authorization, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// CheckBlock enforces replay protection for labels that ask for it.
func (r *Registry) CheckBlock(label string, block uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[label]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	if !e.ValidateLastBlock {
		return nil
	}
	if last, seen := r.lastBlock[label]; seen && block <= last {
		return fmt.Errorf("%w: %d <= %d", ErrReplay, block, last)
	}
	return nil
}

// RecordBlock stores block as the last executed one when it is newer.
func (r *Registry) RecordBlock(label string, block uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if block > r.lastBlock[label] {
		r.lastBlock[label] = block
	}
}

// LastBlock returns the last executed block of label.
func (r *Registry) LastBlock(label string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastBlock[label]
}

// Verifier checks a proof over public inputs against a verifying key.
type Verifier interface {
	Verify(verifyingKey, inputs, proof []byte) (bool, error)
}

// Digest is the Keccak-256 hash of the canonical JSON form of inputs.
func Digest(inputs []byte) ([]byte, error) {
	canonical, err := jcs.Transform(inputs)
	if err != nil {
		return nil, fmt.Errorf("canonicalize inputs: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(canonical)
	return h.Sum(nil), nil
}

// Ed25519Verifier accepts an Ed25519 signature over Digest(inputs) as the
// proof. The verifying key is the raw public key.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(verifyingKey, inputs, proof []byte) (bool, error) {
	if len(verifyingKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: verifying key has %d bytes", ErrInvalidConfig, len(verifyingKey))
	}
	digest, err := Digest(inputs)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(verifyingKey), digest, proof), nil
}

// Sign produces the proof Ed25519Verifier accepts.
func Sign(key ed25519.PrivateKey, inputs []byte) ([]byte, error) {
	digest, err := Digest(inputs)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, digest), nil
}
