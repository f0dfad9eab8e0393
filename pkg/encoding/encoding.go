// Package encoding translates messages for non-native execution environments
// and decodes bridge-specific callback payloads. Encoders are registered by
// library name and semantic version; decoders by bridge name.
package encoding

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

var (
	ErrNoEncoder = errors.New("no encoder registered")
	ErrNoDecoder = errors.New("no decoder registered")
)

// Encoder turns a logical message into the bytes a target environment
// understands.
type Encoder interface {
	Encode(msg contracts.Message) ([]byte, error)
}

// Decoder turns a bridge payload into a logical callback.
type Decoder interface {
	Decode(payload []byte) (contracts.Callback, error)
}

type versionedEncoder struct {
	version *semver.Version
	encoder Encoder
}

// Registry resolves encoder references and bridge decoders.
type Registry struct {
	mu       sync.RWMutex
	encoders map[string][]versionedEncoder
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{
		encoders: make(map[string][]versionedEncoder),
		decoders: make(map[string]Decoder),
	}
}

// RegisterEncoder adds an encoder for library at an exact version.
func (r *Registry) RegisterEncoder(library, version string, enc Encoder) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("encoder %s: invalid version %q: %w", library, version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.encoders[library]
	for _, e := range list {
		if e.version.Equal(v) {
			return fmt.Errorf("encoder %s@%s already registered", library, v)
		}
	}
	list = append(list, versionedEncoder{version: v, encoder: enc})
	sort.Slice(list, func(i, j int) bool { return list[i].version.GreaterThan(list[j].version) })
	r.encoders[library] = list
	return nil
}

// Encoder resolves ref. The version may be exact ("1.2.0") or a constraint
// ("^1.2"); a constraint selects the highest matching version.
func (r *Registry) Encoder(ref contracts.EncoderRef) (Encoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.encoders[ref.Library]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEncoder, ref.Library)
	}
	if v, err := semver.StrictNewVersion(ref.Version); err == nil {
		for _, e := range list {
			if e.version.Equal(v) {
				return e.encoder, nil
			}
		}
		return nil, fmt.Errorf("%w: %s@%s", ErrNoEncoder, ref.Library, ref.Version)
	}
	c, err := semver.NewConstraint(ref.Version)
	if err != nil {
		return nil, fmt.Errorf("encoder %s: invalid version %q: %w", ref.Library, ref.Version, err)
	}
	for _, e := range list {
		if c.Check(e.version) {
			return e.encoder, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoEncoder, ref.Library, ref.Version)
}

// RegisterDecoder sets the decoder for a bridge.
func (r *Registry) RegisterDecoder(bridge string, dec Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[bridge] = dec
}

func (r *Registry) Decoder(bridge string) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[bridge]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDecoder, bridge)
	}
	return d, nil
}

// EncodeBatch fills Message.Encoded for every function that names an
// encoder. The input is not modified.
func (r *Registry) EncodeBatch(b contracts.MessageBatch) (contracts.MessageBatch, error) {
	out := b.Clone()
	for i, fn := range out.Subroutine.Functions {
		if fn.Encoder == nil {
			continue
		}
		enc, err := r.Encoder(*fn.Encoder)
		if err != nil {
			return contracts.MessageBatch{}, fmt.Errorf("function %d: %w", i, err)
		}
		msg := out.Messages[i]
		if msg.Contract == "" {
			msg.Contract = fn.Contract
		}
		data, err := enc.Encode(msg)
		if err != nil {
			return contracts.MessageBatch{}, fmt.Errorf("function %d: encode: %w", i, err)
		}
		out.Messages[i].Encoded = data
	}
	return out, nil
}
