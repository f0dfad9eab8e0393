package encoding

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

// JCSLibrary is the library name of the canonical JSON encoder.
const JCSLibrary = "jcs"

// JCSEncoder encodes structured messages as RFC 8785 canonical JSON objects
// {"contract","name","params"}. Raw messages pass through unchanged.
type JCSEncoder struct{}

func (JCSEncoder) Encode(msg contracts.Message) ([]byte, error) {
	if msg.Kind == contracts.MessageRaw {
		return append([]byte(nil), msg.Raw...), nil
	}
	return Canonical(struct {
		Contract string         `json:"contract,omitempty"`
		Name     string         `json:"name"`
		Params   map[string]any `json:"params,omitempty"`
	}{msg.Contract, msg.Name, msg.Params})
}

// Canonical returns the RFC 8785 form of v's JSON encoding.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// JSONCallbackDecoder decodes callbacks relayed as plain JSON.
type JSONCallbackDecoder struct{}

func (JSONCallbackDecoder) Decode(payload []byte) (contracts.Callback, error) {
	var cb contracts.Callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return contracts.Callback{}, fmt.Errorf("decode callback: %w", err)
	}
	if cb.ExecutionID == 0 {
		return contracts.Callback{}, errors.New("decode callback: missing execution id")
	}
	if cb.Result.Kind == "" {
		return contracts.Callback{}, errors.New("decode callback: missing result")
	}
	if cb.ExecutedCount == 0 {
		cb.ExecutedCount = cb.Result.ExecutedCount
	}
	return cb, nil
}
