package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
)

type tagEncoder string

func (t tagEncoder) Encode(contracts.Message) ([]byte, error) { return []byte(t), nil }

func TestRegistryResolvesVersions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterEncoder("evm-abi", "1.0.0", tagEncoder("v1.0")))
	require.NoError(t, r.RegisterEncoder("evm-abi", "1.4.2", tagEncoder("v1.4")))
	require.NoError(t, r.RegisterEncoder("evm-abi", "2.0.0", tagEncoder("v2")))
	assert.Error(t, r.RegisterEncoder("evm-abi", "1.4.2", tagEncoder("dup")))
	assert.Error(t, r.RegisterEncoder("evm-abi", "latest", tagEncoder("bad")))

	cases := map[string]string{
		"1.0.0": "v1.0",
		"^1.0":  "v1.4",
		">=1":   "v2",
		"~1.0":  "v1.0",
	}
	for version, want := range cases {
		enc, err := r.Encoder(contracts.EncoderRef{Library: "evm-abi", Version: version})
		require.NoError(t, err, version)
		got, _ := enc.Encode(contracts.Message{})
		assert.Equal(t, want, string(got), version)
	}

	_, err := r.Encoder(contracts.EncoderRef{Library: "evm-abi", Version: "1.1.0"})
	assert.ErrorIs(t, err, ErrNoEncoder)
	_, err = r.Encoder(contracts.EncoderRef{Library: "evm-abi", Version: "^3"})
	assert.ErrorIs(t, err, ErrNoEncoder)
	_, err = r.Encoder(contracts.EncoderRef{Library: "solana", Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrNoEncoder)
}

func TestJCSEncoderIsCanonical(t *testing.T) {
	a, err := JCSEncoder{}.Encode(contracts.Message{
		Kind:     contracts.MessageStructured,
		Contract: "vault",
		Name:     "withdraw",
		Params:   map[string]any{"to": "x", "amount": 100},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"contract":"vault","name":"withdraw","params":{"amount":100,"to":"x"}}`, string(a))

	raw, err := JCSEncoder{}.Encode(contracts.Raw([]byte{0xde, 0xad}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, raw)
}

func TestEncodeBatchOnlyTouchesEncodedFunctions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterEncoder(JCSLibrary, "1.0.0", JCSEncoder{}))

	b := contracts.MessageBatch{
		ID:       1,
		Messages: []contracts.Message{contracts.Structured("a", nil), contracts.Structured("b", nil)},
		Subroutine: contracts.Subroutine{Kind: contracts.NonAtomic, Functions: []contracts.FunctionSpec{
			{Domain: "side", Contract: "c1", Message: contracts.MessageConstraint{Kind: contracts.MessageStructured, Name: "a"}, Encoder: &contracts.EncoderRef{Library: JCSLibrary, Version: "^1"}},
			{Domain: "side", Contract: "c2", Message: contracts.MessageConstraint{Kind: contracts.MessageStructured, Name: "b"}},
		}},
	}
	out, err := r.EncodeBatch(b)
	require.NoError(t, err)
	assert.Equal(t, `{"contract":"c1","name":"a"}`, string(out.Messages[0].Encoded))
	assert.Nil(t, out.Messages[1].Encoded)
	assert.Nil(t, b.Messages[0].Encoded, "input batch is left untouched")

	b.Subroutine.Functions[1].Encoder = &contracts.EncoderRef{Library: "missing", Version: "1.0.0"}
	_, err = r.EncodeBatch(b)
	assert.ErrorIs(t, err, ErrNoEncoder)
}

func TestJSONCallbackDecoder(t *testing.T) {
	r := NewRegistry()
	r.RegisterDecoder("relay", JSONCallbackDecoder{})
	dec, err := r.Decoder("relay")
	require.NoError(t, err)

	cb, err := dec.Decode([]byte(`{"execution_id":4,"domain":"side","result":{"kind":"expired","executed_count":2}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cb.ExecutionID)
	assert.Equal(t, contracts.Expired(2), cb.Result)
	assert.Equal(t, 2, cb.ExecutedCount)

	_, err = dec.Decode([]byte(`{"result":{"kind":"success"}}`))
	assert.Error(t, err)
	_, err = dec.Decode([]byte(`{"execution_id":1}`))
	assert.Error(t, err)

	_, err = r.Decoder("other")
	assert.ErrorIs(t, err, ErrNoDecoder)
}
