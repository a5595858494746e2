package browser

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRemoteValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		raw    string
		want   RemoteValue
		truthy bool
	}{
		{"undefined", `{"type":"undefined"}`, Undefined{}, false},
		{"null", `{"type":"null"}`, Null{}, false},
		{"empty string", `{"type":"string","value":""}`, Primitive{Type: "string", Value: ""}, false},
		{"boolean", `{"type":"boolean","value":true}`, Primitive{Type: "boolean", Value: true}, true},
		{"zero", `{"type":"number","value":0}`, Primitive{Type: "number", Value: 0.0}, false},
		{"infinity", `{"type":"number","value":"Infinity"}`, Primitive{Type: "number", Value: math.Inf(1)}, true},
		{"bigint", `{"type":"bigint","value":"12345678901234567890"}`, Primitive{Type: "bigint", Value: mustBig("12345678901234567890")}, true},
		{"object", `{"type":"object","value":[["a",{"type":"number","value":1}]]}`, &RemoteReference{
			Type:  "object",
			Value: json.RawMessage(`[["a",{"type":"number","value":1}]]`),
		}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, _, err := decodeRemoteValue(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.truthy, Truthy(got))
		})
	}
}

func TestDecodeRemoteValueNaN(t *testing.T) {
	t.Parallel()

	got, _, err := decodeRemoteValue(json.RawMessage(`{"type":"number","value":"NaN"}`))
	require.NoError(t, err)
	p, ok := got.(Primitive)
	require.True(t, ok)
	assert.True(t, math.IsNaN(p.Value.(float64)))
	assert.False(t, Truthy(got))
	assert.Equal(t, "NaN", Export(got))
}

func TestDecodeRemoteValueErrors(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`{}`, `{"type":"number","value":"lots"}`, `{"type":"bigint","value":"1.5"}`, `[`} {
		_, _, err := decodeRemoteValue(json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestLocalValue(t *testing.T) {
	t.Parallel()

	v, err := localValue(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"type": "null"}, v)

	v, err = localValue(math.Inf(-1))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"type": "number", "value": "-Infinity"}, v)

	_, err = localValue(&RemoteReference{Type: "object"})
	require.Error(t, err)

	_, err = localValue(struct{}{})
	require.Error(t, err)
}

func mustBig(s string) *big.Int {
	n, _ := new(big.Int).SetString(s, 10)
	return n
}
