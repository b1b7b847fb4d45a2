package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	a, err := Canonicalize([]byte(`{ "b": 1, "a": {"d": "x<y", "c": 2.50} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":2.50,"d":"x<y"},"b":1}`, string(a))

	_, err = Canonicalize([]byte(`{"a":1}{"b":2}`))
	assert.Error(t, err)
	_, err = Canonicalize([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestMarshalIsOrderIndependent(t *testing.T) {
	type envelope struct {
		Op     string         `json:"op"`
		Params map[string]any `json:"params"`
	}
	a, err := Marshal(envelope{Op: "x", Params: map[string]any{"z": 1, "a": "b"}})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{"params": map[string]any{"a": "b", "z": 1}, "op": "x"})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"op":"x","params":{"a":"b","z":1}}`, string(a))
}
