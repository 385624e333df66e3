package canonical

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	in := map[string]interface{}{
		"zulu":  1,
		"alpha": 2,
		"mike":  map[string]interface{}{"b": 1, "a": 2},
	}
	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":{"a":2,"b":1},"zulu":1}`, string(out))
}

func TestMarshalPreservesArrayOrder(t *testing.T) {
	in := map[string]interface{}{"xs": []interface{}{"c", "a", "b"}}
	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"xs":["c","a","b"]}`, string(out))
}

func TestMarshalNormalizesNumbers(t *testing.T) {
	out, err := Marshal(json.RawMessage(`{"a":1.500,"b":1e3,"c":0.0,"d":-0.250}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1.5,"b":1000,"c":0,"d":-0.25}`, string(out))
}

func TestMarshalRoundTripStable(t *testing.T) {
	in := map[string]interface{}{"n": 12.3400, "s": "x", "arr": []interface{}{1, 2}}
	first, err := Marshal(in)
	require.NoError(t, err)

	var parsed interface{}
	require.NoError(t, json.Unmarshal(first, &parsed))
	second, err := Marshal(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second), "canonical(parse(canonical(x))) must equal canonical(x)")
}

func TestHashPrefixAndDeterminism(t *testing.T) {
	h1, err := Hash(map[string]string{"k": "v"})
	require.NoError(t, err)
	h2, err := Hash(map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
	assert.Len(t, h1, len("sha256:")+64)
}

func TestHashDiffersOnChange(t *testing.T) {
	h1, err := Hash(map[string]string{"k": "v"})
	require.NoError(t, err)
	h2, err := Hash(map[string]string{"k": "w"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestMarshalExcludingVolatileFields(t *testing.T) {
	in := map[string]interface{}{
		"run_id":     "r1",
		"created_at": "2026-01-01T00:00:00Z",
		"evidence_bundle": map[string]interface{}{
			"hashes": map[string]interface{}{"artifact_hash": "sha256:x", "request_hash": "sha256:y"},
		},
	}
	out, err := MarshalExcluding(in, "created_at", "evidence_bundle.hashes.artifact_hash")
	require.NoError(t, err)
	assert.Equal(t, `{"evidence_bundle":{"hashes":{"request_hash":"sha256:y"}},"run_id":"r1"}`, string(out))
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	_, err := Marshal(map[string]interface{}{"bad": math.NaN()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrorCode)
}
