package canonical

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Golden vectors: these exact bytes are the cross-language contract.
// Do not update them without a migration plan for stored hashes.
func TestMarshal_GoldenVectors(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "sorted keys no whitespace",
			in:   map[string]any{"b": 1, "a": 2, "c": 3},
			want: `{"a":2,"b":1,"c":3}`,
		},
		{
			name: "nulls omitted from objects",
			in:   map[string]any{"keep": "x", "drop": nil},
			want: `{"keep":"x"}`,
		},
		{
			name: "nulls kept inside arrays",
			in:   map[string]any{"arr": []any{1, nil, "x"}},
			want: `{"arr":[1,null,"x"]}`,
		},
		{
			name: "nested objects sorted recursively",
			in:   map[string]any{"z": map[string]any{"y": 1, "x": 2}},
			want: `{"z":{"x":2,"y":1}}`,
		},
		{
			name: "plain decimals",
			in:   map[string]any{"f": 0.25, "i": 1000000},
			want: `{"f":0.25,"i":1000000}`,
		},
		{
			name: "booleans and strings",
			in:   map[string]any{"ok": true, "name": "agent <1>"},
			want: `{"name":"agent <1>","ok":true}`,
		},
		{
			name: "empty object",
			in:   map[string]any{},
			want: `{}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestMarshal_TimestampsRFC3339Z(t *testing.T) {
	ts := time.Date(2026, 3, 15, 8, 30, 0, 0, time.UTC)
	got, err := Marshal(map[string]any{"timestamp": ts})
	require.NoError(t, err)
	assert.Equal(t, `{"timestamp":"2026-03-15T08:30:00Z"}`, string(got))
}

func TestMarshal_StructTagsHonored(t *testing.T) {
	type record struct {
		B string `json:"b"`
		A string `json:"a"`
		C string `json:"c,omitempty"`
	}
	got, err := Marshal(record{B: "2", A: "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(got))
}

func TestMarshal_ScientificNotationExpanded(t *testing.T) {
	got, err := Marshal(json.RawMessage(`{"v":1e3}`))
	require.NoError(t, err)
	assert.Equal(t, `{"v":1000}`, string(got))

	got, err = Marshal(json.RawMessage(`{"v":2.5e-2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"v":0.025}`, string(got))
}

func TestMarshal_LargeIntegerPreserved(t *testing.T) {
	// json.Number passthrough keeps precision beyond float64.
	got, err := Marshal(json.RawMessage(`{"v":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, `{"v":9007199254740993}`, string(got))
}

func TestMarshal_Idempotent(t *testing.T) {
	in := map[string]any{
		"organization_id": "org-1",
		"actor":           map[string]any{"type": "user", "id": "u1", "email": nil},
		"values":          []any{3, 1, 2},
		"score":           0.875,
	}
	first, err := Marshal(in)
	require.NoError(t, err)

	var decoded any
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := Marshal(decoded)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second), "canonical(deserialize(canonical(e))) must be byte-identical")
}
