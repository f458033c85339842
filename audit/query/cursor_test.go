package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCursor_RoundTrip(t *testing.T) {
	c := Cursor{
		LastTS:      time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
		LastEventID: "01JEXAMPLE0000000000000001",
	}

	decoded, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.True(t, c.LastTS.Equal(decoded.LastTS))
	assert.Equal(t, c.LastEventID, decoded.LastEventID)
}

// decode ∘ encode is the identity on valid cursors.
func TestCursor_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ts := time.Unix(rapid.Int64Range(0, 4102444800).Draw(rt, "ts"), 0).UTC()
		id := rapid.StringMatching(`[0-9A-Z]{10,26}`).Draw(rt, "id")

		c := Cursor{LastTS: ts, LastEventID: id}
		decoded, err := DecodeCursor(c.Encode())
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if !decoded.LastTS.Equal(ts) || decoded.LastEventID != id {
			rt.Fatalf("roundtrip mismatch: %v != %v", decoded, c)
		}
	})
}

func TestDecodeCursor_Invalid(t *testing.T) {
	_, err := DecodeCursor("!!!not-base64!!!")
	assert.Error(t, err)

	_, err = DecodeCursor("bm90IGpzb24=") // "not json"
	assert.Error(t, err)

	// Empty cursor means "first page".
	c, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)
}
