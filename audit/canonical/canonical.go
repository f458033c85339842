// Package canonical implements the deterministic JSON encoding shared by
// every component that hashes audit records. The rules are a wire contract:
// object keys sorted lexicographically, no insignificant whitespace, null
// values omitted, timestamps as RFC 3339 with the UTC offset written as Z,
// numbers as plain decimals without scientific notation.
//
// Any change to these rules breaks hash verification of previously written
// events. Fixture tests pin the exact bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Marshal encodes v canonically. v is first flattened through its regular
// JSON representation (honoring struct tags), then re-encoded with the
// canonical rules, so any json.Marshaler-compatible value is accepted.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-encode: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode intermediate: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal is Marshal for values known to be encodable.
func MustMarshal(v any) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		// Top-level null is the one null we cannot omit.
		buf.WriteString("null")
		return nil

	case map[string]any:
		return encodeObject(buf, val)

	case []any:
		return encodeArray(buf, val)

	case string:
		return encodeString(buf, val)

	case json.Number:
		return encodeNumber(buf, val)

	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil

	default:
		return fmt.Errorf("canonical: unsupported intermediate type %T", v)
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v == nil {
			// Explicit nulls are omitted from objects.
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		// Array positions are significant; nulls inside arrays are kept.
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString writes a JSON string with the stdlib's escaping rules minus
// HTML escaping, so the output is stable across writers.
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonical: encode string: %w", err)
	}
	// Encoder appends a newline.
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// encodeNumber writes a number as a plain decimal. Scientific notation in
// the source is expanded; integers stay integral.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, "eE") {
		buf.WriteString(s)
		return nil
	}

	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical: parse number %q: %w", s, err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("canonical: non-finite number %q", s)
	}
	buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}
