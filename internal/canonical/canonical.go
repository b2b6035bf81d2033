// Package canonical provides deterministic JSON serialization for signing.
// The byte sequence produced for a given version must never change: every
// attestation records the version it was signed under, and a silent change
// here would invalidate all historical signatures.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"
)

// Version selects a canonicalization scheme.
type Version string

const (
	// V1 sorts object keys and emits compact JSON via encoding/json.
	V1 Version = "v1"
	// V2 is JCS (RFC 8785).
	V2 Version = "v2"
)

// DefaultVersion is what new attestations are signed under.
const DefaultVersion = V1

// Marshal serializes v deterministically under the given version.
func Marshal(v interface{}, version Version) ([]byte, error) {
	switch version {
	case V1:
		return marshalV1(v)
	case V2:
		return marshalV2(v)
	default:
		return nil, fmt.Errorf("unknown canonicalization version: %s", version)
	}
}

// --- v1: sorted keys, compact separators, encoding/json escaping ---

func marshalV1(v interface{}) ([]byte, error) {
	return json.Marshal(sortValue(v))
}

func sortValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return sortMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = sortValue(e)
		}
		return out
	default:
		return v
	}
}

type orderedMap struct {
	keys   []string
	values map[string]interface{}
}

func sortMap(m map[string]interface{}) *orderedMap {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	om := &orderedMap{keys: keys, values: make(map[string]interface{}, len(m))}
	for k, v := range m {
		om.values[k] = sortValue(v)
	}
	return om
}

func (om *orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range om.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(om.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// --- v2: JCS (RFC 8785) ---

func marshalV2(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJCS(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJCS(buf *bytes.Buffer, v interface{}) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	switch val := v.(type) {
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case float64:
		s, err := jcsNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return err
		}
		s, err := jcsNumber(f)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case string:
		writeJCSString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJCS(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		// JCS sorts by UTF-16 code units, not bytes
		sort.Slice(keys, func(i, j int) bool { return compareUTF16(keys[i], keys[j]) < 0 })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJCSString(buf, k)
			buf.WriteByte(':')
			if err := writeJCS(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

func compareUTF16(a, b string) int {
	au := utf16.Encode([]rune(a))
	bu := utf16.Encode([]rune(b))
	n := len(au)
	if len(bu) < n {
		n = len(bu)
	}
	for i := 0; i < n; i++ {
		if au[i] != bu[i] {
			if au[i] < bu[i] {
				return -1
			}
			return 1
		}
	}
	return len(au) - len(bu)
}

func writeJCSString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func jcsNumber(f float64) (string, error) {
	if f != f {
		return "", fmt.Errorf("NaN is not a valid JSON number")
	}
	if f > 1.7976931348623157e+308 || f < -1.7976931348623157e+308 {
		return "", fmt.Errorf("infinity is not a valid JSON number")
	}
	if f == 0 {
		return "0", nil
	}
	if f == float64(int64(f)) && f >= -9007199254740991 && f <= 9007199254740991 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
