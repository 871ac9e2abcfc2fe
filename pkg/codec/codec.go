// Package codec implements the order-preserving binary encoding of JSON
// scalars described in spec §4.A. Byte-wise comparison of two encoded
// values matches the natural ordering of the source values, with a total
// type order of Null < Bool < Number < String < Complex.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Type tags. Each starts its own byte range so that tag comparison alone
// establishes the cross-type order.
const (
	tagNull    byte = 0x01
	tagBool    byte = 0x02
	tagNumber  byte = 0x03
	tagString  byte = 0x04
	tagComplex byte = 0x05
)

// Encode converts a JSON-compatible Go value into its order-preserving byte
// representation. Supported inputs: nil, bool, float64/int/int64, string,
// and any value that marshals to a JSON array or object (encoded as tagComplex
// with a canonicalized body).
func Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte{tagNull}, nil
	case bool:
		b := byte(0)
		if t {
			b = 1
		}
		return []byte{tagBool, b}, nil
	case float64:
		return encodeNumber(t), nil
	case float32:
		return encodeNumber(float64(t)), nil
	case int:
		return encodeNumber(float64(t)), nil
	case int64:
		return encodeNumber(float64(t)), nil
	case string:
		return encodeString(t), nil
	default:
		return encodeComplex(v)
	}
}

func encodeNumber(f float64) []byte {
	bits := math.Float64bits(f)
	if math.Signbit(f) {
		// Negative: invert all bits so larger magnitude sorts smaller.
		bits = ^bits
	} else {
		// Positive (and zero): flip only the sign bit so positives sort
		// after all negatives.
		bits |= 1 << 63
	}
	buf := make([]byte, 9)
	buf[0] = tagNumber
	binary.BigEndian.PutUint64(buf[1:], bits)
	return buf
}

func encodeString(s string) []byte {
	buf := make([]byte, 0, len(s)+2)
	buf = append(buf, tagString)
	buf = append(buf, []byte(s)...)
	buf = append(buf, 0x00)
	return buf
}

// encodeComplex canonicalizes arrays/objects (sorted object keys, recursive)
// before embedding the JSON text as the sort body. This keeps ordering
// stable across encodings of structurally-equal values while not trying to
// impose a deep element-wise order, matching §4.A's "lexicographic over
// canonical form" contract.
func encodeComplex(v any) ([]byte, error) {
	canon, err := canonicalize(v)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(canon)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal complex value: %w", err)
	}
	buf := make([]byte, 0, len(body)+2)
	buf = append(buf, tagComplex)
	buf = append(buf, body...)
	buf = append(buf, 0x00)
	return buf, nil
}

func canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		// Kept as an object so Decode returns an object; json.Marshal
		// writes map keys in sorted order.
		out := make(map[string]any, len(t))
		for k, e := range t {
			child, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = child
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			child, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	default:
		return t, nil
	}
}

// Decode reverses Encode, reporting the Go value it recovered. An
// unrecognized leading byte yields ok=false per §4.A.
func Decode(b []byte) (v any, ok bool) {
	if len(b) == 0 {
		return nil, false
	}
	switch b[0] {
	case tagNull:
		return nil, true
	case tagBool:
		if len(b) != 2 {
			return nil, false
		}
		return b[1] != 0, true
	case tagNumber:
		if len(b) != 9 {
			return nil, false
		}
		bits := binary.BigEndian.Uint64(b[1:])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), true
	case tagString:
		if len(b) < 2 || b[len(b)-1] != 0x00 {
			return nil, false
		}
		return string(b[1 : len(b)-1]), true
	case tagComplex:
		if len(b) < 2 || b[len(b)-1] != 0x00 {
			return nil, false
		}
		var out any
		if err := json.Unmarshal(b[1:len(b)-1], &out); err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

// Compare orders two encoded keys the same way bytes.Compare does; it is
// exposed for callers that want semantic naming at range-scan call sites.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// PrefixUpperBound returns the smallest byte string greater than every
// string with the given prefix, for use as an exclusive range-scan bound.
// Returns nil if prefix is all 0xFF bytes (no finite upper bound exists).
func PrefixUpperBound(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
