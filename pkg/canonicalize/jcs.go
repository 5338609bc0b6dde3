// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) style
// serialization for deterministic hashing of call evidence.
//
// Canonical form guarantees: object keys sorted lexicographically by UTF-8
// bytes at every nesting level, array element order preserved, HTML escaping
// disabled, numbers passed through exactly when given as json.Number. Two
// values that are deeply equal produce identical bytes regardless of how
// they were constructed.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/callmonitor/evidence/pkg/contracts"
)

// JCS returns the canonical JSON representation of v.
//
// Strategy: marshal v once with the standard encoder (respecting json struct
// tags and omitempty), decode to a generic value with UseNumber so numeric
// text survives untouched, then re-marshal recursively with sorted keys and
// HTML escaping off.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		// encoding/json reports cycles and unsupported types here; both are
		// non-serializable as far as the digest contract is concerned.
		var ute *json.UnsupportedTypeError
		var uve *json.UnsupportedValueError
		if errors.As(err, &ute) || errors.As(err, &uve) {
			return nil, fmt.Errorf("%w: %v", contracts.ErrNonSerializable, err)
		}
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	var generic any
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}

	return marshalRecursive(generic)
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalRecursive(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		// json.Encoder appends a newline
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []any:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
