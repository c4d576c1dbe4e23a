// Package canon implements the single canonical JSON encoding used as the
// hash and signature pre-image everywhere ORIGIN needs one: ledger events,
// certificate payloads, and PVID metadata. One encoder serves every site so
// a given Go value always hashes the same way no matter which component
// produced it.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Marshal encodes v as canonical JSON: object keys sorted lexicographically,
// no insignificant whitespace, UTF-8 throughout, and numbers restricted to
// integers (floats are rejected — hash pre-images must not depend on a
// language's float formatting). Use MarshalAllowFloat for payloads that
// must carry non-integer scores.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// MarshalAllowFloat is the float-preserving variant, for values (such as
// inference scores) whose canonical form legitimately contains fractional
// numbers.
func MarshalAllowFloat(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	return CanonicalizeJSONAllowFloat(raw)
}

// CanonicalizeJSON decodes raw JSON and re-encodes it in canonical form,
// rejecting any number with a fractional or exponential component.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeJSONAllowFloat is CanonicalizeJSON's float-preserving variant.
func CanonicalizeJSONAllowFloat(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := canonicalizeValueAllowFloat(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ValidateNoJSONNumbers walks v and returns an error if it contains any
// value Marshal would reject: a json.Number that is not an integer, or any
// type other than nil, bool, string, json.Number, []interface{} and
// map[string]interface{} (Go int and float64 values are rejected as
// unsupported types). Useful for validating request bodies destined
// for a hash pre-image before they reach Marshal.
func ValidateNoJSONNumbers(v interface{}) error {
	var buf bytes.Buffer
	return canonicalizeValue(&buf, v)
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeIntegerNumber(buf, val)
	case string:
		return writeJSONString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalizeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		return writeObject(buf, val, canonicalizeValue)
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
}

func canonicalizeValueAllowFloat(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case string:
		return writeJSONString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalizeValueAllowFloat(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		return writeObject(buf, val, canonicalizeValueAllowFloat)
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
}

func writeObject(buf *bytes.Buffer, obj map[string]interface{}, encode func(*bytes.Buffer, interface{}) error) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeIntegerNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if _, ok := new(big.Int).SetString(s, 10); !ok {
		return fmt.Errorf("canon: non-integer number %q not permitted in canonical hash input", s)
	}
	buf.WriteString(s)
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canon: encode string: %w", err)
	}
	buf.Write(encoded)
	return nil
}
