// Package canonical normalizes JSON-like request payloads so that semantically
// identical inputs serialize to identical bytes.
//
// Values handled here are the shapes produced by a json.Decoder with UseNumber:
// nil, bool, string, json.Number, []any and map[string]any. Go numeric types and
// json.RawMessage are accepted as well so callers can build payloads by hand.
// Numbers encode by value: a decoded 40.0 and a Go float64(40) both become 40.
// Anything else is rejected with ErrUnsupportedValue rather than stringified.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupportedValue reports a value that has no defined JSON encoding.
var ErrUnsupportedValue = errors.New("canonical: unsupported value")

// volatileKeys lists object keys that never carry semantic content.
var volatileKeys = map[string]struct{}{
	"timestamp":      {},
	"ts":             {},
	"time":           {},
	"now":            {},
	"trace_id":       {},
	"traceId":        {},
	"span_id":        {},
	"request_id":     {},
	"requestId":      {},
	"run_id":         {},
	"correlation_id": {},
	"retry":          {},
	"retries":        {},
	"retry_count":    {},
	"attempt":        {},
	"nonce":          {},
}

// IsVolatile reports whether key is stripped during canonicalization.
func IsVolatile(key string) bool {
	_, ok := volatileKeys[key]
	return ok
}

// VolatileKeys returns the stripped key set in sorted order.
func VolatileKeys() []string {
	keys := make([]string, 0, len(volatileKeys))
	for k := range volatileKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Canonicalize returns a deep copy of v with every volatile object key removed
// at every nesting level. Scalars are returned unchanged. The input is never
// mutated and canonicalizing twice yields the same value as canonicalizing once.
func Canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if IsVolatile(k) {
				continue
			}
			out[k] = Canonicalize(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = Canonicalize(child)
		}
		return out
	case json.RawMessage:
		decoded, err := Decode(val)
		if err != nil {
			return val
		}
		return Canonicalize(decoded)
	default:
		return v
	}
}

// Decode parses exactly one JSON document, keeping numbers as json.Number.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonical: decode: trailing data after document")
	}
	return v, nil
}

// Marshal encodes v as compact JSON with object keys sorted and no
// insignificant whitespace. HTML characters are not escaped.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalIndent is Marshal followed by two-space indentation.
func MarshalIndent(v any) ([]byte, error) {
	compact, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return nil, fmt.Errorf("canonical: indent: %w", err)
	}
	return out.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		return encodeString(buf, val)
	case json.Number:
		return encodeNumber(buf, val)
	case float64:
		return encodeFloat(buf, val)
	case float32:
		return encodeFloat(buf, float64(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case json.RawMessage:
		decoded, err := Decode(val)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return encode(buf, decoded)
	case []any:
		buf.WriteByte('[')
		for i, child := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, child); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
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
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

// encodeNumber writes integer literals unchanged so large integers keep their
// precision. Fractional and exponent forms are reformatted through float64 so
// 40.0, 4e1 and a Go float64(40) all encode as 40.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	text := string(n)
	if !json.Valid([]byte(text)) {
		return fmt.Errorf("%w: malformed number %q", ErrUnsupportedValue, text)
	}
	if !strings.ContainsAny(text, ".eE") {
		buf.WriteString(text)
		return nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		buf.WriteString(text)
		return nil
	}
	return encodeFloat(buf, f)
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	out, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, f)
	}
	buf.Write(out)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonical: encode string: %w", err)
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
