package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/l0p7/contractcache/internal/canonical"
)

// ErrCorruptEntry marks stored bytes that do not decode into an Entry.
var ErrCorruptEntry = errors.New("cache: corrupt entry")

// Outcome classifies a lookup. Only OutcomeHit yields a value.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeExpired  Outcome = "expired"
	OutcomeDisabled Outcome = "disabled"
	OutcomeCorrupt  Outcome = "corrupt"
)

// Meta is the audit header persisted alongside every cached value.
type Meta struct {
	CreatedAt   int64  `json:"created_at"`
	TTLSeconds  int64  `json:"ttl_seconds"`
	Contract    string `json:"contract"`
	CachePolicy string `json:"cache_policy"`
	InputDigest string `json:"input_digest"`
}

// Entry is the persisted record for one cache key.
type Entry struct {
	Meta  Meta `json:"meta"`
	Value any  `json:"value"`
}

type wireEntry struct {
	Meta  *Meta           `json:"meta"`
	Value json.RawMessage `json:"value"`
}

// EncodeEntry serializes an entry. The value goes through the canonical
// encoder so unsupported Go types fail here instead of being stringified.
func EncodeEntry(e Entry) ([]byte, error) {
	if e.Meta.TTLSeconds < 0 {
		return nil, fmt.Errorf("cache: encode entry: negative ttl %d", e.Meta.TTLSeconds)
	}
	value, err := canonical.Marshal(e.Value)
	if err != nil {
		return nil, fmt.Errorf("cache: encode value: %w", err)
	}
	meta := e.Meta
	out, err := json.Marshal(wireEntry{Meta: &meta, Value: value})
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry: %w", err)
	}
	return out, nil
}

// DecodeEntry parses bytes produced by EncodeEntry. Any structural problem is
// reported as ErrCorruptEntry.
func DecodeEntry(data []byte) (Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var wire wireEntry
	if err := dec.Decode(&wire); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if dec.More() {
		return Entry{}, fmt.Errorf("%w: trailing data", ErrCorruptEntry)
	}
	if wire.Meta == nil {
		return Entry{}, fmt.Errorf("%w: missing meta", ErrCorruptEntry)
	}
	if len(wire.Value) == 0 {
		return Entry{}, fmt.Errorf("%w: missing value", ErrCorruptEntry)
	}
	if wire.Meta.TTLSeconds < 0 {
		return Entry{}, fmt.Errorf("%w: negative ttl", ErrCorruptEntry)
	}
	value, err := canonical.Decode(wire.Value)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return Entry{Meta: *wire.Meta, Value: value}, nil
}

// Evaluate applies the TTL rules at the given instant. A zero TTL never hits;
// otherwise the entry is live while created_at + ttl >= now.
func (e Entry) Evaluate(now time.Time) Outcome {
	if e.Meta.TTLSeconds == 0 {
		return OutcomeDisabled
	}
	if e.Meta.CreatedAt+e.Meta.TTLSeconds < now.Unix() {
		return OutcomeExpired
	}
	return OutcomeHit
}

// ExpiresAt reports when the entry stops being served. Zero-TTL entries return
// their creation time.
func (e Entry) ExpiresAt() time.Time {
	return time.Unix(e.Meta.CreatedAt+e.Meta.TTLSeconds, 0).UTC()
}
