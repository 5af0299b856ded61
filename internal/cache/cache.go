// Package cache stores generation results under content-addressed keys with
// read-time TTL evaluation over pluggable backends.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/contractcache/internal/metrics"
)

// MaxKeyLength bounds keys so they always fit in a file name.
const MaxKeyLength = 256

var (
	// ErrNotFound is returned by backends when no record exists for a key.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrInvalidKey rejects keys that could escape the backend namespace.
	ErrInvalidKey = errors.New("cache: invalid key")
)

// Backend persists raw encoded entries. Implementations must return
// ErrNotFound from Read when the key is absent.
type Backend interface {
	Name() string
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Clock returns the current time. Tests inject a controllable clock.
type Clock func() time.Time

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for created_at and TTL checks.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger used for corruption and backend warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = rec }
}

// Cache evaluates TTLs over a Backend. Backend failures on read degrade to
// a miss; they never surface to Get callers.
type Cache struct {
	backend Backend
	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New wraps backend with TTL semantics.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("agent", "response_cache"), slog.String("backend", backend.Name()))
	return c
}

// Backend returns the underlying storage.
func (c *Cache) Backend() Backend { return c.backend }

// Now reports the cache's notion of the current time.
func (c *Cache) Now() time.Time { return c.clock() }

// Get returns the cached value when the entry is live.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	entry, outcome := c.Lookup(ctx, key)
	if outcome != OutcomeHit {
		return nil, false
	}
	return entry.Value, true
}

// Lookup returns the decoded entry together with the outcome that decided
// whether it counts as a hit. Expired and disabled entries are returned for
// inspection but are not deleted.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, Outcome) {
	start := time.Now()
	entry, outcome := c.lookup(ctx, key)
	c.metrics.ObserveCacheLookup(string(outcome), time.Since(start))
	return entry, outcome
}

func (c *Cache) lookup(ctx context.Context, key string) (Entry, Outcome) {
	if err := ValidateKey(key); err != nil {
		c.logger.Debug("cache lookup with invalid key", slog.String("key", key), slog.Any("error", err))
		return Entry{}, OutcomeMiss
	}
	data, err := c.backend.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return Entry{}, OutcomeMiss
	}
	entry, err := DecodeEntry(data)
	if err != nil {
		c.logger.Warn("cache entry unreadable", slog.String("key", key), slog.Any("error", err))
		return Entry{}, OutcomeCorrupt
	}
	return entry, entry.Evaluate(c.clock())
}

// Set persists value under key, overwriting any previous entry. A zero
// meta.CreatedAt is filled from the clock; ttlSeconds always wins over
// meta.TTLSeconds.
func (c *Cache) Set(ctx context.Context, key string, value any, ttlSeconds int64, meta Meta) error {
	start := time.Now()
	err := c.set(ctx, key, value, ttlSeconds, meta)
	outcome := metrics.CacheStoreStored
	if err != nil {
		outcome = metrics.CacheStoreError
	}
	c.metrics.ObserveCacheStore(outcome, time.Since(start))
	return err
}

func (c *Cache) set(ctx context.Context, key string, value any, ttlSeconds int64, meta Meta) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if ttlSeconds < 0 {
		return fmt.Errorf("cache: set %s: negative ttl %d", key, ttlSeconds)
	}
	if meta.CreatedAt == 0 {
		meta.CreatedAt = c.clock().Unix()
	}
	meta.TTLSeconds = ttlSeconds
	data, err := EncodeEntry(Entry{Meta: meta, Value: value})
	if err != nil {
		return err
	}
	if err := c.backend.Write(ctx, key, data); err != nil {
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	c.logger.Debug("cache entry stored",
		slog.String("key", key),
		slog.String("contract", meta.Contract),
		slog.Int64("ttl_seconds", ttlSeconds),
	)
	return nil
}

// Invalidate deletes the entry eagerly and reports whether one existed.
func (c *Cache) Invalidate(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	removed, err := c.invalidate(ctx, key)
	c.metrics.ObserveCacheInvalidate(removed, err, time.Since(start))
	return removed, err
}

func (c *Cache) invalidate(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	removed, err := c.backend.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return removed, nil
}

// Size reports the number of stored entries, live or not.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	return c.backend.Size(ctx)
}

// Close releases backend resources.
func (c *Cache) Close(ctx context.Context) error {
	return c.backend.Close(ctx)
}

// ValidateKey accepts non-empty keys of at most MaxKeyLength characters drawn
// from [A-Za-z0-9._-] that do not contain "..".
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidKey, MaxKeyLength)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q contains \"..\"", ErrInvalidKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: %q has character %q", ErrInvalidKey, key, r)
		}
	}
	return nil
}
