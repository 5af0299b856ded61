// Package engine ties cache keys, prompt assembly and the response cache
// together behind the build, lookup and save calls a pipeline step makes
// around its generation request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/contractcache/internal/cache"
	"github.com/l0p7/contractcache/internal/cachekey"
	"github.com/l0p7/contractcache/internal/contract"
	"github.com/l0p7/contractcache/internal/metrics"
	"github.com/l0p7/contractcache/internal/prompt"
)

// Options wires the engine's collaborators. Cache is required; a nil Store
// makes every prompt without an override use the placeholder text.
type Options struct {
	Store   contract.Store
	Cache   *cache.Cache
	Metrics *metrics.Recorder
	Clock   func() time.Time
}

// BuildOption adjusts BuildPromptAndCacheKey.
type BuildOption func(*buildOptions)

type buildOptions struct {
	salt   string
	prompt []prompt.Option
}

// WithSalt mixes an extra caller-supplied string into the cache key.
func WithSalt(salt string) BuildOption {
	return func(o *buildOptions) { o.salt = salt }
}

// WithPatchAgainst requests a minimal patch against doc instead of a full
// document. The base document does not participate in the cache key.
func WithPatchAgainst(doc any) BuildOption {
	return func(o *buildOptions) { o.prompt = append(o.prompt, prompt.WithPatchAgainst(doc)) }
}

// WithContractText overrides contract text resolution for one build.
func WithContractText(text string) BuildOption {
	return func(o *buildOptions) { o.prompt = append(o.prompt, prompt.WithContractText(text)) }
}

// Engine is safe for concurrent use. It never performs the generation call.
type Engine struct {
	logger  *slog.Logger
	builder *prompt.Builder
	cache   *cache.Cache
	metrics *metrics.Recorder
	clock   func() time.Time
}

// New constructs an Engine.
func New(logger *slog.Logger, opts Options) (*Engine, error) {
	if opts.Cache == nil {
		return nil, errors.New("engine: cache required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = opts.Cache.Now
	}
	logger = logger.With(slog.String("agent", "contract_engine"))
	return &Engine{
		logger:  logger,
		builder: prompt.NewBuilder(opts.Store, logger),
		cache:   opts.Cache,
		metrics: opts.Metrics,
		clock:   clock,
	}, nil
}

// BuildPromptAndCacheKey assembles the prompt for spec and payload and
// computes the cache key from the spec identity, the canonical payload and
// the optional salt.
func (e *Engine) BuildPromptAndCacheKey(_ context.Context, spec contract.Spec, payload any, opts ...BuildOption) (string, string, error) {
	if err := spec.Validate(); err != nil {
		return "", "", err
	}
	var o buildOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	key, err := cachekey.Compute(spec.Identity(), payload, o.salt)
	if err != nil {
		return "", "", fmt.Errorf("engine: cache key: %w", err)
	}
	p, err := e.builder.Assemble(spec, payload, o.prompt...)
	if err != nil {
		return "", "", fmt.Errorf("engine: build prompt: %w", err)
	}
	e.metrics.ObservePromptBuild(spec.Identity().Contract(), string(p.Source), string(p.Mode))
	e.logger.Debug("prompt assembled",
		slog.String("contract", spec.Identity().Contract()),
		slog.String("source", string(p.Source)),
		slog.String("mode", string(p.Mode)),
		slog.String("key", key),
	)
	return p.Text, key, nil
}

// TryCache returns the cached value for key when a live entry exists.
func (e *Engine) TryCache(ctx context.Context, key string) (any, bool) {
	return e.cache.Get(ctx, key)
}

// SaveCache stores value under key with the spec's TTL and an audit header
// carrying the digest of the canonical payload.
func (e *Engine) SaveCache(ctx context.Context, key string, value any, spec contract.Spec, payload any) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	digest, err := cachekey.InputDigest(payload)
	if err != nil {
		return fmt.Errorf("engine: input digest: %w", err)
	}
	id := spec.Identity()
	meta := cache.Meta{
		CreatedAt:   e.clock().Unix(),
		TTLSeconds:  spec.Policy.TTLSeconds,
		Contract:    id.Contract(),
		CachePolicy: id.Policy,
		InputDigest: digest,
	}
	if err := e.cache.Set(ctx, key, value, spec.Policy.TTLSeconds, meta); err != nil {
		return fmt.Errorf("engine: save: %w", err)
	}
	return nil
}

// Invalidate removes the entry for key and reports whether one existed.
func (e *Engine) Invalidate(ctx context.Context, key string) (bool, error) {
	return e.cache.Invalidate(ctx, key)
}

// Lookup exposes the entry and outcome for audit tooling.
func (e *Engine) Lookup(ctx context.Context, key string) (cache.Entry, cache.Outcome) {
	return e.cache.Lookup(ctx, key)
}

// CheckResult returns a *contract.NeedsHumanError when a generation result
// for spec reports status needs_human.
func (e *Engine) CheckResult(spec contract.Spec, value any) error {
	err := contract.CheckResult(spec.Identity().Contract(), value)
	if err != nil {
		e.logger.Info("generation result needs human", slog.String("contract", spec.Identity().Contract()), slog.Any("error", err))
	}
	return err
}
