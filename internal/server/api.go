package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/contractcache/internal/cache"
	"github.com/l0p7/contractcache/internal/canonical"
	"github.com/l0p7/contractcache/internal/config"
	"github.com/l0p7/contractcache/internal/contract"
	"github.com/l0p7/contractcache/internal/engine"
	"github.com/l0p7/contractcache/internal/evidence"
	"github.com/l0p7/contractcache/internal/metrics"
	"github.com/l0p7/contractcache/internal/prefilter"
)

const maxBodyBytes = 8 << 20

// APIOptions wires the collaborators behind the HTTP surface. Engine, Cache
// and Registry are required; a nil Evidence store disables the evidence
// routes.
type APIOptions struct {
	Engine            *engine.Engine
	Cache             *cache.Cache
	Registry          *prefilter.Registry
	Evidence          *evidence.Store
	Metrics           *metrics.Recorder
	CorrelationHeader string

	// KeySalt applies to prompt builds whose request carries no salt.
	KeySalt string
}

// API serves the sidecar routes. It never calls a model: callers build a
// prompt, run their own generation, then store the result.
type API struct {
	engine            *engine.Engine
	cache             *cache.Cache
	registry          *prefilter.Registry
	evidence          *evidence.Store
	metrics           *metrics.Recorder
	logger            *slog.Logger
	correlationHeader string
	keySalt           string

	mu             sync.RWMutex
	profileSources []string
	skipped        []config.DefinitionSkip
}

// NewAPI validates the options and returns the route handlers.
func NewAPI(logger *slog.Logger, opts APIOptions) (*API, error) {
	if opts.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if opts.Cache == nil {
		return nil, errors.New("server: cache required")
	}
	if opts.Registry == nil {
		return nil, errors.New("server: prefilter registry required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		engine:            opts.Engine,
		cache:             opts.Cache,
		registry:          opts.Registry,
		evidence:          opts.Evidence,
		metrics:           opts.Metrics,
		logger:            logger.With(slog.String("agent", "http_api")),
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		keySalt:           opts.KeySalt,
	}, nil
}

// SetProfileState records the provenance of the installed profiles so the
// health route can report sources and quarantined definitions.
func (a *API) SetProfileState(sources []string, skipped []config.DefinitionSkip) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profileSources = append([]string(nil), sources...)
	a.skipped = append([]config.DefinitionSkip(nil), skipped...)
}

func (a *API) profileState() ([]string, []config.DefinitionSkip) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.profileSources...), append([]config.DefinitionSkip(nil), a.skipped...)
}

// contractRequest is the wire form of a contract.Spec. A missing
// economy_rules field selects the defaults; an explicit empty list disables
// them.
type contractRequest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	CachePolicy  string          `json:"cache_policy"`
	Schema       json.RawMessage `json:"schema"`
	EconomyRules *[]string       `json:"economy_rules"`
}

func (c contractRequest) spec() (contract.Spec, error) {
	policy, ok := contract.PolicyByName(strings.TrimSpace(c.CachePolicy))
	if !ok {
		return contract.Spec{}, fmt.Errorf("unknown cache_policy %q", c.CachePolicy)
	}
	schema, err := decodeOptional(c.Schema)
	if err != nil {
		return contract.Spec{}, fmt.Errorf("schema: %w", err)
	}
	spec := contract.NewSpec(c.Name, c.Version, policy, schema)
	if c.EconomyRules != nil {
		spec.EconomyRules = append([]string{}, (*c.EconomyRules)...)
	}
	if err := spec.Validate(); err != nil {
		return contract.Spec{}, err
	}
	return spec, nil
}

type promptRequest struct {
	Contract     contractRequest `json:"contract"`
	Payload      json.RawMessage `json:"payload"`
	Salt         string          `json:"salt"`
	PatchAgainst json.RawMessage `json:"patch_against"`
	ContractText *string         `json:"contract_text"`
}

type promptResponse struct {
	Prompt   string `json:"prompt"`
	CacheKey string `json:"cache_key"`
	Cached   bool   `json:"cached"`
	Value    any    `json:"value,omitempty"`
}

func (a *API) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	spec, err := req.Contract.spec()
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("contract: %v", err))
		return
	}
	payload, err := decodeOptional(req.Payload)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("payload: %v", err))
		return
	}
	salt := req.Salt
	if salt == "" {
		salt = a.keySalt
	}
	opts := []engine.BuildOption{engine.WithSalt(salt)}
	if len(req.PatchAgainst) > 0 {
		base, err := decodeOptional(req.PatchAgainst)
		if err != nil {
			a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("patch_against: %v", err))
			return
		}
		opts = append(opts, engine.WithPatchAgainst(base))
	}
	if req.ContractText != nil {
		opts = append(opts, engine.WithContractText(*req.ContractText))
	}

	text, key, err := a.engine.BuildPromptAndCacheKey(r.Context(), spec, payload, opts...)
	if err != nil {
		a.writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	resp := promptResponse{Prompt: text, CacheKey: key}
	if value, ok := a.engine.TryCache(r.Context(), key); ok {
		resp.Cached = true
		resp.Value = value
	}
	a.writeJSON(w, r, http.StatusOK, resp)
}

type cacheLookupResponse struct {
	Key       string      `json:"key"`
	Outcome   string      `json:"outcome"`
	Meta      *cache.Meta `json:"meta,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Value     any         `json:"value,omitempty"`
}

func (a *API) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := cache.ValidateKey(key); err != nil {
		a.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entry, outcome := a.engine.Lookup(r.Context(), key)
	resp := cacheLookupResponse{Key: key, Outcome: string(outcome)}
	if outcome != cache.OutcomeMiss && outcome != cache.OutcomeCorrupt {
		meta := entry.Meta
		expires := entry.ExpiresAt().UTC()
		resp.Meta = &meta
		resp.ExpiresAt = &expires
	}
	if outcome != cache.OutcomeHit {
		a.writeJSON(w, r, http.StatusNotFound, resp)
		return
	}
	resp.Value = entry.Value
	a.writeJSON(w, r, http.StatusOK, resp)
}

type cacheStoreRequest struct {
	Contract contractRequest `json:"contract"`
	Payload  json.RawMessage `json:"payload"`
	Value    json.RawMessage `json:"value"`
}

type cacheStoreResponse struct {
	Key        string `json:"key"`
	Stored     bool   `json:"stored"`
	NeedsHuman bool   `json:"needs_human,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (a *API) handleCachePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := cache.ValidateKey(key); err != nil {
		a.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req cacheStoreRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if len(req.Value) == 0 {
		a.writeError(w, r, http.StatusBadRequest, "value required")
		return
	}
	spec, err := req.Contract.spec()
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("contract: %v", err))
		return
	}
	payload, err := decodeOptional(req.Payload)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("payload: %v", err))
		return
	}
	value, err := canonical.Decode(req.Value)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("value: %v", err))
		return
	}
	if err := a.engine.SaveCache(r.Context(), key, value, spec, payload); err != nil {
		a.logger.Error("cache store failed", slog.String("key", key), slog.Any("error", err))
		a.writeError(w, r, http.StatusInternalServerError, "cache store failed")
		return
	}
	resp := cacheStoreResponse{Key: key, Stored: true}
	var needsHuman *contract.NeedsHumanError
	if err := a.engine.CheckResult(spec, value); errors.As(err, &needsHuman) {
		resp.NeedsHuman = true
		resp.Reason = needsHuman.Reason
	}
	a.writeJSON(w, r, http.StatusOK, resp)
}

func (a *API) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := cache.ValidateKey(key); err != nil {
		a.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := a.engine.Invalidate(r.Context(), key)
	if err != nil {
		a.logger.Error("cache invalidate failed", slog.String("key", key), slog.Any("error", err))
		a.writeError(w, r, http.StatusInternalServerError, "cache invalidate failed")
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{"key": key, "removed": removed})
}

// prefilterRequest keeps candidates raw so the envelope is decoded strictly
// while the upstream records may carry fields the prefilter does not read.
type prefilterRequest struct {
	Candidates json.RawMessage `json:"candidates"`
}

type prefilterResponse struct {
	Profile      string         `json:"profile"`
	NeedsHuman   bool           `json:"needs_human"`
	ReasonCounts map[string]int `json:"reason_counts"`
	prefilter.Result
}

func (a *API) handlePrefilter(w http.ResponseWriter, r *http.Request) {
	profile := r.PathValue("profile")
	var req prefilterRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	candidates, err := decodeCandidates(req.Candidates)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("candidates: %v", err))
		return
	}
	res, err := a.registry.Run(profile, candidates)
	if err != nil {
		if errors.Is(err, prefilter.ErrUnknownProfile) {
			a.writeError(w, r, http.StatusNotFound, fmt.Sprintf("profile %q not found", profile))
			return
		}
		a.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, r, http.StatusOK, prefilterResponse{
		Profile:      profile,
		NeedsHuman:   res.NeedsHuman(),
		ReasonCounts: res.ReasonCounts(),
		Result:       res,
	})
}

func decodeCandidates(raw json.RawMessage) ([]prefilter.Candidate, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var candidates []prefilter.Candidate
	if err := json.Unmarshal(raw, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

type evidenceRequest struct {
	URL         string          `json:"url"`
	CurrentText string          `json:"current_text"`
	SourceName  string          `json:"source_name"`
	Evidence    json.RawMessage `json:"evidence"`
}

func (a *API) handleEvidenceLookup(w http.ResponseWriter, r *http.Request) {
	if !a.evidenceEnabled(w, r) {
		return
	}
	var req evidenceRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		a.writeError(w, r, http.StatusBadRequest, "url required")
		return
	}
	value, result := a.evidence.Lookup(req.URL, req.CurrentText)
	resp := map[string]any{"url": req.URL, "result": string(result)}
	if result != evidence.ResultHit {
		a.writeJSON(w, r, http.StatusNotFound, resp)
		return
	}
	resp["evidence"] = value
	a.writeJSON(w, r, http.StatusOK, resp)
}

func (a *API) handleEvidencePut(w http.ResponseWriter, r *http.Request) {
	if !a.evidenceEnabled(w, r) {
		return
	}
	var req evidenceRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		a.writeError(w, r, http.StatusBadRequest, "url required")
		return
	}
	value, err := decodeOptional(req.Evidence)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("evidence: %v", err))
		return
	}
	if err := a.evidence.Put(req.URL, req.CurrentText, req.SourceName, value); err != nil {
		a.logger.Error("evidence store failed", slog.String("url", req.URL), slog.Any("error", err))
		a.writeError(w, r, http.StatusInternalServerError, "evidence store failed")
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{"url": req.URL, "url_hash": evidence.URLHash(req.URL), "stored": true})
}

func (a *API) handleEvidenceDelete(w http.ResponseWriter, r *http.Request) {
	if !a.evidenceEnabled(w, r) {
		return
	}
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		a.writeError(w, r, http.StatusBadRequest, "url query parameter required")
		return
	}
	removed, err := a.evidence.Invalidate(url)
	if err != nil {
		a.logger.Error("evidence invalidate failed", slog.String("url", url), slog.Any("error", err))
		a.writeError(w, r, http.StatusInternalServerError, "evidence invalidate failed")
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]any{"url": url, "removed": removed})
}

func (a *API) evidenceEnabled(w http.ResponseWriter, r *http.Request) bool {
	if a.evidence != nil {
		return true
	}
	a.writeError(w, r, http.StatusServiceUnavailable, "evidence store not configured")
	return false
}

// handleHealth reports cache size, installed profiles and any definitions
// the loader quarantined. Quarantined definitions degrade the status.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	cacheSize, err := a.cache.Size(r.Context())
	if err != nil {
		a.logger.Error("cache size query failed", slog.Any("error", err))
		cacheSize = 0
	}
	sources, skipped := a.profileState()
	status := map[string]any{
		"status":       "ok",
		"cacheBackend": a.cache.Backend().Name(),
		"cacheEntries": cacheSize,
		"observedAt":   time.Now().UTC(),
		"profiles":     a.registry.Names(),
	}
	if len(sources) > 0 {
		status["profileSources"] = sources
	}
	if len(skipped) > 0 {
		status["status"] = "degraded"
		status["skippedDefinitions"] = skipped
	}
	if entries, err := a.evidenceEntries(); err == nil && a.evidence != nil {
		status["evidenceEntries"] = entries
	}
	a.writeJSON(w, r, http.StatusOK, status)
}

func (a *API) evidenceEntries() (int, error) {
	if a.evidence == nil {
		return 0, nil
	}
	entries, err := a.evidence.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// correlationID returns the inbound correlation header or a fresh UUID.
func (a *API) correlationID(r *http.Request) string {
	if r != nil && a.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(a.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		a.writeError(w, r, http.StatusBadRequest, "invalid request body: trailing data")
		return false
	}
	return true
}

// decodeOptional keeps numbers as json.Number so payloads hash identically to
// library callers. An absent field decodes to nil.
func decodeOptional(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return canonical.Decode(raw)
}

func (a *API) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}

// writeError emits a JSON error payload carrying the request correlation id.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	payload := map[string]any{"error": message}
	if id := correlationIDFromContext(r.Context()); id != "" {
		payload["correlationId"] = id
	}
	a.writeJSON(w, r, status, payload)
}
