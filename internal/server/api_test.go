package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/l0p7/contractcache/internal/cache"
	"github.com/l0p7/contractcache/internal/config"
	"github.com/l0p7/contractcache/internal/contract"
	"github.com/l0p7/contractcache/internal/engine"
	"github.com/l0p7/contractcache/internal/evidence"
	"github.com/l0p7/contractcache/internal/metrics"
	"github.com/l0p7/contractcache/internal/prefilter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type apiFixture struct {
	api      *API
	expect   *httpexpect.Expect
	metrics  *metrics.Recorder
	registry *prefilter.Registry
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	contracts := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(contracts, "script_writer"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(contracts, "script_writer", "v1.0.0.md"), []byte("Write a short script.\n"), 0o600))

	rec := metrics.NewRecorder(nil)
	c := cache.New(cache.NewMemory(), cache.WithClock(clock), cache.WithMetrics(rec), cache.WithLogger(newTestLogger()))
	eng, err := engine.New(newTestLogger(), engine.Options{
		Store:   contract.NewFileStore(contracts),
		Cache:   c,
		Metrics: rec,
	})
	require.NoError(t, err)

	ev, err := evidence.New(t.TempDir(), 3600, evidence.WithClock(clock), evidence.WithMetrics(rec))
	require.NoError(t, err)

	registry := prefilter.NewRegistry(newTestLogger(), rec)
	registry.Replace([]prefilter.Profile{{
		Name: "usb-hubs",
		Criteria: prefilter.Criteria{
			BudgetMin:      20,
			BudgetMax:      50,
			BudgetCurrency: "USD",
			MinRating:      4.0,
			MinReviews:     200,
			ExcludeBrands:  []string{"ExcludedCo"},
			MaxCandidates:  5,
		},
	}})

	api, err := NewAPI(newTestLogger(), APIOptions{
		Engine:            eng,
		Cache:             c,
		Registry:          registry,
		Evidence:          ev,
		Metrics:           rec,
		CorrelationHeader: "X-Request-ID",
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(api))
	t.Cleanup(srv.Close)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
	return apiFixture{api: api, expect: expect, metrics: rec, registry: registry}
}

func scriptWriterContract() map[string]any {
	return map[string]any{
		"name":         "script_writer",
		"version":      "v1.0.0",
		"cache_policy": "daily",
		"schema": map[string]any{
			"type":     "object",
			"required": []string{"status", "hook"},
		},
	}
}

func scriptPayload() map[string]any {
	return map[string]any{
		"product":   map[string]any{"asin": "B0TEST", "title": "USB-C hub"},
		"timestamp": "2026-10-18T10:00:00Z",
	}
}

func TestNewAPIRequiresCollaborators(t *testing.T) {
	_, err := NewAPI(nil, APIOptions{})
	require.Error(t, err)
}

func TestNewHandlerNilAPI(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPromptThenStoreThenHit(t *testing.T) {
	fx := newAPIFixture(t)

	first := fx.expect.POST("/v1/prompt").
		WithJSON(map[string]any{"contract": scriptWriterContract(), "payload": scriptPayload()}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	first.Value("cached").Boolean().IsFalse()
	first.NotContainsKey("value")
	promptText := first.Value("prompt").String().Raw()
	require.True(t, strings.HasPrefix(promptText, "Write a short script."))
	require.Contains(t, promptText, "## ECONOMY RULES")
	require.Contains(t, promptText, "## INPUT PAYLOAD (JSON)")
	key := first.Value("cache_key").String().Raw()
	require.Len(t, key, 64)

	stored := fx.expect.PUT("/v1/cache/"+key).
		WithJSON(map[string]any{
			"contract": scriptWriterContract(),
			"payload":  scriptPayload(),
			"value":    map[string]any{"status": "ok", "hook": "Meet the hub"},
		}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	stored.HasValue("stored", true)
	stored.NotContainsKey("needs_human")

	// A different timestamp is volatile and maps to the same key.
	payload := scriptPayload()
	payload["timestamp"] = "2026-10-19T08:00:00Z"
	second := fx.expect.POST("/v1/prompt").
		WithJSON(map[string]any{"contract": scriptWriterContract(), "payload": payload}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	second.HasValue("cache_key", key)
	second.Value("cached").Boolean().IsTrue()
	second.Value("value").Object().HasValue("hook", "Meet the hub")

	entry := fx.expect.GET("/v1/cache/" + key).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	entry.HasValue("outcome", "hit")
	entry.Value("meta").Object().HasValue("contract", "script_writer/v1.0.0")
	entry.Value("meta").Object().HasValue("cache_policy", "daily")
	entry.Value("meta").Object().HasValue("ttl_seconds", 86400)
	entry.Value("meta").Object().Value("input_digest").String().Length().IsEqual(64)

	fx.expect.DELETE("/v1/cache/" + key).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("removed", true)

	fx.expect.GET("/v1/cache/" + key).
		Expect().
		Status(http.StatusNotFound).
		JSON().Object().HasValue("outcome", "miss")

	fx.expect.DELETE("/v1/cache/" + key).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("removed", false)
}

func TestPromptPatchModeAndOverride(t *testing.T) {
	fx := newAPIFixture(t)

	obj := fx.expect.POST("/v1/prompt").
		WithJSON(map[string]any{
			"contract":      scriptWriterContract(),
			"payload":       scriptPayload(),
			"patch_against": map[string]any{"hook": "old"},
			"contract_text": "Override text.",
			"salt":          "tenant-a",
		}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	text := obj.Value("prompt").String().Raw()
	require.True(t, strings.HasPrefix(text, "Override text."))
	require.Contains(t, text, "## PATCH MODE")
	require.Contains(t, text, `BASE_DOCUMENT:`)

	unsalted := fx.expect.POST("/v1/prompt").
		WithJSON(map[string]any{"contract": scriptWriterContract(), "payload": scriptPayload()}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("cache_key").String().Raw()
	require.NotEqual(t, unsalted, obj.Value("cache_key").String().Raw())
}

func TestPromptRejectsBadRequests(t *testing.T) {
	fx := newAPIFixture(t)

	badPolicy := scriptWriterContract()
	badPolicy["cache_policy"] = "weekly"
	fx.expect.POST("/v1/prompt").
		WithJSON(map[string]any{"contract": badPolicy, "payload": scriptPayload()}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().Contains("weekly")

	noName := scriptWriterContract()
	noName["name"] = ""
	fx.expect.POST("/v1/prompt").
		WithJSON(map[string]any{"contract": noName}).
		Expect().
		Status(http.StatusBadRequest)

	fx.expect.POST("/v1/prompt").
		WithText("{not json").
		Expect().
		Status(http.StatusBadRequest)

	fx.expect.POST("/v1/prompt").
		WithJSON(map[string]any{"contract": scriptWriterContract(), "unknown": true}).
		Expect().
		Status(http.StatusBadRequest)
}

func TestCacheRoutesValidateKeys(t *testing.T) {
	fx := newAPIFixture(t)

	fx.expect.GET("/v1/cache/bad..key").
		Expect().
		Status(http.StatusBadRequest)

	fx.expect.PUT("/v1/cache/abc").
		WithJSON(map[string]any{"contract": scriptWriterContract()}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().HasValue("error", "value required")
}

func TestCacheStoreReportsNeedsHuman(t *testing.T) {
	fx := newAPIFixture(t)

	obj := fx.expect.PUT("/v1/cache/needs-human-key").
		WithJSON(map[string]any{
			"contract": scriptWriterContract(),
			"payload":  scriptPayload(),
			"value":    map[string]any{"status": "needs_human", "reason": "no product facts"},
		}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("stored", true)
	obj.HasValue("needs_human", true)
	obj.HasValue("reason", "no product facts")
}

func TestCacheStoreWithNonePolicyIsDisabled(t *testing.T) {
	fx := newAPIFixture(t)
	noCache := scriptWriterContract()
	noCache["cache_policy"] = "none"

	fx.expect.PUT("/v1/cache/none-key").
		WithJSON(map[string]any{"contract": noCache, "payload": scriptPayload(), "value": map[string]any{"status": "ok"}}).
		Expect().
		Status(http.StatusOK)

	obj := fx.expect.GET("/v1/cache/none-key").
		Expect().
		Status(http.StatusNotFound).
		JSON().Object()
	obj.HasValue("outcome", "disabled")
	obj.Value("meta").Object().HasValue("ttl_seconds", 0)
}

func TestPrefilterRoute(t *testing.T) {
	fx := newAPIFixture(t)

	candidate := func(asin string, price, rating float64, reviews int, brand string) map[string]any {
		return map[string]any{
			"asin": asin,
			"facts": map[string]any{
				"title":   "hub " + asin,
				"price":   map[string]any{"amount": price, "currency": "USD"},
				"rating":  rating,
				"reviews": reviews,
				"brand":   brand,
			},
			"signals": map[string]any{"confidence": 0.9},
		}
	}

	obj := fx.expect.POST("/v1/prefilter/usb-hubs").
		WithJSON(map[string]any{"candidates": []any{
			candidate("B-LOWRATING", 40, 3.9, 1000, "Anker"),
			candidate("B-FEWREVIEWS", 40, 4.5, 50, "Anker"),
			candidate("B-EXCLUDED", 40, 4.5, 1000, "ExcludedCo"),
			candidate("B-VALID", 50, 4.5, 1000, "Anker"),
			candidate("B-OVERBUDGET", 50.01, 4.5, 1000, "Anker"),
		}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	obj.HasValue("profile", "usb-hubs")
	obj.HasValue("needs_human", false)
	obj.Value("accepted").Array().Length().IsEqual(1)
	obj.Value("accepted").Array().Value(0).Object().Value("candidate").Object().HasValue("asin", "B-VALID")
	obj.Value("rejected").Array().Length().IsEqual(4)
	obj.Value("dropped").Array().IsEmpty()
	counts := obj.Value("reason_counts").Object()
	counts.HasValue(prefilter.ReasonRatingTooLow, 1)
	counts.HasValue(prefilter.ReasonPriceOutOfBudget, 1)

	empty := fx.expect.POST("/v1/prefilter/usb-hubs").
		WithJSON(map[string]any{"candidates": []any{}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	empty.HasValue("needs_human", true)

	fx.expect.POST("/v1/prefilter/unknown").
		WithJSON(map[string]any{"candidates": []any{}}).
		Expect().
		Status(http.StatusNotFound)
}

func TestPrefilterRouteAcceptsUnmodelledCandidateFields(t *testing.T) {
	fx := newAPIFixture(t)

	obj := fx.expect.POST("/v1/prefilter/usb-hubs").
		WithJSON(map[string]any{"candidates": []any{
			map[string]any{
				"asin": "B-EXTRA",
				"url":  "https://example.com/dp/B-EXTRA",
				"facts": map[string]any{
					"title":   "hub B-EXTRA",
					"price":   map[string]any{"amount": 45, "currency": "USD", "list": 60},
					"rating":  4.6,
					"reviews": 2000,
					"brand":   "Anker",
					"image":   "https://example.com/i.jpg",
				},
				"signals": map[string]any{"confidence": 0.9, "source": "scrape"},
				"status":  "ok",
			},
		}}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.Value("accepted").Array().Length().IsEqual(1)
	obj.Value("accepted").Array().Value(0).Object().Value("candidate").Object().HasValue("asin", "B-EXTRA")

	fx.expect.POST("/v1/prefilter/usb-hubs").
		WithJSON(map[string]any{"candidates": []any{}, "unknown": true}).
		Expect().
		Status(http.StatusBadRequest)

	fx.expect.POST("/v1/prefilter/usb-hubs").
		WithJSON(map[string]any{"candidates": "not a list"}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().Contains("candidates")
}

func TestEvidenceRoutes(t *testing.T) {
	fx := newAPIFixture(t)
	const url = "https://example.com/product/B0TEST"

	fx.expect.POST("/v1/evidence/lookup").
		WithJSON(map[string]any{"url": url, "current_text": "page v1"}).
		Expect().
		Status(http.StatusNotFound).
		JSON().Object().HasValue("result", "miss")

	fx.expect.PUT("/v1/evidence").
		WithJSON(map[string]any{
			"url":          url,
			"current_text": "page v1",
			"source_name":  "product_page",
			"evidence":     map[string]any{"price": 42},
		}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("stored", true)

	hit := fx.expect.POST("/v1/evidence/lookup").
		WithJSON(map[string]any{"url": url, "current_text": "page v1"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	hit.HasValue("result", "hit")
	hit.Value("evidence").Object().HasValue("price", 42)

	fx.expect.POST("/v1/evidence/lookup").
		WithJSON(map[string]any{"url": url, "current_text": "page v2"}).
		Expect().
		Status(http.StatusNotFound).
		JSON().Object().HasValue("result", "content_changed")

	fx.expect.DELETE("/v1/evidence").
		WithQuery("url", url).
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("removed", true)

	fx.expect.DELETE("/v1/evidence").
		Expect().
		Status(http.StatusBadRequest)
}

func TestHealthReportsProfilesAndSkips(t *testing.T) {
	fx := newAPIFixture(t)

	obj := fx.expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("status", "ok")
	obj.HasValue("cacheBackend", "memory")
	obj.HasValue("cacheEntries", 0)
	obj.Value("profiles").Array().ContainsOnly("usb-hubs")

	fx.api.SetProfileState([]string{"profiles.yaml"}, []config.DefinitionSkip{{
		Kind:    "profile",
		Name:    "dup",
		Reason:  "duplicate definition",
		Sources: []string{"a.yaml", "b.yaml"},
	}})

	degraded := fx.expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	degraded.HasValue("status", "degraded")
	degraded.Value("profileSources").Array().ContainsOnly("profiles.yaml")
	degraded.Value("skippedDefinitions").Array().Length().IsEqual(1)
}

func TestCorrelationHeaderAndMetrics(t *testing.T) {
	fx := newAPIFixture(t)

	fx.expect.GET("/healthz").
		WithHeader("X-Request-ID", "req-123").
		Expect().
		Status(http.StatusOK).
		Header("X-Request-ID").IsEqual("req-123")

	generated := fx.expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		Header("X-Request-ID").NotEmpty().Raw()
	require.Len(t, generated, 36)

	fx.expect.GET("/v1/nothing-here").
		Expect().
		Status(http.StatusNotFound)

	body := fx.expect.GET("/metrics").
		Expect().
		Status(http.StatusOK).
		Body().Raw()
	require.Contains(t, body, "contractcache_http_requests_total")
	require.Contains(t, body, `route="GET /healthz"`)
	require.Contains(t, body, `route="unmatched"`)
}
