package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

type correlationKey struct{}

func correlationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// NewHandler mounts the API routes plus /metrics on a single mux. Every
// request gets a correlation id, an access log line and an HTTP metric
// sample labelled with the matched route pattern.
func NewHandler(api *API) http.Handler {
	if api == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "api unavailable", http.StatusServiceUnavailable)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/prompt", api.handlePrompt)
	mux.HandleFunc("GET /v1/cache/{key}", api.handleCacheGet)
	mux.HandleFunc("PUT /v1/cache/{key}", api.handleCachePut)
	mux.HandleFunc("DELETE /v1/cache/{key}", api.handleCacheDelete)
	mux.HandleFunc("POST /v1/prefilter/{profile}", api.handlePrefilter)
	mux.HandleFunc("POST /v1/evidence/lookup", api.handleEvidenceLookup)
	mux.HandleFunc("PUT /v1/evidence", api.handleEvidencePut)
	mux.HandleFunc("DELETE /v1/evidence", api.handleEvidenceDelete)
	mux.HandleFunc("GET /healthz", api.handleHealth)
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.Handle("GET /metrics", api.metrics.Handler())

	return api.instrument(mux)
}

func (a *API) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := a.correlationID(r)
		if a.correlationHeader != "" {
			w.Header().Set(a.correlationHeader, id)
		}
		r = r.WithContext(context.WithValue(r.Context(), correlationKey{}, id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		a.metrics.ObserveHTTP(route, rec.status, elapsed)
		a.logger.Debug("request served",
			slog.String("correlation_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("latency", elapsed),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
