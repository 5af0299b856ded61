package prefilter

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/l0p7/contractcache/internal/metrics"
)

// ErrUnknownProfile is returned when a named profile is not registered.
var ErrUnknownProfile = errors.New("prefilter: unknown profile")

// Profile is a named set of criteria, extension rules included.
type Profile struct {
	Name     string
	Criteria Criteria
}

// Registry serves profiles by name. Replace swaps the whole set atomically so
// in-flight runs keep the snapshot they started with.
type Registry struct {
	profiles atomic.Pointer[map[string]Profile]
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger, rec *metrics.Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:  logger.With(slog.String("agent", "prefilter")),
		metrics: rec,
	}
	empty := map[string]Profile{}
	r.profiles.Store(&empty)
	return r
}

// Replace installs profiles, dropping every previously registered one.
func (r *Registry) Replace(profiles []Profile) {
	next := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		next[p.Name] = p
	}
	r.profiles.Store(&next)
	r.logger.Info("prefilter profiles installed", slog.Int("count", len(next)))
}

// Get returns the named profile.
func (r *Registry) Get(name string) (Profile, bool) {
	p, ok := (*r.profiles.Load())[name]
	return p, ok
}

// Names lists registered profiles in sorted order.
func (r *Registry) Names() []string {
	current := *r.profiles.Load()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run screens candidates with the named profile and records outcome metrics.
func (r *Registry) Run(name string, candidates []Candidate) (Result, error) {
	p, ok := r.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	res := Run(candidates, p.Criteria)

	r.metrics.ObservePrefilter(name, "accepted", "", len(res.Accepted))
	r.metrics.ObservePrefilter(name, "dropped", "", len(res.Dropped))
	for reason, n := range res.ReasonCounts() {
		r.metrics.ObservePrefilter(name, "rejected", reason, n)
	}
	r.logger.Debug("prefilter run",
		slog.String("profile", name),
		slog.Int("candidates", len(candidates)),
		slog.Int("accepted", len(res.Accepted)),
		slog.Int("rejected", len(res.Rejected)),
		slog.Int("dropped", len(res.Dropped)),
	)
	return res, nil
}
