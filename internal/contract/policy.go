package contract

import "time"

// Policy names a cache lifetime. A zero TTL means results are never served
// from cache.
type Policy struct {
	Name       string `json:"name"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

var (
	PolicyForever = Policy{Name: "forever", TTLSeconds: 100 * 365 * 24 * 60 * 60}
	PolicyDaily   = Policy{Name: "daily", TTLSeconds: 24 * 60 * 60}
	Policy6h      = Policy{Name: "6h", TTLSeconds: 6 * 60 * 60}
	Policy1h      = Policy{Name: "1h", TTLSeconds: 60 * 60}
	PolicyNone    = Policy{Name: "none", TTLSeconds: 0}
)

var policyCatalog = []Policy{PolicyForever, PolicyDaily, Policy6h, Policy1h, PolicyNone}

// Policies returns the fixed policy catalog.
func Policies() []Policy {
	out := make([]Policy, len(policyCatalog))
	copy(out, policyCatalog)
	return out
}

// PolicyByName resolves a catalog policy.
func PolicyByName(name string) (Policy, bool) {
	for _, p := range policyCatalog {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}

// Caches reports whether entries written under the policy can ever hit.
func (p Policy) Caches() bool { return p.TTLSeconds > 0 }

// TTL returns the policy lifetime as a duration.
func (p Policy) TTL() time.Duration { return time.Duration(p.TTLSeconds) * time.Second }
