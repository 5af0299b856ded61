package contract

import (
	"errors"
	"fmt"
	"strings"
)

// Identity is the part of a Spec that participates in cache keys.
type Identity struct {
	Name    string
	Version string
	Policy  string
}

// Contract renders the identity as name/version.
func (i Identity) Contract() string { return i.Name + "/" + i.Version }

// Spec describes one generation contract. Schema and EconomyRules only shape
// the prompt text; changing their meaning requires a Version bump because they
// are not hashed into the cache key.
type Spec struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Policy       Policy   `json:"cache_policy"`
	Schema       any      `json:"schema"`
	EconomyRules []string `json:"economy_rules"`
}

// DefaultEconomyRules are the token-economy instructions attached to every
// contract unless a spec supplies its own list.
func DefaultEconomyRules() []string {
	return []string{
		"Return ONLY valid JSON matching the schema. No prose, no markdown fences.",
		"Do not restate or echo the input payload.",
		"Prefer short, concrete values over long explanations.",
		"If the input is insufficient, set status to \"needs_human\" and list what is missing instead of guessing.",
	}
}

// NewSpec builds a Spec carrying the default economy rules.
func NewSpec(name, version string, policy Policy, schema any) Spec {
	return Spec{
		Name:         name,
		Version:      version,
		Policy:       policy,
		Schema:       schema,
		EconomyRules: DefaultEconomyRules(),
	}
}

// Identity returns the (name, version, policy name) triple.
func (s Spec) Identity() Identity {
	return Identity{Name: s.Name, Version: s.Version, Policy: s.Policy.Name}
}

// Validate checks the fields that make up the identity.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("contract: name required")
	}
	if strings.TrimSpace(s.Version) == "" {
		return fmt.Errorf("contract: %s: version required", s.Name)
	}
	if strings.TrimSpace(s.Policy.Name) == "" {
		return fmt.Errorf("contract: %s/%s: cache policy required", s.Name, s.Version)
	}
	if s.Policy.TTLSeconds < 0 {
		return fmt.Errorf("contract: %s/%s: negative ttl %d", s.Name, s.Version, s.Policy.TTLSeconds)
	}
	return nil
}
