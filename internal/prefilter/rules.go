package prefilter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/l0p7/contractcache/internal/expr"
)

// RuleDefinition is the declarative form of an extension rule as it appears in
// configuration.
type RuleDefinition struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	When   string `json:"when"`
}

// Rule is a compiled extension rule. When its condition holds the candidate
// is rejected with Reason.
type Rule struct {
	Name      string
	Reason    string
	condition expr.Program
}

// Source returns the CEL condition.
func (r Rule) Source() string { return r.condition.Source() }

// CompileRules compiles definitions in order. Reason defaults to the rule name.
func CompileRules(env *expr.Environment, defs []RuleDefinition) ([]Rule, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	if env == nil {
		return nil, errors.New("prefilter: cel environment required")
	}
	rules := make([]Rule, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("prefilter: rule %d: name required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("prefilter: rule %q declared twice", name)
		}
		seen[name] = struct{}{}
		program, err := env.Compile(def.When)
		if err != nil {
			return nil, fmt.Errorf("prefilter: rule %q: %w", name, err)
		}
		reason := strings.TrimSpace(def.Reason)
		if reason == "" {
			reason = name
		}
		rules = append(rules, Rule{Name: name, Reason: reason, condition: program})
	}
	return rules, nil
}

func evalRules(rules []Rule, cand Candidate, criteria map[string]any) string {
	if len(rules) == 0 {
		return ""
	}
	vars := map[string]any{
		expr.VarCandidate: cand.activation(),
		expr.VarCriteria:  criteria,
	}
	for _, rule := range rules {
		matched, err := rule.condition.EvalBool(vars)
		if err != nil {
			return ReasonRuleError
		}
		if matched {
			return rule.Reason
		}
	}
	return ""
}
