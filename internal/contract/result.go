package contract

import (
	"fmt"
	"strings"
)

// StatusNeedsHuman marks a generation result that cannot proceed without
// manual intervention.
const StatusNeedsHuman = "needs_human"

// NeedsHumanError is returned by CheckResult when a generation result asks for
// a human. Callers branch on it with errors.As.
type NeedsHumanError struct {
	Contract string
	Reason   string
	Missing  []string
}

func (e *NeedsHumanError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "contract: %s: needs human", e.Contract)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (missing: %s)", strings.Join(e.Missing, ", "))
	}
	return b.String()
}

// CheckResult inspects a decoded generation result. Objects whose status is
// needs_human produce a *NeedsHumanError; everything else passes.
func CheckResult(contract string, value any) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	status, _ := obj["status"].(string)
	if status != StatusNeedsHuman {
		return nil
	}
	err := &NeedsHumanError{Contract: contract}
	for _, key := range []string{"reason", "notes"} {
		if reason, ok := obj[key].(string); ok && reason != "" {
			err.Reason = reason
			break
		}
	}
	if missing, ok := obj["missing"].([]any); ok {
		for _, m := range missing {
			if s, ok := m.(string); ok && s != "" {
				err.Missing = append(err.Missing, s)
			}
		}
	}
	return err
}
