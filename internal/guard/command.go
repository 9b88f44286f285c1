package guard

import "strings"

// CommandShield is a deterministic, model-free guard: case-insensitive
// substring matching against configured denied/allowed pattern lists.
// Denied always wins; if the allow-list is non-empty, absence of any
// matching allowed pattern also rejects.
type CommandShield struct {
	Denied  []string
	Allowed []string
}

// Check returns a safe Verdict if input passes the shield.
func (s CommandShield) Check(input string) Verdict {
	lower := strings.ToLower(input)

	for _, pattern := range s.Denied {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return Verdict{Safe: false, Reason: "matched denied pattern", Threats: []string{pattern}}
		}
	}

	if len(s.Allowed) == 0 {
		return Verdict{Safe: true}
	}
	for _, pattern := range s.Allowed {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return Verdict{Safe: true}
		}
	}
	return Verdict{Safe: false, Reason: "no allowed pattern matched"}
}
