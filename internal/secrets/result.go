package secrets

import "time"

// Result contains the scrubbing result.
type Result struct {
	// Original is the original input content, never serialized.
	Original string `json:"-"`

	// Scrubbed is the content with secrets replaced by redaction markers.
	Scrubbed string `json:"scrubbed"`

	// Findings describes detected secrets without their values.
	Findings []Redaction `json:"findings,omitempty"`

	// TotalFindings is the count of secrets found.
	TotalFindings int `json:"total_findings"`

	// ByRule maps rule IDs to finding counts.
	ByRule map[string]int `json:"by_rule,omitempty"`

	// Duration is how long detection and redaction took.
	Duration time.Duration `json:"duration"`
}

// Redaction records a single redacted secret. It never stores the secret
// value, only metadata for auditing.
type Redaction struct {
	// RuleID identifies which Gitleaks rule matched, e.g. "github-pat".
	RuleID string `json:"rule_id"`

	// Description is the rule's human-readable description.
	Description string `json:"description"`

	// Line is the 1-indexed line where the secret was found.
	Line int `json:"line"`

	// Column is the column where the secret starts.
	Column int `json:"column"`

	// OriginalLen is the length of the redacted secret.
	OriginalLen int `json:"original_len"`

	// Preview is the first few characters, enough to identify the token
	// family without exposing the secret.
	Preview string `json:"preview"`
}

// HasFindings returns true if any secrets were found.
func (r *Result) HasFindings() bool {
	return r.TotalFindings > 0
}

// RuleIDs returns the unique rule IDs that matched.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	return ids
}
