package dlp

// Result describes one redaction pass.
type Result struct {
	// Redacted is the text after masking. Equal to the input when redaction
	// did not apply.
	Redacted string `json:"redacted"`

	// Applied reports whether the policy required redaction for the level.
	Applied bool `json:"applied"`

	// Findings lists every masked span, in original-text order per rule.
	Findings []Finding `json:"findings,omitempty"`

	// ByType counts masks per PII type.
	ByType map[string]int `json:"by_type,omitempty"`
}

// Finding is a masked span. The matched value is never recorded.
type Finding struct {
	RuleID   string   `json:"rule_id"`
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
}

// Total returns the number of masks applied.
func (r *Result) Total() int {
	return len(r.Findings)
}

// Types returns the PII types found, in rule order.
func (r *Result) Types() []string {
	seen := make(map[string]bool, len(r.ByType))
	types := make([]string, 0, len(r.ByType))
	for _, f := range r.Findings {
		if !seen[f.Type] {
			seen[f.Type] = true
			types = append(types, f.Type)
		}
	}
	return types
}
