package dlp

import "fmt"

// Sensitivity is the PII sensitivity of an ingested chunk.
type Sensitivity string

const (
	SensitivityNone   Sensitivity = "none"
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// ParseSensitivity parses a stored sensitivity label. Empty means none.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch Sensitivity(s) {
	case "", SensitivityNone:
		return SensitivityNone, nil
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return Sensitivity(s), nil
	default:
		return "", fmt.Errorf("unknown sensitivity %q", s)
	}
}

// Classification summarizes the PII found in a chunk.
type Classification struct {
	HasPII bool `json:"has_pii"`
	// ByType has an entry for every known type, found or not.
	ByType      map[string]bool `json:"by_type"`
	Sensitivity Sensitivity     `json:"sensitivity"`
}

// Classify scores text for storage alongside its chunk:
//
//   - no PII: none
//   - only contact details (email, phone): low
//   - one identifier type (national ID, tax ID, card) or a credential: medium
//   - a card with any other PII, or two identifier types: high
//
// Classification ignores the enable flag; chunks are scored even when
// answers are not redacted.
func (r *Redactor) Classify(text string) Classification {
	found := r.Detect(text)

	c := Classification{ByType: make(map[string]bool), Sensitivity: SensitivityNone}
	severity := make(map[string]Severity, len(r.rules)+1)
	for _, rule := range r.rules {
		severity[rule.Type] = rule.Severity
		c.ByType[rule.Type] = found[rule.Type]
	}
	severity[TypeCredential] = SeverityCredential
	c.ByType[TypeCredential] = found[TypeCredential]

	var identifiers, others int
	for typ := range found {
		if severity[typ] == SeverityIdentifier {
			identifiers++
		} else {
			others++
		}
	}
	c.HasPII = identifiers+others > 0

	switch {
	case found[RuleCard] && identifiers+others > 1, identifiers > 1:
		c.Sensitivity = SensitivityHigh
	case identifiers == 1, found[TypeCredential]:
		c.Sensitivity = SensitivityMedium
	case others > 0:
		c.Sensitivity = SensitivityLow
	}
	return c
}
