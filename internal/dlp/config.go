package dlp

import (
	"fmt"
	"regexp"
)

// Severity groups rules for sensitivity classification.
type Severity string

const (
	// SeverityIdentifier marks strong identifiers: national ID, tax ID, card.
	SeverityIdentifier Severity = "identifier"
	// SeverityContact marks contact details: email, phone.
	SeverityContact Severity = "contact"
	// SeverityCredential marks secrets found by the credential detector.
	SeverityCredential Severity = "credential"
)

// Config configures a Redactor.
type Config struct {
	// Enabled is the global kill switch. When false nobody is redacted.
	Enabled bool `koanf:"enabled"`

	// Rules are applied in order. Defaults to DefaultRules().
	Rules []Rule `koanf:"rules"`

	// AllowList holds content patterns that are never redacted, such as
	// published support numbers.
	AllowList []string `koanf:"allow_list"`

	// DetectCredentials also masks API keys and tokens found by gitleaks.
	DetectCredentials bool `koanf:"detect_credentials"`

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
}

// Rule defines one PII shape and its replacement.
type Rule struct {
	ID          string `koanf:"id"`
	Description string `koanf:"description"`
	Pattern     string `koanf:"pattern"`

	// Type is the PII type reported by Classify. Defaults to ID.
	Type string `koanf:"type"`

	// Mask replaces every match. It must not itself match any rule.
	Mask     string   `koanf:"mask"`
	Severity Severity `koanf:"severity"`

	// DigitBounded rejects matches that touch another digit. Letters and
	// punctuation around the value do not stop a match.
	DigitBounded bool `koanf:"digit_bounded"`

	// Checksum validates each match: "luhn" or empty.
	Checksum string `koanf:"checksum"`
}

// ChecksumLuhn accepts digit sequences that pass the Luhn mod-10 check.
const ChecksumLuhn = "luhn"

// DefaultConfig returns an enabled configuration with the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Rules:     DefaultRules(),
		AllowList: []string{},
	}
}

// Validate compiles rules and allow-list patterns.
func (c *Config) Validate() error {
	if len(c.Rules) == 0 {
		c.Rules = DefaultRules()
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	seen := make(map[string]bool, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: ID is required", i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("rule %s: duplicate ID", rule.ID)
		}
		seen[rule.ID] = true
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		if rule.Mask == "" {
			return fmt.Errorf("rule %s: mask is required", rule.ID)
		}
		if rule.Type == "" {
			rule.Type = rule.ID
		}
		compiled, err := compileRule(rule)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		c.compiledRules = append(c.compiledRules, compiled)
	}

	// A mask that matches a rule would break idempotence.
	for _, r := range c.compiledRules {
		for _, other := range c.compiledRules {
			if _, _, found := other.find(r.Mask, 0); found {
				return fmt.Errorf("rule %s: mask %q matches rule %s", r.ID, r.Mask, other.ID)
			}
		}
	}

	c.compiledAllowList = make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, pattern := range c.AllowList {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, compiled)
	}
	return nil
}
