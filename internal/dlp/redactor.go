package dlp

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/identity"
)

// ErrRedactionInvariant is returned by Verify when a recognized pattern is
// still present in text that should have been redacted.
var ErrRedactionInvariant = errors.New("redaction invariant violated")

// Redactor applies the DLP policy. It is safe for concurrent use and holds
// no mutable state after construction.
type Redactor struct {
	enabled bool
	rules   []*compiledRule
	allow   []*regexp.Regexp
	creds   *CredentialDetector
}

// Option configures a Redactor.
type Option func(*Redactor)

// WithCredentialDetector masks secrets found by d after the PII rules.
func WithCredentialDetector(d *CredentialDetector) Option {
	return func(r *Redactor) { r.creds = d }
}

// WithAllowlist adds allow-list patterns loaded from a file.
func WithAllowlist(a *Allowlist) Option {
	return func(r *Redactor) {
		if a != nil {
			r.allow = append(r.allow, a.compiled...)
		}
	}
}

// New creates a Redactor. A nil config uses DefaultConfig().
func New(cfg *Config, opts ...Option) (*Redactor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dlp config: %w", err)
	}
	r := &Redactor{
		enabled: cfg.Enabled,
		rules:   cfg.compiledRules,
		allow:   append([]*regexp.Regexp{}, cfg.compiledAllowList...),
	}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.DetectCredentials && r.creds == nil {
		d, err := NewCredentialDetector(nil)
		if err != nil {
			return nil, err
		}
		r.creds = d
	}
	return r, nil
}

// FromSettings builds the process Redactor from the dlp config section,
// loading the allow-list file and the credential detector when configured.
func FromSettings(s config.DLPConfig) (*Redactor, error) {
	allowlist, err := LoadAllowlist(s.AllowlistPath)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Enabled = s.Enabled

	opts := []Option{WithAllowlist(allowlist)}
	if s.DetectCredentials {
		d, err := NewCredentialDetector(allowlist)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCredentialDetector(d))
	}
	return New(cfg, opts...)
}

// MustNew is New for static configurations; it panics on error.
func MustNew(cfg *Config, opts ...Option) *Redactor {
	r, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Enabled reports the global kill switch.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// Applies reports whether text shown to a caller at level must be redacted.
// The global switch always wins: disabled means nobody is redacted.
func (r *Redactor) Applies(level identity.DLPLevel) bool {
	return r.enabled && level != identity.DLPPrivileged
}

// Redact masks every recognized pattern when the policy applies to level,
// and returns text unchanged otherwise.
func (r *Redactor) Redact(text string, level identity.DLPLevel) string {
	return r.Scrub(text, level).Redacted
}

// Scrub is Redact with a report of what was masked.
func (r *Redactor) Scrub(text string, level identity.DLPLevel) *Result {
	if !r.Applies(level) {
		return &Result{Redacted: text, ByType: map[string]int{}}
	}
	return r.scrub(text)
}

func (r *Redactor) scrub(text string) *Result {
	res := &Result{Applied: true, ByType: map[string]int{}}
	out := text
	for _, rule := range r.rules {
		out = rule.replace(out, func(match string) (string, bool) {
			if r.isAllowed(match) {
				return "", false
			}
			res.Findings = append(res.Findings, Finding{RuleID: rule.ID, Type: rule.Type, Severity: rule.Severity})
			res.ByType[rule.Type]++
			return rule.Mask, true
		})
	}
	if r.creds != nil {
		var n int
		out, n = r.creds.Mask(out)
		for i := 0; i < n; i++ {
			res.Findings = append(res.Findings, Finding{RuleID: "credential", Type: TypeCredential, Severity: SeverityCredential})
		}
		if n > 0 {
			res.ByType[TypeCredential] += n
		}
	}
	res.Redacted = out
	return res
}

// Verify checks text that has been through Redact for level. It returns an
// error wrapping ErrRedactionInvariant naming the first surviving rule; the
// matched value is never included.
func (r *Redactor) Verify(text string, level identity.DLPLevel) error {
	if !r.Applies(level) {
		return nil
	}
	for _, rule := range r.rules {
		leaked := false
		rule.each(text, func(match string) bool {
			leaked = !r.isAllowed(match)
			return !leaked
		})
		if leaked {
			invariantViolations.WithLabelValues(rule.ID).Inc()
			return fmt.Errorf("%w: rule %s", ErrRedactionInvariant, rule.ID)
		}
	}
	if r.creds != nil && r.creds.Contains(text) {
		invariantViolations.WithLabelValues("credential").Inc()
		return fmt.Errorf("%w: rule credential", ErrRedactionInvariant)
	}
	return nil
}

// Detect returns the PII types present in text regardless of policy. Rules
// see the text in the same order as Redact, so a span is attributed to one
// type only.
func (r *Redactor) Detect(text string) map[string]bool {
	found := make(map[string]bool)
	for typ := range r.scrub(text).ByType {
		found[typ] = true
	}
	return found
}

func (r *Redactor) isAllowed(match string) bool {
	for _, pattern := range r.allow {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}
