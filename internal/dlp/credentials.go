package dlp

import (
	"fmt"
	"sort"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// TypeCredential is the PII type reported for detected secrets.
const TypeCredential = "credential"

// CredentialMask replaces secrets found by the credential detector.
const CredentialMask = "[REDACTED_SECRET]"

// CredentialDetector finds API keys, tokens and private keys using the
// gitleaks default rule set.
type CredentialDetector struct {
	cfg gitleaksConfig.Config
}

// NewCredentialDetector loads the gitleaks default configuration once.
// Allow-list regexes, if any, are merged into it.
func NewCredentialDetector(allowlist *Allowlist) (*CredentialDetector, error) {
	base, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks config: %w", err)
	}
	if allowlist != nil && len(allowlist.compiled) > 0 {
		entry := &gitleaksConfig.Allowlist{Description: "cortexd dlp allowlist"}
		for _, re := range allowlist.compiled {
			entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		base.Config.Allowlists = append(base.Config.Allowlists, entry)
	}
	return &CredentialDetector{cfg: base.Config}, nil
}

// secrets returns the distinct secrets in text, longest first. A detector
// accumulates findings, so each scan gets a fresh one.
func (d *CredentialDetector) secrets(text string) []string {
	findings := detect.NewDetector(d.cfg).DetectString(text)
	seen := make(map[string]bool, len(findings))
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		if f.Secret == "" || seen[f.Secret] {
			continue
		}
		seen[f.Secret] = true
		out = append(out, f.Secret)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// Mask replaces every detected secret with CredentialMask and returns the
// number of replacements.
func (d *CredentialDetector) Mask(text string) (string, int) {
	total := 0
	for _, secret := range d.secrets(text) {
		n := strings.Count(text, secret)
		if n == 0 {
			continue
		}
		total += n
		text = strings.ReplaceAll(text, secret, CredentialMask)
	}
	return text, total
}

// Contains reports whether text holds any detectable secret.
func (d *CredentialDetector) Contains(text string) bool {
	return len(d.secrets(text)) > 0
}
