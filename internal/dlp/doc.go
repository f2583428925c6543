// Package dlp redacts personal data from generated answers.
//
// Redaction is a pure function of the input text, the caller's clearance and
// the process-wide enable flag. Every recognized match is replaced with a
// pattern-specific mask such as [REDACTED_CARD], so the answer keeps its
// shape. Masks never match any rule, which makes Redact idempotent.
//
// The same rule set backs Verify, the post-redaction check that withholds an
// answer when a pattern survives, and Classify, which scores ingested chunks.
package dlp
