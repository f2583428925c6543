package dlp

// Rule IDs double as the PII type names reported by Classify.
const (
	RuleEmail = "email"
	RulePhone = "phone"
	RuleCard  = "card"
	RuleCUIT  = "cuit"
	RuleDNI   = "dni"
)

// DefaultRules returns the built-in PII rules in application order.
//
// Order matters: emails go first because they may embed digits, and
// international phone numbers precede cards because a long dialing sequence
// has as many digits as a short card number. Tax IDs precede national IDs.
//
// Numeric rules are digit-bounded rather than word-bounded, so a value glued
// to letters ("card4915600297200043") is still found while a fragment of a
// longer digit run is not.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          RuleEmail,
			Description: "Email address",
			Pattern:     `[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`,
			Mask:        "[REDACTED_EMAIL]",
			Severity:    SeverityContact,
		},
		{
			ID:           "phone-international",
			Type:         RulePhone,
			Description:  "Phone number with country code",
			Pattern:      `\+\d{1,3}(?:[ \-]?\(?\d{1,4}\)?){2,4}[ \-]?\d{4}`,
			Mask:         "[REDACTED_PHONE]",
			Severity:     SeverityContact,
			DigitBounded: true,
		},
		{
			ID:           RuleCard,
			Description:  "Payment card number, 13 to 19 digits optionally grouped, Luhn-valid",
			Pattern:      `\d(?:[ .\-_]?\d){12,18}`,
			Mask:         "[REDACTED_CARD]",
			Severity:     SeverityIdentifier,
			DigitBounded: true,
			Checksum:     ChecksumLuhn,
		},
		{
			ID:           RuleCUIT,
			Description:  "Tax ID (CUIT/CUIL)",
			Pattern:      `(?:20|23|24|27|30|33|34)[\-._]?\d{8}[\-._]?\d`,
			Mask:         "[REDACTED_CUIT]",
			Severity:     SeverityIdentifier,
			DigitBounded: true,
		},
		{
			ID:           "phone-grouped",
			Type:         RulePhone,
			Description:  "Ten-digit phone number, area code optionally parenthesized",
			Pattern:      `\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}`,
			Mask:         "[REDACTED_PHONE]",
			Severity:     SeverityContact,
			DigitBounded: true,
		},
		{
			ID:           RuleDNI,
			Description:  "National ID (DNI), plain or dotted",
			Pattern:      `\d{1,2}\.\d{3}\.\d{3}|\d{7,8}`,
			Mask:         "[REDACTED_DNI]",
			Severity:     SeverityIdentifier,
			DigitBounded: true,
		},
		{
			ID:           RulePhone,
			Description:  "Local phone number",
			Pattern:      `(?:0\d{2,4}[ \-]?|\(0?\d{2,4}\)[ \-]?)?(?:15[ \-]?)?\d{3,4}-\d{4}`,
			Mask:         "[REDACTED_PHONE]",
			Severity:     SeverityContact,
			DigitBounded: true,
		},
	}
}
