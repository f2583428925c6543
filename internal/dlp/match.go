package dlp

import (
	"fmt"
	"regexp"
	"strings"
)

type compiledRule struct {
	Rule
	pattern *regexp.Regexp
	whole   *regexp.Regexp
	check   func(string) bool
}

func compileRule(rule Rule) (*compiledRule, error) {
	pattern, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	whole, err := regexp.Compile(`^(?:` + rule.Pattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	cr := &compiledRule{Rule: rule, pattern: pattern, whole: whole}
	switch rule.Checksum {
	case "":
	case ChecksumLuhn:
		cr.check = luhnValid
	default:
		return nil, fmt.Errorf("unknown checksum %q", rule.Checksum)
	}
	return cr, nil
}

// find returns the first match starting at or after from.
//
// Digit-bounded rules never split a digit run. A candidate that is
// followed by a digit, or fails its checksum, is shortened to the longest
// prefix that ends a digit run and still satisfies the whole rule, so a
// grouped card followed by another number is still found.
func (r *compiledRule) find(text string, from int) (start, end int, found bool) {
	for from < len(text) {
		loc := r.pattern.FindStringIndex(text[from:])
		if loc == nil {
			return 0, 0, false
		}
		start, end = from+loc[0], from+loc[1]
		if end == start {
			from = start + 1
			continue
		}
		if !r.DigitBounded {
			if r.check == nil || r.check(text[start:end]) {
				return start, end, true
			}
			from = start + 1
			continue
		}
		if !digitAt(text, start) || !digitAt(text, start-1) {
			for e := end; e > start; e-- {
				if !digitAt(text, e-1) || digitAt(text, e) {
					continue
				}
				if r.accepts(text[start:e]) {
					return start, e, true
				}
			}
		}
		from = start + 1
	}
	return 0, 0, false
}

func (r *compiledRule) accepts(value string) bool {
	if !r.whole.MatchString(value) {
		return false
	}
	return r.check == nil || r.check(value)
}

// replace rewrites every match with fn's result. Matches fn declines are
// kept as they are.
func (r *compiledRule) replace(text string, fn func(value string) (string, bool)) string {
	var b strings.Builder
	last, from := 0, 0
	for {
		start, end, found := r.find(text, from)
		if !found {
			break
		}
		if repl, ok := fn(text[start:end]); ok {
			b.WriteString(text[last:start])
			b.WriteString(repl)
			last = end
		}
		from = end
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

func (r *compiledRule) each(text string, fn func(value string) bool) {
	for from := 0; ; {
		start, end, found := r.find(text, from)
		if !found || !fn(text[start:end]) {
			return
		}
		from = end
	}
}

func digitAt(text string, i int) bool {
	return i >= 0 && i < len(text) && text[i] >= '0' && text[i] <= '9'
}

// luhnValid runs the mod-10 check over the digits of s, ignoring separators.
func luhnValid(s string) bool {
	var sum, n int
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n > 1 && sum%10 == 0
}
