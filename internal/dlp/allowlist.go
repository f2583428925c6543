package dlp

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML is returned when an allow-list file cannot be parsed.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")

	// ErrInvalidRegex is returned when an allow-list pattern does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

// Allowlist holds content patterns exempt from redaction, e.g. a bank's
// published support line.
//
//	[allowlist]
//	description = "public contact numbers"
//	regexes = ['''^0800-555-0100$''']
type Allowlist struct {
	Description string
	Regexes     []string

	compiled []*regexp.Regexp
}

// LoadAllowlist reads an allow-list file. A missing file yields an empty
// allow-list; an unparseable file or bad pattern is an error.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, err
	}

	var file struct {
		Allowlist struct {
			Description string
			Regexes     []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	compiled, err := compileAll(file.Allowlist.Regexes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Allowlist{
		Description: file.Allowlist.Description,
		Regexes:     file.Allowlist.Regexes,
		compiled:    compiled,
	}, nil
}

// Len returns the number of patterns.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.compiled)
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
