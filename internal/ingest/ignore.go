package ingest

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultIgnoreFiles are read from the ingest root, in order.
var DefaultIgnoreFiles = []string{".cortexignore", ".gitignore"}

// ignorePatterns reads gitignore-style files in root and returns their
// entries as doublestar patterns. Missing files are skipped.
func ignorePatterns(root string, files []string) ([]string, error) {
	var patterns []string
	seen := make(map[string]bool)
	for _, name := range files {
		lines, err := readIgnoreFile(filepath.Join(root, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, p := range lines {
			if !seen[p] {
				seen[p] = true
				patterns = append(patterns, p)
			}
		}
	}
	return patterns, nil
}

func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if p := ignoreLine(scanner.Text()); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns, scanner.Err()
}

// ignoreLine converts one gitignore line. Comments, blanks and negations
// (unsupported) yield "".
func ignoreLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}

	pattern := strings.TrimPrefix(line, "/")
	if strings.HasSuffix(pattern, "/") {
		pattern += "**"
	}
	// A bare name matches at any depth.
	if !strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "*") {
		pattern = "**/" + pattern
	}
	// Extension-less names are treated as directories.
	if !strings.HasSuffix(pattern, "/**") && !strings.HasSuffix(pattern, "/*") && !strings.Contains(pattern, ".") {
		pattern += "/**"
	}
	return pattern
}
