package ingest

import (
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	// DefaultChunkSize is the target chunk length in characters.
	DefaultChunkSize = 400
	// DefaultChunkOverlap is the characters shared by neighbouring chunks.
	DefaultChunkOverlap = 40
)

var (
	defaultSeparators  = []string{"\n\n", "\n", ". ", " ", ""}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ",
		"\n\n", "\n", ". ", " ", "",
	}
)

// Chunker splits documents into overlapping chunks, preferring structural
// boundaries for the file type.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a Chunker. A non-positive size or a negative overlap
// selects the default; an overlap of at least size is clamped below it.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 10
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the non-blank chunks of text in document order.
func (c *Chunker) Split(filename, text string) ([]string, error) {
	parts, err := c.splitterFor(filename).SplitText(text)
	if err != nil {
		return nil, err
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Chunker) splitterFor(filename string) textsplitter.TextSplitter {
	separators := defaultSeparators
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		separators = markdownSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.size),
		textsplitter.WithChunkOverlap(c.overlap),
		textsplitter.WithSeparators(separators),
	)
}
