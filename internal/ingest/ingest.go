// Package ingest loads a directory of documents into one tenant's chunks.
//
// Files are selected with doublestar include and exclude globs, split into
// overlapping chunks, classified for PII sensitivity, embedded in batches and
// upserted through the tenant-filtered retriever. Chunk IDs are derived from
// (tenant, source, ordinal), and every selected file's previous chunks are
// deleted before its new ones are written, so re-ingesting a directory
// replaces its chunks even when a file shrank.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/vectorstore"
)

var (
	// ErrInvalidOptions is returned for a missing tenant or a bad pattern.
	ErrInvalidOptions = errors.New("invalid ingest options")

	// ErrInvalidPath is returned when the root is not a readable directory.
	ErrInvalidPath = errors.New("invalid ingest path")
)

// chunkNamespace scopes the UUIDv5 chunk IDs.
var chunkNamespace = uuid.MustParse("6f1d9d3e-5c1b-4f7e-9a57-0c2a8f3e1b44")

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
	".cache":       true,
}

const (
	defaultMaxFileSize = 1 << 20
	maxMaxFileSize     = 10 << 20
	defaultBatchSize   = 32
	defaultConcurrency = 4
)

// Indexer writes documents for a tenant. *vectorstore.Retriever implements it.
type Indexer interface {
	Index(ctx context.Context, tenantID string, docs []vectorstore.Document) error
	DeleteSource(ctx context.Context, tenantID, sourceID string) error
}

// Classifier scores chunk text. *dlp.Redactor implements it.
type Classifier interface {
	Classify(text string) dlp.Classification
}

// Options configures one ingest run.
type Options struct {
	// TenantID is required. Every chunk is written under it.
	TenantID string

	// IncludePatterns are doublestar globs matched against slash-separated
	// paths relative to the root. Empty includes everything.
	IncludePatterns []string

	// ExcludePatterns take precedence over includes.
	ExcludePatterns []string

	// IgnoreFiles are gitignore-style files read from the root and added to
	// the excludes. Nil selects DefaultIgnoreFiles; empty disables them.
	IgnoreFiles []string

	// MaxFileSize in bytes. Default 1MB, maximum 10MB.
	MaxFileSize int64

	ChunkSize    int
	ChunkOverlap int

	// BatchSize is the number of chunks per embedding call.
	BatchSize int
	// Concurrency bounds the batches in flight.
	Concurrency int
}

// Result summarizes an ingest run.
type Result struct {
	Path          string                  `json:"path"`
	TenantID      string                  `json:"tenant_id"`
	FilesIndexed  int                     `json:"files_indexed"`
	FilesSkipped  int                     `json:"files_skipped"`
	ChunksIndexed int                     `json:"chunks_indexed"`
	BySensitivity map[dlp.Sensitivity]int `json:"by_sensitivity"`
	IndexedAt     time.Time               `json:"indexed_at"`
}

// Service ingests directories.
type Service struct {
	indexer    Indexer
	embedder   vectorstore.Embedder
	classifier Classifier
	logger     *logging.Logger
}

// NewService creates a Service.
func NewService(indexer Indexer, embedder vectorstore.Embedder, classifier Classifier, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{indexer: indexer, embedder: embedder, classifier: classifier, logger: logger.Named("ingest")}
}

type pending struct {
	source  string
	ordinal int
	text    string
}

// IngestDirectory walks root and indexes every selected file.
func (s *Service) IngestDirectory(ctx context.Context, root string, opts Options) (*Result, error) {
	if strings.TrimSpace(opts.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidOptions)
	}
	root, err := validateRoot(root)
	if err != nil {
		return nil, err
	}
	if err := applyDefaults(&opts); err != nil {
		return nil, err
	}

	ignoreFiles := opts.IgnoreFiles
	if ignoreFiles == nil {
		ignoreFiles = DefaultIgnoreFiles
	}
	ignored, err := ignorePatterns(root, ignoreFiles)
	if err != nil {
		return nil, fmt.Errorf("reading ignore files: %w", err)
	}
	excludes := append(append([]string{}, opts.ExcludePatterns...), ignored...)

	chunker := NewChunker(opts.ChunkSize, opts.ChunkOverlap)
	res := &Result{Path: root, TenantID: opts.TenantID, BySensitivity: map[dlp.Sensitivity]int{}}

	var (
		chunks  []pending
		sources []string
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)
		if !selected(rel, opts.IncludePatterns, excludes) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() || info.Size() > opts.MaxFileSize {
			res.FilesSkipped++
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		if !utf8.Valid(content) {
			res.FilesSkipped++
			return nil
		}

		parts, err := chunker.Split(rel, string(content))
		if err != nil {
			return fmt.Errorf("splitting %s: %w", rel, err)
		}
		sources = append(sources, rel)
		if len(parts) == 0 {
			res.FilesSkipped++
			return nil
		}
		for i, p := range parts {
			chunks = append(chunks, pending{source: rel, ordinal: i, text: p})
		}
		res.FilesIndexed++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	for _, source := range sources {
		if err := s.indexer.DeleteSource(ctx, opts.TenantID, source); err != nil {
			return nil, fmt.Errorf("clearing previous chunks of %s: %w", source, err)
		}
	}
	if err := s.index(ctx, opts, chunks, res); err != nil {
		return nil, err
	}
	res.ChunksIndexed = len(chunks)
	res.IndexedAt = time.Now()

	s.logger.Info(ctx, "ingest complete",
		zap.String("tenant", opts.TenantID),
		zap.Int("files", res.FilesIndexed),
		zap.Int("skipped", res.FilesSkipped),
		zap.Int("chunks", res.ChunksIndexed))
	return res, nil
}

// index embeds and writes chunks in bounded parallel batches.
func (s *Service) index(ctx context.Context, opts Options, chunks []pending, res *Result) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for start := 0; start < len(chunks); start += opts.BatchSize {
		batch := chunks[start:min(start+opts.BatchSize, len(chunks))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.text
			}
			vectors, err := s.embedder.EmbedDocuments(gctx, texts)
			if err != nil {
				return fmt.Errorf("embedding batch: %w", err)
			}
			if len(vectors) != len(batch) {
				return fmt.Errorf("embedding batch: got %d vectors for %d chunks", len(vectors), len(batch))
			}

			docs := make([]vectorstore.Document, len(batch))
			counts := make(map[dlp.Sensitivity]int)
			for i, c := range batch {
				sensitivity := s.classifier.Classify(c.text).Sensitivity
				counts[sensitivity]++
				docs[i] = vectorstore.Document{
					ID:          ChunkID(opts.TenantID, c.source, c.ordinal),
					Text:        c.text,
					SourceID:    c.source,
					Sensitivity: sensitivity,
					Ordinal:     c.ordinal,
					Vector:      vectors[i],
				}
			}
			if err := s.indexer.Index(gctx, opts.TenantID, docs); err != nil {
				return err
			}

			mu.Lock()
			for k, n := range counts {
				res.BySensitivity[k] += n
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// ChunkID is the stable ID of a chunk.
func ChunkID(tenant, source string, ordinal int) string {
	name := tenant + "\x00" + source + "\x00" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

func selected(rel string, includes, excludes []string) bool {
	for _, p := range excludes {
		if match(p, rel) {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, p := range includes {
		if match(p, rel) {
			return true
		}
	}
	return false
}

// match tries the pattern against the path and, for patterns without a
// slash, against the base name.
func match(pattern, rel string) bool {
	if ok, _ := doublestar.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := doublestar.Match(pattern, filepath.Base(rel))
		return ok
	}
	return false
}

func validateRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, abs)
	}
	return abs, nil
}

func applyDefaults(opts *Options) error {
	for _, p := range append(append([]string{}, opts.IncludePatterns...), opts.ExcludePatterns...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: bad pattern %q", ErrInvalidOptions, p)
		}
	}
	if opts.MaxFileSize == 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}
	if opts.MaxFileSize < 0 || opts.MaxFileSize > maxMaxFileSize {
		return fmt.Errorf("%w: max file size must be between 1 byte and 10MB", ErrInvalidOptions)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
		if opts.ChunkOverlap == 0 {
			opts.ChunkOverlap = DefaultChunkOverlap
		}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return nil
}
