package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

// Payload keys shared by all backends. The tenant key is configurable.
const (
	payloadText        = "text"
	payloadSourceID    = "source_id"
	payloadSensitivity = "pii_sensitivity"
	payloadOrdinal     = "ordinal"
)

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

var errPrecomputedOnly = errors.New("chromem index accepts precomputed embeddings only")

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path string
	// Compress gzips persisted collections.
	Compress bool
	// Collection defaults to "cortexd_chunks".
	Collection string
}

// ChromemConfigFromSettings maps the chromem config section.
func ChromemConfigFromSettings(s config.ChromemConfig) ChromemConfig {
	return ChromemConfig{Path: s.Path, Compress: s.Compress, Collection: s.Collection}
}

// ChromemIndex is an Index backed by chromem-go.
//
// chromem only supports equality where-filters, so the sensitivity
// exclusion is applied after the query; the index over-fetches to
// compensate.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	name       string
	logger     *logging.Logger
}

// NewChromemIndex opens or creates the collection.
func NewChromemIndex(cfg ChromemConfig, logger *logging.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "cortexd_chunks"
	}
	if !collectionNamePattern.MatchString(cfg.Collection) {
		return nil, fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidConfig, cfg.Collection)
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		cfg.Path = path
	}

	embed := func(context.Context, string) ([]float32, error) { return nil, errPrecomputedOnly }
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info(context.Background(), "chromem index ready",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.Path == ""),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", collection.Count()),
	)
	return &ChromemIndex{db: db, collection: collection, name: cfg.Collection, logger: logger.Named("chromem")}, nil
}

// Backend implements Index.
func (s *ChromemIndex) Backend() string { return "chromem" }

// Search implements Index.
func (s *ChromemIndex) Search(ctx context.Context, filter TenantFilter, q Query) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.name), attribute.Int("k", q.TopK))

	if err := filter.check(); err != nil {
		return nil, err
	}
	if q.TopK <= 0 || len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: k=%d, vector size %d", ErrInvalidQuery, q.TopK, len(q.Vector))
	}

	// chromem requires nResults <= total document count.
	n := q.TopK
	if len(q.ExcludeSensitivity) > 0 {
		n *= 3
	}
	if count := s.collection.Count(); n > count {
		n = count
	}
	if n == 0 {
		return []Chunk{}, nil
	}

	where := map[string]string{filter.Field(): filter.Tenant()}
	results, err := s.collection.QueryEmbedding(ctx, q.Vector, n, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.name, err)
	}

	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		c := chunkFromMetadata(r.ID, r.Content, float64(r.Similarity), filter.Field(), r.Metadata)
		if excluded(c.Sensitivity, q.ExcludeSensitivity) {
			continue
		}
		chunks = append(chunks, c)
		if len(chunks) == q.TopK {
			break
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(chunks)))
	span.SetStatus(codes.Ok, "success")
	return chunks, nil
}

// Upsert implements Index. Documents with an existing ID are replaced.
func (s *ChromemIndex) Upsert(ctx context.Context, filter TenantFilter, docs []Document) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if err := filter.check(); err != nil {
		return err
	}
	out := make([]chromem.Document, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("%w: document %d has no ID", ErrInvalidQuery, i)
		}
		if len(d.Vector) == 0 {
			return fmt.Errorf("%w: document %s has no embedding", ErrDimensionMismatch, d.ID)
		}
		out[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Text,
			Embedding: d.Vector,
			Metadata: map[string]string{
				filter.Field():     filter.Tenant(),
				payloadSourceID:    d.SourceID,
				payloadSensitivity: string(d.Sensitivity),
				payloadOrdinal:     strconv.Itoa(d.Ordinal),
			},
		}
	}

	// Embeddings are precomputed, so one worker suffices.
	if err := s.collection.AddDocuments(ctx, out, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}
	s.logger.Debug(ctx, "upserted chunks",
		zap.String("tenant", filter.Tenant()),
		zap.Int("count", len(docs)),
	)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteSource implements Index.
func (s *ChromemIndex) DeleteSource(ctx context.Context, filter TenantFilter, sourceID string) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.DeleteSource")
	defer span.End()

	if err := filter.check(); err != nil {
		return err
	}
	if sourceID == "" {
		return fmt.Errorf("%w: empty source id", ErrInvalidQuery)
	}
	where := map[string]string{filter.Field(): filter.Tenant(), payloadSourceID: sourceID}
	if err := s.collection.Delete(ctx, where, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting source %s: %w", sourceID, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Health implements Index. The embedded database is always reachable.
func (s *ChromemIndex) Health(context.Context) error { return nil }

// Count returns the number of stored chunks across tenants.
func (s *ChromemIndex) Count() int { return s.collection.Count() }

// Close implements Index. Persistent databases write through on every add.
func (s *ChromemIndex) Close() error { return nil }

func chunkFromMetadata(id, text string, score float64, tenantField string, meta map[string]string) Chunk {
	c := Chunk{
		ID:       id,
		Text:     text,
		Score:    score,
		SourceID: meta[payloadSourceID],
		TenantID: meta[tenantField],
	}
	if s, err := dlp.ParseSensitivity(meta[payloadSensitivity]); err == nil {
		c.Sensitivity = s
	} else {
		// Unknown labels are treated as the most restrictive.
		c.Sensitivity = dlp.SensitivityHigh
	}
	if n, err := strconv.Atoi(meta[payloadOrdinal]); err == nil {
		c.Ordinal = n
	}
	return c
}

func excluded(s dlp.Sensitivity, list []dlp.Sensitivity) bool {
	for _, x := range list {
		if s == x {
			return true
		}
	}
	return false
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

var _ Index = (*ChromemIndex)(nil)
