package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

var tracer = otel.Tracer("cortexd.vectorstore")

// maxTopK caps k to keep a single search bounded.
const maxTopK = 100

// RetrieverConfig configures a Retriever.
type RetrieverConfig struct {
	// TenantField is the payload key holding the tenant. Default "tenant_id".
	TenantField string
	// DefaultTopK is used when Search is called with k <= 0. Default 5.
	DefaultTopK int
	// ExcludeHighSensitivity skips chunks classified high at ingest time.
	ExcludeHighSensitivity bool
}

// Retriever embeds a question and searches one tenant's chunks.
type Retriever struct {
	index    Index
	embedder Embedder
	cfg      RetrieverConfig
	logger   *logging.Logger
}

// NewRetriever validates the tenant field and wires an index to an embedder.
func NewRetriever(index Index, embedder Embedder, cfg RetrieverConfig, logger *logging.Logger) (*Retriever, error) {
	if index == nil || embedder == nil {
		return nil, fmt.Errorf("%w: index and embedder are required", ErrInvalidConfig)
	}
	if cfg.TenantField == "" {
		cfg.TenantField = DefaultTenantField
	}
	if !tenantFieldPattern.MatchString(cfg.TenantField) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenantField, cfg.TenantField)
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Retriever{index: index, embedder: embedder, cfg: cfg, logger: logger.Named("retriever")}, nil
}

// Filter builds the tenant filter this retriever applies.
func (r *Retriever) Filter(tenantID string) (TenantFilter, error) {
	return NewTenantFilter(r.cfg.TenantField, tenantID)
}

// Search returns up to topK chunks for tenantID ordered by descending score
// (stable for ties). Backend and embedding failures wrap
// ErrRetrievalUnavailable; a foreign chunk fails the search with
// ErrTenantMismatch.
func (r *Retriever) Search(ctx context.Context, query, tenantID string, topK int) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Search")
	defer span.End()

	backend := r.index.Backend()
	start := time.Now()
	chunks, err := r.search(ctx, query, tenantID, topK)
	searchDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.String("backend", backend),
		attribute.String("tenant", tenantID),
		attribute.Int("results_count", len(chunks)),
	)
	if err != nil {
		searchesTotal.WithLabelValues(backend, resultLabel(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	searchesTotal.WithLabelValues(backend, "success").Inc()
	span.SetStatus(codes.Ok, "success")
	return chunks, nil
}

func (r *Retriever) search(ctx context.Context, query, tenantID string, topK int) ([]Chunk, error) {
	filter, err := r.Filter(tenantID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrRetrievalUnavailable, err)
	}

	q := Query{Vector: vector, TopK: topK}
	if r.cfg.ExcludeHighSensitivity {
		q.ExcludeSensitivity = []dlp.Sensitivity{dlp.SensitivityHigh}
	}

	chunks, err := r.index.Search(ctx, filter, q)
	if err != nil {
		if errors.Is(err, ErrInvalidTenant) || errors.Is(err, ErrRetrievalUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s search: %v", ErrRetrievalUnavailable, r.index.Backend(), err)
	}

	for _, c := range chunks {
		if c.TenantID != filter.Tenant() {
			tenantMismatchTotal.WithLabelValues(r.index.Backend()).Inc()
			r.logger.Error(ctx, "tenant integrity violation in retrieval results",
				zap.String("backend", r.index.Backend()),
				zap.String("chunk_id", c.ID),
				zap.String("expected_tenant", filter.Tenant()),
				zap.String("chunk_tenant", c.TenantID),
			)
			return nil, fmt.Errorf("%w: chunk %s", ErrTenantMismatch, c.ID)
		}
	}

	// Backends that cannot push the sensitivity filter down get it here.
	if len(q.ExcludeSensitivity) > 0 {
		chunks = excludeSensitivity(chunks, q.ExcludeSensitivity)
	}

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

// Index writes documents for tenantID through the same validated filter.
func (r *Retriever) Index(ctx context.Context, tenantID string, docs []Document) error {
	filter, err := r.Filter(tenantID)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	if err := r.index.Upsert(ctx, filter, docs); err != nil {
		return fmt.Errorf("%w: %s upsert: %v", ErrRetrievalUnavailable, r.index.Backend(), err)
	}
	upsertedTotal.WithLabelValues(r.index.Backend()).Add(float64(len(docs)))
	return nil
}

// DeleteSource removes the chunks of sourceID stored for tenantID.
func (r *Retriever) DeleteSource(ctx context.Context, tenantID, sourceID string) error {
	filter, err := r.Filter(tenantID)
	if err != nil {
		return err
	}
	if err := r.index.DeleteSource(ctx, filter, sourceID); err != nil {
		if errors.Is(err, ErrInvalidQuery) {
			return err
		}
		return fmt.Errorf("%w: %s delete: %v", ErrRetrievalUnavailable, r.index.Backend(), err)
	}
	return nil
}

// Health reports backend reachability.
func (r *Retriever) Health(ctx context.Context) error {
	return r.index.Health(ctx)
}

func excludeSensitivity(chunks []Chunk, list []dlp.Sensitivity) []Chunk {
	out := chunks[:0:0]
	for _, c := range chunks {
		if !excluded(c.Sensitivity, list) {
			out = append(out, c)
		}
	}
	return out
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTenantMismatch):
		return "tenant_mismatch"
	case errors.Is(err, ErrInvalidTenant), errors.Is(err, ErrInvalidQuery):
		return "invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}
