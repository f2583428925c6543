package vectorstore

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/cortexd/internal/dlp"
)

var (
	// ErrRetrievalUnavailable wraps backend and embedding failures.
	ErrRetrievalUnavailable = errors.New("retrieval backend unavailable")

	// ErrTenantMismatch is returned when a backend yields a chunk belonging
	// to a tenant other than the one filtered on.
	ErrTenantMismatch = errors.New("retrieved chunk belongs to another tenant")

	// ErrInvalidConfig is returned for unusable backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidQuery is returned for empty queries or non-positive k.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrDimensionMismatch is returned when a vector has the wrong size.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Chunk is a retrieved piece of context.
type Chunk struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id"`
	TenantID string  `json:"tenant_id"`
	// Sensitivity is the classification stored at ingest time.
	Sensitivity dlp.Sensitivity `json:"pii_sensitivity,omitempty"`
	Ordinal     int             `json:"ordinal"`
}

// Document is a chunk being written, with its embedding.
type Document struct {
	ID          string
	Text        string
	SourceID    string
	Sensitivity dlp.Sensitivity
	Ordinal     int
	Vector      []float32
}

// Query is a similarity search against one tenant's chunks.
type Query struct {
	Vector []float32
	TopK   int
	// ExcludeSensitivity drops chunks with these labels.
	ExcludeSensitivity []dlp.Sensitivity
}

// Index is a vector backend. Implementations must apply the filter to every
// operation and must reject a zero filter with ErrInvalidTenant.
type Index interface {
	// Search returns up to q.TopK chunks for the filter's tenant, best first.
	Search(ctx context.Context, filter TenantFilter, q Query) ([]Chunk, error)

	// Upsert writes documents under the filter's tenant. The tenant field is
	// always taken from the filter, never from the document.
	Upsert(ctx context.Context, filter TenantFilter, docs []Document) error

	// DeleteSource removes every chunk of sourceID under the filter's tenant.
	// Deleting an unknown source is not an error.
	DeleteSource(ctx context.Context, filter TenantFilter, sourceID string) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Backend names the implementation for logs and metrics.
	Backend() string

	Close() error
}

// Embedder turns text into vectors.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query. Some models
	// optimize differently for queries and documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
