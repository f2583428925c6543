//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned by binaries built without cgo.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the tei provider instead)")

// FastEmbedConfig mirrors the cgo build so configuration code compiles.
type FastEmbedConfig struct {
	Model        string
	CacheDir     string
	MaxLength    int
	BatchSize    int
	ShowProgress bool
}

// FastEmbedProvider is a stub for non-CGO builds.
type FastEmbedProvider struct{}

// NewFastEmbedProvider always fails without cgo.
func NewFastEmbedProvider(_ FastEmbedConfig, _ *Metrics) (*FastEmbedProvider, error) {
	return nil, ErrFastEmbedNotAvailable
}

// EmbedDocuments returns an error when CGO is not available.
func (p *FastEmbedProvider) EmbedDocuments(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

// EmbedQuery returns an error when CGO is not available.
func (p *FastEmbedProvider) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

// Dimension returns 0 when CGO is not available.
func (p *FastEmbedProvider) Dimension() int { return 0 }

// Model returns an empty name when CGO is not available.
func (p *FastEmbedProvider) Model() string { return "" }

// Close is a no-op when CGO is not available.
func (p *FastEmbedProvider) Close() error { return nil }
