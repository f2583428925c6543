package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible /embeddings endpoint.
type OpenAIConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	Timeout   time.Duration
	Dimension int
}

// OpenAIProvider embeds through any OpenAI-compatible embeddings API.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dimension int
	metrics   *Metrics
}

// NewOpenAIProvider creates an OpenAI-compatible provider. metrics may be nil.
func NewOpenAIProvider(cfg OpenAIConfig, metrics *Metrics) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	dim := cfg.Dimension
	if dim <= 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dimension: dim,
		metrics:   metrics,
	}, nil
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	return p.embed(ctx, texts)
}

// EmbedQuery generates an embedding for a single query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.model, "embed_query", time.Since(start), 1, err)
	}()

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *OpenAIProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(resp.Data), len(texts))
	}

	// The API reports each vector's input position; do not rely on order.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) || vectors[d.Index] != nil {
			return nil, fmt.Errorf("%w: unexpected index %d", ErrEmbeddingFailed, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Dimension returns the embedding dimension.
func (p *OpenAIProvider) Dimension() int { return p.dimension }

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string { return p.model }

// Close is a no-op; the client holds no resources.
func (p *OpenAIProvider) Close() error { return nil }
