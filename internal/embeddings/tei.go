package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// TEIConfig configures a Text Embeddings Inference endpoint.
type TEIConfig struct {
	BaseURL string
	Model   string
	// APIKey is optional; sent as a bearer token when set.
	APIKey  string
	Timeout time.Duration
	// Dimension overrides the dimension inferred from Model.
	Dimension int
}

// Validate validates the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// TEIProvider calls the /embed route of a Text Embeddings Inference server.
type TEIProvider struct {
	config    TEIConfig
	client    *http.Client
	dimension int
	metrics   *Metrics
}

// NewTEIProvider creates a TEI provider. metrics may be nil.
func NewTEIProvider(cfg TEIConfig, metrics *Metrics) (*TEIProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	dim := cfg.Dimension
	if dim <= 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}
	return &TEIProvider{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		dimension: dim,
		metrics:   metrics,
	}, nil
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *TEIProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.config.Model, "embed_documents", time.Since(start), len(texts), err)
	}()

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err = p.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *TEIProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.config.Model, "embed_query", time.Since(start), 1, err)
	}()

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
	}
	return vectors[0], nil
}

func (p *TEIProvider) embed(ctx context.Context, inputs interface{}) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// Dimension returns the embedding dimension.
func (p *TEIProvider) Dimension() int { return p.dimension }

// Model returns the configured model name.
func (p *TEIProvider) Model() string { return p.config.Model }

// Close is a no-op for TEI since it uses HTTP.
func (p *TEIProvider) Close() error { return nil }
