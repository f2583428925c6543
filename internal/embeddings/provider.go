package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/vectorstore"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")

	// ErrEmbeddingFailed indicates the provider could not produce vectors.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider is an embedding backend.
type Provider interface {
	vectorstore.Embedder
	// Dimension returns the embedding dimension for the configured model.
	Dimension() int
	// Model returns the configured model name.
	Model() string
	// Close releases resources held by the provider.
	Close() error
}

const defaultTimeout = 10 * time.Second

// NewProvider builds the provider selected by cfg. When
// cfg.RequestsPerSecond is positive every call first waits on a shared
// token bucket.
func NewProvider(cfg config.EmbeddingsConfig, logger *logging.Logger) (Provider, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	metrics := NewMetrics(logger)

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "tei", "":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey.Value(),
			Timeout: timeout,
		}, metrics)
	case "openai":
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey.Value(),
			Timeout: timeout,
		}, metrics)
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		}, metrics)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info(context.Background(), "embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", p.Model()),
		zap.Int("dimension", p.Dimension()))

	if cfg.RequestsPerSecond > 0 {
		return Throttle(p, rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)), nil
	}
	return p, nil
}

// Throttle wraps p so every call waits on limiter first.
func Throttle(p Provider, limiter *rate.Limiter) Provider {
	return &throttled{Provider: p, limiter: limiter}
}

type throttled struct {
	Provider
	limiter *rate.Limiter
}

func (t *throttled) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return t.Provider.EmbedDocuments(ctx, texts)
}

func (t *throttled) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return t.Provider.EmbedQuery(ctx, text)
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if the model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownModelDimensions[model]; ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "large"):
		return 1024
	default:
		return 384
	}
}

var knownModelDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"BAAI/bge-m3":                            1024,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"intfloat/multilingual-e5-small":         384,
	"intfloat/multilingual-e5-base":          768,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}
