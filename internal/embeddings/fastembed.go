//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedConfig configures the in-process ONNX embedder used when no
// embedding server is reachable from the deployment.
type FastEmbedConfig struct {
	// Model is a Hugging Face id or a fastembed id. Empty selects bge-small.
	Model string

	// CacheDir holds downloaded model files. Mount it on a volume so pods
	// do not fetch the model on every start.
	CacheDir string

	// MaxLength truncates inputs, in tokens. Chunks from ingestion stay
	// well below the default.
	MaxLength int

	// BatchSize bounds the texts handed to the runtime per pass.
	BatchSize int

	ShowProgress bool
}

// FastEmbedProvider embeds chunks and queries locally.
type FastEmbedProvider struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	name      string
	dimension int
	batchSize int
	metrics   *Metrics
}

type localModel struct {
	id        fastembed.EmbeddingModel
	dimension int
}

// localModels lists what fastembed ships, keyed by both naming schemes.
var localModels = map[string]localModel{
	"BAAI/bge-small-en-v1.5":                 {fastembed.BGESmallENV15, 384},
	"BAAI/bge-small-en":                      {fastembed.BGESmallEN, 384},
	"BAAI/bge-base-en-v1.5":                  {fastembed.BGEBaseENV15, 768},
	"BAAI/bge-base-en":                       {fastembed.BGEBaseEN, 768},
	"BAAI/bge-small-zh-v1.5":                 {fastembed.BGESmallZH, 512},
	"sentence-transformers/all-MiniLM-L6-v2": {fastembed.AllMiniLML6V2, 384},
	string(fastembed.BGESmallENV15):          {fastembed.BGESmallENV15, 384},
	string(fastembed.BGESmallEN):             {fastembed.BGESmallEN, 384},
	string(fastembed.BGEBaseENV15):           {fastembed.BGEBaseENV15, 768},
	string(fastembed.BGEBaseEN):              {fastembed.BGEBaseEN, 768},
	string(fastembed.BGESmallZH):             {fastembed.BGESmallZH, 512},
	string(fastembed.AllMiniLML6V2):          {fastembed.AllMiniLML6V2, 384},
}

const (
	defaultLocalModel     = "BAAI/bge-small-en-v1.5"
	defaultLocalBatchSize = 64
)

func lookupLocalModel(name string) (localModel, error) {
	if m, ok := localModels[name]; ok {
		return m, nil
	}
	names := make([]string, 0, len(localModels))
	for n := range localModels {
		names = append(names, n)
	}
	sort.Strings(names)
	return localModel{}, fmt.Errorf("%w: model %q is not available locally (have %v)", ErrInvalidConfig, name, names)
}

// NewFastEmbedProvider loads the model, downloading it into CacheDir on
// first use. metrics may be nil.
func NewFastEmbedProvider(cfg FastEmbedConfig, metrics *Metrics) (*FastEmbedProvider, error) {
	if cfg.Model == "" {
		cfg.Model = defaultLocalModel
	}
	m, err := lookupLocalModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(".", "models")
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 512
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultLocalBatchSize
	}

	progress := cfg.ShowProgress
	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                m.id,
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &progress,
	})
	if err != nil {
		return nil, fmt.Errorf("loading local model %s: %w", cfg.Model, err)
	}
	return &FastEmbedProvider{
		model:     flag,
		name:      cfg.Model,
		dimension: m.dimension,
		batchSize: cfg.BatchSize,
		metrics:   metrics,
	}, nil
}

// EmbedDocuments embeds ingestion chunks with the passage prefix.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.name, "embed_documents", time.Since(start), len(texts), err)
	}()
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}
	vectors, err = p.model.PassageEmbed(texts, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// EmbedQuery embeds a caller question with the query prefix.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.name, "embed_query", time.Since(start), 1, err)
	}()
	if text == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrEmbeddingFailed)
	}
	vector, err = p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

func (p *FastEmbedProvider) Dimension() int { return p.dimension }

func (p *FastEmbedProvider) Model() string { return p.name }

// Close frees the ONNX session. Later calls fail with ErrEmbeddingFailed.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Destroy()
	p.model = nil
	return err
}
