package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

// NewIndex opens the backend selected by retrieval.backend. dimension is the
// embedder's output size and is used when qdrant.vector_size is unset.
func NewIndex(ctx context.Context, cfg *config.Config, dimension int, logger *logging.Logger) (Index, error) {
	switch cfg.Retrieval.Backend {
	case "qdrant":
		qc := QdrantConfigFromSettings(cfg.Qdrant)
		if qc.VectorSize == 0 && dimension > 0 {
			qc.VectorSize = uint64(dimension)
		}
		idx, err := NewQdrantIndex(ctx, qc, cfg.Retrieval.TenantField, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "chromem", "":
		idx, err := NewChromemIndex(ChromemConfigFromSettings(cfg.Chromem), logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: unknown retrieval backend %q", ErrInvalidConfig, cfg.Retrieval.Backend)
	}
}

// RetrieverConfigFromSettings maps the retrieval config section.
func RetrieverConfigFromSettings(s config.RetrievalConfig) RetrieverConfig {
	return RetrieverConfig{
		TenantField:            s.TenantField,
		DefaultTopK:            s.TopK,
		ExcludeHighSensitivity: s.ExcludeHighSensitivity,
	}
}
