package generator

import (
	"fmt"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

// FromSettings builds the configured provider, wrapped with loading retries
// when generator.max_retries is positive. With confidential_retrieval_only
// set, only a real provider is accepted.
func FromSettings(cfg config.GeneratorConfig, logger *logging.Logger) (Generator, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("generator")

	if cfg.ConfidentialRetrievalOnly && (cfg.Provider == "fake" || cfg.Provider == "") {
		return nil, fmt.Errorf("%w: confidential_retrieval_only forbids the fake provider; configure a real one", ErrInvalidConfig)
	}

	var g Generator
	switch cfg.Provider {
	case "openai":
		og, err := NewOpenAIGenerator(OpenAIConfig{
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			APIKey:            cfg.APIKey.Value(),
			Temperature:       cfg.Temperature,
			Timeout:           cfg.Timeout.Duration(),
			RequestsPerSecond: cfg.RequestsPerSecond,
			FallbackModels:    cfg.FallbackModels,
			DiscoverModels:    cfg.DiscoverModels,
		}, logger)
		if err != nil {
			return nil, err
		}
		g = og
	case "fake", "":
		g = NewFake()
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}

	if cfg.MaxRetries > 0 {
		return NewRetrying(g, cfg.MaxRetries, cfg.RetryBackoff.Duration(), WithRetryLogger(logger)), nil
	}
	return g, nil
}
