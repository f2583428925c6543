package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/audit"
	"github.com/fyrsmithlabs/cortexd/internal/cache"
	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/embeddings"
	"github.com/fyrsmithlabs/cortexd/internal/generator"
	"github.com/fyrsmithlabs/cortexd/internal/identity"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/memory"
	"github.com/fyrsmithlabs/cortexd/internal/orchestrator"
	"github.com/fyrsmithlabs/cortexd/internal/prompt"
	"github.com/fyrsmithlabs/cortexd/internal/ratelimit"
	"github.com/fyrsmithlabs/cortexd/internal/vectorstore"
)

// dependencies holds everything the server needs plus what must be closed
// on exit.
type dependencies struct {
	logger *logging.Logger

	resolver  identity.Resolver
	redactor  *dlp.Redactor
	limiter   ratelimit.Limiter
	cache     cache.Store[orchestrator.Result]
	embedder  embeddings.Provider
	index     vectorstore.Index
	retriever *vectorstore.Retriever
	assembler *prompt.Assembler
	generator generator.Generator
	memory    memory.Store
	audit     audit.Sink

	redis    *redis.Client
	badger   *badger.DB
	registry *identity.FileResolver

	// sweepers run until the server context ends.
	sweepers []func(ctx context.Context)
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *dependencies, err error) {
	deps := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			deps.Close()
		}
	}()

	if deps.resolver, err = deps.initResolver(cfg.Identity, logger); err != nil {
		return nil, err
	}

	if deps.redactor, err = dlp.FromSettings(cfg.DLP); err != nil {
		return nil, fmt.Errorf("creating redactor: %w", err)
	}
	if !cfg.DLP.Enabled {
		logger.Warn(ctx, "dlp redaction is disabled for every caller")
	}

	if cfg.RateLimit.Backend == "redis" || cfg.Cache.Backend == "redis" {
		deps.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Value(),
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = deps.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info(ctx, "redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	if err = deps.initLimiter(cfg); err != nil {
		return nil, err
	}
	if err = deps.initCache(cfg); err != nil {
		return nil, err
	}

	if deps.embedder, err = embeddings.NewProvider(cfg.Embeddings, logger); err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	if deps.index, err = vectorstore.NewIndex(ctx, cfg, deps.embedder.Dimension(), logger); err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	deps.retriever, err = vectorstore.NewRetriever(deps.index, deps.embedder,
		vectorstore.RetrieverConfigFromSettings(cfg.Retrieval), logger)
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	if deps.generator, err = generator.FromSettings(cfg.Generator, logger); err != nil {
		return nil, fmt.Errorf("creating generator: %w", err)
	}
	deps.assembler = prompt.FromSettings(cfg.Prompt)

	if cfg.Memory.Enabled {
		ttl := cfg.Memory.TTL.Duration()
		if deps.redis != nil {
			deps.memory = memory.NewRedis(deps.redis, cfg.Redis.KeyPrefix, cfg.Memory.MaxTurns, ttl)
		} else {
			m := memory.NewMemory(cfg.Memory.MaxTurns, ttl)
			deps.memory = m
			deps.sweepers = append(deps.sweepers, func(ctx context.Context) { m.Run(ctx, time.Minute) })
		}
	}

	if deps.audit, err = audit.FromSettings(cfg.Audit, logger); err != nil {
		return nil, fmt.Errorf("creating audit sink: %w", err)
	}
	return deps, nil
}

// initResolver prefers the key registry file. The demo keys are only used
// when explicitly enabled.
func (d *dependencies) initResolver(cfg config.IdentityConfig, logger *logging.Logger) (identity.Resolver, error) {
	switch {
	case cfg.RegistryPath != "":
		r, err := identity.NewFileResolver(cfg.RegistryPath, logger)
		if err != nil {
			return nil, fmt.Errorf("loading key registry: %w", err)
		}
		d.registry = r
		return r, nil
	case cfg.DemoKeys:
		logger.Warn(context.Background(), "demo API keys are enabled; do not use in production")
		r, err := identity.NewStaticResolver(identity.DemoRecords())
		if err != nil {
			return nil, fmt.Errorf("loading demo keys: %w", err)
		}
		return r, nil
	default:
		return nil, errors.New("no identity source: set identity.registry_path or identity.demo_keys")
	}
}

func (d *dependencies) initLimiter(cfg *config.Config) error {
	lc := ratelimit.Config{
		Limit:  cfg.RateLimit.Limit,
		Burst:  cfg.RateLimit.Burst,
		Window: cfg.RateLimit.Window.Duration(),
	}
	if cfg.RateLimit.Backend == "redis" {
		l, err := ratelimit.NewRedis(d.redis, lc, cfg.Redis.KeyPrefix)
		if err != nil {
			return fmt.Errorf("creating rate limiter: %w", err)
		}
		d.limiter = l
		return nil
	}
	l, err := ratelimit.NewMemory(lc)
	if err != nil {
		return fmt.Errorf("creating rate limiter: %w", err)
	}
	d.limiter = l
	interval := cfg.RateLimit.SweepInterval.Duration()
	d.sweepers = append(d.sweepers, func(ctx context.Context) { l.Run(ctx, interval) })
	return nil
}

func (d *dependencies) initCache(cfg *config.Config) error {
	interval := cfg.Cache.SweepInterval.Duration()
	switch cfg.Cache.Backend {
	case "redis":
		d.cache = cache.NewRedis[orchestrator.Result](d.redis, cfg.Redis.KeyPrefix)
	case "badger":
		db, err := cache.OpenBadger(cfg.Cache.BadgerPath)
		if err != nil {
			return fmt.Errorf("opening badger cache: %w", err)
		}
		d.badger = db
		c := cache.NewBadger[orchestrator.Result](db)
		d.cache = c
		d.sweepers = append(d.sweepers, func(ctx context.Context) { c.Run(ctx, interval) })
	default:
		c := cache.NewMemory[orchestrator.Result](cfg.Cache.MaxEntries)
		d.cache = c
		d.sweepers = append(d.sweepers, func(ctx context.Context) { c.Run(ctx, interval) })
	}
	return nil
}

// startBackground launches sweepers and the registry watcher. They stop when
// ctx is cancelled.
func (d *dependencies) startBackground(ctx context.Context, cfg *config.Config) {
	for _, sweep := range d.sweepers {
		go sweep(ctx)
	}
	if d.registry != nil {
		if err := d.registry.Watch(ctx); err != nil {
			d.logger.Warn(ctx, "key registry hot reload disabled",
				zap.String("path", cfg.Identity.RegistryPath), zap.Error(err))
		}
	}
}

// Close releases every opened resource, in reverse order of creation.
func (d *dependencies) Close() {
	ctx := context.Background()
	closeAll := []struct {
		name string
		fn   func() error
	}{
		{"audit sink", closer(d.audit)},
		{"vector index", closer(d.index)},
		{"embedding provider", closer(d.embedder)},
		{"badger cache", func() error {
			if d.badger == nil {
				return nil
			}
			return d.badger.Close()
		}},
		{"redis client", func() error {
			if d.redis == nil {
				return nil
			}
			return d.redis.Close()
		}},
		{"key registry", func() error {
			if d.registry == nil {
				return nil
			}
			return d.registry.Close()
		}},
	}
	for _, c := range closeAll {
		if err := c.fn(); err != nil {
			d.logger.Warn(ctx, "close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
}

func closer[T interface{ Close() error }](v T) func() error {
	return func() error {
		if any(v) == nil {
			return nil
		}
		return v.Close()
	}
}
