// Package config provides configuration loading for cortexd.
//
// Configuration is layered: embedded defaults, then an optional YAML file,
// then CORTEXD_* environment variables. See Load for the precedence rules.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds the complete cortexd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Identity      IdentityConfig      `koanf:"identity"`
	DLP           DLPConfig           `koanf:"dlp"`
	RateLimit     RateLimitConfig     `koanf:"ratelimit"`
	Cache         CacheConfig         `koanf:"cache"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Qdrant        QdrantConfig        `koanf:"qdrant"`
	Chromem       ChromemConfig       `koanf:"chromem"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Generator     GeneratorConfig     `koanf:"generator"`
	Prompt        PromptConfig        `koanf:"prompt"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Memory        MemoryConfig        `koanf:"memory"`
	Audit         AuditConfig         `koanf:"audit"`
	Redis         RedisConfig         `koanf:"redis"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port             int      `koanf:"http_port"`
	Host             string   `koanf:"http_host"`
	ShutdownTimeout  Duration `koanf:"shutdown_timeout"`
	BodyLimit        string   `koanf:"body_limit"`
	MaxQuestionRunes int      `koanf:"max_question_runes"`
	HTTPS            bool     `koanf:"https"`
	Streaming        bool     `koanf:"streaming"`
	CORSOrigins      []string `koanf:"cors_origins"`
}

// IdentityConfig controls how API credentials map to identities.
type IdentityConfig struct {
	// RegistryPath points at a YAML key registry. Reloaded on change.
	RegistryPath string `koanf:"registry_path"`
	// DemoKeys installs the built-in demo identities. Never enable in production.
	DemoKeys bool `koanf:"demo_keys"`
}

// DLPConfig holds redaction settings.
type DLPConfig struct {
	// Enabled is the global kill switch. When false nobody is redacted.
	Enabled           bool   `koanf:"enabled"`
	AllowlistPath     string `koanf:"allowlist_path"`
	DetectCredentials bool   `koanf:"detect_credentials"`
}

// RateLimitConfig holds admission settings.
type RateLimitConfig struct {
	Backend       string   `koanf:"backend"` // memory | redis
	Limit         int      `koanf:"limit"`
	Burst         int      `koanf:"burst"`
	Window        Duration `koanf:"window"`
	SweepInterval Duration `koanf:"sweep_interval"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Backend       string   `koanf:"backend"` // memory | badger | redis
	TTL           Duration `koanf:"ttl"`
	MaxEntries    int      `koanf:"max_entries"`
	SweepInterval Duration `koanf:"sweep_interval"`
	BadgerPath    string   `koanf:"badger_path"`
	SingleFlight  bool     `koanf:"single_flight"`
}

// RetrievalConfig holds retriever settings.
type RetrievalConfig struct {
	Backend                string   `koanf:"backend"` // qdrant | chromem
	TopK                   int      `koanf:"top_k"`
	TenantField            string   `koanf:"tenant_field"`
	ExcludeHighSensitivity bool     `koanf:"exclude_high_sensitivity"`
	Timeout                Duration `koanf:"timeout"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	APIKey     Secret `koanf:"api_key"`
	UseTLS     bool   `koanf:"use_tls"`
	Collection string `koanf:"collection"`
	VectorSize int    `koanf:"vector_size"`
}

// ChromemConfig holds embedded vector store settings. An empty Path keeps
// the database in memory.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string   `koanf:"provider"` // tei | openai | fastembed
	BaseURL  string   `koanf:"base_url"`
	Model    string   `koanf:"model"`
	APIKey   Secret   `koanf:"api_key"`
	CacheDir string   `koanf:"cache_dir"`
	Timeout  Duration `koanf:"timeout"`

	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// GeneratorConfig configures the language-model provider.
type GeneratorConfig struct {
	Provider          string   `koanf:"provider"` // openai | fake
	BaseURL           string   `koanf:"base_url"`
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	MaxOutputTokens   int      `koanf:"max_output_tokens"`
	Temperature       float32  `koanf:"temperature"`
	Timeout           Duration `koanf:"timeout"`
	MaxRetries        int      `koanf:"max_retries"`
	RetryBackoff      Duration `koanf:"retry_backoff"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`

	// FallbackModels are tried in order when the endpoint reports that
	// Model is not supported. The first one that answers replaces Model.
	FallbackModels []string `koanf:"fallback_models"`
	// DiscoverModels picks a chat model from the endpoint's model list
	// once the fallbacks are exhausted.
	DiscoverModels bool `koanf:"discover_models"`

	// ConfidentialRetrievalOnly refuses to start with the fake provider.
	ConfidentialRetrievalOnly bool `koanf:"confidential_retrieval_only"`
}

// PromptConfig holds prompt budgeting settings.
type PromptConfig struct {
	MaxInputTokens int `koanf:"max_input_tokens"`
}

// OrchestratorConfig holds query pipeline switches.
type OrchestratorConfig struct {
	// StrictGrounding answers with a fixed refusal instead of calling the
	// generator when retrieval returns nothing.
	StrictGrounding bool `koanf:"strict_grounding"`
}

// MemoryConfig holds conversation memory settings.
type MemoryConfig struct {
	Enabled  bool     `koanf:"enabled"`
	MaxTurns int      `koanf:"max_turns"`
	TTL      Duration `koanf:"ttl"`
}

// AuditConfig selects the audit event sink.
type AuditConfig struct {
	Sink          string `koanf:"sink"` // log | nats | none
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// RedisConfig is shared by the redis cache and rate-limit backends.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  Secret `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool     `koanf:"enable_telemetry"`
	ServiceName     string   `koanf:"service_name"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"`
	Insecure        bool     `koanf:"insecure"`
	SamplingRate    float64  `koanf:"sampling_rate"`
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// LoggingConfig holds the subset of logging settings exposed via config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.MaxQuestionRunes <= 0 {
		errs = append(errs, errors.New("server.max_question_runes must be positive"))
	}

	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Embeddings.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Generator.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Prompt.MaxInputTokens <= 0 {
		errs = append(errs, errors.New("prompt.max_input_tokens must be positive"))
	}
	if c.Memory.Enabled && c.Memory.MaxTurns <= 0 {
		errs = append(errs, errors.New("memory.max_turns must be positive when memory is enabled"))
	}

	switch c.Audit.Sink {
	case "log", "none":
	case "nats":
		if c.Audit.NATSURL == "" {
			errs = append(errs, errors.New("audit.nats_url is required for the nats sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.sink must be log, nats or none, got %q", c.Audit.Sink))
	}

	if (c.RateLimit.Backend == "redis" || c.Cache.Backend == "redis") && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when a redis backend is selected"))
	}

	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be between 0 and 1, got %f", c.Observability.SamplingRate))
	}

	return errors.Join(errs...)
}

// Validate checks rate limit settings.
func (c RateLimitConfig) Validate() error {
	if c.Backend != "memory" && c.Backend != "redis" {
		return fmt.Errorf("ratelimit.backend must be memory or redis, got %q", c.Backend)
	}
	if c.Limit <= 0 {
		return fmt.Errorf("ratelimit.limit must be positive, got %d", c.Limit)
	}
	if c.Burst < 0 {
		return fmt.Errorf("ratelimit.burst cannot be negative, got %d", c.Burst)
	}
	if c.Window.Duration() <= 0 {
		return errors.New("ratelimit.window must be positive")
	}
	return nil
}

// Validate checks cache settings.
func (c CacheConfig) Validate() error {
	switch c.Backend {
	case "memory", "redis":
	case "badger":
		if c.BadgerPath == "" {
			return errors.New("cache.badger_path is required for the badger backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory, badger or redis, got %q", c.Backend)
	}
	if c.TTL.Duration() <= 0 {
		return errors.New("cache.ttl must be positive")
	}
	return nil
}

// Validate checks retrieval settings.
func (c RetrievalConfig) Validate() error {
	if c.Backend != "qdrant" && c.Backend != "chromem" {
		return fmt.Errorf("retrieval.backend must be qdrant or chromem, got %q", c.Backend)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.TopK)
	}
	if strings.TrimSpace(c.TenantField) == "" {
		return errors.New("retrieval.tenant_field is required")
	}
	if c.Timeout.Duration() <= 0 {
		return errors.New("retrieval.timeout must be positive")
	}
	return nil
}

// Validate checks embedding provider settings.
func (c EmbeddingsConfig) Validate() error {
	switch c.Provider {
	case "tei", "openai":
		if c.BaseURL == "" {
			return fmt.Errorf("embeddings.base_url is required for the %s provider", c.Provider)
		}
	case "fastembed":
	default:
		return fmt.Errorf("embeddings.provider must be tei, openai or fastembed, got %q", c.Provider)
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("embeddings.requests_per_second cannot be negative")
	}
	return nil
}

// Validate checks generator settings.
func (c GeneratorConfig) Validate() error {
	if c.Provider != "openai" && c.Provider != "fake" {
		return fmt.Errorf("generator.provider must be openai or fake, got %q", c.Provider)
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("generator.max_output_tokens must be positive, got %d", c.MaxOutputTokens)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("generator.max_retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.Timeout.Duration() <= 0 {
		return errors.New("generator.timeout must be positive")
	}
	if c.Provider == "openai" && c.Model == "" {
		return errors.New("generator.model is required for the openai provider")
	}
	if c.ConfidentialRetrievalOnly && c.Provider != "openai" {
		return fmt.Errorf("generator.confidential_retrieval_only requires a real provider, got %q", c.Provider)
	}
	return nil
}
