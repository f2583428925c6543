package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cortexd/internal/config"
)

// Protocols accepted for the OTLP exporters.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string
	ServiceName    string
	ServiceVersion string
	// Insecure disables TLS. Only allowed for loopback endpoints.
	Insecure bool

	// SamplingRate is the parent-based trace ratio, 0.0-1.0.
	SamplingRate float64

	// MetricsInterval is the OTLP metric export period. Zero disables
	// metric export; Prometheus scraping is unaffected.
	MetricsInterval time.Duration

	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns disabled telemetry with local collector defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Endpoint:        "localhost:4317",
		Protocol:        ProtocolGRPC,
		ServiceName:     "cortexd",
		ServiceVersion:  "dev",
		Insecure:        true,
		SamplingRate:    1.0,
		MetricsInterval: 15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromSettings builds a Config from the observability section.
func FromSettings(s config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = s.EnableTelemetry
	if s.Endpoint != "" {
		cfg.Endpoint = s.Endpoint
	}
	if s.Protocol != "" {
		cfg.Protocol = s.Protocol
	}
	if s.ServiceName != "" {
		cfg.ServiceName = s.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Insecure = s.Insecure
	cfg.SamplingRate = s.SamplingRate
	cfg.MetricsInterval = s.MetricsInterval.Duration()
	return cfg
}

// Validate checks configuration for errors. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required when telemetry is enabled"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name is required when telemetry is enabled"))
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		errs = append(errs, fmt.Errorf("protocol must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol))
	}
	if c.Insecure && c.Endpoint != "" && !c.isLocalEndpoint() {
		errs = append(errs, errors.New("insecure connections to remote endpoints are not allowed; set insecure=false or use a loopback endpoint"))
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("sampling rate must be between 0 and 1, got %f", c.SamplingRate))
	}
	if c.MetricsInterval < 0 {
		errs = append(errs, errors.New("metrics interval cannot be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	return errors.Join(errs...)
}

// isLocalEndpoint reports whether the endpoint host is loopback.
func (c *Config) isLocalEndpoint() bool {
	host := stripScheme(c.Endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
