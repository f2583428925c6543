// Package http serves the cortexd query API over echo.
//
// Every /api/v1 route requires an API key (X-API-Key or a Bearer token)
// resolved to an identity before the handler runs. Failures from the
// orchestrator are rendered by kind only; their causes stay in the logs.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/generator"
	"github.com/fyrsmithlabs/cortexd/internal/identity"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/orchestrator"
	"github.com/fyrsmithlabs/cortexd/internal/telemetry"
)

// Querier answers queries. *orchestrator.Orchestrator implements it.
type Querier interface {
	Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Pinger reports a dependency's reachability. *vectorstore.Retriever
// implements it.
type Pinger interface {
	Health(ctx context.Context) error
}

// Prober reports generator health. Every generator.Generator implements it.
type Prober interface {
	Health(ctx context.Context) generator.Status
}

// Config holds HTTP server configuration.
type Config struct {
	Host             string
	Port             int
	BodyLimit        string
	MaxQuestionRunes int
	HTTPS            bool
	Streaming        bool
	CORSOrigins      []string
	HealthTimeout    time.Duration
}

// ConfigFromSettings maps the server section.
func ConfigFromSettings(s config.ServerConfig) *Config {
	return &Config{
		Host:             s.Host,
		Port:             s.Port,
		BodyLimit:        s.BodyLimit,
		MaxQuestionRunes: s.MaxQuestionRunes,
		HTTPS:            s.HTTPS,
		Streaming:        s.Streaming,
		CORSOrigins:      s.CORSOrigins,
	}
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8088
	}
	if c.BodyLimit == "" {
		c.BodyLimit = "64K"
	}
	if c.MaxQuestionRunes <= 0 {
		c.MaxQuestionRunes = 2000
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 3 * time.Second
	}
}

// Deps are the server's collaborators. Querier, Resolver and Redactor are
// required.
type Deps struct {
	Querier   Querier
	Resolver  identity.Resolver
	Redactor  *dlp.Redactor
	Store     Pinger
	Generator Prober
	Telemetry *telemetry.Telemetry
	Metrics   *Metrics
	Logger    *logging.Logger
	Build     VersionResponse
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	config   *Config
	querier  Querier
	resolver identity.Resolver
	redactor *dlp.Redactor
	store    Pinger
	gen      Prober
	tel      *telemetry.Telemetry
	logger   *logging.Logger
	build    VersionResponse
}

// NewServer creates a Server. A nil cfg selects the defaults.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if deps.Querier == nil {
		return nil, errors.New("querier is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("identity resolver is required")
	}
	if deps.Redactor == nil {
		return nil, errors.New("redactor is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil, logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New(validator.WithRequiredStructEnabled())}

	s := &Server{
		echo:     e,
		config:   &c,
		querier:  deps.Querier,
		resolver: deps.Resolver,
		redactor: deps.Redactor,
		store:    deps.Store,
		gen:      deps.Generator,
		tel:      deps.Telemetry,
		logger:   logger.Named("http"),
		build:    deps.Build,
	}
	e.HTTPErrorHandler = s.httpErrorHandler

	// Order: request id first so every later log line carries it.
	e.Use(requestID())
	e.Use(s.accessLog())
	e.Use(metrics.Middleware())
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{DisablePrintStack: true}))
	e.Use(securityHeaders(c.HTTPS))
	if len(c.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: c.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, HeaderAPIKey},
			MaxAge:       600,
		}))
	}
	e.Use(middleware.BodyLimit(c.BodyLimit))

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.authenticate())
	v1.POST("/query", s.handleQuery)
	v1.POST("/query/stream", s.handleQueryStream)
	v1.POST("/redact", s.handleRedact)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := s.Addr()
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

type requestValidator struct {
	v *validator.Validate
}

func (r *requestValidator) Validate(i any) error {
	return r.v.Struct(i)
}
