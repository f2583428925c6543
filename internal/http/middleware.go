package http

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/identity"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/orchestrator"
)

// HeaderAPIKey carries the caller's API key.
const HeaderAPIKey = "X-API-Key"

const identityKey = "cortexd.identity"

// requestID assigns a uuid request ID (or keeps a well-formed inbound one)
// and puts it on the request context for logs and audit events.
func requestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
				c.Response().Header().Set(echo.HeaderXRequestID, id)
			}
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	})
}

// accessLog logs one line per request. Bodies and credentials are never logged.
func (s *Server) accessLog() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("route", normalizePath(c.Path())),
				zap.Int("status", c.Response().Status),
				zap.Int64("bytes", c.Response().Size),
				zap.Duration("duration", time.Since(start)),
			}
			if id, ok := c.Get(identityKey).(identity.Identity); ok {
				fields = append(fields, zap.String("user_id", id.UserID()))
			}
			s.logger.Info(c.Request().Context(), "http request", fields...)
			return nil
		}
	}
}

// securityHeaders sets the static response headers. HSTS and CSP are only
// sent when the server is published over https, which usually terminates at
// a proxy, so HSTS is not conditioned on the request's own scheme.
func securityHeaders(https bool) echo.MiddlewareFunc {
	cfg := middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	}
	if https {
		cfg.ContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	}
	secure := middleware.SecureWithConfig(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := secure(next)
		return func(c echo.Context) error {
			if https {
				c.Response().Header().Set(echo.HeaderStrictTransportSecurity, "max-age=31536000; includeSubDomains")
			}
			return h(c)
		}
	}
}

// credential extracts the API key from X-API-Key or a Bearer token.
func credential(c echo.Context) string {
	if key := strings.TrimSpace(c.Request().Header.Get(HeaderAPIKey)); key != "" {
		return key
	}
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// authenticate resolves the caller before any handler runs. The resolved
// identity is the only source of tenant scope.
func (s *Server) authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			cred := credential(c)
			if cred == "" {
				return writeQueryError(c, &orchestrator.Error{Kind: orchestrator.KindUnauthorized})
			}
			id, err := s.resolver.Resolve(ctx, cred)
			if err != nil {
				if !errors.Is(err, identity.ErrUnknownCredential) && !errors.Is(err, identity.ErrMissingCredential) {
					s.logger.Error(ctx, "identity resolution failed", zap.Error(err))
					return writeQueryError(c, &orchestrator.Error{Kind: orchestrator.KindInternal})
				}
				s.logger.Debug(ctx, "rejected credential")
				return writeQueryError(c, &orchestrator.Error{Kind: orchestrator.KindUnauthorized})
			}
			c.Set(identityKey, id)
			c.SetRequest(c.Request().WithContext(identity.WithIdentity(ctx, id)))
			return next(c)
		}
	}
}

func callerIdentity(c echo.Context) identity.Identity {
	id, _ := c.Get(identityKey).(identity.Identity)
	return id
}
