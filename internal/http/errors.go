package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/orchestrator"
)

// Error codes that exist only at the HTTP boundary.
const (
	codePayloadTooLarge = "payload_too_large"
	codeNotFound        = "not_found"
	codeForbidden       = "forbidden"
	codeStreaming       = "streaming_disabled"
)

// statusFor maps a query failure kind to an HTTP status.
func statusFor(kind orchestrator.Kind) int {
	switch kind {
	case orchestrator.KindUnauthorized:
		return http.StatusUnauthorized
	case orchestrator.KindRateLimited:
		return http.StatusTooManyRequests
	case orchestrator.KindInvalidRequest:
		return http.StatusBadRequest
	case orchestrator.KindRetrievalFailure:
		return http.StatusServiceUnavailable
	case orchestrator.KindGenerationFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// messages are the only texts a client sees for each kind.
var messages = map[orchestrator.Kind]string{
	orchestrator.KindUnauthorized:       "missing or invalid credentials",
	orchestrator.KindRateLimited:        "rate limit exceeded",
	orchestrator.KindInvalidRequest:     "invalid request",
	orchestrator.KindRetrievalFailure:   "knowledge base temporarily unavailable",
	orchestrator.KindGenerationFailure:  "answer generation failed",
	orchestrator.KindRedactionInvariant: "response withheld",
	orchestrator.KindTenantIntegrity:    "response withheld",
	orchestrator.KindInternal:           "internal error",
}

// writeQueryError renders err without exposing its cause.
func writeQueryError(c echo.Context, err error) error {
	kind := orchestrator.KindOf(err)
	var rl *orchestrator.RateLimitedError
	if errors.As(err, &rl) {
		c.Response().Header().Set("Retry-After", retryAfterSeconds(rl))
	}
	return writeError(c, statusFor(kind), string(kind), messages[kind])
}

func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: logging.RequestIDFromContext(c.Request().Context()),
	})
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(rl *orchestrator.RateLimitedError) string {
	secs := int(math.Ceil(rl.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// httpErrorHandler renders echo's own errors (404, 405, 413 from the body
// limit, recovered panics) in the common error shape.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	code := string(orchestrator.KindInternal)
	message := messages[orchestrator.KindInternal]

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch status {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			code, message = codeNotFound, http.StatusText(status)
		case http.StatusRequestEntityTooLarge:
			code, message = codePayloadTooLarge, "request body too large"
		case http.StatusUnauthorized:
			code, message = string(orchestrator.KindUnauthorized), messages[orchestrator.KindUnauthorized]
		case http.StatusBadRequest:
			code, message = string(orchestrator.KindInvalidRequest), messages[orchestrator.KindInvalidRequest]
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "unhandled http error", zap.Error(err))
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = writeError(c, status, code, message)
	}
	if werr != nil {
		s.logger.Warn(c.Request().Context(), "writing error response failed", zap.Error(werr))
	}
}
