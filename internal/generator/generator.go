// Package generator adapts language-model providers to a single Generate
// call with a closed error taxonomy.
//
// Provider status codes are mapped to the package's sentinel errors inside
// each adapter; nothing above this package sees HTTP codes or provider
// response bodies.
package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrProviderUnavailable covers network failures, timeouts and 5xx
	// responses other than 503.
	ErrProviderUnavailable = errors.New("generation provider unavailable")

	// ErrProviderUnauthorized means the provider rejected the credentials.
	ErrProviderUnauthorized = errors.New("generation provider unauthorized")

	// ErrProviderLoading means the model is warming up. Retryable.
	ErrProviderLoading = errors.New("generation provider loading")

	// ErrProviderRejected means the provider refused the request itself.
	// Not retryable.
	ErrProviderRejected = errors.New("generation request rejected")

	// ErrInvalidConfig indicates invalid generator settings.
	ErrInvalidConfig = errors.New("invalid generator configuration")
)

// Generator produces an answer for an assembled prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxOutputTokens int) (string, error)
	Health(ctx context.Context) Status
	Name() string
}

// State is the coarse provider health.
type State string

const (
	StateUp           State = "up"
	StateLoading      State = "loading"
	StateUnauthorized State = "unauthorized"
	StateUnavailable  State = "unavailable"
)

// Status is the result of a health probe.
type Status struct {
	State State  `json:"state"`
	Model string `json:"model,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

// OK reports whether the provider can serve requests.
func (s Status) OK() bool { return s.State == StateUp }

// StatusFromError maps a Generate or probe error to a health Status.
func StatusFromError(model string, err error) Status {
	switch {
	case err == nil:
		return Status{State: StateUp, Model: model}
	case errors.Is(err, ErrProviderLoading):
		return Status{State: StateLoading, Model: model, Hint: "model loading (503): transient, retry shortly"}
	case errors.Is(err, ErrProviderUnauthorized):
		return Status{State: StateUnauthorized, Model: model, Hint: "provider rejected the API key (401/403): check generator.api_key"}
	case errors.Is(err, ErrProviderRejected):
		return Status{State: StateUnavailable, Model: model, Hint: "provider rejected the request: verify generator.model"}
	default:
		return Status{State: StateUnavailable, Model: model, Hint: "provider unreachable or failing"}
	}
}

// classifyStatus maps a provider HTTP status to a sentinel error.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusServiceUnavailable:
		return ErrProviderLoading
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrProviderUnauthorized
	case code == http.StatusTooManyRequests:
		return ErrProviderUnavailable
	case code >= 500:
		return ErrProviderUnavailable
	case code >= 400:
		return ErrProviderRejected
	default:
		return ErrProviderUnavailable
	}
}

// statusError wraps the sentinel for code without any provider text.
func statusError(code int) error {
	return fmt.Errorf("%w: status %d", classifyStatus(code), code)
}
