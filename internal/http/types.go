package http

import (
	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/generator"
	"github.com/fyrsmithlabs/cortexd/internal/orchestrator"
	"github.com/fyrsmithlabs/cortexd/internal/telemetry"
)

// QueryRequest is the body of POST /api/v1/query and /api/v1/query/stream.
type QueryRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128,printascii"`
}

// QueryResponse is the body of a successful query.
type QueryResponse struct {
	Answer     string                  `json:"answer"`
	UsedChunks []orchestrator.ChunkRef `json:"used_chunks"`
	Citations  []string                `json:"citations"`
	CacheHit   bool                    `json:"cache_hit"`
	RequestID  string                  `json:"request_id"`
}

// StreamDone is the payload of the final "done" SSE event.
type StreamDone struct {
	UsedChunks []orchestrator.ChunkRef `json:"used_chunks"`
	Citations  []string                `json:"citations"`
	CacheHit   bool                    `json:"cache_hit"`
	RequestID  string                  `json:"request_id"`
}

// RedactRequest is the body of POST /api/v1/redact.
type RedactRequest struct {
	Text string `json:"text" validate:"required"`
}

// RedactResponse reports what the standard policy would mask. Matched
// values are never echoed.
type RedactResponse struct {
	Redacted string         `json:"redacted"`
	Applied  bool           `json:"applied"`
	Total    int            `json:"total"`
	ByType   map[string]int `json:"by_type,omitempty"`
	Findings []dlp.Finding  `json:"findings,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string                  `json:"status"`
	Components map[string]Component    `json:"components"`
	Telemetry  *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// Component is one dependency's health.
type Component struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// GeneratorComponent adapts a generator probe to Component.
func GeneratorComponent(s generator.Status) Component {
	c := Component{Status: string(s.State), Detail: s.Hint}
	if s.Model != "" && c.Detail == "" {
		c.Detail = s.Model
	}
	return c
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
}
