package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/identity"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/orchestrator"
)

// bindQuestion decodes and validates a query body. On failure the error
// response has already been written and ok is false.
func (s *Server) bindQuestion(c echo.Context) (req QueryRequest, ok bool, err error) {
	if err := c.Bind(&req); err != nil {
		return req, false, writeQueryError(c, &orchestrator.Error{Kind: orchestrator.KindInvalidRequest})
	}
	if err := c.Validate(&req); err != nil {
		return req, false, writeQueryError(c, &orchestrator.Error{Kind: orchestrator.KindInvalidRequest})
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return req, false, writeError(c, http.StatusBadRequest, string(orchestrator.KindInvalidRequest), "question is required")
	}
	if utf8.RuneCountInString(req.Question) > s.config.MaxQuestionRunes {
		return req, false, writeError(c, http.StatusRequestEntityTooLarge, codePayloadTooLarge,
			fmt.Sprintf("question exceeds %d characters", s.config.MaxQuestionRunes))
	}
	return req, true, nil
}

func (s *Server) ask(c echo.Context, req QueryRequest) (*orchestrator.Result, error) {
	return s.querier.Handle(c.Request().Context(), orchestrator.Request{
		Question:  req.Question,
		Identity:  callerIdentity(c),
		SessionID: req.SessionID,
	})
}

// handleQuery answers POST /api/v1/query.
func (s *Server) handleQuery(c echo.Context) error {
	req, ok, err := s.bindQuestion(c)
	if !ok {
		return err
	}
	res, err := s.ask(c, req)
	if err != nil {
		return writeQueryError(c, err)
	}
	return c.JSON(http.StatusOK, QueryResponse{
		Answer:     res.Answer,
		UsedChunks: nonNil(res.UsedChunks),
		Citations:  nonNil(res.Citations),
		CacheHit:   res.CacheHit,
		RequestID:  logging.RequestIDFromContext(c.Request().Context()),
	})
}

// handleQueryStream answers POST /api/v1/query/stream as server-sent
// events. The answer is fully computed and redacted before the first byte
// is written; streaming only changes delivery.
func (s *Server) handleQueryStream(c echo.Context) error {
	if !s.config.Streaming {
		return writeError(c, http.StatusNotFound, codeStreaming, "streaming is disabled")
	}
	req, ok, err := s.bindQuestion(c)
	if !ok {
		return err
	}
	res, err := s.ask(c, req)
	if err != nil {
		return writeQueryError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	for _, word := range answerChunks(res.Answer) {
		if ctx.Err() != nil {
			return nil
		}
		if err := writeEvent(w, "", word); err != nil {
			s.logger.Debug(ctx, "stream write failed", zap.Error(err))
			return nil
		}
		w.Flush()
	}

	done, err := json.Marshal(StreamDone{
		UsedChunks: nonNil(res.UsedChunks),
		Citations:  nonNil(res.Citations),
		CacheHit:   res.CacheHit,
		RequestID:  logging.RequestIDFromContext(ctx),
	})
	if err != nil {
		return fmt.Errorf("encoding stream trailer: %w", err)
	}
	if err := writeEvent(w, "done", string(done)); err != nil {
		s.logger.Debug(ctx, "stream write failed", zap.Error(err))
		return nil
	}
	w.Flush()
	return nil
}

// answerChunks splits an answer into words, each keeping its trailing
// space so that concatenating the data fields restores the answer.
func answerChunks(answer string) []string {
	var chunks []string
	for answer != "" {
		i := strings.IndexByte(answer, ' ')
		if i < 0 {
			chunks = append(chunks, answer)
			break
		}
		chunks = append(chunks, answer[:i+1])
		answer = answer[i+1:]
	}
	return chunks
}

// writeEvent writes one SSE event. Multi-line data is split over several
// data fields as the SSE format requires.
func writeEvent(w *echo.Response, event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := w.Write([]byte(b.String()))
	return err
}

// handleRedact previews the standard redaction policy on caller-supplied
// text. Only privileged callers may use it.
func (s *Server) handleRedact(c echo.Context) error {
	if callerIdentity(c).DLPLevel() != identity.DLPPrivileged {
		return writeError(c, http.StatusForbidden, codeForbidden, "redaction preview requires privileged access")
	}
	var req RedactRequest
	if err := c.Bind(&req); err != nil {
		return writeQueryError(c, &orchestrator.Error{Kind: orchestrator.KindInvalidRequest})
	}
	if err := c.Validate(&req); err != nil {
		return writeError(c, http.StatusBadRequest, string(orchestrator.KindInvalidRequest), "text is required")
	}

	res := s.redactor.Scrub(req.Text, identity.DLPStandard)
	return c.JSON(http.StatusOK, RedactResponse{
		Redacted: res.Redacted,
		Applied:  res.Applied,
		Total:    res.Total(),
		ByType:   res.ByType,
		Findings: res.Findings,
	})
}

// handleHealth probes the vector store and the generator. Any component
// that is not up makes the reply 503.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.HealthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Components: map[string]Component{}}
	if s.store != nil {
		comp := Component{Status: "up"}
		if err := s.store.Health(ctx); err != nil {
			s.logger.Warn(ctx, "vector store health check failed", zap.Error(err))
			comp = Component{Status: "unavailable", Detail: "vector store unreachable"}
		}
		resp.Components["vector_store"] = comp
	}
	if s.gen != nil {
		st := s.gen.Health(ctx)
		resp.Components["generator"] = GeneratorComponent(st)
	}
	if s.tel != nil {
		h := s.tel.Health()
		resp.Telemetry = &h
	}

	status := http.StatusOK
	for _, comp := range resp.Components {
		if comp.Status != "up" {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	return c.JSON(status, resp)
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, s.build)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
