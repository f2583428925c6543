package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

var tracer = otel.Tracer("cortexd.generator")

// SystemInstruction is sent as the system message of every chat request.
const SystemInstruction = "Answer in English, professionally and concisely. Do not show reasoning, only the final answer."

// maxAnswerRunes bounds the answer kept from a completion.
const maxAnswerRunes = 4000

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint,
// such as the Hugging Face router.
type OpenAIConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float32
	Timeout     time.Duration
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	// FallbackModels are tried in order when Model is not supported.
	FallbackModels []string
	// DiscoverModels picks a chat model from GET /models once the
	// fallbacks are exhausted.
	DiscoverModels bool
}

// OpenAIGenerator calls /chat/completions through go-openai.
//
// When the endpoint answers that the current model is not supported, the
// configured fallbacks are tried in order, then optionally one model picked
// from the endpoint's list. The first model that answers becomes current for
// later calls.
type OpenAIGenerator struct {
	client      *openai.Client
	temperature float32
	limiter     *rate.Limiter
	logger      *logging.Logger
	fallbacks   []string
	discover    bool

	mu    sync.RWMutex
	model string
}

// NewOpenAIGenerator creates a generator for an OpenAI-compatible API.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *logging.Logger) (*OpenAIGenerator, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	g := &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger,
		fallbacks:   slices.Clone(cfg.FallbackModels),
		discover:    cfg.DiscoverModels,
	}
	if cfg.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.APIKey == "" {
		logger.Warn(context.Background(), "generator api key is empty; requests will likely be unauthorized",
			zap.String("model", cfg.Model))
	}
	return g, nil
}

// Name implements Generator.
func (g *OpenAIGenerator) Name() string { return "openai:" + g.Model() }

// Model returns the model requests are currently sent to.
func (g *OpenAIGenerator) Model() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.model
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, maxOutputTokens int) (answer string, err error) {
	model := g.Model()
	ctx, span := tracer.Start(ctx, "generator.Generate")
	span.SetAttributes(
		attribute.String("model", model),
		attribute.Int("max_output_tokens", maxOutputTokens),
	)
	start := time.Now()
	defer func() {
		generationDuration.Observe(time.Since(start).Seconds())
		generationsTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, resultLabel(err))
		}
		span.End()
	}()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
	}

	resp, err := g.complete(ctx, model, prompt, maxOutputTokens)
	if err != nil && modelNotSupported(err) {
		resp, err = g.fallback(ctx, model, prompt, maxOutputTokens)
	}
	if err != nil {
		mapped := classifyError(err)
		g.logger.Warn(ctx, "generation failed",
			zap.String("model", model),
			zap.String("result", resultLabel(mapped)),
			zap.Error(mapped))
		return "", mapped
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrProviderUnavailable)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrProviderUnavailable)
	}
	if r := []rune(text); len(r) > maxAnswerRunes {
		text = string(r[:maxAnswerRunes])
	}
	span.SetAttributes(attribute.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return text, nil
}

func (g *OpenAIGenerator) complete(ctx context.Context, model, prompt string, maxOutputTokens int) (openai.ChatCompletionResponse, error) {
	return g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemInstruction},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxOutputTokens,
		Temperature: g.temperature,
	})
}

// fallback retries the request on other models after rejected was refused.
// It returns the last error when none of them answers.
func (g *OpenAIGenerator) fallback(ctx context.Context, rejected, prompt string, maxOutputTokens int) (openai.ChatCompletionResponse, error) {
	tried := map[string]bool{rejected: true}
	var (
		resp    openai.ChatCompletionResponse
		lastErr error
	)
	try := func(model string) bool {
		if model == "" || tried[model] {
			return false
		}
		tried[model] = true
		resp, lastErr = g.complete(ctx, model, prompt, maxOutputTokens)
		if lastErr != nil {
			return false
		}
		g.switchModel(ctx, rejected, model)
		return true
	}

	for _, model := range g.fallbacks {
		if try(model) {
			return resp, nil
		}
		if lastErr != nil && !modelNotSupported(lastErr) {
			return resp, lastErr
		}
	}
	if g.discover {
		list, err := g.client.ListModels(ctx)
		if err == nil && try(pickChatModel(list.Models, tried)) {
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: model %s not supported and no fallback available", ErrProviderRejected, rejected)
	}
	return resp, lastErr
}

func (g *OpenAIGenerator) switchModel(ctx context.Context, from, to string) {
	g.mu.Lock()
	if g.model == from {
		g.model = to
	}
	g.mu.Unlock()
	modelFallbacksTotal.WithLabelValues(to).Inc()
	g.logger.Warn(ctx, "configured model not supported; switched model",
		zap.String("from", from), zap.String("to", to))
}

// modelNotSupported reports whether the endpoint refused the model itself
// rather than the request.
func modelNotSupported(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatusCode != http.StatusBadRequest && apiErr.HTTPStatusCode != http.StatusNotFound {
		return false
	}
	switch fmt.Sprint(apiErr.Code) {
	case "model_not_supported", "model_not_found":
		return true
	}
	return strings.Contains(apiErr.Message, "model_not_supported")
}

// pickChatModel prefers instruct or chat models and skips reasoning, OCR and
// vision variants. It returns "" when nothing usable is listed.
func pickChatModel(models []openai.Model, skip map[string]bool) string {
	usable := func(id string) bool {
		id = strings.ToLower(id)
		return id != "" && !strings.Contains(id, "thinking") &&
			!strings.Contains(id, "ocr") && !strings.Contains(id, "vision")
	}
	var first string
	for _, m := range models {
		if skip[m.ID] || !usable(m.ID) {
			continue
		}
		id := strings.ToLower(m.ID)
		if strings.Contains(id, "instruct") || strings.Contains(id, "chat") {
			return m.ID
		}
		if first == "" {
			first = m.ID
		}
	}
	return first
}

// Health lists models as a cheap authenticated probe.
func (g *OpenAIGenerator) Health(ctx context.Context) Status {
	_, err := g.client.ListModels(ctx)
	if err != nil {
		err = classifyError(err)
	}
	model := g.Model()
	st := StatusFromError(model, err)
	recordHealth(model, st)
	return st
}

// classifyError maps go-openai and transport errors to sentinels. Provider
// messages are dropped.
func classifyError(err error) error {
	if errors.Is(err, ErrProviderRejected) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return statusError(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return statusError(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: transport error", ErrProviderUnavailable)
}

var _ Generator = (*OpenAIGenerator)(nil)
