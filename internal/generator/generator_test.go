package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

func chatServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			handler(w, body)
		case "/models":
			if r.Header.Get("Authorization") != "Bearer hf_good" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"message":"Invalid credentials"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"meta-llama/Llama-3.1-8B-Instruct","object":"model"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func completion(text string) map[string]any {
	return map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"model":  "m",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": text},
		}},
	}
}

func newOpenAI(t *testing.T, url, key string) *OpenAIGenerator {
	t.Helper()
	g, err := NewOpenAIGenerator(OpenAIConfig{BaseURL: url, Model: "meta-llama/Llama-3.1-8B-Instruct", APIKey: key, Timeout: 2 * time.Second}, logging.Nop())
	require.NoError(t, err)
	return g
}

func TestOpenAIGenerator_Generate(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, body map[string]any) {
		assert.Equal(t, "meta-llama/Llama-3.1-8B-Instruct", body["model"])
		assert.EqualValues(t, 128, body["max_tokens"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
		assert.Equal(t, "the prompt", msgs[1].(map[string]any)["content"])
		_ = json.NewEncoder(w).Encode(completion("  The fee is 2.5%.  "))
	})
	defer srv.Close()

	out, err := newOpenAI(t, srv.URL, "hf_good").Generate(context.Background(), "the prompt", 128)
	require.NoError(t, err)
	assert.Equal(t, "The fee is 2.5%.", out)
}

func TestOpenAIGenerator_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusServiceUnavailable, `{"error":"Model meta-llama is currently loading","estimated_time":20}`, ErrProviderLoading},
		{http.StatusServiceUnavailable, `{"error":{"message":"loading"}}`, ErrProviderLoading},
		{http.StatusUnauthorized, `{"error":{"message":"Invalid credentials in Authorization header"}}`, ErrProviderUnauthorized},
		{http.StatusForbidden, `forbidden`, ErrProviderUnauthorized},
		{http.StatusBadRequest, `{"error":{"message":"model_not_supported"}}`, ErrProviderRejected},
		{http.StatusUnprocessableEntity, `{"error":{"message":"prompt too long"}}`, ErrProviderRejected},
		{http.StatusInternalServerError, `boom`, ErrProviderUnavailable},
		{http.StatusBadGateway, `bad gateway`, ErrProviderUnavailable},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status)+"/"+tt.body[:min(len(tt.body), 12)], func(t *testing.T) {
			srv := chatServer(t, func(w http.ResponseWriter, _ map[string]any) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			defer srv.Close()

			_, err := newOpenAI(t, srv.URL, "hf_good").Generate(context.Background(), "p", 16)
			require.ErrorIs(t, err, tt.want)
			// provider text never leaks through the error
			assert.NotContains(t, err.Error(), "Invalid credentials")
			assert.NotContains(t, err.Error(), "prompt too long")
		})
	}
}

func TestOpenAIGenerator_Unreachable(t *testing.T) {
	g := newOpenAI(t, "http://127.0.0.1:1", "hf_good")
	_, err := g.Generate(context.Background(), "p", 16)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, StateUnavailable, g.Health(context.Background()).State)
}

func TestOpenAIGenerator_EmptyCompletion(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, _ map[string]any) {
		_ = json.NewEncoder(w).Encode(completion("   "))
	})
	defer srv.Close()

	_, err := newOpenAI(t, srv.URL, "hf_good").Generate(context.Background(), "p", 16)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestOpenAIGenerator_Health(t *testing.T) {
	srv := chatServer(t, nil)
	defer srv.Close()

	st := newOpenAI(t, srv.URL, "hf_good").Health(context.Background())
	assert.True(t, st.OK())
	assert.Equal(t, "meta-llama/Llama-3.1-8B-Instruct", st.Model)

	st = newOpenAI(t, srv.URL, "hf_bad").Health(context.Background())
	assert.Equal(t, StateUnauthorized, st.State)
	assert.NotEmpty(t, st.Hint)
}

func TestNewOpenAIGenerator_RequiresModel(t *testing.T) {
	_, err := NewOpenAIGenerator(OpenAIConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type sleepRecorder struct{ waits []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func TestRetrying_LoadingTwiceThenSuccess(t *testing.T) {
	fake := NewFake(
		FakeReply{Err: ErrProviderLoading},
		FakeReply{Err: ErrProviderLoading},
		FakeReply{Text: "ready"},
	)
	rec := &sleepRecorder{}
	g := NewRetrying(fake, 3, 100*time.Millisecond, WithSleep(rec.sleep))

	out, err := g.Generate(context.Background(), "p", 16)
	require.NoError(t, err)
	assert.Equal(t, "ready", out)
	assert.Equal(t, 3, fake.Calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.waits, "exactly two retries")
}

func TestRetrying_Exhausted(t *testing.T) {
	fake := NewFake(
		FakeReply{Err: ErrProviderLoading},
		FakeReply{Err: ErrProviderLoading},
		FakeReply{Err: ErrProviderLoading},
		FakeReply{Text: "too late"},
	)
	rec := &sleepRecorder{}
	g := NewRetrying(fake, 2, time.Millisecond, WithSleep(rec.sleep))

	_, err := g.Generate(context.Background(), "p", 16)
	assert.ErrorIs(t, err, ErrProviderLoading)
	assert.Equal(t, 3, fake.Calls())
	assert.Len(t, rec.waits, 2)
}

func TestRetrying_OtherErrorsAreNotRetried(t *testing.T) {
	for _, sentinel := range []error{ErrProviderRejected, ErrProviderUnauthorized, ErrProviderUnavailable} {
		fake := NewFake(FakeReply{Err: sentinel}, FakeReply{Text: "never"})
		g := NewRetrying(fake, 5, time.Millisecond, WithSleep((&sleepRecorder{}).sleep))

		_, err := g.Generate(context.Background(), "p", 16)
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, fake.Calls())
	}
}

func TestRetrying_CancelledDuringBackoff(t *testing.T) {
	fake := NewFake(FakeReply{Err: ErrProviderLoading}, FakeReply{Text: "never"})
	g := NewRetrying(fake, 3, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx, "p", 16)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, fake.Calls())
}

func TestFake_EchoesFirstContextLine(t *testing.T) {
	prompt := "Header\n\nContext:\n- The fee is 2.5% per month. [fees.md]\n- Other. [x]\n\nQuestion: q\nAnswer."
	out, err := NewFake().Generate(context.Background(), prompt, 16)
	require.NoError(t, err)
	assert.Equal(t, "According to the provided context: The fee is 2.5% per month.", out)

	out, _ = NewFake().Generate(context.Background(), "Header\n\nContext:\n(no context available)\n", 16)
	assert.True(t, strings.HasPrefix(out, "The provided context does not cover"))
}

func TestStatusFromError(t *testing.T) {
	assert.Equal(t, StateUp, StatusFromError("m", nil).State)
	assert.Equal(t, StateLoading, StatusFromError("m", statusError(503)).State)
	assert.Equal(t, StateUnauthorized, StatusFromError("m", statusError(403)).State)
	assert.Equal(t, StateUnavailable, StatusFromError("m", statusError(500)).State)
	assert.Equal(t, StateUnavailable, StatusFromError("m", statusError(404)).State)
}

func TestFromSettings(t *testing.T) {
	g, err := FromSettings(config.GeneratorConfig{Provider: "fake"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Fake{}, g)

	g, err = FromSettings(config.GeneratorConfig{
		Provider:     "openai",
		Model:        "m",
		APIKey:       "k",
		MaxRetries:   2,
		RetryBackoff: config.Duration(time.Millisecond),
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Retrying{}, g)
	assert.Equal(t, "openai:m", g.Name())

	_, err = FromSettings(config.GeneratorConfig{Provider: "llama.cpp"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFromSettings_ConfidentialModeRejectsFake(t *testing.T) {
	for _, provider := range []string{"fake", ""} {
		_, err := FromSettings(config.GeneratorConfig{Provider: provider, ConfidentialRetrievalOnly: true}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig, "provider %q", provider)
	}

	g, err := FromSettings(config.GeneratorConfig{
		Provider:                  "openai",
		Model:                     "m",
		APIKey:                    "k",
		ConfidentialRetrievalOnly: true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai:m", g.Name())
}

func unsupportedModel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(`{"error":{"message":"The requested model is not supported","type":"invalid_request_error","code":"model_not_supported"}}`))
}

func TestOpenAIGenerator_FallsBackOnUnsupportedModel(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	srv := chatServer(t, func(w http.ResponseWriter, body map[string]any) {
		model := body["model"].(string)
		mu.Lock()
		calls[model]++
		mu.Unlock()
		if model != "backup" {
			unsupportedModel(w)
			return
		}
		_ = json.NewEncoder(w).Encode(completion("ok"))
	})
	defer srv.Close()

	logger := logging.NewTestLogger()
	g, err := NewOpenAIGenerator(OpenAIConfig{
		BaseURL:        srv.URL,
		Model:          "retired",
		APIKey:         "hf_good",
		FallbackModels: []string{"retired", "gone", "backup"},
	}, logger.Logger)
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), "p", 16)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "backup", g.Model())
	assert.Equal(t, "openai:backup", g.Name())

	_, err = g.Generate(context.Background(), "p", 16)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"retired": 1, "gone": 1, "backup": 2}, calls)
	logger.AssertLogged(t, zapcore.WarnLevel, "configured model not supported; switched model")
}

func TestOpenAIGenerator_DiscoversModel(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, body map[string]any) {
		if body["model"] != "meta-llama/Llama-3.1-8B-Instruct" {
			unsupportedModel(w)
			return
		}
		_ = json.NewEncoder(w).Encode(completion("discovered"))
	})
	defer srv.Close()

	g, err := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL, Model: "retired", APIKey: "hf_good", DiscoverModels: true}, nil)
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), "p", 16)
	require.NoError(t, err)
	assert.Equal(t, "discovered", out)
	assert.Equal(t, "meta-llama/Llama-3.1-8B-Instruct", g.Model())
}

func TestOpenAIGenerator_FallbackStopsOnOtherErrors(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, body map[string]any) {
		if body["model"] == "retired" {
			unsupportedModel(w)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid credentials"}}`))
	})
	defer srv.Close()

	g, err := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL, Model: "retired", APIKey: "hf_good", FallbackModels: []string{"backup"}}, nil)
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "p", 16)
	assert.ErrorIs(t, err, ErrProviderUnauthorized)
	assert.Equal(t, "retired", g.Model())
}

func TestOpenAIGenerator_NoFallbackLeavesRejection(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, _ map[string]any) { unsupportedModel(w) })
	defer srv.Close()

	g, err := NewOpenAIGenerator(OpenAIConfig{BaseURL: srv.URL, Model: "retired", APIKey: "hf_good", FallbackModels: []string{"gone"}}, nil)
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "p", 16)
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.Equal(t, "retired", g.Model())
}

func TestPickChatModel(t *testing.T) {
	models := []openai.Model{
		{ID: "deepseek/DeepSeek-R1-thinking"},
		{ID: "base-completion-model"},
		{ID: "Qwen/Qwen2-VL-vision-chat"},
		{ID: "mistralai/Mistral-7B-Instruct"},
	}
	assert.Equal(t, "mistralai/Mistral-7B-Instruct", pickChatModel(models, nil))
	assert.Equal(t, "base-completion-model", pickChatModel(models, map[string]bool{"mistralai/Mistral-7B-Instruct": true}))
	assert.Equal(t, "", pickChatModel(models[:1], nil))
}
