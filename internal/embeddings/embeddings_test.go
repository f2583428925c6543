package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/vectorstore"
)

var (
	_ vectorstore.Embedder = (*TEIProvider)(nil)
	_ vectorstore.Embedder = (*OpenAIProvider)(nil)
	_ Provider             = (*FastEmbedProvider)(nil)
)

// fakeVector derives a small deterministic vector from the text length.
func fakeVector(text string) []float32 {
	return []float32{float32(len(text)), 1, 0}
}

func newTEIServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		require.Equal(t, "/embed", r.URL.Path)
		var req struct {
			Inputs   json.RawMessage `json:"inputs"`
			Truncate bool            `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		var inputs []string
		if err := json.Unmarshal(req.Inputs, &inputs); err != nil {
			var single string
			require.NoError(t, json.Unmarshal(req.Inputs, &single))
			inputs = []string{single}
		}
		out := make([][]float32, len(inputs))
		for i, in := range inputs {
			out[i] = fakeVector(in)
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func TestTEIProvider(t *testing.T) {
	srv := newTEIServer(t, nil)
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Model: "BAAI/bge-small-en-v1.5"}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, 384, p.Dimension())

	vectors, err := p.EmbedDocuments(ctx, []string{"a", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{fakeVector("a"), fakeVector("bbb")}, vectors)

	v, err := p.EmbedQuery(ctx, "four")
	require.NoError(t, err)
	assert.Equal(t, fakeVector("four"), v)

	_, err = p.EmbedDocuments(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = p.EmbedQuery(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestTEIProvider_Errors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL}, nil)
		require.NoError(t, err)
		_, err = p.EmbedQuery(context.Background(), "q")
		require.ErrorIs(t, err, ErrEmbeddingFailed)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("vector count mismatch", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`[[1,2,3]]`))
		}))
		defer srv.Close()

		p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL}, nil)
		require.NoError(t, err)
		_, err = p.EmbedDocuments(context.Background(), []string{"a", "b"})
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
	})

	t.Run("unreachable", func(t *testing.T) {
		p, err := NewTEIProvider(TEIConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, nil)
		require.NoError(t, err)
		_, err = p.EmbedQuery(context.Background(), "q")
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
	})

	t.Run("missing base url", func(t *testing.T) {
		_, err := NewTEIProvider(TEIConfig{}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestTEIProvider_SendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer hf_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[[0.5]]`))
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL, APIKey: "hf_test"}, nil)
	require.NoError(t, err)
	v, err := p.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, v)
}

func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		// reversed on purpose; the provider must honor the index field
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": fakeVector(req.Input[i]),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, Model: "text-embedding-3-small", APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, 1536, p.Dimension())

	vectors, err := p.EmbedDocuments(ctx, []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{fakeVector("a"), fakeVector("bb"), fakeVector("ccc")}, vectors)

	v, err := p.EmbedQuery(ctx, "dddd")
	require.NoError(t, err)
	assert.Equal(t, fakeVector("dddd"), v)
}

func TestOpenAIProvider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, Model: "m"}, nil)
	require.NoError(t, err)
	_, err = p.EmbedQuery(context.Background(), "q")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	_, err = NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewProvider(t *testing.T) {
	srv := newTEIServer(t, nil)
	defer srv.Close()

	p, err := NewProvider(config.EmbeddingsConfig{Provider: "tei", BaseURL: srv.URL, Model: "BAAI/bge-base-en-v1.5"}, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimension())
	assert.Equal(t, "BAAI/bge-base-en-v1.5", p.Model())

	_, err = NewProvider(config.EmbeddingsConfig{Provider: "word2vec"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewProvider_Throttled(t *testing.T) {
	var calls atomic.Int32
	srv := newTEIServer(t, &calls)
	defer srv.Close()

	p, err := NewProvider(config.EmbeddingsConfig{Provider: "tei", BaseURL: srv.URL, RequestsPerSecond: 1000}, nil)
	require.NoError(t, err)
	_, isThrottled := p.(*throttled)
	assert.True(t, isThrottled)

	_, err = p.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestThrottle_RespectsContext(t *testing.T) {
	var calls atomic.Int32
	srv := newTEIServer(t, &calls)
	defer srv.Close()

	inner, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	// one token per hour: the first call spends it, the second must wait
	p := Throttle(inner, rate.NewLimiter(rate.Every(time.Hour), 1))
	_, err = p.EmbedQuery(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.EmbedQuery(ctx, "second")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDetectDimensionFromModel(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"BAAI/bge-small-en-v1.5", 384},
		{"BAAI/bge-m3", 1024},
		{"text-embedding-3-large", 3072},
		{"acme/custom-base", 768},
		{"acme/custom-LARGE", 1024},
		{"whatever", 384},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectDimensionFromModel(tt.model), tt.model)
	}
}

func TestMetrics_RecordGeneration(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m := &Metrics{meter: mp.Meter(instrumentationName), logger: logging.Nop()}
	m.init()
	ctx := context.Background()

	m.RecordGeneration(ctx, "BAAI/bge-small-en-v1.5", "embed_documents", 100*time.Millisecond, 10, nil)
	m.RecordGeneration(ctx, "BAAI/bge-small-en-v1.5", "embed_query", 50*time.Millisecond, 1, nil)
	m.RecordGeneration(ctx, "BAAI/bge-small-en-v1.5", "embed_documents", 25*time.Millisecond, 5, errors.New("failed"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			found[metric.Name] = true
			switch data := metric.Data.(type) {
			case metricdata.Histogram[float64]:
				var total uint64
				for _, dp := range data.DataPoints {
					total += dp.Count
				}
				assert.Equal(t, uint64(3), total)
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				assert.Equal(t, int64(1), total)
			}
		}
	}
	assert.True(t, found["cortexd.embedding.duration_seconds"])
	assert.True(t, found["cortexd.embedding.batch_size"])
	assert.True(t, found["cortexd.embedding.errors_total"])

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordGeneration(ctx, "m", "embed_query", time.Second, 1, nil) })
}
