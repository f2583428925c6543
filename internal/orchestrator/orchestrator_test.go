package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/cortexd/internal/audit"
	"github.com/fyrsmithlabs/cortexd/internal/cache"
	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/generator"
	"github.com/fyrsmithlabs/cortexd/internal/identity"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/memory"
	"github.com/fyrsmithlabs/cortexd/internal/prompt"
	"github.com/fyrsmithlabs/cortexd/internal/ratelimit"
	"github.com/fyrsmithlabs/cortexd/internal/vectorstore"
)

const lateFee = "What is the late-payment fee?"

// fakeRetriever serves fixed chunks per tenant and records every call.
type fakeRetriever struct {
	mu       sync.Mutex
	byTenant map[string][]vectorstore.Chunk
	err      error
	gate     chan struct{}
	tenants  []string
}

func (f *fakeRetriever) Search(ctx context.Context, _ string, tenantID string, topK int) ([]vectorstore.Chunk, error) {
	f.mu.Lock()
	f.tenants = append(f.tenants, tenantID)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", vectorstore.ErrRetrievalUnavailable, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	chunks := f.byTenant[tenantID]
	return append([]vectorstore.Chunk(nil), chunks[:min(topK, len(chunks))]...), nil
}

func (f *fakeRetriever) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tenants...)
}

// recordingSink keeps emitted audit events.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Emit(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) last() audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

// spyCache counts cache writes and remembers their keys.
type spyCache struct {
	cache.Store[Result]
	mu   sync.Mutex
	puts []cache.Key
}

func (s *spyCache) Put(ctx context.Context, key cache.Key, v Result, ttl time.Duration) error {
	s.mu.Lock()
	s.puts = append(s.puts, key)
	s.mu.Unlock()
	return s.Store.Put(ctx, key, v, ttl)
}

type fixture struct {
	orch      *Orchestrator
	retriever *fakeRetriever
	gen       *generator.Fake
	limiter   *ratelimit.Memory
	cache     *spyCache
	sink      *recordingSink
	logger    *logging.TestLogger
	now       time.Time
}

type fixtureOption func(*Config, *Deps, *fixture)

func withGenerator(g generator.Generator) fixtureOption {
	return func(_ *Config, d *Deps, f *fixture) {
		d.Generator = g
		if fake, ok := g.(*generator.Fake); ok {
			f.gen = fake
		}
	}
}

func withLimit(limit, burst int) fixtureOption {
	return func(_ *Config, d *Deps, f *fixture) {
		l, err := ratelimit.NewMemory(
			ratelimit.Config{Limit: limit, Burst: burst, Window: time.Minute},
			ratelimit.WithClock(func() time.Time { return f.now }))
		if err != nil {
			panic(err)
		}
		f.limiter = l
		d.Limiter = l
	}
}

func withConfig(fn func(*Config)) fixtureOption {
	return func(c *Config, _ *Deps, _ *fixture) { fn(c) }
}

func withDeps(fn func(*Deps)) fixtureOption {
	return func(_ *Config, d *Deps, _ *fixture) { fn(d) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		retriever: &fakeRetriever{byTenant: map[string][]vectorstore.Chunk{
			"T1": {
				{ID: "t1-a", Text: "The late-payment fee is 2.5% per month.", Score: 0.9, SourceID: "fees-t1.md", TenantID: "T1"},
				{ID: "t1-b", Text: "Fees are charged on the 10th.", Score: 0.4, SourceID: "calendar-t1.md", TenantID: "T1"},
			},
			"T2": {
				{ID: "t2-a", Text: "Late payments cost 40 USD.", Score: 0.8, SourceID: "fees-t2.md", TenantID: "T2"},
			},
		}},
		gen:    generator.NewFake(),
		cache:  &spyCache{Store: cache.NewMemory[Result](100)},
		sink:   &recordingSink{},
		logger: logging.NewTestLogger(),
		now:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := Config{TopK: 5, MaxOutputTokens: 128, CacheTTL: time.Minute, RetrievalTimeout: time.Second, GenerationTimeout: time.Second}
	deps := Deps{
		Cache:     f.cache,
		Retriever: f.retriever,
		Assembler: prompt.NewAssembler(1024),
		Generator: f.gen,
		Redactor:  dlp.MustNew(dlp.DefaultConfig()),
		Audit:     f.sink,
		Logger:    f.logger.Logger,
	}
	withLimit(100, 0)(&cfg, &deps, f)
	for _, opt := range opts {
		opt(&cfg, &deps, f)
	}
	orch, err := New(cfg, deps)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func standard(tenants ...string) identity.Identity {
	return identity.New("u-1", tenants, identity.DLPStandard)
}

func TestHandle_EmptyTenantListIsUnauthorized(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard()})

	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Empty(t, f.retriever.calls(), "no retrieval before authorization")
	assert.Zero(t, f.gen.Calls(), "no generation before authorization")
	assert.Zero(t, f.limiter.Len(), "no admission before authorization")
	assert.Equal(t, "unauthorized", f.sink.last().Outcome)
}

func TestHandle_MalformedTenantIsUnauthorized(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1 OR 1=1")})

	assert.Equal(t, KindUnauthorized, KindOf(err))
	assert.Empty(t, f.retriever.calls())
	assert.Zero(t, f.gen.Calls())
}

func TestHandle_EmptyQuestion(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Handle(context.Background(), Request{Question: "  \t ", Identity: standard("T1")})

	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.Empty(t, f.retriever.calls())
}

func TestHandle_RedactsCardInAnswer(t *testing.T) {
	f := newFixture(t, withGenerator(generator.NewFake(generator.FakeReply{Text: "Your card 4915600297200043 is affected"})))

	res, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})
	require.NoError(t, err)

	assert.NotContains(t, res.Answer, "4915600297200043")
	assert.Contains(t, res.Answer, "[REDACTED_CARD]")
	assert.Equal(t, "Your card [REDACTED_CARD] is affected", res.Answer)
	assert.False(t, res.CacheHit)
	assert.Equal(t, 1, f.sink.last().RedactionsApplied)

	// The cached copy is the redacted one.
	cached, ok, err := f.cache.Get(context.Background(), cache.NewKey("T1", lateFee))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Answer, cached.Answer)
	f.logger.AssertNotContains(t, "4915600297200043")
}

func TestHandle_PrivilegedCallerIsNotRedacted(t *testing.T) {
	raw := "Reach the owner at ana@example.com"
	f := newFixture(t, withGenerator(generator.NewFake(
		generator.FakeReply{Text: raw},
		generator.FakeReply{Text: raw},
	)))
	ops := identity.New("ops", []string{"T1"}, identity.DLPPrivileged)

	res, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: ops})
	require.NoError(t, err)
	assert.Equal(t, raw, res.Answer)

	// A standard caller of the same tenant never sees the privileged entry.
	res, err = f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, "Reach the owner at [REDACTED_EMAIL]", res.Answer)
	assert.Equal(t, 2, f.gen.Calls())
}

func TestHandle_TenantsNeverShareRetrievalOrCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, err := f.orch.Handle(ctx, Request{Question: lateFee, Identity: standard("T1")})
	require.NoError(t, err)
	r2, err := f.orch.Handle(ctx, Request{Question: lateFee, Identity: standard("T2")})
	require.NoError(t, err)

	assert.Equal(t, []string{"T1", "T2"}, f.retriever.calls())
	assert.False(t, r1.CacheHit)
	assert.False(t, r2.CacheHit, "T2 must not hit T1's entry")
	require.Len(t, f.cache.puts, 2)
	assert.NotEqual(t, f.cache.puts[0], f.cache.puts[1])
	assert.NotEqual(t, f.cache.puts[0].Digest(), f.cache.puts[1].Digest())
	assert.Equal(t, []string{"fees-t1.md", "calendar-t1.md"}, sources(r1))
	assert.Equal(t, []string{"fees-t2.md"}, sources(r2))
}

func TestHandle_CacheHitSkipsPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Handle(ctx, Request{Question: lateFee, Identity: standard("T1")})
	require.NoError(t, err)
	second, err := f.orch.Handle(ctx, Request{Question: "  what IS the   late-payment fee? ", Identity: standard("T1")})
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.UsedChunks, second.UsedChunks)
	assert.Equal(t, first.Citations, second.Citations)
	assert.Len(t, f.retriever.calls(), 1)
	assert.Equal(t, 1, f.gen.Calls())
	assert.True(t, f.sink.last().CacheHit)

	// The prompt keeps the caller's casing.
	assert.Contains(t, f.gen.Prompts()[0], "Question: "+lateFee)
}

func TestHandle_ResultIsACopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Handle(ctx, Request{Question: lateFee, Identity: standard("T1")})
	require.NoError(t, err)
	res.Citations[0] = "tampered"
	res.UsedChunks[0].SourceID = "tampered"

	again, err := f.orch.Handle(ctx, Request{Question: lateFee, Identity: standard("T1")})
	require.NoError(t, err)
	assert.NotContains(t, again.Citations, "tampered")
	assert.NotEqual(t, "tampered", again.UsedChunks[0].SourceID)
}

func TestHandle_CitationsAreSortedAndUnique(t *testing.T) {
	f := newFixture(t)
	f.retriever.byTenant["T3"] = []vectorstore.Chunk{
		{ID: "1", Text: "a", Score: 0.9, SourceID: "z.md", TenantID: "T3"},
		{ID: "2", Text: "b", Score: 0.8, SourceID: "a.md", TenantID: "T3"},
		{ID: "3", Text: "c", Score: 0.7, SourceID: "z.md", TenantID: "T3"},
	}

	res, err := f.orch.Handle(context.Background(), Request{Question: "q", Identity: standard("T3")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "z.md"}, res.Citations)
	assert.Equal(t, []string{"z.md", "a.md", "z.md"}, sources(res))
}

func TestHandle_RateLimited(t *testing.T) {
	f := newFixture(t, withLimit(2, 1))
	ctx := context.Background()
	req := Request{Question: lateFee, Identity: standard("T1")}

	for i := 0; i < 3; i++ {
		_, err := f.orch.Handle(ctx, req)
		require.NoError(t, err, "request %d", i+1)
	}

	_, err := f.orch.Handle(ctx, req)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Positive(t, rl.RetryAfter)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, KindRateLimited, KindOf(err))

	f.now = f.now.Add(time.Minute)
	_, err = f.orch.Handle(ctx, req)
	assert.NoError(t, err, "admitted again after the window")
}

func TestHandle_RetrievalFailure(t *testing.T) {
	f := newFixture(t)
	f.retriever.err = fmt.Errorf("%w: dial tcp 10.0.0.7:6334: connection refused", vectorstore.ErrRetrievalUnavailable)

	_, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})

	require.ErrorIs(t, err, ErrRetrievalFailure)
	assert.NotContains(t, err.Error(), "10.0.0.7", "cause stays out of the public message")
	assert.ErrorIs(t, errors.Unwrap(err), vectorstore.ErrRetrievalUnavailable)
	assert.Zero(t, f.gen.Calls())
	assert.Empty(t, f.cache.puts)
	f.logger.AssertLogged(t, zapcore.WarnLevel, "query failed")
}

func TestHandle_RetrievalTimeout(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) { c.RetrievalTimeout = 20 * time.Millisecond }))
	f.retriever.gate = make(chan struct{})

	_, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})

	assert.Equal(t, KindRetrievalFailure, KindOf(err))
	assert.Zero(t, f.gen.Calls())
}

func TestHandle_ForeignChunkIsFatal(t *testing.T) {
	f := newFixture(t)
	f.retriever.byTenant["T1"] = append(f.retriever.byTenant["T1"],
		vectorstore.Chunk{ID: "leak", Text: "T2 secret", Score: 0.99, SourceID: "t2.md", TenantID: "T2"})

	_, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})

	require.ErrorIs(t, err, ErrTenantIntegrity)
	assert.ErrorIs(t, errors.Unwrap(err), vectorstore.ErrTenantMismatch)
	assert.Zero(t, f.gen.Calls(), "response withheld before generation")
	assert.Empty(t, f.cache.puts)
	f.logger.AssertLogged(t, zapcore.ErrorLevel, "query withheld")
}

func TestHandle_RetrieverTenantMismatchIsFatal(t *testing.T) {
	f := newFixture(t)
	f.retriever.err = fmt.Errorf("%w: chunk x", vectorstore.ErrTenantMismatch)

	_, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})
	assert.Equal(t, KindTenantIntegrity, KindOf(err))
}

func TestHandle_ProviderLoadingTwiceThenSuccess(t *testing.T) {
	fake := generator.NewFake(
		generator.FakeReply{Err: generator.ErrProviderLoading},
		generator.FakeReply{Err: generator.ErrProviderLoading},
		generator.FakeReply{Text: "The fee is 2.5% per month."},
	)
	var retries atomic.Int32
	g := generator.NewRetrying(fake, 3, time.Millisecond, generator.WithSleep(func(context.Context, time.Duration) error {
		retries.Add(1)
		return nil
	}))
	f := newFixture(t, withGenerator(g))

	res, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})

	require.NoError(t, err)
	assert.Equal(t, "The fee is 2.5% per month.", res.Answer)
	assert.EqualValues(t, 2, retries.Load())
	assert.Equal(t, 3, fake.Calls())
}

func TestHandle_GenerationFailure(t *testing.T) {
	tests := []struct {
		name string
		gen  generator.Generator
	}{
		{"loading exhausted", generator.NewRetrying(generator.NewFake(
			generator.FakeReply{Err: generator.ErrProviderLoading},
			generator.FakeReply{Err: generator.ErrProviderLoading},
		), 1, time.Millisecond, generator.WithSleep(func(context.Context, time.Duration) error { return nil }))},
		{"rejected", generator.NewFake(generator.FakeReply{Err: fmt.Errorf("%w: status 400", generator.ErrProviderRejected)})},
		{"unauthorized", generator.NewFake(generator.FakeReply{Err: generator.ErrProviderUnauthorized})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, withGenerator(tt.gen))
			_, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})
			require.ErrorIs(t, err, ErrGenerationFailure)
			assert.Equal(t, "generation failed", err.Error())
			assert.Empty(t, f.cache.puts)
		})
	}
}

// leakyRedactor reports success but leaves the text untouched.
type leakyRedactor struct{ *dlp.Redactor }

func (l leakyRedactor) Scrub(text string, _ identity.DLPLevel) *dlp.Result {
	return &dlp.Result{Redacted: text, Applied: true}
}

func TestHandle_RedactionInvariantWithholdsResponse(t *testing.T) {
	f := newFixture(t,
		withGenerator(generator.NewFake(generator.FakeReply{Text: "Card 4915600297200043"})),
		withDeps(func(d *Deps) { d.Redactor = leakyRedactor{dlp.MustNew(dlp.DefaultConfig())} }))

	res, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})

	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrRedactionInvariant)
	assert.NotContains(t, err.Error(), "4915600297200043")
	assert.Empty(t, f.cache.puts, "raw output is never cached")
}

func TestHandle_StrictGrounding(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) { c.StrictGrounding = true }))

	res, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T9")})

	require.NoError(t, err)
	assert.Equal(t, NoContextAnswer, res.Answer)
	assert.Empty(t, res.UsedChunks)
	assert.Empty(t, res.Citations)
	assert.Zero(t, f.gen.Calls())
	assert.Len(t, f.cache.puts, 1)
}

func TestHandle_WithoutStrictGroundingGeneratorStillRuns(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T9")})

	require.NoError(t, err)
	assert.Equal(t, 1, f.gen.Calls())
	assert.Contains(t, f.gen.Prompts()[0], "(no context available)")
	assert.Equal(t, "The provided context does not cover this question.", res.Answer)
}

func TestHandle_SingleFlightCollapsesIdenticalMisses(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) { c.SingleFlight = true }))
	f.retriever.gate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.Handle(context.Background(), Request{Question: lateFee, Identity: standard("T1")})
		}(i)
	}

	require.Eventually(t, func() bool { return len(f.retriever.calls()) >= 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to join the in-flight computation.
	time.Sleep(50 * time.Millisecond)
	close(f.retriever.gate)
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
	}
	assert.Len(t, f.retriever.calls(), 1)
	assert.Equal(t, 1, f.gen.Calls())
	for _, r := range results[1:] {
		assert.Equal(t, results[0].Answer, r.Answer)
	}
}

func TestHandle_SessionUsesMemoryAndBypassesCache(t *testing.T) {
	mem := memory.NewMemory(5, time.Hour)
	f := newFixture(t,
		withGenerator(generator.NewFake(
			generator.FakeReply{Text: "It is 2.5%. Contact ana@example.com"},
			generator.FakeReply{Text: "It is charged on the 10th."},
		)),
		withDeps(func(d *Deps) { d.Memory = mem }))
	ctx := context.Background()
	id := standard("T1")

	_, err := f.orch.Handle(ctx, Request{Question: lateFee, Identity: id, SessionID: "s-1"})
	require.NoError(t, err)
	res, err := f.orch.Handle(ctx, Request{Question: "When is it charged?", Identity: id, SessionID: "s-1"})
	require.NoError(t, err)

	assert.False(t, res.CacheHit)
	assert.Empty(t, f.cache.puts, "session answers are not cached")

	prompts := f.gen.Prompts()
	require.Len(t, prompts, 2)
	assert.NotContains(t, prompts[0], "Conversation so far:")
	assert.Contains(t, prompts[1], "- Q: "+lateFee)
	assert.Contains(t, prompts[1], "[REDACTED_EMAIL]", "history holds the released answer")
	assert.NotContains(t, prompts[1], "ana@example.com")

	history, err := mem.History(ctx, memory.Key{Tenant: "T1", User: "u-1", Session: "s-1"})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Another user's session with the same id starts empty.
	other, err := mem.History(ctx, memory.Key{Tenant: "T1", User: "u-2", Session: "s-1"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestHandle_AuditEventCarriesNoText(t *testing.T) {
	f := newFixture(t)
	ctx := logging.WithRequestID(context.Background(), "req-42")

	_, err := f.orch.Handle(ctx, Request{Question: lateFee, Identity: standard("T1")})
	require.NoError(t, err)

	ev := f.sink.last()
	assert.Equal(t, "req-42", ev.RequestID)
	assert.Equal(t, "T1", ev.Tenant)
	assert.Equal(t, "u-1", ev.UserID)
	assert.Equal(t, "ok", ev.Outcome)
	assert.Equal(t, 2, ev.ChunksUsed)
	assert.Positive(t, ev.Duration)
	assert.NotContains(t, fmt.Sprintf("%+v", ev), "late-payment")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestConfigFromSettings(t *testing.T) {
	cfg := &config.Config{
		Retrieval: config.RetrievalConfig{TopK: 4, Timeout: config.Duration(2 * time.Second)},
		Generator: config.GeneratorConfig{
			MaxOutputTokens: 256,
			Timeout:         config.Duration(10 * time.Second),
			MaxRetries:      2,
			RetryBackoff:    config.Duration(time.Second),
		},
		Cache:        config.CacheConfig{TTL: config.Duration(time.Minute), SingleFlight: true},
		Orchestrator: config.OrchestratorConfig{StrictGrounding: true},
	}

	got := ConfigFromSettings(cfg)
	assert.Equal(t, 4, got.TopK)
	assert.Equal(t, 256, got.MaxOutputTokens)
	// three attempts plus 1s and 2s of backoff
	assert.Equal(t, 33*time.Second, got.GenerationTimeout)
	assert.True(t, got.StrictGrounding)
	assert.True(t, got.SingleFlight)
}

// wordEmbedder hashes words into a small vector so texts sharing words are
// close.
type wordEmbedder struct{}

func (wordEmbedder) vector(text string) []float32 {
	v := make([]float32, 8)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, "?.,")))
		v[h.Sum32()%8]++
	}
	v[0] += 0.01
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v
}

func (e wordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e wordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func TestHandle_EndToEndWithChromem(t *testing.T) {
	ctx := context.Background()
	idx, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{Collection: "orchestrator_e2e"}, nil)
	require.NoError(t, err)
	r, err := vectorstore.NewRetriever(idx, wordEmbedder{}, vectorstore.RetrieverConfig{}, nil)
	require.NoError(t, err)

	for _, tenant := range []string{"T1", "T2"} {
		text := fmt.Sprintf("Tenant %s late-payment fee policy.", tenant)
		require.NoError(t, r.Index(ctx, tenant, []vectorstore.Document{{
			ID:       tenant + "-fees",
			Text:     text,
			SourceID: strings.ToLower(tenant) + "-fees.md",
			Vector:   wordEmbedder{}.vector(text),
		}}))
	}

	f := newFixture(t, withDeps(func(d *Deps) { d.Retriever = r }))
	for _, tenant := range []string{"T1", "T2"} {
		res, err := f.orch.Handle(ctx, Request{Question: lateFee, Identity: standard(tenant)})
		require.NoError(t, err)
		assert.Equal(t, []string{strings.ToLower(tenant) + "-fees.md"}, res.Citations)
		assert.Contains(t, res.Answer, "Tenant "+tenant)
	}
}

func sources(r *Result) []string {
	out := make([]string, len(r.UsedChunks))
	for i, c := range r.UsedChunks {
		out[i] = c.SourceID
	}
	return out
}
