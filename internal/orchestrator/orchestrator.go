// Package orchestrator sequences a single query through admission, the
// response cache, retrieval, prompt assembly, generation and redaction.
//
// The steps of one call are strictly sequential. The limiter, cache and
// memory stores are shared across calls and injected at construction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

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

var tracer = otel.Tracer("cortexd.orchestrator")

// NoContextAnswer is released under strict grounding when retrieval finds
// nothing.
const NoContextAnswer = "No information is available in the provided context to answer this question."

var errEmptyQuestion = errors.New("question is empty")

// Retriever searches one tenant's chunks.
type Retriever interface {
	Search(ctx context.Context, query, tenantID string, topK int) ([]vectorstore.Chunk, error)
}

// Redactor applies the DLP policy to released text.
type Redactor interface {
	Applies(level identity.DLPLevel) bool
	Scrub(text string, level identity.DLPLevel) *dlp.Result
	Verify(text string, level identity.DLPLevel) error
}

// Config holds the pipeline limits.
type Config struct {
	TopK              int
	MaxOutputTokens   int
	CacheTTL          time.Duration
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	StrictGrounding   bool
	SingleFlight      bool
}

// ConfigFromSettings derives pipeline limits from the loaded configuration.
// The generation timeout covers every attempt the retry policy may make,
// including its backoff.
func ConfigFromSettings(cfg *config.Config) Config {
	g := cfg.Generator
	perCall := g.Timeout.Duration()
	total := perCall * time.Duration(g.MaxRetries+1)
	backoff := g.RetryBackoff.Duration()
	for i := 0; i < g.MaxRetries; i++ {
		total += backoff
		backoff *= 2
	}
	return Config{
		TopK:              cfg.Retrieval.TopK,
		MaxOutputTokens:   g.MaxOutputTokens,
		CacheTTL:          cfg.Cache.TTL.Duration(),
		RetrievalTimeout:  cfg.Retrieval.Timeout.Duration(),
		GenerationTimeout: total,
		StrictGrounding:   cfg.Orchestrator.StrictGrounding,
		SingleFlight:      cfg.Cache.SingleFlight,
	}
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 512
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = 5 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 60 * time.Second
	}
}

// Deps are the collaborators of an Orchestrator. Memory and Audit are
// optional.
type Deps struct {
	Limiter   ratelimit.Limiter
	Cache     cache.Store[Result]
	Retriever Retriever
	Assembler *prompt.Assembler
	Generator generator.Generator
	Redactor  Redactor
	Memory    memory.Store
	Audit     audit.Sink
	Logger    *logging.Logger
}

// Orchestrator handles queries. It is safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	group  cache.Group[computed]
	logger *logging.Logger
}

// New validates deps and creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Limiter == nil:
		return nil, errors.New("orchestrator: limiter is required")
	case deps.Cache == nil:
		return nil, errors.New("orchestrator: cache is required")
	case deps.Retriever == nil:
		return nil, errors.New("orchestrator: retriever is required")
	case deps.Generator == nil:
		return nil, errors.New("orchestrator: generator is required")
	case deps.Redactor == nil:
		return nil, errors.New("orchestrator: redactor is required")
	}
	cfg.applyDefaults()
	if deps.Assembler == nil {
		deps.Assembler = prompt.NewAssembler(prompt.DefaultMaxInputTokens)
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: deps.Logger.Named("orchestrator")}, nil
}

// computed is the product of one retrieval and generation.
type computed struct {
	result     *Result
	redactions int
}

// callState collects what the audit event reports about one call.
type callState struct {
	tenant     string
	cache      string
	redactions int
}

// Handle answers req for the caller in req.Identity.
//
// Failures are *Error values with a stable Kind, except admission denials
// which are *RateLimitedError. The returned Result is owned by the caller.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Orchestrator.Handle")
	defer span.End()

	st := &callState{cache: "miss"}
	res, err := o.handle(ctx, req, st)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		span.SetStatus(codes.Error, outcome)
		o.logFailure(ctx, err)
	}
	span.SetAttributes(
		attribute.String("cortexd.tenant", st.tenant),
		attribute.String("cortexd.cache", st.cache),
		attribute.String("cortexd.outcome", outcome),
	)
	queriesTotal.WithLabelValues(outcome, st.cache).Inc()
	queryDuration.WithLabelValues(st.cache).Observe(elapsed.Seconds())

	ev := audit.Event{
		RequestID:         logging.RequestIDFromContext(ctx),
		UserID:            req.Identity.UserID(),
		Tenant:            st.tenant,
		CacheHit:          st.cache == "hit",
		Outcome:           outcome,
		RedactionsApplied: st.redactions,
		Duration:          elapsed,
		Time:              start,
	}
	if res != nil {
		ev.ChunksUsed = len(res.UsedChunks)
	}
	if aerr := o.deps.Audit.Emit(ctx, ev); aerr != nil {
		o.logger.Warn(ctx, "audit emit failed", zap.Error(aerr))
	}
	return res, err
}

func (o *Orchestrator) handle(ctx context.Context, req Request, st *callState) (*Result, error) {
	id := req.Identity
	tenant, err := id.EffectiveTenant()
	if err != nil {
		return nil, newError(KindUnauthorized, err)
	}
	st.tenant = tenant
	ctx = logging.WithCaller(ctx, id.UserID(), tenant)

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, newError(KindInvalidRequest, errEmptyQuestion)
	}

	dec, err := o.deps.Limiter.Admit(ctx, id.UserID())
	if err != nil {
		return nil, newError(KindInternal, fmt.Errorf("admit: %w", err))
	}
	if !dec.Allowed {
		return nil, &RateLimitedError{RetryAfter: dec.RetryAfter}
	}

	level := id.DLPLevel()
	if req.SessionID != "" && o.deps.Memory != nil {
		st.cache = "bypass"
		return o.converse(ctx, req, question, tenant, level, st)
	}

	key := cache.NewKey(tenant, question)
	key.Unredacted = !o.deps.Redactor.Applies(level)
	if cached, ok := o.lookup(ctx, key); ok {
		st.cache = "hit"
		cached.CacheHit = true
		return cached, nil
	}

	compute := func(ctx context.Context) (computed, error) {
		out, err := o.compute(ctx, question, tenant, level, nil)
		if err != nil {
			return computed{}, err
		}
		o.store(ctx, key, out.result)
		return out, nil
	}

	var out computed
	if o.cfg.SingleFlight {
		out, _, err = o.group.Do(ctx, key, compute)
	} else {
		out, err = compute(ctx)
	}
	if err != nil {
		return nil, asError(err)
	}
	st.redactions = out.redactions
	return out.result.Clone(), nil
}

// converse answers within a conversation. History makes the answer
// depend on more than the question, so the response cache is not used.
func (o *Orchestrator) converse(ctx context.Context, req Request, question, tenant string, level identity.DLPLevel, st *callState) (*Result, error) {
	key := memory.Key{Tenant: tenant, User: req.Identity.UserID(), Session: req.SessionID}
	history, err := o.deps.Memory.History(ctx, key)
	if err != nil {
		o.logger.Warn(ctx, "conversation history unavailable", zap.Error(err))
		history = nil
	}

	out, err := o.compute(ctx, question, tenant, level, history)
	if err != nil {
		return nil, err
	}
	st.redactions = out.redactions

	turn := prompt.Turn{
		Question: o.deps.Redactor.Scrub(question, level).Redacted,
		Answer:   out.result.Answer,
	}
	if err := o.deps.Memory.Append(ctx, key, turn); err != nil {
		o.logger.Warn(ctx, "conversation turn not recorded", zap.Error(err))
	}
	return out.result, nil
}

// compute runs retrieval, assembly, generation and redaction.
func (o *Orchestrator) compute(ctx context.Context, question, tenant string, level identity.DLPLevel, history []prompt.Turn) (computed, error) {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	chunks, err := o.deps.Retriever.Search(rctx, question, tenant, o.cfg.TopK)
	cancel()
	if err != nil {
		if errors.Is(err, vectorstore.ErrTenantMismatch) {
			return computed{}, newError(KindTenantIntegrity, err)
		}
		return computed{}, newError(KindRetrievalFailure, err)
	}
	for _, c := range chunks {
		if c.TenantID != tenant {
			return computed{}, newError(KindTenantIntegrity,
				fmt.Errorf("%w: chunk %s", vectorstore.ErrTenantMismatch, c.ID))
		}
	}

	var (
		raw  string
		used []vectorstore.Chunk
	)
	if len(chunks) == 0 && o.cfg.StrictGrounding {
		groundingRefusals.Inc()
		raw = NoContextAnswer
	} else {
		var text string
		text, used = o.deps.Assembler.Assemble(question, chunks, history)
		gctx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
		raw, err = o.deps.Generator.Generate(gctx, text, o.cfg.MaxOutputTokens)
		cancel()
		if err != nil {
			return computed{}, newError(KindGenerationFailure, err)
		}
	}

	scrubbed := o.deps.Redactor.Scrub(raw, level)
	if err := o.deps.Redactor.Verify(scrubbed.Redacted, level); err != nil {
		return computed{}, newError(KindRedactionInvariant, err)
	}
	dlp.Observe(scrubbed)

	return computed{
		result:     newResult(scrubbed.Redacted, used),
		redactions: scrubbed.Total(),
	}, nil
}

func (o *Orchestrator) lookup(ctx context.Context, key cache.Key) (*Result, bool) {
	v, ok, err := o.deps.Cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn(ctx, "cache lookup failed, treating as miss", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

func (o *Orchestrator) store(ctx context.Context, key cache.Key, res *Result) {
	entry := res.Clone()
	entry.CacheHit = false
	if err := o.deps.Cache.Put(ctx, key, *entry, o.cfg.CacheTTL); err != nil {
		o.logger.Warn(ctx, "cache store failed", zap.Error(err))
	}
}

func (o *Orchestrator) logFailure(ctx context.Context, err error) {
	kind := KindOf(err)
	switch kind {
	case KindRateLimited, KindInvalidRequest, KindUnauthorized:
		o.logger.Debug(ctx, "query rejected", zap.String("kind", string(kind)))
	case KindRedactionInvariant, KindTenantIntegrity, KindInternal:
		o.logger.Error(ctx, "query withheld", zap.String("kind", string(kind)), zap.Error(errors.Unwrap(err)))
	default:
		o.logger.Warn(ctx, "query failed", zap.String("kind", string(kind)), zap.Error(errors.Unwrap(err)))
	}
}

// asError keeps *Error values and files anything else, such as a caller
// cancellation while waiting on a shared computation, as internal.
func asError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindInternal, err)
}
