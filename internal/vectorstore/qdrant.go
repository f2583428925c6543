package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default "localhost".
	Host string

	// Port is the gRPC port (not the 6333 REST port). Default 6334.
	Port int

	APIKey string
	UseTLS bool

	// Collection holds all tenants' chunks. Default "cortexd_chunks".
	Collection string

	// VectorSize must match the embedder's output dimension.
	VectorSize uint64

	// Distance defaults to cosine.
	Distance qdrant.Distance

	// MaxRetries bounds retries of transient gRPC failures. Default 2.
	MaxRetries int

	// RetryBackoff is the first backoff, doubled per retry. Default 200ms.
	RetryBackoff time.Duration

	// MaxMessageSize caps gRPC messages. Default 50MB.
	MaxMessageSize int
}

// QdrantConfigFromSettings maps the qdrant config section.
func QdrantConfigFromSettings(s config.QdrantConfig) QdrantConfig {
	return QdrantConfig{
		Host:       s.Host,
		Port:       s.Port,
		APIKey:     s.APIKey.Value(),
		UseTLS:     s.UseTLS,
		Collection: s.Collection,
		VectorSize: uint64(max(s.VectorSize, 0)),
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "cortexd_chunks"
	}
	if c.Distance == 0 {
		c.Distance = qdrant.Distance_Cosine
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if !collectionNamePattern.MatchString(c.Collection) {
		return fmt.Errorf("%w: collection name must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidConfig, c.Collection)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantIndex is an Index backed by Qdrant's native gRPC API. All tenants
// share one collection; isolation is a mandatory keyword filter on the
// tenant payload field, which is also indexed.
type QdrantIndex struct {
	client      *qdrant.Client
	config      QdrantConfig
	tenantField string
	logger      *logging.Logger
}

// NewQdrantIndex connects, health-checks and ensures the collection and its
// tenant payload index exist.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, tenantField string, logger *logging.Logger) (*QdrantIndex, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if tenantField == "" {
		tenantField = DefaultTenantField
	}
	if !tenantFieldPattern.MatchString(tenantField) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenantField, tenantField)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("qdrant")

	if !cfg.UseTLS {
		logger.Warn(ctx, "qdrant gRPC using plaintext; enable qdrant.use_tls in production",
			zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect qdrant: %v", ErrRetrievalUnavailable, err)
	}

	idx := &QdrantIndex{client: client, config: cfg, tenantField: tenantField, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := idx.Health(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := idx.ensureCollection(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return idx, nil
}

// Backend implements Index.
func (s *QdrantIndex) Backend() string { return "qdrant" }

// Close closes the gRPC connection. It is a no-op on a nil index.
func (s *QdrantIndex) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Health implements Index.
func (s *QdrantIndex) Health(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Health")
	defer span.End()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: qdrant health check: %v", ErrRetrievalUnavailable, err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: s.config.Distance,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}

	for _, field := range []string{s.tenantField, payloadSensitivity} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.config.Collection,
			FieldName:      field,
			FieldType:      qdrant.PtrOf(qdrant.FieldType_FieldTypeKeyword),
		})
		if err != nil {
			return fmt.Errorf("indexing payload field %s: %w", field, err)
		}
	}
	s.logger.Info(ctx, "created qdrant collection",
		zap.String("collection", s.config.Collection),
		zap.Uint64("vector_size", s.config.VectorSize),
		zap.String("tenant_field", s.tenantField),
	)
	return nil
}

func keywordCondition(key string, values ...string) *qdrant.Condition {
	match := &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: values[0]}}
	if len(values) > 1 {
		match = &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
			Keywords: &qdrant.RepeatedStrings{Strings: values},
		}}
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Match: match},
		},
	}
}

// buildFilter returns the payload filter for a search. The tenant condition
// is always present.
func (s *QdrantIndex) buildFilter(filter TenantFilter, q Query) *qdrant.Filter {
	f := &qdrant.Filter{
		Must: []*qdrant.Condition{keywordCondition(filter.Field(), filter.Tenant())},
	}
	if len(q.ExcludeSensitivity) > 0 {
		labels := make([]string, len(q.ExcludeSensitivity))
		for i, l := range q.ExcludeSensitivity {
			labels[i] = string(l)
		}
		f.MustNot = []*qdrant.Condition{keywordCondition(payloadSensitivity, labels...)}
	}
	return f
}

// Search implements Index.
func (s *QdrantIndex) Search(ctx context.Context, filter TenantFilter, q Query) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("k", q.TopK),
	)

	if err := filter.check(); err != nil {
		return nil, err
	}
	if filter.Field() != s.tenantField {
		return nil, fmt.Errorf("%w: filter on %q, index partitioned by %q", ErrInvalidTenantField, filter.Field(), s.tenantField)
	}
	if q.TopK <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQuery, q.TopK)
	}
	if uint64(len(q.Vector)) != s.config.VectorSize {
		return nil, fmt.Errorf("%w: got %d, collection expects %d", ErrDimensionMismatch, len(q.Vector), s.config.VectorSize)
	}

	var points []*qdrant.ScoredPoint
	err := s.retry(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(q.Vector...),
			Limit:          qdrant.PtrOf(uint64(q.TopK)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         s.buildFilter(filter, q),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: searching collection %s: %v", ErrRetrievalUnavailable, s.config.Collection, err)
	}

	chunks := make([]Chunk, len(points))
	for i, p := range points {
		meta := make(map[string]string, len(p.Payload))
		var text string
		for k, v := range p.Payload {
			switch val := v.Kind.(type) {
			case *qdrant.Value_StringValue:
				if k == payloadText {
					text = val.StringValue
				} else {
					meta[k] = val.StringValue
				}
			case *qdrant.Value_IntegerValue:
				meta[k] = fmt.Sprintf("%d", val.IntegerValue)
			}
		}
		chunks[i] = chunkFromMetadata(p.GetId().GetUuid(), text, float64(p.Score), filter.Field(), meta)
	}

	span.SetAttributes(attribute.Int("results_count", len(chunks)))
	span.SetStatus(codes.Ok, "success")
	return chunks, nil
}

// Upsert implements Index. Document IDs must be UUIDs.
func (s *QdrantIndex) Upsert(ctx context.Context, filter TenantFilter, docs []Document) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("document_count", len(docs)),
	)

	if err := filter.check(); err != nil {
		return err
	}
	if filter.Field() != s.tenantField {
		return fmt.Errorf("%w: filter on %q, index partitioned by %q", ErrInvalidTenantField, filter.Field(), s.tenantField)
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		if uint64(len(d.Vector)) != s.config.VectorSize {
			return fmt.Errorf("%w: document %s has %d dimensions, collection expects %d",
				ErrDimensionMismatch, d.ID, len(d.Vector), s.config.VectorSize)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(d.ID),
			Vectors: qdrant.NewVectors(d.Vector...),
			Payload: map[string]*qdrant.Value{
				payloadText:        {Kind: &qdrant.Value_StringValue{StringValue: d.Text}},
				filter.Field():     {Kind: &qdrant.Value_StringValue{StringValue: filter.Tenant()}},
				payloadSourceID:    {Kind: &qdrant.Value_StringValue{StringValue: d.SourceID}},
				payloadSensitivity: {Kind: &qdrant.Value_StringValue{StringValue: string(sensitivityOrNone(d.Sensitivity))}},
				payloadOrdinal:     {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(d.Ordinal)}},
			},
		}
	}

	err := s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", s.config.Collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// DeleteSource implements Index.
func (s *QdrantIndex) DeleteSource(ctx context.Context, filter TenantFilter, sourceID string) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.DeleteSource")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.config.Collection))

	if err := filter.check(); err != nil {
		return err
	}
	if filter.Field() != s.tenantField {
		return fmt.Errorf("%w: filter on %q, index partitioned by %q", ErrInvalidTenantField, filter.Field(), s.tenantField)
	}
	if sourceID == "" {
		return fmt.Errorf("%w: empty source id", ErrInvalidQuery)
	}

	err := s.retry(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: s.sourceFilter(filter, sourceID),
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting source %s from collection %s: %w", sourceID, s.config.Collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// sourceFilter matches one source's points within one tenant.
func (s *QdrantIndex) sourceFilter(filter TenantFilter, sourceID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			keywordCondition(filter.Field(), filter.Tenant()),
			keywordCondition(payloadSourceID, sourceID),
		},
	}
}

// retry retries transient failures with exponential backoff.
func (s *QdrantIndex) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", op, err)
		}
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, s.config.MaxRetries, err)
		}
		s.logger.Debug(ctx, "retrying qdrant operation",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func sensitivityOrNone(s dlp.Sensitivity) dlp.Sensitivity {
	if strings.TrimSpace(string(s)) == "" {
		return dlp.SensitivityNone
	}
	return s
}

var _ Index = (*QdrantIndex)(nil)
