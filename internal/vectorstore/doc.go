// Package vectorstore retrieves context chunks for one tenant at a time.
//
// Tenant isolation is structural. Backends implement Index, whose Search and
// Upsert accept only a TenantFilter, and a TenantFilter can only be built by
// NewTenantFilter, which validates the field name and tenant identifier. Every
// backend rejects the zero filter. The Retriever then re-checks every returned
// chunk: a chunk whose tenant differs from the filter fails the whole search
// with ErrTenantMismatch instead of being dropped.
//
// # Backends
//
//   - QdrantIndex: production, native gRPC client, payload filter on the
//     tenant field plus a keyword payload index.
//   - ChromemIndex: embedded chromem-go database for development, tests and
//     single-node installs; in-memory when no path is configured.
//
// # Usage
//
//	index, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{Collection: "kb"}, logger)
//	retriever, err := vectorstore.NewRetriever(index, embedder, vectorstore.RetrieverConfig{
//	    TenantField:            "tenant_id",
//	    ExcludeHighSensitivity: true,
//	})
//	chunks, err := retriever.Search(ctx, "What is the late-payment fee?", "T1", 5)
package vectorstore
