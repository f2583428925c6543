// Package embeddings turns text into vectors for retrieval and ingestion.
//
// Three providers are available: a Text Embeddings Inference server over
// HTTP, any OpenAI-compatible embeddings API, and FastEmbed running ONNX
// models in process (cgo builds only). NewProvider selects one from
// configuration and optionally throttles it with a token bucket.
package embeddings
