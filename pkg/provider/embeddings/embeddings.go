// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. Voxbridge uses
// these vectors to index transcript chunks for semantic retrieval over past
// room sessions.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over a text-embedding backend.
//
// All vectors returned by one Provider instance share the dimensionality
// reported by Dimensions. Vectors from different providers or models must not
// be mixed in the same similarity computation.
type Provider interface {
	// Embed computes the embedding vector for one text string. The returned
	// slice has length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embeddings for several texts in one provider call.
	// The returned slice has the same length as texts, index-aligned. On
	// error no partial results are returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging
	// and for verifying consistent model usage across sessions.
	ModelID() string
}
