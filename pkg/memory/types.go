// Package memory defines the transcript persistence interfaces for Voxbridge.
//
// Two layers are provided:
//
//   - [SessionStore] — a chronological transcript log per room session with
//     full-text search.
//   - [SemanticIndex] — an embedding-backed index over transcript chunks for
//     similarity retrieval.
//
// Implementations are provided by backend-specific subpackages (e.g.,
// memory/postgres). All implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// TranscriptEntry is a single utterance in a room session: either user
// speech as recognised by the model, or the agent's spoken response.
type TranscriptEntry struct {
	// SpeakerID identifies the speaker: a room participant identity, or the
	// agent identity for synthesised responses.
	SpeakerID string

	// SpeakerName is the human-readable display name of the speaker.
	SpeakerName string

	// Text is the utterance text.
	Text string

	// AgentID is non-empty when the utterance was produced by the agent.
	AgentID string

	// Timestamp records when the utterance occurred.
	Timestamp time.Time

	// Duration is the spoken duration of the utterance, when known.
	Duration time.Duration
}

// Chunk is a unit of transcript text with its embedding vector, ready for
// semantic indexing.
type Chunk struct {
	// ID uniquely identifies the chunk. Re-indexing the same ID replaces the
	// stored chunk.
	ID string

	// SessionID is the room session the chunk belongs to.
	SessionID string

	// Content is the chunk text.
	Content string

	// Embedding is the dense vector for Content. Its length must match the
	// dimension the index was created with.
	Embedding []float32

	// SpeakerID optionally attributes the chunk to a speaker.
	SpeakerID string

	// Timestamp records when the underlying utterance occurred.
	Timestamp time.Time
}

// SearchOpts filters full-text transcript searches.
type SearchOpts struct {
	// SessionID restricts results to one session when non-empty.
	SessionID string

	// SpeakerID restricts results to one speaker when non-empty.
	SpeakerID string

	// After and Before bound the timestamp range when non-zero.
	After  time.Time
	Before time.Time

	// Limit caps the number of results; zero applies the backend default.
	Limit int
}

// SemanticFilter filters similarity searches.
type SemanticFilter struct {
	// SessionID restricts results to one session when non-empty.
	SessionID string

	// SpeakerID restricts results to one speaker when non-empty.
	SpeakerID string
}

// ScoredChunk is a search hit with its similarity score (higher is closer).
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// SessionStore is the chronological transcript log.
type SessionStore interface {
	// WriteEntry appends entry to the transcript of sessionID.
	WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error

	// GetRecent returns all entries for sessionID no older than duration,
	// ordered chronologically (oldest first).
	GetRecent(ctx context.Context, sessionID string, duration time.Duration) ([]TranscriptEntry, error)

	// Search performs a full-text search over transcript text.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)
}

// SemanticIndex is the embedding-backed retrieval layer.
type SemanticIndex interface {
	// IndexChunk upserts a pre-embedded chunk.
	IndexChunk(ctx context.Context, chunk Chunk) error

	// Search returns the topK chunks closest to the query embedding,
	// optionally filtered.
	Search(ctx context.Context, embedding []float32, topK int, filter SemanticFilter) ([]ScoredChunk, error)
}
