package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/voxbridge/voxbridge/pkg/memory"
)

// SemanticIndexImpl is the PostgreSQL+pgvector implementation of
// [memory.SemanticIndex]. Obtain one via [Store.Semantic].
type SemanticIndexImpl struct {
	pool *pgxpool.Pool
}

// IndexChunk inserts or updates an embedded transcript chunk. The chunk ID is
// the conflict key, so re-indexing the same chunk overwrites its previous
// content and embedding.
func (s *SemanticIndexImpl) IndexChunk(ctx context.Context, chunk memory.Chunk) error {
	if chunk.ID == "" {
		return fmt.Errorf("semantic index: chunk ID must not be empty")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chunks (id, session_id, content, embedding, speaker_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			content    = EXCLUDED.content,
			embedding  = EXCLUDED.embedding,
			speaker_id = EXCLUDED.speaker_id,
			timestamp  = EXCLUDED.timestamp`,
		chunk.ID, chunk.SessionID, chunk.Content,
		pgvector.NewVector(chunk.Embedding), chunk.SpeakerID, chunk.Timestamp)
	if err != nil {
		return fmt.Errorf("semantic index: index chunk: %w", err)
	}
	return nil
}

// Search returns the topK chunks nearest to the query embedding by cosine
// distance, closest first. Score is 1 minus the cosine distance, so identical
// vectors score 1.0 and orthogonal vectors score 0.
func (s *SemanticIndexImpl) Search(ctx context.Context, embedding []float32, topK int, filter memory.SemanticFilter) ([]memory.ScoredChunk, error) {
	if topK <= 0 {
		topK = 10
	}

	conditions := []string{"embedding IS NOT NULL"}
	args := []any{pgvector.NewVector(embedding)}

	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(filter.SessionID))
	}
	if filter.SpeakerID != "" {
		conditions = append(conditions, "speaker_id = "+next(filter.SpeakerID))
	}

	sql := fmt.Sprintf(`
		SELECT id, session_id, content, embedding, speaker_id, timestamp,
		       embedding <=> $1 AS distance
		FROM chunks
		WHERE %s
		ORDER BY distance ASC
		LIMIT %s`,
		strings.Join(conditions, " AND "), next(topK))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ScoredChunk, error) {
		var (
			sc       memory.ScoredChunk
			vec      pgvector.Vector
			distance float64
		)
		err := row.Scan(&sc.Chunk.ID, &sc.Chunk.SessionID, &sc.Chunk.Content,
			&vec, &sc.Chunk.SpeakerID, &sc.Chunk.Timestamp, &distance)
		sc.Chunk.Embedding = vec.Slice()
		sc.Score = 1 - distance
		return sc, err
	})
	if err != nil {
		return nil, fmt.Errorf("semantic index: scan chunks: %w", err)
	}
	return results, nil
}
