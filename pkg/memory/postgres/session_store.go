package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxbridge/voxbridge/pkg/memory"
)

// SessionStoreImpl is the PostgreSQL implementation of [memory.SessionStore].
// Obtain one via [Store.Sessions].
type SessionStoreImpl struct {
	pool *pgxpool.Pool
}

// WriteEntry appends a transcript entry to the session log. If the entry's
// Timestamp is zero, the database fills in now().
func (s *SessionStoreImpl) WriteEntry(ctx context.Context, sessionID string, entry memory.TranscriptEntry) error {
	var err error
	if entry.Timestamp.IsZero() {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO session_entries (session_id, speaker_id, speaker_name, text, agent_id, duration_ns)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sessionID, entry.SpeakerID, entry.SpeakerName, entry.Text, entry.AgentID, entry.Duration.Nanoseconds())
	} else {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO session_entries (session_id, speaker_id, speaker_name, text, agent_id, timestamp, duration_ns)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sessionID, entry.SpeakerID, entry.SpeakerName, entry.Text, entry.AgentID, entry.Timestamp, entry.Duration.Nanoseconds())
	}
	if err != nil {
		return fmt.Errorf("session store: write entry: %w", err)
	}
	return nil
}

// GetRecent returns all transcript entries for a session newer than the given
// window, oldest first.
func (s *SessionStoreImpl) GetRecent(ctx context.Context, sessionID string, window time.Duration) ([]memory.TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT speaker_id, speaker_name, text, agent_id, timestamp, duration_ns
		FROM session_entries
		WHERE session_id = $1
		  AND timestamp >= now() - ($2::bigint * interval '1 microsecond')
		ORDER BY timestamp ASC`,
		sessionID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("session store: get recent: %w", err)
	}
	return collectEntries(rows)
}

// Search performs a full-text search over the transcript log using PostgreSQL
// tsvector matching, filtered by the optional fields of opts. Results are
// returned newest first.
func (s *SessionStoreImpl) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	conditions := []string{"to_tsvector('english', text) @@ plainto_tsquery('english', $1)"}
	args := []any{query}

	// next appends an argument and returns its positional placeholder.
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.SpeakerID != "" {
		conditions = append(conditions, "speaker_id = "+next(opts.SpeakerID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp >= "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp <= "+next(opts.Before))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	sql := fmt.Sprintf(`
		SELECT speaker_id, speaker_name, text, agent_id, timestamp, duration_ns
		FROM session_entries
		WHERE %s
		ORDER BY timestamp DESC
		LIMIT %s`,
		strings.Join(conditions, " AND "), next(limit))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("session store: search: %w", err)
	}
	return collectEntries(rows)
}

// collectEntries scans query rows into transcript entries.
func collectEntries(rows pgx.Rows) ([]memory.TranscriptEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TranscriptEntry, error) {
		var (
			e          memory.TranscriptEntry
			durationNs int64
		)
		err := row.Scan(&e.SpeakerID, &e.SpeakerName, &e.Text, &e.AgentID, &e.Timestamp, &durationNs)
		e.Duration = time.Duration(durationNs)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan entries: %w", err)
	}
	return entries, nil
}
