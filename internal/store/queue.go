package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/memfuse/memfuse/internal/metrics"
)

// EnqueueRound marks a completed round as pending extraction. Re-enqueueing
// is a no-op, giving at-least-once delivery across restarts.
func (c *Client) EnqueueRound(ctx context.Context, sessionID string, roundID int) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO extraction_queue (session_id, round_id)
		VALUES ($1, $2)
		ON CONFLICT (session_id, round_id) DO NOTHING`, sessionID, roundID)
	if err != nil {
		metrics.StoreQueries.WithLabelValues("extraction_queue", "error").Inc()
		return fmt.Errorf("store: enqueue round: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("extraction_queue", "ok").Inc()
	return nil
}

// PendingSessions lists sessions with pending rounds, oldest first.
func (c *Client) PendingSessions(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := c.db.SelectContext(ctx, &out, `
		SELECT session_id FROM extraction_queue
		WHERE status = 'pending'
		GROUP BY session_id
		ORDER BY MIN(created_at) ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending sessions: %w", err)
	}
	return out, nil
}

// PendingRounds lists a session's pending rounds in round order.
func (c *Client) PendingRounds(ctx context.Context, sessionID string) ([]PendingRound, error) {
	var out []PendingRound
	err := c.db.SelectContext(ctx, &out, `
		SELECT session_id, round_id, status, attempts, created_at
		FROM extraction_queue
		WHERE session_id = $1 AND status = 'pending'
		ORDER BY round_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: pending rounds: %w", err)
	}
	return out, nil
}

// MarkRoundsExtracted marks rounds done; the persisted marker that makes
// extraction survive restarts.
func (c *Client) MarkRoundsExtracted(ctx context.Context, sessionID string, roundIDs []int) error {
	if len(roundIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(roundIDs))
	for i, r := range roundIDs {
		ids[i] = int64(r)
	}
	_, err := c.db.ExecContext(ctx, `
		UPDATE extraction_queue SET status = 'done'
		WHERE session_id = $1 AND round_id = ANY($2)`, sessionID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: mark rounds extracted: %w", err)
	}
	return nil
}

// BumpRoundAttempts increments the retry counter for the given rounds.
func (c *Client) BumpRoundAttempts(ctx context.Context, sessionID string, roundIDs []int) error {
	if len(roundIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(roundIDs))
	for i, r := range roundIDs {
		ids[i] = int64(r)
	}
	_, err := c.db.ExecContext(ctx, `
		UPDATE extraction_queue SET attempts = attempts + 1
		WHERE session_id = $1 AND round_id = ANY($2)`, sessionID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: bump round attempts: %w", err)
	}
	return nil
}

// QueueDepth counts pending rounds across all sessions.
func (c *Client) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := c.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM extraction_queue WHERE status = 'pending'`); err != nil {
		return 0, fmt.Errorf("store: queue depth: %w", err)
	}
	return n, nil
}
