package store

import (
	"context"
	"fmt"

	"github.com/memfuse/memfuse/internal/metrics"
)

// InsertTurn appends one conversation message. Re-inserting the same
// (session, round, speaker) updates content, matching at-least-once
// delivery from retried requests.
func (c *Client) InsertTurn(ctx context.Context, t *Turn) error {
	if t.RoundID <= 0 {
		return fmt.Errorf("store: invalid round_id %d", t.RoundID)
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO conversations (session_id, round_id, speaker, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, round_id, speaker) DO UPDATE SET content = EXCLUDED.content`,
		t.SessionID, t.RoundID, t.Speaker, t.Content,
	)
	if err != nil {
		metrics.StoreQueries.WithLabelValues("conversations", "error").Inc()
		return fmt.Errorf("store: insert turn: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("conversations", "ok").Inc()
	return nil
}

// LastRoundID returns the highest round id of the session, 0 when empty.
func (c *Client) LastRoundID(ctx context.Context, sessionID string) (int, error) {
	var last int
	err := c.db.GetContext(ctx, &last,
		`SELECT COALESCE(MAX(round_id), 0) FROM conversations WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("store: last round: %w", err)
	}
	return last, nil
}

// History returns turns ascending by round then timestamp. limitRounds > 0
// restricts to the latest N rounds, both speakers included.
func (c *Client) History(ctx context.Context, sessionID string, limitRounds int) ([]Turn, error) {
	var turns []Turn
	var err error
	if limitRounds <= 0 {
		err = c.db.SelectContext(ctx, &turns, `
			SELECT session_id, round_id, speaker, content, timestamp
			FROM conversations WHERE session_id = $1
			ORDER BY round_id ASC, timestamp ASC`, sessionID)
	} else {
		err = c.db.SelectContext(ctx, &turns, `
			WITH latest AS (
				SELECT DISTINCT round_id FROM conversations
				WHERE session_id = $1 ORDER BY round_id DESC LIMIT $2
			)
			SELECT c.session_id, c.round_id, c.speaker, c.content, c.timestamp
			FROM conversations c JOIN latest l ON l.round_id = c.round_id
			WHERE c.session_id = $1
			ORDER BY c.round_id ASC, c.timestamp ASC`, sessionID, limitRounds)
	}
	if err != nil {
		metrics.StoreQueries.WithLabelValues("conversations", "error").Inc()
		return nil, fmt.Errorf("store: fetch history: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("conversations", "ok").Inc()
	return turns, nil
}

// Round returns both turns of one round, user first.
func (c *Client) Round(ctx context.Context, sessionID string, roundID int) ([]Turn, error) {
	var turns []Turn
	err := c.db.SelectContext(ctx, &turns, `
		SELECT session_id, round_id, speaker, content, timestamp
		FROM conversations WHERE session_id = $1 AND round_id = $2
		ORDER BY CASE speaker WHEN 'user' THEN 0 ELSE 1 END`, sessionID, roundID)
	if err != nil {
		return nil, fmt.Errorf("store: fetch round: %w", err)
	}
	return turns, nil
}
