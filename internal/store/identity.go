package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/memfuse/memfuse/internal/metrics"
)

// GetOrCreateUser resolves a user name to its stable id, creating the row
// on first sight.
func (c *Client) GetOrCreateUser(ctx context.Context, name string) (string, error) {
	var id string
	err := c.db.GetContext(ctx, &id, `
		INSERT INTO users (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET updated_at = now()
		RETURNING id`, uuid.New().String(), name)
	if err != nil {
		return "", fmt.Errorf("store: get or create user: %w", err)
	}
	return id, nil
}

// GetOrCreateAgent resolves an agent name to its stable id.
func (c *Client) GetOrCreateAgent(ctx context.Context, name, agentType string) (string, error) {
	if agentType == "" {
		agentType = "assistant"
	}
	var id string
	err := c.db.GetContext(ctx, &id, `
		INSERT INTO agents (id, name, type) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET type = EXCLUDED.type
		RETURNING id`, uuid.New().String(), name, agentType)
	if err != nil {
		return "", fmt.Errorf("store: get or create agent: %w", err)
	}
	return id, nil
}

// ResolveSession maps an external string session id to the stable session
// UUID, creating the session (and mapping) on first use.
func (c *Client) ResolveSession(ctx context.Context, externalID, userID, agentID string) (string, error) {
	var id string
	err := c.db.GetContext(ctx, &id,
		`SELECT session_id FROM session_mappings WHERE external_id = $1`, externalID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: resolve session: %w", err)
	}

	id = uuid.New().String()
	err = c.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, agent_id, name)
			VALUES ($1, $2, $3, $4)`, id, userID, agentID, externalID); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO session_mappings (external_id, session_id)
			VALUES ($1, $2)
			ON CONFLICT (external_id) DO NOTHING`, externalID, id)
		if err != nil {
			return fmt.Errorf("map session: %w", err)
		}
		// A zero-row insert means a concurrent request mapped the external
		// id first. Fail the transaction so the session row rolls back too;
		// committing it would orphan a session no mapping points at.
		if n, _ := res.RowsAffected(); n == 0 {
			return errSessionRaced
		}
		return nil
	})
	if err != nil {
		// Adopt the winner's mapping.
		var existing string
		if gerr := c.db.GetContext(ctx, &existing,
			`SELECT session_id FROM session_mappings WHERE external_id = $1`, externalID); gerr == nil {
			return existing, nil
		}
		return "", fmt.Errorf("store: resolve session: %w", err)
	}
	metrics.SessionsCreated.Inc()
	return id, nil
}

var errSessionRaced = errors.New("session mapping created concurrently")
