package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/embeddings"
	"github.com/memfuse/memfuse/internal/metrics"
)

// SessionSource returns the synthetic document_source under which a
// session's conversation chunks are indexed.
func SessionSource(sessionID string) string {
	return "session:" + sessionID
}

// UpsertChunk inserts a document chunk; identical content under the same
// source is an idempotent no-op. Returns true when a row was inserted.
func (c *Client) UpsertChunk(ctx context.Context, source, content string, embedding []float32) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO documents_chunks (chunk_id, document_source, content, content_hash, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_source, content_hash) DO NOTHING`,
		uuid.New().String(), source, content, embeddings.ContentHash(content), pgvector.NewVector(embedding),
	)
	if err != nil {
		metrics.StoreQueries.WithLabelValues("documents_chunks", "error").Inc()
		return false, fmt.Errorf("store: upsert chunk: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("documents_chunks", "ok").Inc()
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SearchChunks runs cosine top-k over chunks. source == "" searches the
// global corpus. An empty result triggers one sequential retry with index
// scans disabled, which papers over ivfflat returning nothing on sparse
// data.
func (c *Client) SearchChunks(ctx context.Context, vec []float32, topK int, source string) ([]ScoredChunk, error) {
	query := `
		SELECT content, document_source, 1 - (embedding <=> $1) AS score, created_at
		FROM documents_chunks`
	args := []interface{}{pgvector.NewVector(vec)}
	if source != "" {
		query += ` WHERE document_source = $2`
		args = append(args, source)
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1 ASC, created_at DESC LIMIT %d`, topK)

	rows, err := c.selectWithSeqScanFallback(ctx, query, args, func(q sqlx.QueryerContext) (interface{}, int, error) {
		var out []ScoredChunk
		err := sqlx.SelectContext(ctx, q, &out, query, args...)
		return out, len(out), err
	})
	if err != nil {
		metrics.StoreQueries.WithLabelValues("documents_chunks", "error").Inc()
		return nil, fmt.Errorf("store: search chunks: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("documents_chunks", "ok").Inc()
	return rows.([]ScoredChunk), nil
}

// TopChunks returns up to topK chunks without similarity ordering, the
// last-resort retrieval fallback.
func (c *Client) TopChunks(ctx context.Context, topK int, source string) ([]ScoredChunk, error) {
	query := `
		SELECT content, document_source, 0.0 AS score, created_at
		FROM documents_chunks`
	args := []interface{}{}
	if source != "" {
		query += ` WHERE document_source = $1`
		args = append(args, source)
	}
	query += fmt.Sprintf(` ORDER BY chunk_id ASC LIMIT %d`, topK)

	var out []ScoredChunk
	if err := c.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("store: top chunks: %w", err)
	}
	return out, nil
}

// CountSessionChunks reports how many chunks exist under the session's
// synthetic source.
func (c *Client) CountSessionChunks(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := c.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM documents_chunks WHERE document_source = $1`, SessionSource(sessionID))
	if err != nil {
		return 0, fmt.Errorf("store: count session chunks: %w", err)
	}
	return n, nil
}

// selectWithSeqScanFallback runs sel; when it returns zero rows the query
// is retried in a transaction with index scans disabled for that
// transaction only.
func (c *Client) selectWithSeqScanFallback(ctx context.Context, query string, args []interface{},
	sel func(q sqlx.QueryerContext) (interface{}, int, error)) (interface{}, error) {

	out, n, err := sel(c.db)
	if err != nil || n > 0 {
		return out, err
	}

	var fallbackOut interface{}
	txErr := c.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SET LOCAL enable_indexscan = off`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `SET LOCAL enable_bitmapscan = off`); err != nil {
			return err
		}
		res, _, err := sel(tx)
		if err != nil {
			return err
		}
		fallbackOut = res
		return nil
	})
	if txErr != nil {
		// The approximate result stands; the fallback is best-effort.
		c.logger.Warn("Sequential scan fallback failed", zap.Error(txErr))
		return out, nil
	}
	return fallbackOut, nil
}
