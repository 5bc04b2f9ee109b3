package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/memfuse/memfuse/internal/metrics"
)

// InsertFacts inserts the surviving fact candidates in one transaction.
// Exact duplicates on (session_id, type, content) are absorbed by the
// unique constraint. Returns the number of rows actually inserted.
func (c *Client) InsertFacts(ctx context.Context, facts []Fact) (int, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	inserted := 0
	err := c.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i := range facts {
			f := &facts[i]
			res, err := tx.ExecContext(ctx, `
				INSERT INTO structured_memory
					(fact_id, session_id, source_round_id, type, content, relations, metadata, embedding)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (session_id, type, content) DO NOTHING`,
				f.FactID, f.SessionID, f.SourceRoundID, f.Type, f.Content,
				f.Relations, f.Metadata, f.Embedding,
			)
			if err != nil {
				return fmt.Errorf("insert fact: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		metrics.StoreQueries.WithLabelValues("structured_memory", "error").Inc()
		return 0, fmt.Errorf("store: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("structured_memory", "ok").Inc()
	return inserted, nil
}

// FactExists reports whether an identical (type, content) fact exists in
// the session.
func (c *Client) FactExists(ctx context.Context, sessionID, factType, content string) (bool, error) {
	var exists bool
	err := c.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM structured_memory
			WHERE session_id = $1 AND type = $2 AND content = $3
		)`, sessionID, factType, content)
	if err != nil {
		return false, fmt.Errorf("store: fact exists: %w", err)
	}
	return exists, nil
}

// SearchFacts runs cosine top-k over the session's facts, with the same
// sequential fallback as chunk search.
func (c *Client) SearchFacts(ctx context.Context, sessionID string, vec []float32, topK int) ([]ScoredFact, error) {
	query := fmt.Sprintf(`
		SELECT fact_id, session_id, source_round_id, type, content, relations, metadata,
		       embedding, created_at, 1 - (embedding <=> $1) AS score
		FROM structured_memory
		WHERE session_id = $2
		ORDER BY embedding <=> $1 ASC, created_at DESC
		LIMIT %d`, topK)
	args := []interface{}{pgvector.NewVector(vec), sessionID}

	rows, err := c.selectWithSeqScanFallback(ctx, query, args, func(q sqlx.QueryerContext) (interface{}, int, error) {
		var out []ScoredFact
		err := sqlx.SelectContext(ctx, q, &out, query, args...)
		return out, len(out), err
	})
	if err != nil {
		metrics.StoreQueries.WithLabelValues("structured_memory", "error").Inc()
		return nil, fmt.Errorf("store: search facts: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("structured_memory", "ok").Inc()
	return rows.([]ScoredFact), nil
}

// FactsByKeywords matches session facts whose content contains any of the
// given keywords, case-insensitive. Score is the fraction of keywords
// matched.
func (c *Client) FactsByKeywords(ctx context.Context, sessionID string, keywords []string, topK int) ([]ScoredFact, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	patterns := make([]string, len(keywords))
	for i, kw := range keywords {
		patterns[i] = "%" + strings.ToLower(kw) + "%"
	}
	query := fmt.Sprintf(`
		SELECT fact_id, session_id, source_round_id, type, content, relations, metadata,
		       embedding, created_at,
		       (SELECT COUNT(*) FROM unnest($2::text[]) AS p(pat)
		        WHERE lower(content) LIKE p.pat)::float / %d AS score
		FROM structured_memory
		WHERE session_id = $1
		  AND EXISTS (SELECT 1 FROM unnest($2::text[]) AS p(pat) WHERE lower(content) LIKE p.pat)
		ORDER BY score DESC, created_at DESC
		LIMIT %d`, len(keywords), topK)

	var out []ScoredFact
	if err := c.db.SelectContext(ctx, &out, query, sessionID, pq.Array(patterns)); err != nil {
		metrics.StoreQueries.WithLabelValues("structured_memory", "error").Inc()
		return nil, fmt.Errorf("store: facts by keywords: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("structured_memory", "ok").Inc()
	return out, nil
}

// FactByID loads one fact.
func (c *Client) FactByID(ctx context.Context, factID string) (*Fact, error) {
	var f Fact
	err := c.db.GetContext(ctx, &f, `
		SELECT fact_id, session_id, source_round_id, type, content, relations, metadata, embedding, created_at
		FROM structured_memory WHERE fact_id = $1`, factID)
	if err != nil {
		return nil, fmt.Errorf("store: fact by id: %w", err)
	}
	return &f, nil
}
