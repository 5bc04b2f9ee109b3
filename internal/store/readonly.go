package store

import (
	"context"
	"fmt"
)

// QueryRows runs an arbitrary read-only statement inside a transaction
// forced to read-only mode, returning generic row maps. Callers are expected
// to have already restricted the statement shape; the transaction mode is
// the backstop.
func (c *Client) QueryRows(ctx context.Context, query string, maxRows int) ([]map[string]interface{}, error) {
	if maxRows <= 0 {
		maxRows = 100
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin read-only: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SET TRANSACTION READ ONLY`); err != nil {
		return nil, fmt.Errorf("store: set read-only: %w", err)
	}
	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: query rows: %w", err)
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
		if len(out) >= maxRows {
			break
		}
	}
	return out, rows.Err()
}
