package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/memfuse/memfuse/internal/metrics"
)

// InsertWorkflow stores a newly distilled workflow with usage_count 0.
func (c *Client) InsertWorkflow(ctx context.Context, w *Workflow) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO procedural_memory
			(workflow_id, trigger_embedding, trigger_pattern, successful_workflow)
		VALUES ($1, $2, NULLIF($3, ''), $4)`,
		w.WorkflowID, w.TriggerEmbedding, w.TriggerPattern, w.Plan,
	)
	if err != nil {
		metrics.StoreQueries.WithLabelValues("procedural_memory", "error").Inc()
		return fmt.Errorf("store: insert workflow: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("procedural_memory", "ok").Inc()
	return nil
}

// UpdateWorkflowPlan replaces the stored plan of an existing cluster
// representative and bumps updated_at.
func (c *Client) UpdateWorkflowPlan(ctx context.Context, workflowID string, plan WorkflowPlan) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE procedural_memory
		SET successful_workflow = $2, updated_at = now()
		WHERE workflow_id = $1`, workflowID, plan)
	if err != nil {
		return fmt.Errorf("store: update workflow plan: %w", err)
	}
	return nil
}

// SearchWorkflows runs cosine top-k over trigger embeddings.
func (c *Client) SearchWorkflows(ctx context.Context, vec []float32, topK int) ([]ScoredWorkflow, error) {
	query := fmt.Sprintf(`
		SELECT workflow_id, trigger_embedding, COALESCE(trigger_pattern, '') AS trigger_pattern,
		       successful_workflow, usage_count, created_at, updated_at,
		       1 - (trigger_embedding <=> $1) AS score
		FROM procedural_memory
		ORDER BY trigger_embedding <=> $1 ASC, updated_at DESC
		LIMIT %d`, topK)
	args := []interface{}{pgvector.NewVector(vec)}

	rows, err := c.selectWithSeqScanFallback(ctx, query, args, func(q sqlx.QueryerContext) (interface{}, int, error) {
		var out []ScoredWorkflow
		err := sqlx.SelectContext(ctx, q, &out, query, args...)
		return out, len(out), err
	})
	if err != nil {
		metrics.StoreQueries.WithLabelValues("procedural_memory", "error").Inc()
		return nil, fmt.Errorf("store: search workflows: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("procedural_memory", "ok").Inc()
	return rows.([]ScoredWorkflow), nil
}

// BumpWorkflowUsage increments usage_count and advances updated_at.
func (c *Client) BumpWorkflowUsage(ctx context.Context, workflowID string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE procedural_memory
		SET usage_count = usage_count + 1, updated_at = now()
		WHERE workflow_id = $1`, workflowID)
	if err != nil {
		metrics.StoreQueries.WithLabelValues("procedural_memory", "error").Inc()
		return fmt.Errorf("store: bump workflow usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: workflow %s not found", workflowID)
	}
	metrics.StoreQueries.WithLabelValues("procedural_memory", "ok").Inc()
	return nil
}

// WorkflowByID loads one workflow.
func (c *Client) WorkflowByID(ctx context.Context, workflowID string) (*Workflow, error) {
	var w Workflow
	err := c.db.GetContext(ctx, &w, `
		SELECT workflow_id, trigger_embedding, COALESCE(trigger_pattern, '') AS trigger_pattern,
		       successful_workflow, usage_count, created_at, updated_at
		FROM procedural_memory WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: workflow by id: %w", err)
	}
	return &w, nil
}

// InsertLesson records one step-level outcome.
func (c *Client) InsertLesson(ctx context.Context, l *Lesson) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO procedural_lessons
			(lesson_id, trigger_embedding, goal_text, agent, status, error, fix_summary, working_params)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		l.LessonID, l.TriggerEmbedding, l.GoalText, l.Agent, l.Status, l.Error, l.FixSummary, l.WorkingParams,
	)
	if err != nil {
		metrics.StoreQueries.WithLabelValues("procedural_lessons", "error").Inc()
		return fmt.Errorf("store: insert lesson: %w", err)
	}
	metrics.StoreQueries.WithLabelValues("procedural_lessons", "ok").Inc()
	metrics.LessonsRecorded.WithLabelValues(l.Status).Inc()
	return nil
}

// SearchLessons runs cosine top-k over lesson trigger embeddings; used to
// bias planning with past step outcomes.
func (c *Client) SearchLessons(ctx context.Context, vec []float32, topK int) ([]ScoredLesson, error) {
	query := fmt.Sprintf(`
		SELECT lesson_id, trigger_embedding, goal_text, agent, status,
		       COALESCE(error, '') AS error, COALESCE(fix_summary, '') AS fix_summary,
		       working_params, created_at,
		       1 - (trigger_embedding <=> $1) AS score
		FROM procedural_lessons
		ORDER BY trigger_embedding <=> $1 ASC, created_at DESC
		LIMIT %d`, topK)
	args := []interface{}{pgvector.NewVector(vec)}

	rows, err := c.selectWithSeqScanFallback(ctx, query, args, func(q sqlx.QueryerContext) (interface{}, int, error) {
		var out []ScoredLesson
		err := sqlx.SelectContext(ctx, q, &out, query, args...)
		return out, len(out), err
	})
	if err != nil {
		return nil, fmt.Errorf("store: search lessons: %w", err)
	}
	return rows.([]ScoredLesson), nil
}
