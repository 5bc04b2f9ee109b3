package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/metrics"
	"github.com/memfuse/memfuse/internal/store"
)

// Distill templatizes a successful plan and upserts it into procedural
// memory. Near-duplicate workflows (trigger similarity at or above the
// cluster threshold) update the existing representative instead of creating
// a new row; the upsert is serialized on the trigger cluster to keep two
// concurrent distillations from racing.
func (s *Service) Distill(ctx context.Context, plan store.WorkflowPlan, goal string, goalVec []float32) (string, error) {
	template := templatize(plan, goal)

	release, err := s.store.AcquireAdvisoryLock(ctx, clusterKey(goalVec))
	if err != nil {
		return "", fmt.Errorf("orchestrator: cluster lock: %w", err)
	}
	defer release()

	matches, err := s.store.SearchWorkflows(ctx, goalVec, 1)
	if err != nil {
		return "", fmt.Errorf("orchestrator: distill lookup: %w", err)
	}
	if len(matches) > 0 && matches[0].Score >= s.cfg.DistillSim {
		id := matches[0].WorkflowID
		if err := s.store.UpdateWorkflowPlan(ctx, id, template); err != nil {
			return "", err
		}
		s.logger.Info("Refreshed workflow cluster representative", zap.String("workflow_id", id))
		return id, nil
	}

	// TriggerPattern stays empty: a keyword guard derived from one phrasing
	// would reject score-qualifying paraphrases. Patterns are honored when a
	// row carries one, but distillation relies on trigger similarity alone.
	w := &store.Workflow{
		WorkflowID:       uuid.New().String(),
		TriggerEmbedding: pgvector.NewVector(goalVec),
		Plan:             template,
	}
	if err := s.store.InsertWorkflow(ctx, w); err != nil {
		return "", err
	}
	metrics.WorkflowsDistilled.Inc()
	s.logger.Info("Distilled new workflow", zap.String("workflow_id", w.WorkflowID))
	return w.WorkflowID, nil
}

// templatize replaces concrete goal text in string params with the {{goal}}
// slot so the stored plan generalizes to similar goals. Step output slots
// are already symbolic in the plan.
func templatize(plan store.WorkflowPlan, goal string) store.WorkflowPlan {
	out := store.WorkflowPlan{Goal: goal, ResultKeys: plan.ResultKeys}
	for _, step := range plan.Steps {
		params := make(map[string]interface{}, len(step.Params))
		for k, v := range step.Params {
			if str, ok := v.(string); ok && goal != "" {
				params[k] = strings.ReplaceAll(str, goal, "{{goal}}")
			} else {
				params[k] = v
			}
		}
		out.Steps = append(out.Steps, store.WorkflowStep{Agent: step.Agent, Params: params})
	}
	return out
}

// clusterKey quantizes the trigger embedding so near-identical goals land on
// the same advisory lock.
func clusterKey(vec []float32) int64 {
	h := fnv.New64a()
	buf := make([]byte, 1)
	for _, v := range vec {
		q := int8(math.Round(float64(v) * 10))
		buf[0] = byte(q)
		h.Write(buf)
	}
	return int64(h.Sum64())
}
