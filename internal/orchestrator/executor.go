package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/agents"
	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/metrics"
	"github.com/memfuse/memfuse/internal/store"
)

// Execute runs one task: reuse lookup, then plan or fast-path, then the
// step loop. On success a planned run is distilled into procedural memory.
func (s *Service) Execute(ctx context.Context, goal, sessionID, userID string) (*TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	goalVec, err := s.embedder.Embed(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: embed goal: %w", err)
	}

	var plan store.WorkflowPlan
	path := "planned"
	workflowID := ""

	if reused := s.reuseLookup(ctx, goal, goalVec); reused != nil {
		plan = instantiate(reused.Plan, goal)
		path = "fast_path"
		workflowID = reused.WorkflowID
		metrics.WorkflowsReused.Inc()
	} else {
		lessons := s.recallLessons(ctx, goalVec)
		plan, err = s.Plan(ctx, goal, lessons)
		if err != nil {
			metrics.TasksExecuted.WithLabelValues(path, "plan_failed").Inc()
			return nil, err
		}
		plan = instantiate(plan, goal)
	}

	output, err := s.runSteps(ctx, plan, goal, goalVec, sessionID, userID)
	if err != nil {
		metrics.TasksExecuted.WithLabelValues(path, "failed").Inc()
		return nil, err
	}
	metrics.TasksExecuted.WithLabelValues(path, "ok").Inc()
	metrics.TaskSteps.WithLabelValues(path).Observe(float64(len(plan.Steps)))

	if path == "planned" && s.cfg.M3Enabled {
		if id, derr := s.Distill(ctx, plan, goal, goalVec); derr != nil {
			s.logger.Warn("Distillation failed", zap.Error(derr))
		} else {
			workflowID = id
		}
	}

	return &TaskResult{Output: output, Path: path, WorkflowID: workflowID, Steps: len(plan.Steps)}, nil
}

// reuseLookup returns a stored workflow when the best match clears the
// reuse threshold and its trigger pattern (if any) matches the goal.
// Selecting a workflow bumps its usage count.
func (s *Service) reuseLookup(ctx context.Context, goal string, goalVec []float32) *store.Workflow {
	if !s.cfg.M3Enabled {
		return nil
	}
	matches, err := s.store.SearchWorkflows(ctx, goalVec, s.cfg.ProceduralTopK)
	if err != nil {
		s.logger.Warn("Workflow lookup failed", zap.Error(err))
		return nil
	}
	for i := range matches {
		m := &matches[i]
		if m.Score < s.cfg.ReuseThreshold {
			break // results are score-ordered
		}
		if !patternMatches(m.TriggerPattern, goal) {
			continue
		}
		if err := s.store.BumpWorkflowUsage(ctx, m.WorkflowID); err != nil {
			s.logger.Warn("Usage bump failed", zap.String("workflow_id", m.WorkflowID), zap.Error(err))
		}
		s.logger.Info("Reusing workflow",
			zap.String("workflow_id", m.WorkflowID), zap.Float64("score", m.Score))
		return &m.Workflow
	}
	return nil
}

// patternMatches treats the trigger pattern as space-separated keywords, all
// of which must appear in the goal (case-insensitive). An empty pattern
// always matches.
func patternMatches(pattern, goal string) bool {
	if pattern == "" {
		return true
	}
	lower := strings.ToLower(goal)
	for _, kw := range strings.Fields(pattern) {
		if !strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

func (s *Service) recallLessons(ctx context.Context, goalVec []float32) []store.ScoredLesson {
	lessons, err := s.store.SearchLessons(ctx, goalVec, s.cfg.ProceduralTopK)
	if err != nil {
		s.logger.Warn("Lesson lookup failed", zap.Error(err))
		return nil
	}
	return lessons
}

// runSteps executes the plan sequentially. Each step sees prior outputs
// under step_N keys; a failing step gets parameter repair up to StepRetries
// before the task fails and a lesson is recorded.
func (s *Service) runSteps(ctx context.Context, plan store.WorkflowPlan, goal string, goalVec []float32, sessionID, userID string) (string, error) {
	priorOutputs := make(map[string]string, len(plan.Steps))
	output := ""

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("orchestrator: canceled before step %d: %w", i+1, err)
		}
		agent, err := s.registry.Get(step.Agent)
		if err != nil {
			return "", err
		}
		params := bindParams(step.Params, goal, priorOutputs)

		res, fixSummary, err := s.runStepWithRepair(ctx, agent, params, agents.Context{
			SessionID: sessionID, UserID: userID, PriorOutputs: priorOutputs,
		})
		if err != nil {
			s.recordLesson(ctx, goalVec, goal, step.Agent, store.LessonFail, err.Error(), fixSummary, nil)
			return "", fmt.Errorf("orchestrator: step %d (%s): %w", i+1, step.Agent, err)
		}
		if fixSummary != "" {
			// The original params were wrong but a repair worked; remember it.
			s.recordLesson(ctx, goalVec, goal, step.Agent, store.LessonSuccess, "", fixSummary, params)
		}
		priorOutputs[fmt.Sprintf("step_%d", i+1)] = res.Output
		output = res.Output
	}
	return output, nil
}

// runStepWithRepair retries a failing step with model-repaired parameters.
// Returns the repair summary when a repair was needed and succeeded.
func (s *Service) runStepWithRepair(ctx context.Context, agent agents.Subagent, params map[string]interface{}, ac agents.Context) (*agents.Result, string, error) {
	res, err := agent.Execute(ctx, params, ac)
	if err == nil {
		return res, "", nil
	}

	fixSummary := ""
	for attempt := 1; attempt <= s.cfg.StepRetries; attempt++ {
		repaired, summary, rerr := s.repairParams(ctx, agent, params, err)
		if rerr != nil {
			s.logger.Warn("Parameter repair failed", zap.String("agent", agent.Name()), zap.Error(rerr))
			break
		}
		params = repaired
		fixSummary = summary
		res, err = agent.Execute(ctx, params, ac)
		if err == nil {
			return res, fixSummary, nil
		}
	}
	return nil, fixSummary, err
}

// repairParams asks the model to fix the failing parameters against the
// agent's declared schema.
func (s *Service) repairParams(ctx context.Context, agent agents.Subagent, params map[string]interface{}, cause error) (map[string]interface{}, string, error) {
	schema, _ := json.Marshal(agent.Schema())
	failing, _ := json.Marshal(params)

	var out struct {
		Params  map[string]interface{} `json:"params"`
		Summary string                 `json:"summary"`
	}
	err := s.llm.CompleteJSON(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "An agent invocation failed. Fix the parameters so the call can succeed. Return JSON: {\"params\": {...}, \"summary\": \"what you changed\"}."},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Agent: %s\nSchema: %s\nFailing params: %s\nError: %s",
			agent.Name(), schema, failing, cause.Error())},
	}, &out, llm.Params{Temperature: 0})
	if err != nil {
		return nil, "", err
	}
	if err := agents.ValidateParams(agent, out.Params); err != nil {
		return nil, "", err
	}
	return out.Params, out.Summary, nil
}

func (s *Service) recordLesson(ctx context.Context, goalVec []float32, goal, agent, status, errText, fixSummary string, workingParams map[string]interface{}) {
	lesson := &store.Lesson{
		LessonID:         uuid.New().String(),
		TriggerEmbedding: pgvector.NewVector(goalVec),
		GoalText:         goal,
		Agent:            agent,
		Status:           status,
		Error:            errText,
		FixSummary:       fixSummary,
		WorkingParams:    store.JSONMap(workingParams),
	}
	if err := s.store.InsertLesson(ctx, lesson); err != nil {
		s.logger.Warn("Recording lesson failed", zap.Error(err))
	}
}

// instantiate substitutes {{goal}} in a plan template. Step output slots are
// bound later, as steps complete.
func instantiate(plan store.WorkflowPlan, goal string) store.WorkflowPlan {
	out := store.WorkflowPlan{Goal: goal, ResultKeys: plan.ResultKeys}
	for _, step := range plan.Steps {
		params := make(map[string]interface{}, len(step.Params))
		for k, v := range step.Params {
			params[k] = v
		}
		out.Steps = append(out.Steps, store.WorkflowStep{Agent: step.Agent, Params: params})
	}
	return out
}

// bindParams resolves {{goal}} and {{step_N.output}} placeholders in string
// params right before execution.
func bindParams(params map[string]interface{}, goal string, priorOutputs map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		str, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		str = strings.ReplaceAll(str, "{{goal}}", goal)
		for name, val := range priorOutputs {
			str = strings.ReplaceAll(str, "{{"+name+".output}}", val)
		}
		out[k] = str
	}
	return out
}
