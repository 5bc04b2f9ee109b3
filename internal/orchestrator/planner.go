package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/agents"
	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/store"
)

const plannerSystemPrompt = `You decompose a goal into an ordered plan of agent invocations.
Return JSON: {"steps": [{"agent": "...", "params": {...}}]}.
A step's string params may reference the goal as {{goal}} and a prior step's
result as {{step_N.output}} where N is the 1-based step number.
Available agents and their parameters:
%s
Rules: use only the listed agents and their declared parameters; keep the plan
as short as possible; the last step should produce the user-facing answer.`

// Plan produces a validated plan for the goal, with one repair attempt on
// validation failure. A transport-level planner failure falls back to a
// generic research plan rather than failing the task.
func (s *Service) Plan(ctx context.Context, goal string, lessons []store.ScoredLesson) (store.WorkflowPlan, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(plannerSystemPrompt, s.describeAgents())},
		{Role: llm.RoleUser, Content: s.planUserPrompt(goal, lessons)},
	}

	var plan store.WorkflowPlan
	err := s.llm.CompleteJSON(ctx, msgs, &plan, llm.Params{Temperature: 0.2})
	if err != nil {
		s.logger.Warn("Planner unavailable, using fallback plan", zap.Error(err))
		return fallbackPlan(goal), nil
	}
	plan.Goal = goal

	if verr := s.validatePlan(plan); verr != nil {
		plan, err = s.repairPlan(ctx, msgs, plan, verr)
		if err != nil {
			return store.WorkflowPlan{}, err
		}
		plan.Goal = goal
		if verr := s.validatePlan(plan); verr != nil {
			return store.WorkflowPlan{}, fmt.Errorf("orchestrator: plan invalid after repair: %w", verr)
		}
	}
	return plan, nil
}

func (s *Service) planUserPrompt(goal string, lessons []store.ScoredLesson) string {
	var b strings.Builder
	b.WriteString("Goal: " + goal + "\n")
	if len(lessons) > 0 {
		b.WriteString("Past outcomes on similar goals:\n")
		for _, l := range lessons {
			fmt.Fprintf(&b, "- agent=%s status=%s", l.Agent, l.Status)
			if l.Error != "" {
				fmt.Fprintf(&b, " error=%q", l.Error)
			}
			if l.FixSummary != "" {
				fmt.Fprintf(&b, " fix=%q", l.FixSummary)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// repairPlan feeds the validation error back once.
func (s *Service) repairPlan(ctx context.Context, msgs []llm.Message, bad store.WorkflowPlan, verr error) (store.WorkflowPlan, error) {
	raw, _ := json.Marshal(bad)
	repairMsgs := append(append([]llm.Message{}, msgs...),
		llm.Message{Role: llm.RoleAssistant, Content: string(raw)},
		llm.Message{Role: llm.RoleUser, Content: "That plan is invalid: " + verr.Error() + ". Return a corrected plan as JSON."},
	)
	var plan store.WorkflowPlan
	if err := s.llm.CompleteJSON(ctx, repairMsgs, &plan, llm.Params{Temperature: 0}); err != nil {
		return store.WorkflowPlan{}, fmt.Errorf("orchestrator: plan repair: %w", err)
	}
	return plan, nil
}

// validatePlan checks every step names a registered agent and passes its
// schema, with placeholders standing in for late-bound values.
func (s *Service) validatePlan(plan store.WorkflowPlan) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for i, step := range plan.Steps {
		agent, err := s.registry.Get(step.Agent)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if err := agents.ValidateParams(agent, step.Params); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Service) describeAgents() string {
	var b strings.Builder
	for _, name := range s.registry.Names() {
		agent, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s:", name)
		for _, p := range agent.Schema() {
			req := ""
			if p.Required {
				req = ", required"
			}
			fmt.Fprintf(&b, " %s (%s%s)", p.Name, p.Type, req)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// fallbackPlan is the generic research pipeline used when the planner
// cannot be reached.
func fallbackPlan(goal string) store.WorkflowPlan {
	return store.WorkflowPlan{
		Goal: goal,
		Steps: []store.WorkflowStep{
			{Agent: "WebSearchAgent", Params: map[string]interface{}{"query": "{{goal}}"}},
			{Agent: "RAGQueryAgent", Params: map[string]interface{}{"query": "{{goal}}"}},
			{Agent: "ReportGenerationAgent", Params: map[string]interface{}{
				"goal":    "{{goal}}",
				"content": "{{step_1.output}}\n{{step_2.output}}",
			}},
		},
	}
}
