package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/llm"
)

// ReportGenerationAgent composes a final markdown report from the prior
// steps' outputs. It is typically the last step of a plan.
type ReportGenerationAgent struct {
	llm    llm.Provider
	logger *zap.Logger
}

func NewReportGenerationAgent(provider llm.Provider, logger *zap.Logger) *ReportGenerationAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportGenerationAgent{llm: provider, logger: logger}
}

func (a *ReportGenerationAgent) Name() string { return "ReportGenerationAgent" }

func (a *ReportGenerationAgent) Schema() []ParamSpec {
	return []ParamSpec{
		{Name: "goal", Type: "string", Required: true, Description: "what the report should accomplish"},
		{Name: "content", Type: "string", Description: "extra material to incorporate"},
	}
}

func (a *ReportGenerationAgent) Execute(ctx context.Context, params map[string]interface{}, ac Context) (*Result, error) {
	goal := StringParam(params, "goal", "")
	if goal == "" {
		return nil, fmt.Errorf("agents: ReportGenerationAgent: empty goal")
	}

	var b strings.Builder
	b.WriteString("Goal: " + goal + "\n")
	if extra := StringParam(params, "content", ""); extra != "" {
		b.WriteString("Material:\n" + extra + "\n")
	}
	if len(ac.PriorOutputs) > 0 {
		keys := make([]string, 0, len(ac.PriorOutputs))
		for k := range ac.PriorOutputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Findings from earlier steps:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "## %s\n%s\n", k, ac.PriorOutputs[k])
		}
	}

	report, err := a.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "Write a concise markdown report that fulfills the goal using the findings. Cite which finding supports each claim."},
		{Role: llm.RoleUser, Content: b.String()},
	}, llm.Params{MaxTokens: 2048})
	if err != nil {
		return nil, err
	}
	return &Result{Output: report}, nil
}
