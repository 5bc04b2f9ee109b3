package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/llm"
)

// SQLRunner is the read-only query surface the database agent uses.
type SQLRunner interface {
	QueryRows(ctx context.Context, query string, maxRows int) ([]map[string]interface{}, error)
}

// DatabaseQueryAgent translates a natural-language question into a single
// SELECT and runs it read-only. Anything that is not a plain SELECT is
// rejected before it reaches the database.
type DatabaseQueryAgent struct {
	runner SQLRunner
	llm    llm.Provider
	logger *zap.Logger
}

func NewDatabaseQueryAgent(runner SQLRunner, provider llm.Provider, logger *zap.Logger) *DatabaseQueryAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseQueryAgent{runner: runner, llm: provider, logger: logger}
}

func (a *DatabaseQueryAgent) Name() string { return "DatabaseQueryAgent" }

func (a *DatabaseQueryAgent) Schema() []ParamSpec {
	return []ParamSpec{
		{Name: "question", Type: "string", Required: true, Description: "natural-language question about stored data"},
		{Name: "max_rows", Type: "number", Description: "result row cap, default 50"},
	}
}

const sqlSystemPrompt = `You translate questions into a single PostgreSQL SELECT statement.
Available tables: conversations(session_id, round_id, speaker, content, timestamp),
structured_memory(fact_id, session_id, type, content, created_at),
procedural_memory(workflow_id, usage_count, created_at, updated_at),
documents_chunks(chunk_id, document_source, content, created_at).
Return JSON: {"sql": "SELECT ..."}. SELECT only, no modifications, no comments.`

func (a *DatabaseQueryAgent) Execute(ctx context.Context, params map[string]interface{}, ac Context) (*Result, error) {
	question := StringParam(params, "question", "")
	if question == "" {
		return nil, fmt.Errorf("agents: DatabaseQueryAgent: empty question")
	}

	var gen struct {
		SQL string `json:"sql"`
	}
	err := a.llm.CompleteJSON(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: sqlSystemPrompt},
		{Role: llm.RoleUser, Content: question},
	}, &gen, llm.Params{Temperature: 0})
	if err != nil {
		return nil, err
	}

	query, err := ValidateSelect(gen.SQL)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Running generated query", zap.String("sql", query))

	rows, err := a.runner.QueryRows(ctx, query, IntParam(params, "max_rows", 50))
	if err != nil {
		return nil, err
	}
	rendered, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output:    string(rendered),
		Artifacts: map[string]string{"sql": query},
	}, nil
}

var forbiddenSQL = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|grant|revoke|copy|vacuum|do|call|execute)\b`)

// ValidateSelect accepts exactly one SELECT statement and nothing else.
func ValidateSelect(query string) (string, error) {
	q := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if q == "" {
		return "", fmt.Errorf("agents: empty SQL")
	}
	upper := strings.ToUpper(q)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "", fmt.Errorf("agents: only SELECT statements are allowed")
	}
	if strings.Contains(q, ";") {
		return "", fmt.Errorf("agents: multiple statements are not allowed")
	}
	if forbiddenSQL.MatchString(q) {
		return "", fmt.Errorf("agents: statement contains a write keyword")
	}
	return q, nil
}
