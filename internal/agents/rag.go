package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/retrieval"
)

// RAGQueryAgent answers a question from recalled memory plus one completion.
type RAGQueryAgent struct {
	retriever *retrieval.Retriever
	llm       llm.Provider
	logger    *zap.Logger
}

func NewRAGQueryAgent(r *retrieval.Retriever, provider llm.Provider, logger *zap.Logger) *RAGQueryAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RAGQueryAgent{retriever: r, llm: provider, logger: logger}
}

func (a *RAGQueryAgent) Name() string { return "RAGQueryAgent" }

func (a *RAGQueryAgent) Schema() []ParamSpec {
	return []ParamSpec{
		{Name: "query", Type: "string", Required: true, Description: "question to answer from memory"},
		{Name: "top_k", Type: "number", Description: "recall cap, default 5"},
	}
}

func (a *RAGQueryAgent) Execute(ctx context.Context, params map[string]interface{}, ac Context) (*Result, error) {
	query := StringParam(params, "query", "")
	if query == "" {
		return nil, fmt.Errorf("agents: RAGQueryAgent: empty query")
	}
	items, err := a.retriever.Retrieve(ctx, retrieval.Query{
		Text:          query,
		SessionID:     ac.SessionID,
		TopK:          IntParam(params, "top_k", 5),
		IncludeChunks: true,
		IncludeFacts:  true,
		PreferSession: true,
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &Result{Output: "No relevant memory found."}, nil
	}

	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it.Content)
	}
	answer, err := a.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "Answer the question strictly from the provided context. Say so when the context is insufficient."},
		{Role: llm.RoleUser, Content: "Context:\n" + b.String() + "\nQuestion: " + query},
	}, llm.Params{})
	if err != nil {
		return nil, err
	}
	return &Result{Output: answer}, nil
}
