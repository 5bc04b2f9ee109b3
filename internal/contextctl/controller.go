// Package contextctl assembles the final prompt from history, recalled
// memory, and the user query under hard token budgets.
package contextctl

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/embeddings"
	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/metrics"
	"github.com/memfuse/memfuse/internal/retrieval"
	"github.com/memfuse/memfuse/internal/store"
	"github.com/memfuse/memfuse/internal/tokens"
)

// Config holds the three prompt budgets.
type Config struct {
	UserInputMaxTokens    int
	HistoryMaxTokens      int
	TotalContextMaxTokens int
}

// Input is everything the controller composes from. Turns are in
// chronological order as the store returns them.
type Input struct {
	SystemPrompt string
	Query        string
	Turns        []store.Turn
	Recall       []retrieval.Item
}

// Controller renders budgeted prompts. Token accounting is deterministic:
// same input, same output.
type Controller struct {
	cfg     Config
	counter *tokens.Counter
	logger  *zap.Logger
}

func New(cfg Config, counter *tokens.Counter, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserInputMaxTokens <= 0 {
		cfg.UserInputMaxTokens = 4096
	}
	if cfg.HistoryMaxTokens <= 0 {
		cfg.HistoryMaxTokens = 4096
	}
	if cfg.TotalContextMaxTokens <= 0 {
		cfg.TotalContextMaxTokens = 16384
	}
	return &Controller{cfg: cfg, counter: counter, logger: logger}
}

// Compose returns [system, history..., recall, user]. The query is
// middle-truncated to its budget, history is admitted newest-first in whole
// turns, and the total budget is enforced by a final pass that trims recall
// first, then history, never the system prompt or the query.
func (c *Controller) Compose(in Input) []llm.Message {
	query := in.Query
	if c.counter.Count(query) > c.cfg.UserInputMaxTokens {
		query = c.counter.Truncate(query, c.cfg.UserInputMaxTokens)
		metrics.ContextTrims.WithLabelValues("query").Inc()
	}

	history := c.selectHistory(in.Turns)
	recall := dedupRecall(in.Recall)

	// Final budget pass. Recall goes first, lowest score outward; then
	// history, oldest turn outward.
	fixed := c.counter.CountMessage(in.SystemPrompt) + c.counter.CountMessage(query)
	for {
		total := fixed + c.messagesTokens(history) + c.recallTokens(recall)
		if total <= c.cfg.TotalContextMaxTokens {
			break
		}
		if len(recall) > 0 {
			recall = recall[:len(recall)-1]
			metrics.ContextTrims.WithLabelValues("recall").Inc()
			continue
		}
		if len(history) > 0 {
			history = history[1:]
			metrics.ContextTrims.WithLabelValues("history").Inc()
			continue
		}
		break
	}

	out := make([]llm.Message, 0, len(history)+3)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: in.SystemPrompt})
	out = append(out, history...)
	if len(recall) > 0 {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: renderRecall(recall)})
	}
	out = append(out, llm.Message{Role: llm.RoleUser, Content: query})

	metrics.ContextTokens.WithLabelValues("total").Observe(float64(c.messagesTokens(out)))
	return out
}

// selectHistory admits whole turns newest-first until the history budget is
// exhausted, then returns them in chronological order.
func (c *Controller) selectHistory(turns []store.Turn) []llm.Message {
	budget := c.cfg.HistoryMaxTokens
	var kept []store.Turn
	for i := len(turns) - 1; i >= 0; i-- {
		cost := c.counter.CountMessage(turns[i].Content)
		if cost > budget {
			metrics.ContextTrims.WithLabelValues("history").Inc()
			break
		}
		budget -= cost
		kept = append(kept, turns[i])
	}
	// kept is newest-first; emit chronologically.
	out := make([]llm.Message, 0, len(kept))
	for i := len(kept) - 1; i >= 0; i-- {
		role := llm.RoleUser
		if kept[i].Speaker == store.SpeakerAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: kept[i].Content})
	}
	return out
}

// dedupRecall re-sorts by descending score and removes content duplicates.
// The retriever already fuses, but recall can arrive from multiple calls.
func dedupRecall(items []retrieval.Item) []retrieval.Item {
	sorted := make([]retrieval.Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	seen := make(map[string]struct{}, len(sorted))
	out := sorted[:0]
	for _, it := range sorted {
		h := embeddings.ContentHash(it.Content)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, it)
	}
	return out
}

func renderRecall(items []retrieval.Item) string {
	var b strings.Builder
	b.WriteString("Relevant memory:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", it.Kind, it.Content)
	}
	return b.String()
}

func (c *Controller) messagesTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.counter.CountMessage(m.Content)
	}
	return total
}

func (c *Controller) recallTokens(items []retrieval.Item) int {
	if len(items) == 0 {
		return 0
	}
	return c.counter.CountMessage(renderRecall(items))
}
