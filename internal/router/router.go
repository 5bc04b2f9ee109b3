// Package router owns identity resolution and dispatch: every inbound write
// resolves to a session and lands on the chat path or the task path; queries
// run fused recall; document ingest feeds the chunk corpus.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/contextctl"
	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/metrics"
	"github.com/memfuse/memfuse/internal/orchestrator"
	"github.com/memfuse/memfuse/internal/retrieval"
	"github.com/memfuse/memfuse/internal/session"
	"github.com/memfuse/memfuse/internal/store"
)

// TagM3 forces the task path on write and workflow-biased recall on query.
const TagM3 = "m3"

// Store is the persistence surface the router needs.
type Store interface {
	GetOrCreateUser(ctx context.Context, name string) (string, error)
	GetOrCreateAgent(ctx context.Context, name, agentType string) (string, error)
	ResolveSession(ctx context.Context, externalID, userID, agentID string) (string, error)
	LastRoundID(ctx context.Context, sessionID string) (int, error)
	InsertTurn(ctx context.Context, t *store.Turn) error
	History(ctx context.Context, sessionID string, limitRounds int) ([]store.Turn, error)
	EnqueueRound(ctx context.Context, sessionID string, roundID int) error
	UpsertChunk(ctx context.Context, source, content string, embedding []float32) (bool, error)
}

// Embedder embeds ingested documents and session chunks.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// TaskRunner is the orchestrator's task entry point.
type TaskRunner interface {
	Execute(ctx context.Context, goal, sessionID, userID string) (*orchestrator.TaskResult, error)
}

// Config tunes dispatch and the chat path.
type Config struct {
	SystemPrompt           string
	HistoryFetchRounds     int
	RAGTopK                int
	StructuredTopK         int
	RetrievalPreferSession bool
	StructuredEnabled      bool
	ExtractorEnabled       bool
	M3Enabled              bool
	// TaskClassifierEnabled lets a small model promote untagged messages to
	// the task path. Off by default; tag=m3 always works.
	TaskClassifierEnabled bool
	// ChunkWords sizes document ingest chunks.
	ChunkWords int
}

// Router dispatches writes, queries, and ingests.
type Router struct {
	store      Store
	embedder   Embedder
	retriever  *retrieval.Retriever
	controller *contextctl.Controller
	llm        llm.Provider
	tasks      TaskRunner
	locks      *session.Locks
	cfg        Config
	logger     *zap.Logger
}

func New(st Store, emb Embedder, ret *retrieval.Retriever, ctl *contextctl.Controller,
	provider llm.Provider, tasks TaskRunner, locks *session.Locks, cfg Config, logger *zap.Logger) *Router {

	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.HistoryFetchRounds <= 0 {
		cfg.HistoryFetchRounds = 20
	}
	if cfg.RAGTopK <= 0 {
		cfg.RAGTopK = 5
	}
	if cfg.StructuredTopK <= 0 {
		cfg.StructuredTopK = 5
	}
	if cfg.ChunkWords <= 0 {
		cfg.ChunkWords = 800
	}
	return &Router{
		store: st, embedder: emb, retriever: ret, controller: ctl,
		llm: provider, tasks: tasks, locks: locks, cfg: cfg, logger: logger,
	}
}

const defaultSystemPrompt = "You are a helpful assistant with long-term memory of this conversation. " +
	"Use the provided memory when relevant. Reply in the language the user writes in."

// WriteRequest is one inbound message.
type WriteRequest struct {
	User      string
	Agent     string
	SessionID string // external session id
	Content   string
	Tag       string
}

// WriteResponse carries the reply and the identity the request resolved to.
type WriteResponse struct {
	Content   string
	SessionID string // stable internal id
	RoundID   int
	Mode      string // "chat" or "task"
}

// WriteMessage resolves identity and dispatches to chat or task.
func (r *Router) WriteMessage(ctx context.Context, req WriteRequest) (*WriteResponse, error) {
	start := time.Now()
	ident, err := r.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	mode := "chat"
	if r.isTask(ctx, req) {
		mode = "task"
	}

	var resp *WriteResponse
	if mode == "task" {
		resp, err = r.handleTask(ctx, ident, req.Content)
	} else {
		resp, err = r.handleChat(ctx, ident, req.Content)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RequestsHandled.WithLabelValues(mode, outcome).Inc()
	metrics.RequestDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	return resp, err
}

type identity struct {
	userID    string
	agentID   string
	sessionID string
}

func (r *Router) resolve(ctx context.Context, req WriteRequest) (identity, error) {
	user := req.User
	if user == "" {
		user = "default"
	}
	agent := req.Agent
	if agent == "" {
		agent = "assistant"
	}
	external := req.SessionID
	if external == "" {
		external = user + ":" + agent
	}

	userID, err := r.store.GetOrCreateUser(ctx, user)
	if err != nil {
		return identity{}, err
	}
	agentID, err := r.store.GetOrCreateAgent(ctx, agent, "assistant")
	if err != nil {
		return identity{}, err
	}
	sessionID, err := r.store.ResolveSession(ctx, external, userID, agentID)
	if err != nil {
		return identity{}, err
	}
	return identity{userID: userID, agentID: agentID, sessionID: sessionID}, nil
}

// isTask routes on the explicit tag; the optional classifier only runs on
// untagged messages.
func (r *Router) isTask(ctx context.Context, req WriteRequest) bool {
	if !r.cfg.M3Enabled {
		return false
	}
	if req.Tag == TagM3 {
		return true
	}
	if req.Tag != "" || !r.cfg.TaskClassifierEnabled {
		return false
	}
	return r.classify(ctx, req.Content)
}

func (r *Router) classify(ctx context.Context, content string) bool {
	var out struct {
		Task bool `json:"task"`
	}
	err := r.llm.CompleteJSON(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: `Decide whether the message is a multi-step goal requiring tools and planning, or ordinary conversation. Return JSON: {"task": true|false}.`},
		{Role: llm.RoleUser, Content: content},
	}, &out, llm.Params{Temperature: 0})
	if err != nil {
		r.logger.Warn("Task classification failed, defaulting to chat", zap.Error(err))
		return false
	}
	return out.Task
}

// handleChat is retrieve, compose, complete, persist, schedule extraction.
func (r *Router) handleChat(ctx context.Context, ident identity, content string) (*WriteResponse, error) {
	turns, err := r.store.History(ctx, ident.sessionID, r.cfg.HistoryFetchRounds)
	if err != nil {
		return nil, err
	}

	recall, err := r.retriever.Retrieve(ctx, retrieval.Query{
		Text:          content,
		SessionID:     ident.sessionID,
		TopK:          r.cfg.RAGTopK + r.cfg.StructuredTopK,
		IncludeChunks: true,
		IncludeFacts:  r.cfg.StructuredEnabled,
		PreferSession: r.cfg.RetrievalPreferSession,
	})
	if err != nil {
		// Recall is an enhancement; a cold store should not block the reply.
		r.logger.Warn("Recall failed, continuing without memory", zap.Error(err))
	}

	msgs := r.controller.Compose(contextctl.Input{
		SystemPrompt: r.cfg.SystemPrompt,
		Query:        content,
		Turns:        turns,
		Recall:       recall,
	})
	reply, err := r.llm.Complete(ctx, msgs, llm.Params{})
	if err != nil {
		return nil, fmt.Errorf("router: completion: %w", err)
	}

	roundID, err := r.persistRound(ctx, ident.sessionID, content, reply)
	if err != nil {
		return nil, err
	}
	return &WriteResponse{Content: reply, SessionID: ident.sessionID, RoundID: roundID, Mode: "chat"}, nil
}

func (r *Router) handleTask(ctx context.Context, ident identity, content string) (*WriteResponse, error) {
	res, err := r.tasks.Execute(ctx, content, ident.sessionID, ident.userID)
	if err != nil {
		return nil, err
	}
	roundID, perr := r.persistRound(ctx, ident.sessionID, content, res.Output)
	if perr != nil {
		return nil, perr
	}
	return &WriteResponse{Content: res.Output, SessionID: ident.sessionID, RoundID: roundID, Mode: "task"}, nil
}

// persistRound allocates the next round id and writes both turns under the
// session lock, keeping round ids dense and ordered. The round is also
// indexed as a session chunk and queued for extraction.
func (r *Router) persistRound(ctx context.Context, sessionID, userText, assistantText string) (int, error) {
	unlock := r.locks.Lock(sessionID)
	defer unlock()

	last, err := r.store.LastRoundID(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	roundID := last + 1

	if err := r.store.InsertTurn(ctx, &store.Turn{
		SessionID: sessionID, RoundID: roundID, Speaker: store.SpeakerUser, Content: userText,
	}); err != nil {
		return 0, err
	}
	if err := r.store.InsertTurn(ctx, &store.Turn{
		SessionID: sessionID, RoundID: roundID, Speaker: store.SpeakerAssistant, Content: assistantText,
	}); err != nil {
		return 0, err
	}

	r.indexRound(ctx, sessionID, userText, assistantText)

	if r.cfg.ExtractorEnabled {
		if err := r.store.EnqueueRound(ctx, sessionID, roundID); err != nil {
			r.logger.Warn("Enqueueing extraction failed", zap.Error(err))
		}
	}
	return roundID, nil
}

// indexRound makes the round retrievable through the session chunk corpus.
// Failures degrade recall but never the reply.
func (r *Router) indexRound(ctx context.Context, sessionID, userText, assistantText string) {
	text := store.SpeakerUser + ": " + userText + "\n" + store.SpeakerAssistant + ": " + assistantText
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		r.logger.Warn("Embedding round failed", zap.Error(err))
		return
	}
	if _, err := r.store.UpsertChunk(ctx, store.SessionSource(sessionID), text, vec); err != nil {
		r.logger.Warn("Indexing round failed", zap.Error(err))
	}
}

// QueryRequest is one recall request against memory.
type QueryRequest struct {
	SessionID string // external id, optional
	User      string
	Agent     string
	Query     string
	Tag       string
	TopK      int
}

// Query runs fused recall. tag=m3 includes workflows and lessons and
// weights them up.
func (r *Router) Query(ctx context.Context, req QueryRequest) ([]retrieval.Item, error) {
	sessionID := ""
	if req.SessionID != "" {
		ident, err := r.resolve(ctx, WriteRequest{User: req.User, Agent: req.Agent, SessionID: req.SessionID})
		if err != nil {
			return nil, err
		}
		sessionID = ident.sessionID
	}
	biased := req.Tag == TagM3
	return r.retriever.Retrieve(ctx, retrieval.Query{
		Text:             req.Query,
		SessionID:        sessionID,
		TopK:             req.TopK,
		IncludeChunks:    true,
		IncludeFacts:     r.cfg.StructuredEnabled && sessionID != "",
		IncludeWorkflows: biased && r.cfg.M3Enabled,
		PreferSession:    r.cfg.RetrievalPreferSession,
		BiasWorkflows:    biased,
	})
}

// IngestDocument splits text into word-bounded chunks, embeds them in one
// batch, and upserts each under the source. Re-ingesting is idempotent.
// Returns the number of newly inserted chunks.
func (r *Router) IngestDocument(ctx context.Context, source, text string) (int, error) {
	if source == "" {
		return 0, fmt.Errorf("router: empty document source")
	}
	chunks := splitWords(text, r.cfg.ChunkWords)
	if len(chunks) == 0 {
		return 0, nil
	}
	vecs, err := r.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("router: embed document: %w", err)
	}
	inserted := 0
	for i, chunk := range chunks {
		ok, err := r.store.UpsertChunk(ctx, source, chunk, vecs[i])
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	r.logger.Info("Document ingested",
		zap.String("source", source), zap.Int("chunks", len(chunks)), zap.Int("inserted", inserted))
	return inserted, nil
}

// splitWords chunks text on word boundaries, n words per chunk.
func splitWords(text string, n int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var out []string
	for start := 0; start < len(words); start += n {
		end := start + n
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}
