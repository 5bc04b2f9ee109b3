package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/embeddings"
	"github.com/memfuse/memfuse/internal/metrics"
	"github.com/memfuse/memfuse/internal/store"
)

// Kinds of recalled items.
const (
	KindChunk    = "chunk"
	KindFact     = "fact"
	KindWorkflow = "workflow"
	KindLesson   = "lesson"
)

// Item is one recalled memory, already scored and attributed.
type Item struct {
	Kind      string
	Content   string
	Score     float64
	Origin    string
	CreatedAt time.Time

	// Workflow carries the full row when Kind == KindWorkflow so the
	// caller can reuse the plan without a second lookup.
	Workflow *store.Workflow
}

// Store is the slice of the persistence layer the retriever reads.
type Store interface {
	SearchChunks(ctx context.Context, vec []float32, topK int, source string) ([]store.ScoredChunk, error)
	TopChunks(ctx context.Context, topK int, source string) ([]store.ScoredChunk, error)
	CountSessionChunks(ctx context.Context, sessionID string) (int, error)
	SearchFacts(ctx context.Context, sessionID string, vec []float32, topK int) ([]store.ScoredFact, error)
	FactsByKeywords(ctx context.Context, sessionID string, keywords []string, topK int) ([]store.ScoredFact, error)
	SearchWorkflows(ctx context.Context, vec []float32, topK int) ([]store.ScoredWorkflow, error)
	SearchLessons(ctx context.Context, vec []float32, topK int) ([]store.ScoredLesson, error)
	History(ctx context.Context, sessionID string, limitRounds int) ([]store.Turn, error)
}

// Embedder is the query embedding dependency.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the recall streams.
type Config struct {
	// StreamTopK caps each individual stream before fusion.
	StreamTopK int
	// KeywordAlpha discounts keyword scores against vector scores when
	// merging the two fact streams.
	KeywordAlpha float64
	// WorkflowBias multiplies workflow scores when the caller asks for
	// procedural-first recall.
	WorkflowBias float64
	// HistoryFallbackRounds bounds the pseudo-chunk fallback drawn from
	// recent conversation when the chunk corpus is empty.
	HistoryFallbackRounds int
}

// Query is one recall request.
type Query struct {
	Text             string
	SessionID        string
	TopK             int
	IncludeChunks    bool
	IncludeFacts     bool
	IncludeWorkflows bool // procedural recall: workflows and lessons
	PreferSession    bool
	// BiasWorkflows applies Config.WorkflowBias to the procedural streams.
	BiasWorkflows bool
}

// Retriever fuses vector, keyword, and procedural recall streams.
type Retriever struct {
	store    Store
	embedder Embedder
	cfg      Config
	logger   *zap.Logger
}

func New(st Store, emb Embedder, cfg Config, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StreamTopK <= 0 {
		cfg.StreamTopK = 10
	}
	if cfg.KeywordAlpha <= 0 {
		cfg.KeywordAlpha = 0.7
	}
	if cfg.WorkflowBias <= 0 {
		cfg.WorkflowBias = 1.25
	}
	if cfg.HistoryFallbackRounds <= 0 {
		cfg.HistoryFallbackRounds = 5
	}
	return &Retriever{store: st, embedder: emb, cfg: cfg, logger: logger}
}

// Retrieve embeds the query, runs the enabled streams, and returns the fused
// list in descending score order, deduplicated by content hash and capped at
// q.TopK. Ties break on recency.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Item, error) {
	if q.TopK <= 0 {
		q.TopK = 5
	}
	vec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	var items []Item
	if q.IncludeChunks {
		chunks, err := r.chunkStream(ctx, q, vec)
		if err != nil {
			return nil, err
		}
		items = append(items, chunks...)
	}
	if q.IncludeFacts && q.SessionID != "" {
		facts, err := r.factStream(ctx, q, vec)
		if err != nil {
			return nil, err
		}
		items = append(items, facts...)
	}
	if q.IncludeWorkflows {
		wfs, err := r.workflowStream(ctx, q, vec)
		if err != nil {
			return nil, err
		}
		items = append(items, wfs...)
		lessons, err := r.lessonStream(ctx, q, vec)
		if err != nil {
			return nil, err
		}
		items = append(items, lessons...)
	}

	fused := fuse(items, q.TopK)
	metrics.RetrievalQueries.WithLabelValues("fused", "ok").Inc()
	metrics.RetrievalItems.WithLabelValues("fused").Observe(float64(len(fused)))
	return fused, nil
}

// chunkStream searches the global corpus and, when the session has its own
// chunks, the session-scoped corpus as well, so session recall never shadows
// ingested documents. Falls back to unranked top chunks, then to
// pseudo-chunks built from recent conversation.
func (r *Retriever) chunkStream(ctx context.Context, q Query, vec []float32) ([]Item, error) {
	chunks, err := r.store.SearchChunks(ctx, vec, r.cfg.StreamTopK, "")
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	if q.PreferSession && q.SessionID != "" {
		n, err := r.store.CountSessionChunks(ctx, q.SessionID)
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		if n > 0 {
			// The extra scoped search keeps the session represented even when
			// the global top-k is saturated by other documents; fusion dedups
			// the overlap by content hash.
			sess, err := r.store.SearchChunks(ctx, vec, r.cfg.StreamTopK, store.SessionSource(q.SessionID))
			if err != nil {
				return nil, fmt.Errorf("retrieval: %w", err)
			}
			chunks = append(chunks, sess...)
		}
	}
	if len(chunks) == 0 {
		chunks, err = r.store.TopChunks(ctx, r.cfg.StreamTopK, "")
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
	}
	if len(chunks) == 0 && q.SessionID != "" {
		return r.historyPseudoChunks(ctx, q.SessionID)
	}

	out := make([]Item, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, Item{
			Kind: KindChunk, Content: c.Content, Score: c.Score,
			Origin: c.DocumentSource, CreatedAt: c.CreatedAt,
		})
	}
	return out, nil
}

// historyPseudoChunks turns recent turns into zero-scored recall items so an
// empty corpus still yields something grounded in the session.
func (r *Retriever) historyPseudoChunks(ctx context.Context, sessionID string) ([]Item, error) {
	turns, err := r.store.History(ctx, sessionID, r.cfg.HistoryFallbackRounds)
	if err != nil {
		return nil, fmt.Errorf("retrieval: history fallback: %w", err)
	}
	out := make([]Item, 0, len(turns))
	for _, t := range turns {
		out = append(out, Item{
			Kind: KindChunk, Content: t.Speaker + ": " + t.Content, Score: 0,
			Origin: store.SessionSource(sessionID), CreatedAt: t.Timestamp,
		})
	}
	return out, nil
}

// factStream merges the vector and keyword fact queries per fact, keeping
// score = max(vector, alpha * keyword).
func (r *Retriever) factStream(ctx context.Context, q Query, vec []float32) ([]Item, error) {
	byVec, err := r.store.SearchFacts(ctx, q.SessionID, vec, r.cfg.StreamTopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	byKw, err := r.store.FactsByKeywords(ctx, q.SessionID, Keywords(q.Text), r.cfg.StreamTopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	merged := make(map[string]Item, len(byVec)+len(byKw))
	for _, f := range byVec {
		merged[f.FactID] = Item{
			Kind: KindFact, Content: f.Content, Score: f.Score,
			Origin: f.Type, CreatedAt: f.CreatedAt,
		}
	}
	for _, f := range byKw {
		kwScore := r.cfg.KeywordAlpha * f.Score
		if prev, ok := merged[f.FactID]; ok {
			if kwScore > prev.Score {
				prev.Score = kwScore
				merged[f.FactID] = prev
			}
			continue
		}
		merged[f.FactID] = Item{
			Kind: KindFact, Content: f.Content, Score: kwScore,
			Origin: f.Type, CreatedAt: f.CreatedAt,
		}
	}

	out := make([]Item, 0, len(merged))
	for _, it := range merged {
		out = append(out, it)
	}
	return out, nil
}

func (r *Retriever) workflowStream(ctx context.Context, q Query, vec []float32) ([]Item, error) {
	wfs, err := r.store.SearchWorkflows(ctx, vec, r.cfg.StreamTopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	bias := 1.0
	if q.BiasWorkflows {
		bias = r.cfg.WorkflowBias
	}
	out := make([]Item, 0, len(wfs))
	for i := range wfs {
		w := wfs[i].Workflow
		out = append(out, Item{
			Kind: KindWorkflow, Content: w.Plan.Goal, Score: wfs[i].Score * bias,
			Origin: w.WorkflowID, CreatedAt: w.UpdatedAt, Workflow: &w,
		})
	}
	return out, nil
}

// lessonStream surfaces step outcomes alongside workflows in procedural
// recall, with the same bias.
func (r *Retriever) lessonStream(ctx context.Context, q Query, vec []float32) ([]Item, error) {
	lessons, err := r.store.SearchLessons(ctx, vec, r.cfg.StreamTopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	bias := 1.0
	if q.BiasWorkflows {
		bias = r.cfg.WorkflowBias
	}
	out := make([]Item, 0, len(lessons))
	for _, l := range lessons {
		out = append(out, Item{
			Kind: KindLesson, Content: lessonContent(l.Lesson), Score: l.Score * bias,
			Origin: l.LessonID, CreatedAt: l.CreatedAt,
		})
	}
	return out, nil
}

func lessonContent(l store.Lesson) string {
	detail := l.FixSummary
	if detail == "" {
		detail = l.Error
	}
	content := fmt.Sprintf("[%s] %s (%s)", l.Status, l.GoalText, l.Agent)
	if detail != "" {
		content += ": " + detail
	}
	return content
}

// fuse orders all streams by descending score with recency tie-break, then
// drops content-hash duplicates and caps the result. The final content
// tie-break keeps the order independent of map iteration in the fact merge.
func fuse(items []Item, topK int) []Item {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Content < items[j].Content
	})
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, topK)
	for _, it := range items {
		h := embeddings.ContentHash(it.Content)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, it)
		if len(out) == topK {
			break
		}
	}
	return out
}
