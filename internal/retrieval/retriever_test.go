package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/store"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeStore struct {
	chunks        []store.ScoredChunk
	chunksBySrc   map[string][]store.ScoredChunk
	topChunks     []store.ScoredChunk
	sessionChunks int
	facts         []store.ScoredFact
	kwFacts       []store.ScoredFact
	workflows     []store.ScoredWorkflow
	lessons       []store.ScoredLesson
	history       []store.Turn

	chunkSources []string
}

func (f *fakeStore) SearchChunks(_ context.Context, _ []float32, _ int, source string) ([]store.ScoredChunk, error) {
	f.chunkSources = append(f.chunkSources, source)
	if f.chunksBySrc != nil {
		return f.chunksBySrc[source], nil
	}
	return f.chunks, nil
}

func (f *fakeStore) TopChunks(_ context.Context, _ int, _ string) ([]store.ScoredChunk, error) {
	return f.topChunks, nil
}

func (f *fakeStore) CountSessionChunks(_ context.Context, _ string) (int, error) {
	return f.sessionChunks, nil
}

func (f *fakeStore) SearchFacts(_ context.Context, _ string, _ []float32, _ int) ([]store.ScoredFact, error) {
	return f.facts, nil
}

func (f *fakeStore) FactsByKeywords(_ context.Context, _ string, _ []string, _ int) ([]store.ScoredFact, error) {
	return f.kwFacts, nil
}

func (f *fakeStore) SearchWorkflows(_ context.Context, _ []float32, _ int) ([]store.ScoredWorkflow, error) {
	return f.workflows, nil
}

func (f *fakeStore) SearchLessons(_ context.Context, _ []float32, _ int) ([]store.ScoredLesson, error) {
	return f.lessons, nil
}

func (f *fakeStore) History(_ context.Context, _ string, _ int) ([]store.Turn, error) {
	return f.history, nil
}

func scoredFact(id, content string, score float64) store.ScoredFact {
	return store.ScoredFact{
		Fact:  store.Fact{FactID: id, Type: store.FactTypeFact, Content: content},
		Score: score,
	}
}

func TestRetrieveFusesByDescendingScore(t *testing.T) {
	fs := &fakeStore{
		chunks: []store.ScoredChunk{
			{Content: "chunk low", Score: 0.3},
			{Content: "chunk high", Score: 0.9},
		},
		facts: []store.ScoredFact{scoredFact("f1", "fact mid", 0.6)},
	}
	r := New(fs, fakeEmbedder{}, Config{}, zap.NewNop())

	items, err := r.Retrieve(context.Background(), Query{
		Text: "anything", SessionID: "s", TopK: 10,
		IncludeChunks: true, IncludeFacts: true,
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "chunk high", items[0].Content)
	assert.Equal(t, "fact mid", items[1].Content)
	assert.Equal(t, "chunk low", items[2].Content)
}

func TestRetrieveIsDeterministic(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		chunks: []store.ScoredChunk{
			{Content: "a", Score: 0.5, CreatedAt: now.Add(-time.Hour)},
			{Content: "b", Score: 0.5, CreatedAt: now}, // same score, newer wins
		},
	}
	r := New(fs, fakeEmbedder{}, Config{}, zap.NewNop())
	q := Query{Text: "x", TopK: 5, IncludeChunks: true}

	first, err := r.Retrieve(context.Background(), q)
	require.NoError(t, err)
	second, err := r.Retrieve(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "b", first[0].Content)
}

func TestRetrieveDedupsByContent(t *testing.T) {
	fs := &fakeStore{
		chunks: []store.ScoredChunk{
			{Content: "same text", Score: 0.9},
			{Content: "same text", Score: 0.4},
		},
	}
	r := New(fs, fakeEmbedder{}, Config{}, zap.NewNop())
	items, err := r.Retrieve(context.Background(), Query{Text: "x", TopK: 5, IncludeChunks: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0.9, items[0].Score)
}

func TestFactStreamsMergeWithKeywordAlpha(t *testing.T) {
	fs := &fakeStore{
		facts:   []store.ScoredFact{scoredFact("f1", "vector wins", 0.8)},
		kwFacts: []store.ScoredFact{scoredFact("f1", "vector wins", 1.0), scoredFact("f2", "keyword only", 1.0)},
	}
	r := New(fs, fakeEmbedder{}, Config{KeywordAlpha: 0.7}, zap.NewNop())
	items, err := r.Retrieve(context.Background(), Query{
		Text: "deploy target", SessionID: "s", TopK: 5, IncludeFacts: true,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	// max(0.8, 0.7*1.0) = 0.8 for f1; f2 scores 0.7.
	assert.Equal(t, "vector wins", items[0].Content)
	assert.Equal(t, 0.8, items[0].Score)
	assert.InDelta(t, 0.7, items[1].Score, 1e-9)
}

func TestSessionPreferredScoping(t *testing.T) {
	fs := &fakeStore{
		sessionChunks: 3,
		chunks:        []store.ScoredChunk{{Content: "c", Score: 0.5}},
	}
	r := New(fs, fakeEmbedder{}, Config{}, zap.NewNop())
	_, err := r.Retrieve(context.Background(), Query{
		Text: "x", SessionID: "sess-1", TopK: 5, IncludeChunks: true, PreferSession: true,
	})
	require.NoError(t, err)
	// Global and session-scoped searches both run.
	assert.Equal(t, []string{"", store.SessionSource("sess-1")}, fs.chunkSources)

	fs.chunkSources = nil
	fs.sessionChunks = 0
	_, err = r.Retrieve(context.Background(), Query{
		Text: "x", SessionID: "sess-1", TopK: 5, IncludeChunks: true, PreferSession: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{""}, fs.chunkSources)
}

func TestSessionChunksDoNotShadowGlobalCorpus(t *testing.T) {
	sessSrc := store.SessionSource("sess-1")
	seed := "Plan B was rejected because of cost overruns of 40%."
	fs := &fakeStore{
		sessionChunks: 25,
		chunksBySrc: map[string][]store.ScoredChunk{
			"":      {{Content: seed, Score: 0.9, DocumentSource: "seed"}},
			sessSrc: {{Content: "user: unrelated\nassistant: chatter", Score: 0.4, DocumentSource: sessSrc}},
		},
	}
	r := New(fs, fakeEmbedder{}, Config{}, zap.NewNop())

	items, err := r.Retrieve(context.Background(), Query{
		Text: "Why did we choose Plan B?", SessionID: "sess-1", TopK: 5,
		IncludeChunks: true, PreferSession: true,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	// The ingested document outranks session chatter even with a populated
	// session corpus.
	assert.Equal(t, seed, items[0].Content)
	assert.Equal(t, "seed", items[0].Origin)
}

func TestEmptyCorpusFallsBackToHistory(t *testing.T) {
	fs := &fakeStore{
		history: []store.Turn{
			{Speaker: store.SpeakerUser, Content: "what is the plan"},
			{Speaker: store.SpeakerAssistant, Content: "ship friday"},
		},
	}
	r := New(fs, fakeEmbedder{}, Config{}, zap.NewNop())
	items, err := r.Retrieve(context.Background(), Query{
		Text: "plan", SessionID: "s", TopK: 5, IncludeChunks: true,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "user: what is the plan", items[0].Content)
	assert.Equal(t, 0.0, items[0].Score)
}

func TestWorkflowBias(t *testing.T) {
	wf := store.ScoredWorkflow{
		Workflow: store.Workflow{
			WorkflowID: "wf-1",
			Plan:       store.WorkflowPlan{Goal: "summarize papers"},
		},
		Score: 0.8,
	}
	fs := &fakeStore{
		workflows: []store.ScoredWorkflow{wf},
		chunks:    []store.ScoredChunk{{Content: "chunk", Score: 0.9}},
	}
	r := New(fs, fakeEmbedder{}, Config{WorkflowBias: 1.25}, zap.NewNop())

	items, err := r.Retrieve(context.Background(), Query{
		Text: "x", TopK: 5, IncludeChunks: true, IncludeWorkflows: true, BiasWorkflows: true,
	})
	require.NoError(t, err)
	// 0.8 * 1.25 = 1.0 beats the 0.9 chunk.
	assert.Equal(t, KindWorkflow, items[0].Kind)
	assert.InDelta(t, 1.0, items[0].Score, 1e-9)
	require.NotNil(t, items[0].Workflow)
	assert.Equal(t, "wf-1", items[0].Workflow.WorkflowID)

	items, err = r.Retrieve(context.Background(), Query{
		Text: "x", TopK: 5, IncludeChunks: true, IncludeWorkflows: true,
	})
	require.NoError(t, err)
	assert.Equal(t, KindChunk, items[0].Kind)
}

func TestFusionTieBreakIsStable(t *testing.T) {
	// Keyword-only facts pass through a map merge; identical score and
	// timestamp must still come back in one fixed order.
	fs := &fakeStore{
		kwFacts: []store.ScoredFact{
			scoredFact("f1", "alpha fact", 1.0),
			scoredFact("f2", "beta fact", 1.0),
			scoredFact("f3", "gamma fact", 1.0),
		},
	}
	r := New(fs, fakeEmbedder{}, Config{}, zap.NewNop())
	q := Query{Text: "deploy", SessionID: "s", TopK: 5, IncludeFacts: true}

	first, err := r.Retrieve(context.Background(), q)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := r.Retrieve(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "alpha fact", first[0].Content)
}

func TestLessonStreamRidesProceduralRecall(t *testing.T) {
	fs := &fakeStore{
		lessons: []store.ScoredLesson{{
			Lesson: store.Lesson{
				LessonID: "l-1", GoalText: "research topic", Agent: "WebSearchAgent",
				Status: store.LessonFail, Error: "upstream timeout",
			},
			Score: 0.8,
		}},
		chunks: []store.ScoredChunk{{Content: "chunk", Score: 0.9}},
	}
	r := New(fs, fakeEmbedder{}, Config{WorkflowBias: 1.25}, zap.NewNop())

	items, err := r.Retrieve(context.Background(), Query{
		Text: "x", TopK: 5, IncludeChunks: true, IncludeWorkflows: true, BiasWorkflows: true,
	})
	require.NoError(t, err)
	// The bias applies to lessons just like workflows: 0.8 * 1.25 = 1.0.
	assert.Equal(t, KindLesson, items[0].Kind)
	assert.Equal(t, "l-1", items[0].Origin)
	assert.Contains(t, items[0].Content, "upstream timeout")

	items, err = r.Retrieve(context.Background(), Query{
		Text: "x", TopK: 5, IncludeChunks: true,
	})
	require.NoError(t, err)
	for _, it := range items {
		assert.NotEqual(t, KindLesson, it.Kind)
	}
}

func TestKeywords(t *testing.T) {
	kws := Keywords("What is the Deployment plan for api-gateway?")
	assert.Equal(t, []string{"deployment", "plan", "api-gateway"}, kws)
	assert.Empty(t, Keywords("is the of a"))
}
