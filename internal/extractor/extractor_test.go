package extractor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/store"
	"github.com/memfuse/memfuse/internal/tokens"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

type fakeCompleter struct {
	result extractionResult
	err    error
	calls  int
}

func (f *fakeCompleter) CompleteJSON(_ context.Context, _ []llm.Message, out interface{}, _ llm.Params) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	*(out.(*extractionResult)) = f.result
	return nil
}

type fakeStore struct {
	pending   []store.PendingRound
	rounds    map[int][]store.Turn
	existing  []store.ScoredFact
	exact     map[string]bool
	inserted  []store.Fact
	extracted []int
	attempts  int
	lessons   []store.Lesson
}

func (f *fakeStore) PendingSessions(_ context.Context, _ int) ([]string, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	return []string{f.pending[0].SessionID}, nil
}

func (f *fakeStore) PendingRounds(_ context.Context, _ string) ([]store.PendingRound, error) {
	return f.pending, nil
}

func (f *fakeStore) Round(_ context.Context, _ string, roundID int) ([]store.Turn, error) {
	return f.rounds[roundID], nil
}

func (f *fakeStore) MarkRoundsExtracted(_ context.Context, _ string, roundIDs []int) error {
	f.extracted = append(f.extracted, roundIDs...)
	return nil
}

func (f *fakeStore) BumpRoundAttempts(_ context.Context, _ string, _ []int) error {
	f.attempts++
	return nil
}

func (f *fakeStore) FactExists(_ context.Context, _, factType, content string) (bool, error) {
	return f.exact[factType+"|"+content], nil
}

func (f *fakeStore) SearchFacts(_ context.Context, _ string, _ []float32, _ int) ([]store.ScoredFact, error) {
	return f.existing, nil
}

func (f *fakeStore) FactsByKeywords(_ context.Context, _ string, _ []string, _ int) ([]store.ScoredFact, error) {
	return nil, nil
}

func (f *fakeStore) SearchChunks(_ context.Context, _ []float32, _ int, _ string) ([]store.ScoredChunk, error) {
	return nil, nil
}

func (f *fakeStore) InsertFacts(_ context.Context, facts []store.Fact) (int, error) {
	f.inserted = append(f.inserted, facts...)
	return len(facts), nil
}

func (f *fakeStore) InsertLesson(_ context.Context, l *store.Lesson) error {
	f.lessons = append(f.lessons, *l)
	return nil
}

func (f *fakeStore) QueueDepth(_ context.Context) (int, error) { return len(f.pending), nil }

func newService(t *testing.T, fs *fakeStore, fc *fakeCompleter, fe *fakeEmbedder, cfg Config) *Service {
	t.Helper()
	counter, err := tokens.Default()
	require.NoError(t, err)
	if fe == nil {
		fe = &fakeEmbedder{}
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	return New(fs, fe, fc, counter, cfg, zap.NewNop())
}

func pendingRound(session string, round, attempts int) store.PendingRound {
	return store.PendingRound{SessionID: session, RoundID: round, Status: "pending", Attempts: attempts}
}

func TestBelowThresholdsStaysQueued(t *testing.T) {
	fs := &fakeStore{
		pending: []store.PendingRound{pendingRound("s", 1, 0)},
		rounds: map[int][]store.Turn{
			1: {{Speaker: store.SpeakerUser, Content: "hi"}, {Speaker: store.SpeakerAssistant, Content: "hello"}},
		},
	}
	fc := &fakeCompleter{}
	svc := newService(t, fs, fc, nil, Config{TriggerTokensSingle: 100, TriggerTokensBatch: 1000})

	require.NoError(t, svc.ExtractSession(context.Background(), "s"))
	assert.Zero(t, fc.calls)
	assert.Empty(t, fs.extracted)
}

func TestLargeRoundTriggersImmediately(t *testing.T) {
	fs := &fakeStore{
		pending: []store.PendingRound{pendingRound("s", 1, 0)},
		rounds: map[int][]store.Turn{
			1: {{Speaker: store.SpeakerUser, Content: strings.Repeat("word ", 200)}},
		},
	}
	fc := &fakeCompleter{result: extractionResult{Items: []candidate{
		{Type: store.FactTypeDecision, Content: "deploy on friday", Confidence: 0.8},
	}}}
	svc := newService(t, fs, fc, nil, Config{TriggerTokensSingle: 50, TriggerTokensBatch: 10000})

	require.NoError(t, svc.ExtractSession(context.Background(), "s"))
	assert.Equal(t, 1, fc.calls)
	require.Len(t, fs.inserted, 1)
	assert.Equal(t, "deploy on friday", fs.inserted[0].Content)
	assert.Equal(t, []int{1}, fs.extracted)
}

func TestBatchTriggerAccumulatesRounds(t *testing.T) {
	turn := func(s string) []store.Turn {
		return []store.Turn{{Speaker: store.SpeakerUser, Content: s}}
	}
	fs := &fakeStore{
		pending: []store.PendingRound{pendingRound("s", 1, 0), pendingRound("s", 2, 0)},
		rounds: map[int][]store.Turn{
			1: turn(strings.Repeat("alpha ", 30)),
			2: turn(strings.Repeat("beta ", 30)),
		},
	}
	fc := &fakeCompleter{result: extractionResult{Items: nil}}
	svc := newService(t, fs, fc, nil, Config{TriggerTokensSingle: 10000, TriggerTokensBatch: 40})

	require.NoError(t, svc.ExtractSession(context.Background(), "s"))
	assert.Equal(t, 1, fc.calls)
	assert.ElementsMatch(t, []int{1, 2}, fs.extracted)
}

func TestExactDuplicateSkipped(t *testing.T) {
	fs := &fakeStore{
		pending: []store.PendingRound{pendingRound("s", 1, 0)},
		rounds: map[int][]store.Turn{
			1: {{Speaker: store.SpeakerUser, Content: strings.Repeat("x ", 100)}},
		},
		exact: map[string]bool{store.FactTypeFact + "|" + "the sky is blue": true},
	}
	fc := &fakeCompleter{result: extractionResult{Items: []candidate{
		{Type: store.FactTypeFact, Content: "the sky is blue", Confidence: 0.9},
	}}}
	svc := newService(t, fs, fc, nil, Config{TriggerTokensSingle: 50})

	require.NoError(t, svc.ExtractSession(context.Background(), "s"))
	assert.Empty(t, fs.inserted)
	assert.Equal(t, []int{1}, fs.extracted)
}

func TestNearDuplicateSkipped(t *testing.T) {
	fs := &fakeStore{
		pending: []store.PendingRound{pendingRound("s", 1, 0)},
		rounds: map[int][]store.Turn{
			1: {{Speaker: store.SpeakerUser, Content: strings.Repeat("x ", 100)}},
		},
		existing: []store.ScoredFact{{
			Fact: store.Fact{
				FactID: "old", Type: store.FactTypeFact, Content: "sky is blue",
				Embedding: pgvector.NewVector([]float32{1, 0, 0}),
			},
		}},
	}
	fc := &fakeCompleter{result: extractionResult{Items: []candidate{
		{Type: store.FactTypeFact, Content: "the sky is blue", Confidence: 0.9},
	}}}
	// The fake embedder returns [1,0,0] for everything: similarity 1.0.
	svc := newService(t, fs, fc, nil, Config{TriggerTokensSingle: 50, DedupSimThreshold: 0.95})

	require.NoError(t, svc.ExtractSession(context.Background(), "s"))
	assert.Empty(t, fs.inserted)
}

func TestContradictionLinksWithoutDeleting(t *testing.T) {
	fe := &fakeEmbedder{vectors: map[string][]float32{
		"the deadline is tuesday": {0.95, 0.3122499, 0}, // cos ~0.95 vs [1,0,0]
	}}
	fs := &fakeStore{
		pending: []store.PendingRound{pendingRound("s", 1, 0)},
		rounds: map[int][]store.Turn{
			1: {{Speaker: store.SpeakerUser, Content: strings.Repeat("x ", 100)}},
		},
		existing: []store.ScoredFact{{
			Fact: store.Fact{
				FactID: "old-fact", Type: store.FactTypeDecision, Content: "the deadline is friday",
				Embedding: pgvector.NewVector([]float32{1, 0, 0}),
			},
		}},
	}
	fc := &fakeCompleter{result: extractionResult{Items: []candidate{
		{Type: store.FactTypeDecision, Content: "the deadline is tuesday",
			Contradicts: "the deadline is friday", Confidence: 0.9},
	}}}
	svc := newService(t, fs, fc, fe, Config{
		TriggerTokensSingle: 50, DedupSimThreshold: 0.99, ContradictionSim: 0.88,
	})

	require.NoError(t, svc.ExtractSession(context.Background(), "s"))
	require.Len(t, fs.inserted, 1)
	assert.Equal(t, "old-fact", fs.inserted[0].Relations.Contradicts)
}

func TestMECEKeepsHighestConfidence(t *testing.T) {
	fs := &fakeStore{
		pending: []store.PendingRound{pendingRound("s", 1, 0)},
		rounds: map[int][]store.Turn{
			1: {{Speaker: store.SpeakerUser, Content: strings.Repeat("x ", 100)}},
		},
	}
	// Both candidates embed to the same vector, so they cluster.
	fc := &fakeCompleter{result: extractionResult{Items: []candidate{
		{Type: store.FactTypeFact, Content: "user prefers dark mode", Confidence: 0.6},
		{Type: store.FactTypeFact, Content: "the user likes dark mode", Confidence: 0.9},
	}}}
	svc := newService(t, fs, fc, nil, Config{TriggerTokensSingle: 50, DedupSimThreshold: 0.95})

	require.NoError(t, svc.ExtractSession(context.Background(), "s"))
	require.Len(t, fs.inserted, 1)
	assert.Equal(t, "the user likes dark mode", fs.inserted[0].Content)
}

func TestGiveUpRecordsLesson(t *testing.T) {
	fs := &fakeStore{
		pending: []store.PendingRound{pendingRound("s", 1, 2)},
		rounds: map[int][]store.Turn{
			1: {{Speaker: store.SpeakerUser, Content: strings.Repeat("x ", 100)}},
		},
	}
	fc := &fakeCompleter{err: errors.New("model unavailable")}
	svc := newService(t, fs, fc, nil, Config{TriggerTokensSingle: 50, MaxAttempts: 3})

	require.NoError(t, svc.ExtractSession(context.Background(), "s"))
	require.Len(t, fs.lessons, 1)
	assert.Equal(t, store.LessonFail, fs.lessons[0].Status)
	assert.Equal(t, "extractor", fs.lessons[0].Agent)
	// Abandoned rounds leave the queue so the session cannot wedge.
	assert.Equal(t, []int{1}, fs.extracted)
}

func TestRetryableFailureBumpsAttempts(t *testing.T) {
	fs := &fakeStore{
		pending: []store.PendingRound{pendingRound("s", 1, 0)},
		rounds: map[int][]store.Turn{
			1: {{Speaker: store.SpeakerUser, Content: strings.Repeat("x ", 100)}},
		},
	}
	fc := &fakeCompleter{err: errors.New("transient")}
	svc := newService(t, fs, fc, nil, Config{TriggerTokensSingle: 50, MaxAttempts: 3})

	err := svc.ExtractSession(context.Background(), "s")
	assert.Error(t, err)
	assert.Equal(t, 1, fs.attempts)
	assert.Empty(t, fs.extracted)
	assert.Empty(t, fs.lessons)
}

func TestSanitize(t *testing.T) {
	out := sanitize([]candidate{
		{Type: "Bogus", Content: "something", Confidence: 2},
		{Type: store.FactTypeFact, Content: "  "},
	})
	require.Len(t, out, 1)
	assert.Equal(t, store.FactTypeFact, out[0].Type)
	assert.Equal(t, 0.5, out[0].Confidence)
}
