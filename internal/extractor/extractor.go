// Package extractor turns completed conversation rounds into structured
// facts asynchronously. Work is queued durably in the store; a small worker
// pool drains it without ever blocking user traffic.
package extractor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/metrics"
	"github.com/memfuse/memfuse/internal/store"
	"github.com/memfuse/memfuse/internal/tokens"
)

// Store is the persistence surface the extractor needs.
type Store interface {
	PendingSessions(ctx context.Context, limit int) ([]string, error)
	PendingRounds(ctx context.Context, sessionID string) ([]store.PendingRound, error)
	Round(ctx context.Context, sessionID string, roundID int) ([]store.Turn, error)
	MarkRoundsExtracted(ctx context.Context, sessionID string, roundIDs []int) error
	BumpRoundAttempts(ctx context.Context, sessionID string, roundIDs []int) error
	FactExists(ctx context.Context, sessionID, factType, content string) (bool, error)
	SearchFacts(ctx context.Context, sessionID string, vec []float32, topK int) ([]store.ScoredFact, error)
	FactsByKeywords(ctx context.Context, sessionID string, keywords []string, topK int) ([]store.ScoredFact, error)
	SearchChunks(ctx context.Context, vec []float32, topK int, source string) ([]store.ScoredChunk, error)
	InsertFacts(ctx context.Context, facts []store.Fact) (int, error)
	InsertLesson(ctx context.Context, l *store.Lesson) error
	QueueDepth(ctx context.Context) (int, error)
}

// Embedder embeds candidate facts and round text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// JSONCompleter is the structured-output slice of the LLM provider.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, messages []llm.Message, out interface{}, p llm.Params) error
}

// Config tunes the extraction pipeline.
type Config struct {
	Workers             int
	PollInterval        time.Duration
	TriggerTokensSingle int
	TriggerTokensBatch  int
	DedupSimThreshold   float64
	ContradictionSim    float64
	DedupTopK           int
	MaxAttempts         int
	Backoff             time.Duration
}

// Service drains the extraction queue.
type Service struct {
	store    Store
	embedder Embedder
	llm      JSONCompleter
	counter  *tokens.Counter
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	busy   map[string]struct{} // sessions currently being extracted
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(st Store, emb Embedder, completer JSONCompleter, counter *tokens.Counter, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TriggerTokensSingle <= 0 {
		cfg.TriggerTokensSingle = 512
	}
	if cfg.TriggerTokensBatch <= 0 {
		cfg.TriggerTokensBatch = 2048
	}
	if cfg.DedupSimThreshold <= 0 {
		cfg.DedupSimThreshold = 0.95
	}
	if cfg.ContradictionSim <= 0 {
		cfg.ContradictionSim = 0.88
	}
	if cfg.DedupTopK <= 0 {
		cfg.DedupTopK = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Service{
		store: st, embedder: emb, llm: completer, counter: counter,
		cfg: cfg, logger: logger, busy: make(map[string]struct{}),
	}
}

// Start launches the worker pool. Stop drains in-flight jobs.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.reportDepth(ctx)
}

// Stop cancels polling and waits for running jobs to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce claims at most one ready session and extracts it.
func (s *Service) pollOnce(ctx context.Context) {
	sessions, err := s.store.PendingSessions(ctx, 8)
	if err != nil {
		s.logger.Warn("Listing pending sessions failed", zap.Error(err))
		return
	}
	for _, sessionID := range sessions {
		if !s.claim(sessionID) {
			continue
		}
		func() {
			defer s.release(sessionID)
			if err := s.ExtractSession(ctx, sessionID); err != nil {
				s.logger.Warn("Extraction failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}()
		return
	}
}

// claim gives each session at most one concurrent extraction.
func (s *Service) claim(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, inFlight := s.busy[sessionID]; inFlight {
		return false
	}
	s.busy[sessionID] = struct{}{}
	return true
}

func (s *Service) release(sessionID string) {
	s.mu.Lock()
	delete(s.busy, sessionID)
	s.mu.Unlock()
}

func (s *Service) reportDepth(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.QueueDepth(ctx); err == nil {
				metrics.ExtractorQueueDepth.Set(float64(n))
			}
		}
	}
}
