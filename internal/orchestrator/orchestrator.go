// Package orchestrator handles complex-task requests end to end: workflow
// reuse lookup, planning, sequential step execution with parameter repair,
// and distillation of successful plans into procedural memory.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/agents"
	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/store"
	"github.com/memfuse/memfuse/internal/tokens"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	SearchWorkflows(ctx context.Context, vec []float32, topK int) ([]store.ScoredWorkflow, error)
	BumpWorkflowUsage(ctx context.Context, workflowID string) error
	InsertWorkflow(ctx context.Context, w *store.Workflow) error
	UpdateWorkflowPlan(ctx context.Context, workflowID string, plan store.WorkflowPlan) error
	InsertLesson(ctx context.Context, l *store.Lesson) error
	SearchLessons(ctx context.Context, vec []float32, topK int) ([]store.ScoredLesson, error)
	AcquireAdvisoryLock(ctx context.Context, key int64) (func(), error)
}

// Embedder embeds goals for reuse lookup and distillation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the task path.
type Config struct {
	ReuseThreshold float64 // min similarity for fast-path reuse
	DistillSim     float64 // cluster threshold for workflow upsert
	ProceduralTopK int
	StepRetries    int
	TaskTimeout    time.Duration
	M3Enabled      bool
}

// Service runs the task state machine.
type Service struct {
	store    Store
	embedder Embedder
	llm      llm.Provider
	registry *agents.Registry
	counter  *tokens.Counter
	cfg      Config
	logger   *zap.Logger
}

func New(st Store, emb Embedder, provider llm.Provider, reg *agents.Registry,
	counter *tokens.Counter, cfg Config, logger *zap.Logger) *Service {

	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReuseThreshold <= 0 {
		cfg.ReuseThreshold = 0.9
	}
	if cfg.DistillSim <= 0 {
		cfg.DistillSim = 0.97
	}
	if cfg.ProceduralTopK <= 0 {
		cfg.ProceduralTopK = 3
	}
	if cfg.StepRetries <= 0 {
		cfg.StepRetries = 2
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	return &Service{
		store: st, embedder: emb, llm: provider, registry: reg,
		counter: counter, cfg: cfg, logger: logger,
	}
}

// TaskResult is what the task path returns to the router.
type TaskResult struct {
	Output string
	// Path is "fast_path" or "planned".
	Path string
	// WorkflowID is set when a stored workflow was reused or distilled.
	WorkflowID string
	Steps      int
}
