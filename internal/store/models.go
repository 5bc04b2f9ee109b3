package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Speaker values for conversation turns.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Fact types recognized in structured memory.
const (
	FactTypeFact           = "Fact"
	FactTypeDecision       = "Decision"
	FactTypeAssumption     = "Assumption"
	FactTypeUserPreference = "UserPreference"
)

// Turn is one episodic conversation message (M1).
type Turn struct {
	SessionID string    `db:"session_id"`
	RoundID   int       `db:"round_id"`
	Speaker   string    `db:"speaker"`
	Content   string    `db:"content"`
	Timestamp time.Time `db:"timestamp"`
}

// Chunk is one embedded document slice (M1).
type Chunk struct {
	ChunkID        string          `db:"chunk_id"`
	DocumentSource string          `db:"document_source"`
	Content        string          `db:"content"`
	ContentHash    string          `db:"content_hash"`
	Embedding      pgvector.Vector `db:"embedding"`
	CreatedAt      time.Time       `db:"created_at"`
}

// FactRelations holds the recognized relation keys of a fact.
type FactRelations struct {
	BasedOn     []string `json:"based_on,omitempty"`
	Contradicts string   `json:"contradicts,omitempty"`
	Supports    []string `json:"supports,omitempty"`
}

func (r FactRelations) Value() (driver.Value, error) { return json.Marshal(r) }

func (r *FactRelations) Scan(src interface{}) error { return scanJSON(src, r) }

// JSONMap is a free-form jsonb column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src interface{}) error { return scanJSON(src, m) }

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("store: cannot scan %T into JSON column", src)
	}
}

// Fact is one structured memory item (M2).
type Fact struct {
	FactID        string          `db:"fact_id"`
	SessionID     string          `db:"session_id"`
	SourceRoundID int             `db:"source_round_id"`
	Type          string          `db:"type"`
	Content       string          `db:"content"`
	Relations     FactRelations   `db:"relations"`
	Metadata      JSONMap         `db:"metadata"`
	Embedding     pgvector.Vector `db:"embedding"`
	CreatedAt     time.Time       `db:"created_at"`
}

// Confidence returns the metadata confidence in [0,1], defaulting to 0.5.
func (f *Fact) Confidence() float64 {
	if f.Metadata != nil {
		if c, ok := f.Metadata["confidence"].(float64); ok && c >= 0 && c <= 1 {
			return c
		}
	}
	return 0.5
}

// WorkflowStep is one step of a stored plan template. Params values may be
// slot placeholders ({{goal}}, {{step_N.output}}) substituted at reuse time.
type WorkflowStep struct {
	Agent  string                 `json:"agent"`
	Params map[string]interface{} `json:"params"`
}

// WorkflowPlan is the distilled, reusable plan template.
type WorkflowPlan struct {
	Goal       string         `json:"goal"`
	Steps      []WorkflowStep `json:"steps"`
	ResultKeys []string       `json:"result_keys,omitempty"`
}

func (p WorkflowPlan) Value() (driver.Value, error) { return json.Marshal(p) }

func (p *WorkflowPlan) Scan(src interface{}) error { return scanJSON(src, p) }

// Workflow is one procedural memory row (M3).
type Workflow struct {
	WorkflowID       string          `db:"workflow_id"`
	TriggerEmbedding pgvector.Vector `db:"trigger_embedding"`
	TriggerPattern   string          `db:"trigger_pattern"`
	Plan             WorkflowPlan    `db:"successful_workflow"`
	UsageCount       int             `db:"usage_count"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// Lesson statuses.
const (
	LessonSuccess = "success"
	LessonFail    = "fail"
)

// Lesson records one step-level outcome attached to M3.
type Lesson struct {
	LessonID         string          `db:"lesson_id"`
	TriggerEmbedding pgvector.Vector `db:"trigger_embedding"`
	GoalText         string          `db:"goal_text"`
	Agent            string          `db:"agent"`
	Status           string          `db:"status"`
	Error            string          `db:"error"`
	FixSummary       string          `db:"fix_summary"`
	WorkingParams    JSONMap         `db:"working_params"`
	CreatedAt        time.Time       `db:"created_at"`
}

// PendingRound is one extraction queue entry.
type PendingRound struct {
	SessionID string    `db:"session_id"`
	RoundID   int       `db:"round_id"`
	Status    string    `db:"status"`
	Attempts  int       `db:"attempts"`
	CreatedAt time.Time `db:"created_at"`
}

// ScoredChunk is a chunk similarity result.
type ScoredChunk struct {
	Content        string    `db:"content"`
	DocumentSource string    `db:"document_source"`
	Score          float64   `db:"score"`
	CreatedAt      time.Time `db:"created_at"`
}

// ScoredFact is a fact similarity result.
type ScoredFact struct {
	Fact
	Score float64 `db:"score"`
}

// ScoredWorkflow is a workflow similarity result.
type ScoredWorkflow struct {
	Workflow
	Score float64 `db:"score"`
}

// ScoredLesson is a lesson similarity result.
type ScoredLesson struct {
	Lesson
	Score float64 `db:"score"`
}
