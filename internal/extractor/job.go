package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/embeddings"
	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/metrics"
	"github.com/memfuse/memfuse/internal/retrieval"
	"github.com/memfuse/memfuse/internal/store"
)

// candidate is the structured-JSON schema the model fills in.
type candidate struct {
	Type        string  `json:"type"`
	Content     string  `json:"content"`
	Contradicts string  `json:"contradicts"`
	Confidence  float64 `json:"confidence"`
}

type extractionResult struct {
	Items []candidate `json:"items"`
}

var validTypes = map[string]struct{}{
	store.FactTypeFact:           {},
	store.FactTypeDecision:       {},
	store.FactTypeAssumption:     {},
	store.FactTypeUserPreference: {},
}

// ExtractSession checks the session's pending rounds against the trigger
// rules and, when one fires, runs the extraction job for the eligible batch.
// Sessions below both thresholds stay queued.
func (s *Service) ExtractSession(ctx context.Context, sessionID string) error {
	pending, err := s.store.PendingRounds(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	batch, attempts, err := s.selectBatch(ctx, sessionID, pending)
	if err != nil {
		return err
	}
	if len(batch.roundIDs) == 0 {
		return nil // below both trigger thresholds
	}

	if err := s.runJob(ctx, sessionID, batch); err != nil {
		metrics.ExtractorJobs.WithLabelValues("error").Inc()
		if bumpErr := s.store.BumpRoundAttempts(ctx, sessionID, batch.roundIDs); bumpErr != nil {
			s.logger.Warn("Bumping attempts failed", zap.Error(bumpErr))
		}
		if attempts+1 >= s.cfg.MaxAttempts {
			s.giveUp(ctx, sessionID, batch, err)
			return nil
		}
		// Exponential backoff before the rounds become eligible again is
		// approximated by the poll interval times the attempt count; the
		// queue itself carries no schedule.
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.Backoff * time.Duration(1<<attempts)):
		}
		return err
	}
	metrics.ExtractorJobs.WithLabelValues("ok").Inc()
	return s.store.MarkRoundsExtracted(ctx, sessionID, batch.roundIDs)
}

type roundBatch struct {
	roundIDs []int
	turns    []store.Turn
	text     string
}

// selectBatch applies the trigger rules: a single round over the immediate
// threshold goes alone; otherwise all pending rounds go together once their
// combined tokens pass the batch threshold.
func (s *Service) selectBatch(ctx context.Context, sessionID string, pending []store.PendingRound) (roundBatch, int, error) {
	var all roundBatch
	total := 0
	maxAttempts := 0
	for _, p := range pending {
		turns, err := s.store.Round(ctx, sessionID, p.RoundID)
		if err != nil {
			return roundBatch{}, 0, err
		}
		roundTokens := 0
		for _, t := range turns {
			roundTokens += s.counter.Count(t.Content)
		}
		if roundTokens >= s.cfg.TriggerTokensSingle {
			return roundBatch{
				roundIDs: []int{p.RoundID},
				turns:    turns,
				text:     renderTurns(turns),
			}, p.Attempts, nil
		}
		total += roundTokens
		all.roundIDs = append(all.roundIDs, p.RoundID)
		all.turns = append(all.turns, turns...)
		if p.Attempts > maxAttempts {
			maxAttempts = p.Attempts
		}
	}
	if total < s.cfg.TriggerTokensBatch {
		return roundBatch{}, 0, nil
	}
	all.text = renderTurns(all.turns)
	return all, maxAttempts, nil
}

func renderTurns(turns []store.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Speaker, t.Content)
	}
	return b.String()
}

// runJob extracts, filters, and persists facts for one batch.
func (s *Service) runJob(ctx context.Context, sessionID string, batch roundBatch) error {
	batchVec, err := s.embedder.Embed(ctx, batch.text)
	if err != nil {
		return fmt.Errorf("extractor: embed batch: %w", err)
	}

	related, err := s.relatedContext(ctx, sessionID, batch.text, batchVec)
	if err != nil {
		return err
	}

	var result extractionResult
	msgs := buildPrompt(batch.text, related)
	if err := s.llm.CompleteJSON(ctx, msgs, &result, llm.Params{Temperature: 0.1}); err != nil {
		return fmt.Errorf("extractor: completion: %w", err)
	}

	candidates := sanitize(result.Items)
	lastRound := batch.roundIDs[len(batch.roundIDs)-1]

	var survivors []store.Fact
	for _, cand := range candidates {
		fact, keep, err := s.screen(ctx, sessionID, lastRound, cand)
		if err != nil {
			return err
		}
		if keep {
			survivors = append(survivors, *fact)
		}
	}

	survivors = meceCluster(survivors, s.cfg.DedupSimThreshold)

	n, err := s.store.InsertFacts(ctx, survivors)
	if err != nil {
		return err
	}
	metrics.ExtractorFacts.WithLabelValues("inserted").Add(float64(n))
	s.logger.Info("Extraction complete",
		zap.String("session_id", sessionID),
		zap.Ints("rounds", batch.roundIDs),
		zap.Int("candidates", len(candidates)),
		zap.Int("inserted", n))
	return nil
}

// screen runs exact dedup, near-dedup, and contradiction detection on one
// candidate. Contradicted facts are linked, never deleted.
func (s *Service) screen(ctx context.Context, sessionID string, roundID int, cand candidate) (*store.Fact, bool, error) {
	exists, err := s.store.FactExists(ctx, sessionID, cand.Type, cand.Content)
	if err != nil {
		return nil, false, err
	}
	if exists {
		metrics.ExtractorFacts.WithLabelValues("dup").Inc()
		return nil, false, nil
	}

	vec, err := s.embedder.Embed(ctx, cand.Content)
	if err != nil {
		return nil, false, err
	}

	fact := &store.Fact{
		FactID:        uuid.New().String(),
		SessionID:     sessionID,
		SourceRoundID: roundID,
		Type:          cand.Type,
		Content:       cand.Content,
		Metadata:      store.JSONMap{"confidence": cand.Confidence},
		Embedding:     pgvector.NewVector(vec),
	}

	neighbors, err := s.store.SearchFacts(ctx, sessionID, vec, s.cfg.DedupTopK)
	if err != nil {
		return nil, false, err
	}
	for i := range neighbors {
		n := &neighbors[i]
		if n.Type != cand.Type {
			continue
		}
		sim := embeddings.Cosine(vec, n.Embedding.Slice())
		if sim >= s.cfg.DedupSimThreshold {
			metrics.ExtractorFacts.WithLabelValues("near_dup").Inc()
			s.logger.Debug("Near-duplicate fact skipped",
				zap.String("existing", n.FactID), zap.Float64("sim", sim))
			return nil, false, nil
		}
		if sim >= s.cfg.ContradictionSim && cand.Contradicts != "" {
			fact.Relations.Contradicts = n.FactID
			metrics.ExtractorFacts.WithLabelValues("contradiction").Inc()
			break
		}
	}
	return fact, true, nil
}

// relatedContext gathers session memory the prompt cites: keyword-matched
// facts and vector-matched chunks.
func (s *Service) relatedContext(ctx context.Context, sessionID, text string, vec []float32) (string, error) {
	facts, err := s.store.FactsByKeywords(ctx, sessionID, retrieval.Keywords(text), s.cfg.DedupTopK)
	if err != nil {
		return "", err
	}
	chunks, err := s.store.SearchChunks(ctx, vec, 5, store.SessionSource(sessionID))
	if err != nil {
		return "", err
	}
	if len(facts) == 0 && len(chunks) == 0 {
		return "", nil
	}
	var b strings.Builder
	if len(facts) > 0 {
		b.WriteString("Known facts in this session:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Type, f.Content)
		}
	}
	if len(chunks) > 0 {
		b.WriteString("Related context:\n")
		for _, c := range chunks {
			fmt.Fprintf(&b, "- %s\n", c.Content)
		}
	}
	return b.String(), nil
}

// sanitize drops malformed candidates and clamps confidence.
func sanitize(items []candidate) []candidate {
	out := items[:0]
	for _, it := range items {
		it.Content = strings.TrimSpace(it.Content)
		if it.Content == "" {
			continue
		}
		if _, ok := validTypes[it.Type]; !ok {
			it.Type = store.FactTypeFact
		}
		if it.Confidence <= 0 || it.Confidence > 1 {
			it.Confidence = 0.5
		}
		out = append(out, it)
	}
	return out
}

// meceCluster groups near-identical candidates within one batch and keeps the
// highest-confidence representative of each cluster.
func meceCluster(facts []store.Fact, simThreshold float64) []store.Fact {
	if len(facts) < 2 {
		return facts
	}
	kept := make([]store.Fact, 0, len(facts))
	for _, f := range facts {
		merged := false
		for i := range kept {
			if kept[i].Type != f.Type {
				continue
			}
			if embeddings.Cosine(f.Embedding.Slice(), kept[i].Embedding.Slice()) >= simThreshold {
				if f.Confidence() > kept[i].Confidence() {
					kept[i] = f
				}
				merged = true
				break
			}
		}
		if !merged {
			kept = append(kept, f)
		}
	}
	return kept
}

// giveUp records a lesson for a batch that exhausted its retries and removes
// it from the queue so it cannot wedge the session.
func (s *Service) giveUp(ctx context.Context, sessionID string, batch roundBatch, cause error) {
	metrics.ExtractorJobs.WithLabelValues("gave_up").Inc()
	s.logger.Error("Extraction abandoned after retries",
		zap.String("session_id", sessionID),
		zap.Ints("rounds", batch.roundIDs),
		zap.Error(cause))

	vec, err := s.embedder.Embed(ctx, batch.text)
	if err == nil {
		lesson := &store.Lesson{
			LessonID:         uuid.New().String(),
			TriggerEmbedding: pgvector.NewVector(vec),
			GoalText:         "extract structured facts from conversation",
			Agent:            "extractor",
			Status:           store.LessonFail,
			Error:            cause.Error(),
		}
		if lerr := s.store.InsertLesson(ctx, lesson); lerr != nil {
			s.logger.Warn("Recording lesson failed", zap.Error(lerr))
		}
	}
	if merr := s.store.MarkRoundsExtracted(ctx, sessionID, batch.roundIDs); merr != nil {
		s.logger.Warn("Dequeuing abandoned rounds failed", zap.Error(merr))
	}
}

const extractSystemPrompt = `You extract durable memory from conversation transcripts.
Return JSON: {"items": [{"type": "...", "content": "...", "contradicts": "", "confidence": 0.0}]}.
Valid types: Fact, Decision, Assumption, UserPreference.
Rules:
- Each item states one self-contained piece of information.
- Items must be mutually exclusive; do not restate the same information twice.
- Skip chit-chat, greetings, and transient details.
- Set "contradicts" to a short quote of any known fact the new item conflicts with, otherwise "".
- Confidence is your certainty the item is true and durable, between 0 and 1.`

func buildPrompt(transcript, related string) []llm.Message {
	user := "Transcript:\n" + transcript
	if related != "" {
		user = related + "\n" + user
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: extractSystemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}
