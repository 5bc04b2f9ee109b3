// Package embeddings wraps the external text-to-vector provider behind a
// two-tier cache (in-process LRU plus optional Redis) with per-hash
// coalescing so at most one remote embed is in flight per content hash.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/memfuse/memfuse/internal/metrics"
)

// Service provides embedding generation with caching and bounded retry.
type Service struct {
	cfg    Config
	http   *http.Client
	cache  Cache
	lru    *LocalLRU
	group  singleflight.Group
	logger *zap.Logger
}

// NewService creates an embedding service. cache may be nil.
func NewService(cfg Config, cache Cache, logger *zap.Logger) *Service {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Model == "" {
		c.Model = "jina-embeddings-v3"
	}
	if c.Dim == 0 {
		c.Dim = 1024
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Backoff == 0 {
		c.Backoff = 500 * time.Millisecond
	}
	return &Service{
		cfg:    c,
		http:   &http.Client{Timeout: c.Timeout},
		cache:  cache,
		lru:    NewLocalLRU(c.MaxLRU),
		logger: logger,
	}
}

// Dim returns the configured vector width.
func (s *Service) Dim() int { return s.cfg.Dim }

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed returns the vector for a single text. Concurrent callers for the
// same content hash share one remote request.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(s.cfg.Model, text)

	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.EmbeddingRequests.WithLabelValues("lru_hit").Inc()
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			metrics.EmbeddingRequests.WithLabelValues("cache_hit").Inc()
			return v, nil
		}
	}

	res, err, _ := s.group.Do(key, func() (interface{}, error) {
		vecs, err := s.callRemote(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		v := vecs[0]
		s.lru.Set(ctx, key, v, 30*time.Minute)
		if s.cache != nil {
			s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

// EmbedBatch embeds multiple texts in one remote call, serving cached
// entries locally.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		key := cacheKey(s.cfg.Model, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.EmbeddingRequests.WithLabelValues("lru_hit").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, 30*time.Minute)
				metrics.EmbeddingRequests.WithLabelValues("cache_hit").Inc()
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	vecs, err := s.callRemote(ctx, missing)
	if err != nil {
		return nil, err
	}
	for i, v := range vecs {
		idx := missingIdx[i]
		results[idx] = v
		key := cacheKey(s.cfg.Model, missing[i])
		s.lru.Set(ctx, key, v, 30*time.Minute)
		if s.cache != nil {
			s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

// callRemote performs the provider call with exponential backoff.
func (s *Service) callRemote(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	backoff := s.cfg.Backoff
	for attempt := 0; attempt < s.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		vecs, err := s.doRequest(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		s.logger.Warn("Embedding request failed",
			zap.Int("attempt", attempt+1),
			zap.Int("texts", len(texts)),
			zap.Error(err),
		)
	}
	metrics.EmbeddingRequests.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("embeddings: exhausted %d attempts: %w", s.cfg.Retries, lastErr)
}

func (s *Service) doRequest(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/embeddings", s.cfg.BaseURL)
	payload := embedRequest{Input: texts, Model: s.cfg.Model}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding http status %d: %s", resp.StatusCode, string(body))
	}
	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(er.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range er.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != s.cfg.Dim {
			return nil, fmt.Errorf("embedding has %d dims, want %d", len(d.Embedding), s.cfg.Dim)
		}
		v := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			v[j] = float32(f)
		}
		out[d.Index] = v
	}
	metrics.EmbeddingRequests.WithLabelValues("ok").Inc()
	metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())
	return out, nil
}
