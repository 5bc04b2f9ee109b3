package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var resp embedResponse
		for i := range req.Input {
			vec := make([]float64, 8)
			vec[i%8] = 1
			resp.Data = append(resp.Data, struct {
				Embedding []float64 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: vec, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testService(t *testing.T, url string, cache Cache) *Service {
	t.Helper()
	return NewService(Config{BaseURL: url, Dim: 8, Retries: 1}, cache, zap.NewNop())
}

func TestEmbedCachesByContent(t *testing.T) {
	var calls int64
	srv := newTestServer(t, &calls)
	defer srv.Close()

	s := testService(t, srv.URL, nil)
	v1, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)
	v2, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestEmbedCoalescesConcurrent(t *testing.T) {
	var calls int64
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		var resp embedResponse
		resp.Data = append(resp.Data, struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: make([]float64, 8), Index: 0})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer slow.Close()

	s := testService(t, slow.URL, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Embed(context.Background(), "same text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "concurrent embeds of one hash must coalesce")
}

func TestEmbedBatchMixesCachedAndRemote(t *testing.T) {
	var calls int64
	srv := newTestServer(t, &calls)
	defer srv.Close()

	s := testService(t, srv.URL, nil)
	_, err := s.Embed(context.Background(), "a")
	require.NoError(t, err)

	out, err := s.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, v := range out {
		assert.Len(t, v, 8)
	}
	// one call for "a", one batch call for "b","c"
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestRedisCacheTier(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(mr.Addr())
	require.NoError(t, err)

	ctx := context.Background()
	vec := []float32{1.5, -2.25, 0, 42}
	cache.Set(ctx, "emb:test", vec, time.Minute)
	got, ok := cache.Get(ctx, "emb:test")
	require.True(t, ok)
	assert.Equal(t, vec, got)

	_, ok = cache.Get(ctx, "emb:absent")
	assert.False(t, ok)
}

func TestEmbedRetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL, Dim: 8, Retries: 2, Backoff: time.Millisecond}, nil, zap.NewNop())
	_, err := s.Embed(context.Background(), "boom")
	assert.Error(t, err)
}

func TestLocalLRUEviction(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()
	lru.Set(ctx, "a", []float32{1}, time.Minute)
	lru.Set(ctx, "b", []float32{2}, time.Minute)
	lru.Set(ctx, "c", []float32{3}, time.Minute)

	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = lru.Get(ctx, "c")
	assert.True(t, ok)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine(nil, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{0, 0}))
}

func TestContentHashStable(t *testing.T) {
	assert.Equal(t, ContentHash("x"), ContentHash("x"))
	assert.NotEqual(t, ContentHash("x"), ContentHash("y"))
}
