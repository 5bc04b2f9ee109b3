package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chatServer(t *testing.T, reply func(n int64) string) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": reply(n)}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	return srv, &calls
}

func TestComplete(t *testing.T) {
	srv, _ := chatServer(t, func(int64) string { return "hello back" })
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test"}, zap.NewNop())
	out, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	require.NoError(t, err)
	assert.Equal(t, "hello back", out)
}

func TestCompleteJSONDecodes(t *testing.T) {
	srv, _ := chatServer(t, func(int64) string { return `{"answer":"42"}` })
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	var out struct {
		Answer string `json:"answer"`
	}
	err := c.CompleteJSON(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, &out, Params{})
	require.NoError(t, err)
	assert.Equal(t, "42", out.Answer)
}

func TestCompleteJSONStripsFences(t *testing.T) {
	srv, _ := chatServer(t, func(int64) string { return "```json\n{\"answer\":\"ok\"}\n```" })
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	var out struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, &out, Params{}))
	assert.Equal(t, "ok", out.Answer)
}

func TestCompleteJSONRepairPass(t *testing.T) {
	srv, calls := chatServer(t, func(n int64) string {
		if n == 1 {
			return "this is not json"
		}
		return `{"answer":"fixed"}`
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	var out struct {
		Answer string `json:"answer"`
	}
	err := c.CompleteJSON(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, &out, Params{})
	require.NoError(t, err)
	assert.Equal(t, "fixed", out.Answer)
	assert.Equal(t, int64(2), atomic.LoadInt64(calls))
}

func TestCompleteJSONRepairFailureSurfaced(t *testing.T) {
	srv, calls := chatServer(t, func(int64) string { return "still not json" })
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	var out struct{}
	err := c.CompleteJSON(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, &out, Params{})
	assert.Error(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(calls), "exactly one repair attempt")
}

func TestCompleteRetriesOn500(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "recovered"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 3, Backoff: time.Millisecond}, zap.NewNop())
	out, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestCompleteDoesNotRetryOn400(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 3}, zap.NewNop())
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	assert.Error(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}
