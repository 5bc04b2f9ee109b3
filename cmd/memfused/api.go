package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/memfuse/memfuse/internal/router"
)

// api is the thin HTTP surface over the router.
type api struct {
	router *router.Router
	logger *zap.Logger
}

func newAPI(r *router.Router, logger *zap.Logger) http.Handler {
	a := &api{router: r, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/messages", a.handleMessages)
	mux.HandleFunc("/api/v1/query", a.handleQuery)
	mux.HandleFunc("/api/v1/ingest", a.handleIngest)
	return mux
}

type messageRequest struct {
	User      string `json:"user"`
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Tag       string `json:"tag"`
}

func (a *api) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		a.writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	resp, err := a.router.WriteMessage(r.Context(), router.WriteRequest{
		User: req.User, Agent: req.Agent, SessionID: req.SessionID,
		Content: req.Content, Tag: req.Tag,
	})
	if err != nil {
		a.logger.Error("Message handling failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "service temporarily unavailable")
		return
	}
	a.writeJSON(w, map[string]interface{}{
		"content":    resp.Content,
		"session_id": resp.SessionID,
		"round_id":   resp.RoundID,
		"mode":       resp.Mode,
	})
}

type queryRequest struct {
	User      string `json:"user"`
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Tag       string `json:"tag"`
	TopK      int    `json:"top_k"`
}

func (a *api) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		a.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	items, err := a.router.Query(r.Context(), router.QueryRequest{
		User: req.User, Agent: req.Agent, SessionID: req.SessionID,
		Query: req.Query, Tag: req.Tag, TopK: req.TopK,
	})
	if err != nil {
		a.logger.Error("Query failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "service temporarily unavailable")
		return
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]interface{}{
			"kind":    it.Kind,
			"content": it.Content,
			"score":   it.Score,
			"origin":  it.Origin,
		})
	}
	a.writeJSON(w, map[string]interface{}{"items": out})
}

type ingestRequest struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

func (a *api) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !a.decode(w, r, &req) {
		return
	}
	inserted, err := a.router.IngestDocument(r.Context(), req.Source, req.Content)
	if err != nil {
		a.logger.Error("Ingest failed", zap.Error(err))
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.writeJSON(w, map[string]interface{}{"inserted": inserted})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (a *api) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (a *api) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
