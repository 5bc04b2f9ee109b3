package agents

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WebSearchConfig points the agent at its two upstreams. Overridable so
// tests can stand in local servers.
type WebSearchConfig struct {
	DuckDuckGoURL string
	ArxivURL      string
	Timeout       time.Duration
}

// WebSearchAgent queries the DuckDuckGo instant-answer API and, for
// scholarly sources, the arXiv export API.
type WebSearchAgent struct {
	cfg    WebSearchConfig
	client *http.Client
	logger *zap.Logger
}

func NewWebSearchAgent(cfg WebSearchConfig, logger *zap.Logger) *WebSearchAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DuckDuckGoURL == "" {
		cfg.DuckDuckGoURL = "https://api.duckduckgo.com"
	}
	if cfg.ArxivURL == "" {
		cfg.ArxivURL = "https://export.arxiv.org/api/query"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WebSearchAgent{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

func (a *WebSearchAgent) Name() string { return "WebSearchAgent" }

func (a *WebSearchAgent) Schema() []ParamSpec {
	return []ParamSpec{
		{Name: "query", Type: "string", Required: true, Description: "search query"},
		{Name: "source", Type: "string", Description: `"web" (default) or "arxiv"`},
		{Name: "max_results", Type: "number", Description: "result cap, default 5"},
	}
}

func (a *WebSearchAgent) Execute(ctx context.Context, params map[string]interface{}, _ Context) (*Result, error) {
	query := StringParam(params, "query", "")
	if query == "" {
		return nil, fmt.Errorf("agents: WebSearchAgent: empty query")
	}
	max := IntParam(params, "max_results", 5)
	switch StringParam(params, "source", "web") {
	case "arxiv":
		return a.searchArxiv(ctx, query, max)
	default:
		return a.searchWeb(ctx, query, max)
	}
}

type ddgResponse struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Heading       string `json:"Heading"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

func (a *WebSearchAgent) searchWeb(ctx context.Context, query string, max int) (*Result, error) {
	u := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", a.cfg.DuckDuckGoURL, url.QueryEscape(query))
	var resp ddgResponse
	if err := a.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}

	var b strings.Builder
	if resp.AbstractText != "" {
		fmt.Fprintf(&b, "%s — %s (%s)\n", resp.Heading, resp.AbstractText, resp.AbstractURL)
	}
	count := 0
	for _, topic := range resp.RelatedTopics {
		if topic.Text == "" || count >= max {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s)\n", topic.Text, topic.FirstURL)
		count++
	}
	if b.Len() == 0 {
		return &Result{Output: "No results."}, nil
	}
	return &Result{Output: b.String()}, nil
}

type arxivFeed struct {
	Entries []struct {
		Title   string `xml:"title"`
		Summary string `xml:"summary"`
		ID      string `xml:"id"`
	} `xml:"entry"`
}

func (a *WebSearchAgent) searchArxiv(ctx context.Context, query string, max int) (*Result, error) {
	u := fmt.Sprintf("%s?search_query=all:%s&max_results=%d", a.cfg.ArxivURL, url.QueryEscape(query), max)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agents: arxiv request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agents: arxiv status %d", resp.StatusCode)
	}

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("agents: arxiv decode: %w", err)
	}
	var b strings.Builder
	for _, e := range feed.Entries {
		fmt.Fprintf(&b, "- %s (%s)\n  %s\n",
			strings.TrimSpace(e.Title), e.ID, compactWhitespace(e.Summary))
	}
	if b.Len() == 0 {
		return &Result{Output: "No results."}, nil
	}
	return &Result{Output: b.String()}, nil
}

func (a *WebSearchAgent) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agents: search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agents: search status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
