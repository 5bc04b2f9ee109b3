// Package llm wraps an OpenAI-compatible chat completion endpoint with
// bounded retry, per-call deadlines, and optional rate limiting.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/memfuse/memfuse/internal/metrics"
)

// Client is an HTTP chat provider.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a chat client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Backoff == 0 {
		c.Backoff = time.Second
	}
	var limiter *rate.Limiter
	if c.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.RateLimit), 1)
	}
	return &Client{
		cfg:     c,
		http:    &http.Client{Timeout: c.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete runs a chat completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, messages []Message, p Params) (string, error) {
	start := time.Now()
	text, err := c.call(ctx, messages, p, nil)
	if err != nil {
		metrics.LLMRequests.WithLabelValues("chat", "error").Inc()
		return "", err
	}
	metrics.LLMRequests.WithLabelValues("chat", "ok").Inc()
	metrics.LLMLatency.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	return text, nil
}

// CompleteJSON runs a completion in JSON mode and decodes the result into
// out. A decode failure triggers exactly one repair completion carrying the
// parse error and the raw output; a second failure is surfaced.
func (c *Client) CompleteJSON(ctx context.Context, messages []Message, out interface{}, p Params) error {
	start := time.Now()
	raw, err := c.call(ctx, messages, p, &responseFormat{Type: "json_object"})
	if err != nil {
		metrics.LLMRequests.WithLabelValues("json", "error").Inc()
		return err
	}
	if err := decodeJSON(raw, out); err == nil {
		metrics.LLMRequests.WithLabelValues("json", "ok").Inc()
		metrics.LLMLatency.WithLabelValues("json").Observe(time.Since(start).Seconds())
		return nil
	} else {
		c.logger.Warn("Malformed JSON from model, attempting repair", zap.Error(err))
		repair := append(append([]Message{}, messages...),
			Message{Role: RoleAssistant, Content: raw},
			Message{Role: RoleUser, Content: fmt.Sprintf(
				"The previous output was not valid JSON (%v). Return only the corrected JSON object.", err)},
		)
		raw2, err2 := c.call(ctx, repair, p, &responseFormat{Type: "json_object"})
		if err2 != nil {
			metrics.LLMRequests.WithLabelValues("json", "error").Inc()
			return err2
		}
		if err3 := decodeJSON(raw2, out); err3 != nil {
			metrics.LLMRequests.WithLabelValues("json", "invalid").Inc()
			return fmt.Errorf("llm: JSON repair failed: %w", err3)
		}
		metrics.LLMRequests.WithLabelValues("json", "repaired").Inc()
		return nil
	}
}

// decodeJSON tolerates markdown fences around the object.
func decodeJSON(raw string, out interface{}) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		// Retry leniently; schemas evolve faster than models follow them.
		return json.Unmarshal([]byte(s), out)
	}
	return nil
}

// call performs the HTTP request with exponential backoff on transient
// failures. Non-2xx responses under 500 are not retried.
func (c *Client) call(ctx context.Context, messages []Message, p Params, rf *responseFormat) (string, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	var lastErr error
	backoff := c.cfg.Backoff
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		text, retryable, err := c.doRequest(ctx, messages, p, rf)
		if err == nil {
			return text, nil
		}
		lastErr = err
		c.logger.Warn("LLM request failed",
			zap.Int("attempt", attempt+1),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
		if !retryable {
			return "", err
		}
	}
	return "", fmt.Errorf("llm: exhausted %d attempts: %w", c.cfg.Retries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, messages []Message, p Params, rf *responseFormat) (string, bool, error) {
	body := chatRequest{
		Model:          c.cfg.Model,
		Messages:       messages,
		Temperature:    p.Temperature,
		MaxTokens:      p.MaxTokens,
		ResponseFormat: rf,
	}
	buf, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/chat/completions", c.cfg.BaseURL), bytes.NewReader(buf))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return "", retryable, fmt.Errorf("llm http status %d: %s", resp.StatusCode, string(b))
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", true, err
	}
	if len(cr.Choices) == 0 {
		return "", true, fmt.Errorf("llm: no choices returned")
	}
	return cr.Choices[0].Message.Content, false, nil
}
