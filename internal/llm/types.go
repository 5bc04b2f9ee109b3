package llm

import (
	"context"
	"time"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params tunes a single completion call.
type Params struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Provider is the injected language-model contract. CompleteJSON decodes the
// model output into out; on malformed JSON one structured repair pass is
// attempted before the error is surfaced.
type Provider interface {
	Complete(ctx context.Context, messages []Message, p Params) (string, error)
	CompleteJSON(ctx context.Context, messages []Message, out interface{}, p Params) error
}

// Config holds chat provider configuration.
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
	Backoff   time.Duration `yaml:"backoff"`
	RateLimit float64       `yaml:"rate_limit"` // requests/sec, 0 disables
}
