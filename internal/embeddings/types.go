package embeddings

import (
	"context"
	"time"
)

// Embedder converts text into fixed-width dense vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Config holds embedding service configuration.
type Config struct {
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Dim      int           `yaml:"dim"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	MaxLRU   int           `yaml:"max_lru"`
	Retries  int           `yaml:"retries"`
	Backoff  time.Duration `yaml:"backoff"`
}
