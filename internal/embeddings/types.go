package embeddings

import "time"

// Config controls the embedding service behavior
type Config struct {
	// BaseURL points to the LLM service providing /embeddings
	BaseURL string
	// DefaultModel is the default embedding model (e.g., text-embedding-3-small)
	DefaultModel string
	// Timeout for outbound HTTP calls
	Timeout time.Duration
	// CacheTTL sets TTL for Redis cache entries
	CacheTTL time.Duration
	// LocalTTL sets TTL for in-process entries
	LocalTTL time.Duration
	// MaxLRU controls in-process LRU size
	MaxLRU int
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "text-embedding-3-small"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.LocalTTL == 0 {
		c.LocalTTL = 30 * time.Minute
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	return c
}
