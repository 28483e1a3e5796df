package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GateRule is one "enough material" rule of the supervisory gate.
type GateRule struct {
	MinSources int `mapstructure:"min_sources" yaml:"min_sources"`
	MinChars   int `mapstructure:"min_chars" yaml:"min_chars"`
}

// DocumentConfig carries the per-job generation knobs.
type DocumentConfig struct {
	MaxSearchRounds    int           `mapstructure:"max_search_rounds"`
	TopK               int           `mapstructure:"top_k"`
	DataTruncateLength int           `mapstructure:"data_truncate_length"`
	BackendTimeout     time.Duration `mapstructure:"backend_timeout"`
	ChapterTimeout     time.Duration `mapstructure:"chapter_timeout"`
	MaxQueries         int           `mapstructure:"max_queries"`
	TruncationMarker   string        `mapstructure:"truncation_marker"`
	Gate               []GateRule    `mapstructure:"gate"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type PostgresConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LLMServiceConfig struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Attempts uint          `mapstructure:"attempts"`
	// Provider selects the text generator: "service" or "openai".
	Provider string `mapstructure:"provider"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type QdrantConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Collection   string        `mapstructure:"collection"`
	TextField    string        `mapstructure:"text_field"`
	TopK         int           `mapstructure:"top_k"`
	Threshold    float64       `mapstructure:"threshold"`
	Timeout      time.Duration `mapstructure:"timeout"`
	EmbeddingDim int           `mapstructure:"embedding_dim"`
}

type EmbeddingsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Model    string        `mapstructure:"model"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type WebSearchConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	RatePerSec float64 `mapstructure:"rate_per_sec"`
	Burst      int     `mapstructure:"burst"`
}

type SQLSearchConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Table    string `mapstructure:"table"`
	Language string `mapstructure:"language"`
}

type SearchConfig struct {
	Web WebSearchConfig `mapstructure:"web"`
	SQL SQLSearchConfig `mapstructure:"sql"`
}

type RerankConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ObservabilityConfig struct {
	MetricsPort    int    `mapstructure:"metrics_port"`
	HealthPort     int    `mapstructure:"health_port"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// Config is the worker configuration.
type Config struct {
	Logging       LoggingConfig       `mapstructure:"logging"`
	Temporal      TemporalConfig      `mapstructure:"temporal"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	LLMService    LLMServiceConfig    `mapstructure:"llm_service"`
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	Qdrant        QdrantConfig        `mapstructure:"qdrant"`
	Embeddings    EmbeddingsConfig    `mapstructure:"embeddings"`
	Search        SearchConfig        `mapstructure:"search"`
	Rerank        RerankConfig        `mapstructure:"rerank"`
	Document      DocumentConfig      `mapstructure:"document"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "longform-tasks")

	v.SetDefault("postgres.enabled", true)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "longform")
	v.SetDefault("postgres.password", "longform")
	v.SetDefault("postgres.database", "longform")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_connections", 25)
	v.SetDefault("postgres.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm_service.url", "http://localhost:8000")
	v.SetDefault("llm_service.timeout", 120*time.Second)
	v.SetDefault("llm_service.attempts", 3)
	v.SetDefault("llm_service.provider", "service")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.base_url", "")

	v.SetDefault("qdrant.enabled", true)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6333)
	v.SetDefault("qdrant.collection", "document_chunks")
	v.SetDefault("qdrant.text_field", "content")
	v.SetDefault("qdrant.top_k", 5)
	v.SetDefault("qdrant.threshold", 0.0)
	v.SetDefault("qdrant.timeout", 5*time.Second)
	v.SetDefault("qdrant.embedding_dim", 0)

	v.SetDefault("embeddings.enabled", true)
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.cache_ttl", time.Hour)

	v.SetDefault("search.web.enabled", true)
	v.SetDefault("search.web.rate_per_sec", 2.0)
	v.SetDefault("search.web.burst", 2)
	v.SetDefault("search.sql.enabled", false)
	v.SetDefault("search.sql.table", "knowledge_documents")
	v.SetDefault("search.sql.language", "english")

	v.SetDefault("rerank.enabled", false)
	v.SetDefault("rerank.url", "")
	v.SetDefault("rerank.timeout", 10*time.Second)

	v.SetDefault("document.max_search_rounds", 3)
	v.SetDefault("document.top_k", 8)
	v.SetDefault("document.data_truncate_length", 12000)
	v.SetDefault("document.backend_timeout", 20*time.Second)
	v.SetDefault("document.chapter_timeout", 15*time.Minute)
	v.SetDefault("document.max_queries", 4)
	v.SetDefault("document.truncation_marker", " ...[truncated]")
	v.SetDefault("document.gate", []map[string]interface{}{
		{"min_sources": 3, "min_chars": 200},
		{"min_sources": 2, "min_chars": 500},
	})

	v.SetDefault("observability.metrics_port", 2112)
	v.SetDefault("observability.health_port", 8081)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.service_name", "longform-worker")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names that do not follow the section_key pattern.
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("temporal.host_port", "TEMPORAL_HOST_PORT", "TEMPORAL_HOST")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("postgres.database", "POSTGRES_DB", "POSTGRES_DATABASE")
	return v
}

// Load reads path (optional) over the defaults and applies env overrides.
// An empty path falls back to CONFIG_PATH; when neither is set only
// defaults and env are used.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the workflows cannot run with.
func (c *Config) Validate() error {
	d := c.Document
	if d.MaxSearchRounds < 1 {
		return fmt.Errorf("document.max_search_rounds must be >= 1, got %d", d.MaxSearchRounds)
	}
	if d.MaxQueries < 1 {
		return fmt.Errorf("document.max_queries must be >= 1, got %d", d.MaxQueries)
	}
	if d.BackendTimeout <= 0 {
		return fmt.Errorf("document.backend_timeout must be positive")
	}
	if d.ChapterTimeout <= 0 {
		return fmt.Errorf("document.chapter_timeout must be positive")
	}
	for i, r := range d.Gate {
		if r.MinSources < 0 || r.MinChars < 0 {
			return fmt.Errorf("document.gate[%d]: thresholds must be non-negative", i)
		}
	}
	switch c.LLMService.Provider {
	case "service", "openai":
	default:
		return fmt.Errorf("llm_service.provider must be service or openai, got %q", c.LLMService.Provider)
	}
	return nil
}
