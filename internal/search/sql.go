package search

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/circuitbreaker"
	"github.com/Kocoro-lab/longform/internal/metadata"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// SQLConfig configures the knowledge-table backend.
type SQLConfig struct {
	// Table holds id, title, url, content columns
	Table string
	// Language is the Postgres text search configuration
	Language string
}

// SQLBackend runs Postgres full-text search over a knowledge table and
// returns db_result sources.
type SQLBackend struct {
	db    *sqlx.DB
	cb    *circuitbreaker.CircuitBreaker
	query string
	log   *zap.Logger
}

type knowledgeRow struct {
	ID      int64          `db:"id"`
	Title   string         `db:"title"`
	URL     sql.NullString `db:"url"`
	Content string         `db:"content"`
	Score   float64        `db:"score"`
}

// NewSQLBackend validates the table name and prepares the query text.
func NewSQLBackend(db *sqlx.DB, cfg SQLConfig, logger *zap.Logger) (*SQLBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Table == "" {
		cfg.Table = "knowledge_documents"
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid knowledge table name %q", cfg.Table)
	}
	if cfg.Language == "" {
		cfg.Language = "english"
	}
	if !identPattern.MatchString(cfg.Language) {
		return nil, fmt.Errorf("invalid text search config %q", cfg.Language)
	}
	q := fmt.Sprintf(`SELECT id, title, url, content,
	ts_rank(to_tsvector('%[2]s', content), plainto_tsquery('%[2]s', $1)) AS score
FROM %[1]s
WHERE to_tsvector('%[2]s', content) @@ plainto_tsquery('%[2]s', $1)
ORDER BY score DESC
LIMIT $2`, cfg.Table, cfg.Language)

	cb := circuitbreaker.NewCircuitBreaker("knowledge-db", circuitbreaker.ConfigFor(circuitbreaker.KindDatabase), logger)
	circuitbreaker.GlobalMetricsCollector.RegisterCircuitBreaker("knowledge-db", "postgres", cb)
	return &SQLBackend{db: db, cb: cb, query: q, log: logger}, nil
}

func (b *SQLBackend) Name() string { return "sql" }

// Retrieve ignores vector.
func (b *SQLBackend) Retrieve(ctx context.Context, query string, topK int, _ []float32) ([]metadata.Source, error) {
	if topK <= 0 {
		topK = 10
	}
	start := time.Now()
	var rows []knowledgeRow
	err := b.cb.Execute(ctx, func() error {
		return b.db.SelectContext(ctx, &rows, b.query, query, topK)
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	b.log.Debug("Knowledge search", zap.Int("rows", len(rows)), zap.Duration("duration", time.Since(start)))

	out := make([]metadata.Source, 0, len(rows))
	for _, r := range rows {
		if r.Content == "" {
			continue
		}
		s := metadata.Source{
			Type:    metadata.SourceTypeDBResult,
			Title:   r.Title,
			Content: r.Content,
			Score:   metadata.Float64Ptr(r.Score),
		}
		if r.URL.Valid {
			s.URL = metadata.StringPtr(r.URL.String)
		}
		out = append(out, s)
	}
	return out, nil
}
