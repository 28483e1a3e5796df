package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/longform/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	SSLMode         string
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Client manages database connections and operations. Event log rows are
// written by a small worker pool so emitters never wait on Postgres.
type Client struct {
	db     *sqlx.DB
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger

	eventQueue chan *EventLog
	workers    int
	stopCh     chan struct{}
	stopOnce   sync.Once
	workerWg   sync.WaitGroup
}

// NewClient opens and pings the database, then starts the writers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	rawDB, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	client := NewClientWithDB(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)
	return client, nil
}

// NewClientWithDB wraps an open handle.
func NewClientWithDB(db *sqlx.DB, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := circuitbreaker.NewCircuitBreaker("postgres", circuitbreaker.ConfigFor(circuitbreaker.KindDatabase), logger)
	circuitbreaker.GlobalMetricsCollector.RegisterCircuitBreaker("postgres", "database", cb)
	c := &Client{
		db:         db,
		cb:         cb,
		logger:     logger,
		eventQueue: make(chan *EventLog, 1000),
		workers:    4,
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.eventWorker()
	}
	return c
}

// DB returns the underlying handle.
func (c *Client) DB() *sqlx.DB { return c.db }

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.cb }

// Ping checks connectivity through the circuit breaker.
func (c *Client) Ping(ctx context.Context) error {
	return c.cb.Execute(ctx, func() error { return c.db.PingContext(ctx) })
}

// WithTransaction runs fn in a transaction guarded by the breaker.
func (c *Client) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return c.cb.Execute(ctx, func() error {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				panic(p)
			}
		}()
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
		return nil
	})
}

// QueueEventLog hands e to the writers. When the queue is full the row is
// written synchronously.
func (c *Client) QueueEventLog(e *EventLog) {
	select {
	case <-c.stopCh:
		return
	default:
	}
	select {
	case c.eventQueue <- e:
	default:
		c.logger.Warn("Event queue is full, falling back to synchronous write")
		c.writeEvent(e)
	}
}

func (c *Client) eventWorker() {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drain()
			return
		case e := <-c.eventQueue:
			c.writeEvent(e)
		}
	}
}

func (c *Client) drain() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-c.eventQueue:
			c.writeEvent(e)
		case <-timeout:
			c.logger.Warn("Timeout draining event queue")
			return
		default:
			return
		}
	}
}

func (c *Client) writeEvent(e *EventLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.SaveEventLog(ctx, e); err != nil {
		c.logger.Error("Failed to persist event log",
			zap.String("job_id", e.JobID),
			zap.String("type", e.Type),
			zap.Error(err))
	}
}

// Close stops the writers after draining and closes the handle.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
