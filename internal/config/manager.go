package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called after a successful reload with the previous and
// the new configuration.
type ChangeHandler func(old, updated *Config)

// Manager holds the live configuration and reloads it when the file changes.
type Manager struct {
	path     string
	current  *Config
	handlers []ChangeHandler
	watcher  *fsnotify.Watcher
	started  bool
	stopCh   chan struct{}
	logger   *zap.Logger
	mu       sync.RWMutex
	reloadMu sync.Mutex
	// debounce absorbs editors that write a file in several steps
	debounce time.Duration
}

// NewManager loads path and returns a manager for it. Watching starts with Start.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:     path,
		current:  cfg,
		stopCh:   make(chan struct{}),
		logger:   logger,
		debounce: 50 * time.Millisecond,
	}, nil
}

// Current returns the active configuration. Callers must not mutate it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a reload handler.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start watches the config file's directory. It is a no-op without a file.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.path == "" {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors and config-map mounts replace the file.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	m.mu.Lock()
	m.watcher = watcher
	m.started = true
	m.mu.Unlock()

	go m.watchLoop(ctx)

	m.logger.Info("Configuration watcher started", zap.String("path", m.path))
	return nil
}

// Stop ends watching.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.logger.Info("Configuration watcher stopped")
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(m.path) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	time.Sleep(m.debounce)
	if err := m.Reload(); err != nil {
		m.logger.Error("Failed to reload configuration, keeping previous",
			zap.String("path", m.path),
			zap.String("op", event.Op.String()),
			zap.Error(err),
		)
	}
}

// Reload re-reads the file and notifies handlers. On error the previous
// configuration stays active.
func (m *Manager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = cfg
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(old, cfg)
	}
	m.logger.Info("Configuration reloaded",
		zap.String("path", m.path),
		zap.String("log_level", cfg.Logging.Level),
		zap.Duration("backend_timeout", cfg.Document.BackendTimeout),
		zap.Int("data_truncate_length", cfg.Document.DataTruncateLength),
	)
	return nil
}
