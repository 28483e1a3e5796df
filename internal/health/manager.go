package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs the worker's dependency checks. Readiness follows the
// critical checkers only; liveness never depends on them.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]CheckResult
	interval time.Duration
	running  bool
	stop     chan struct{}
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		last:     make(map[string]CheckResult),
		interval: 30 * time.Second,
		logger:   logger,
	}
}

// RegisterChecker adds a checker. Names must be unique.
func (m *Manager) RegisterChecker(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.checkers[c.Name()]; dup {
		return fmt.Errorf("health checker %s already registered", c.Name())
	}
	m.checkers[c.Name()] = c
	m.logger.Info("Health checker registered",
		zap.String("name", c.Name()),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

func (m *Manager) snapshot() []Checker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetDetailedHealth runs every checker concurrently, each under its own timeout.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	checkers := m.snapshot()
	started := time.Now()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	components := make(map[string]CheckResult, len(results))
	var summary HealthSummary
	for _, r := range results {
		components[r.Component] = r
		summary.add(r)
	}

	m.mu.Lock()
	for name, r := range components {
		m.last[name] = r
	}
	m.mu.Unlock()

	overall := summary.overall()
	overall.Timestamp = started
	overall.Duration = time.Since(started)
	return DetailedHealth{Overall: overall, Components: components, Summary: summary, Timestamp: started}
}

func run(ctx context.Context, c Checker) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()
	start := time.Now()
	r := c.Check(cctx)
	r.Component = c.Name()
	r.Critical = c.IsCritical()
	r.Timestamp = start
	r.Duration = time.Since(start)
	return r
}

func (s *HealthSummary) add(r CheckResult) {
	s.Total++
	if r.Critical {
		s.Critical++
	} else {
		s.NonCritical++
	}
	switch r.Status {
	case StatusHealthy:
		s.Healthy++
	case StatusDegraded:
		s.Degraded++
	case StatusUnhealthy:
		s.Unhealthy++
		if r.Critical {
			s.criticalDown++
		}
	}
}

func (s HealthSummary) overall() OverallHealth {
	o := OverallHealth{Status: StatusHealthy, Ready: true, Live: true}
	switch {
	case s.Total == 0:
		o.Message = "No health checks registered"
	case s.criticalDown > 0:
		o.Status = StatusUnhealthy
		o.Ready = false
		o.Message = fmt.Sprintf("%d critical component(s) failing", s.criticalDown)
	case s.Degraded > 0 || s.Unhealthy > 0:
		o.Status = StatusDegraded
		o.Message = fmt.Sprintf("%d component(s) degraded or failing", s.Degraded+s.Unhealthy)
	default:
		o.Message = fmt.Sprintf("All %d components healthy", s.Total)
	}
	o.Degraded = o.Status == StatusDegraded
	return o
}

func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	return m.GetDetailedHealth(ctx).Overall
}

// IsReady is false while a critical dependency is failing.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

func (m *Manager) IsLive(context.Context) bool { return true }

// SetCheckInterval changes the background interval. Call before Start.
func (m *Manager) SetCheckInterval(d time.Duration) {
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

// GetLastResults returns a copy of the latest result per component.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.last))
	for k, v := range m.last {
		out[k] = v
	}
	return out
}

// Start polls the checkers in the background and logs status changes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.stop = make(chan struct{})
	go m.poll(ctx, m.interval, m.stop)
	m.logger.Info("Health manager started", zap.Duration("interval", m.interval))
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.running = false
		close(m.stop)
	}
	return nil
}

func (m *Manager) poll(ctx context.Context, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		prev := m.GetLastResults()
		for name, r := range m.GetDetailedHealth(ctx).Components {
			if p, seen := prev[name]; seen && p.Status == r.Status {
				continue
			}
			m.logger.Info("Health status changed",
				zap.String("component", name),
				zap.String("status", r.Status.String()),
				zap.String("message", r.Message),
			)
		}
	}
}
