package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types emitted while a document is generated.
const (
	EventDocumentStarted   = "document_started"
	EventOutlineReady      = "outline_ready"
	EventChapterStarted    = "chapter_started"
	EventRoundAdvanced     = "round_advanced"
	EventChapterCompleted  = "chapter_completed"
	EventChapterFailed     = "chapter_failed"
	EventDocumentCompleted = "document_completed"
)

// Event is one progress notification for a document job.
type Event struct {
	JobID     string                 `json:"job_id"`
	Type      string                 `json:"type"`
	Chapter   int                    `json:"chapter,omitempty"`
	Round     int                    `json:"round,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in logs and stream entries.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager numbers the events of each job and mirrors them to a Redis stream
// when a client is set, so other processes can follow the job.
type Manager struct {
	mu   sync.Mutex
	seqs map[string]uint64

	mirror *redisMirror
	log    *zap.Logger
}

// NewManager creates a manager. rdb may be nil, in which case events are
// only numbered.
func NewManager(rdb *redis.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{seqs: make(map[string]uint64), log: logger}
	if rdb != nil {
		m.mirror = newRedisMirror(rdb, logger)
	}
	return m
}

// Publish assigns the next sequence number of jobID to evt and mirrors it.
// It returns the event as published, Seq included.
func (m *Manager) Publish(jobID string, evt Event) Event {
	if evt.JobID == "" {
		evt.JobID = jobID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.seqs[jobID]++
	evt.Seq = m.seqs[jobID]
	m.mu.Unlock()

	if m.mirror != nil {
		m.mirror.add(evt)
	}
	if evt.Type == EventDocumentCompleted {
		m.forget(jobID)
	}
	return evt
}

func (m *Manager) forget(jobID string) {
	m.mu.Lock()
	delete(m.seqs, jobID)
	m.mu.Unlock()
}
