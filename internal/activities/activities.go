package activities

import (
	"github.com/Kocoro-lab/longform/internal/db"
	"github.com/Kocoro-lab/longform/internal/fusion"
	"github.com/Kocoro-lab/longform/internal/llm"
	"github.com/Kocoro-lab/longform/internal/streaming"
	"go.uber.org/zap"
)

// EventSink receives progress events for a job and returns each one with
// its per-job sequence number.
type EventSink interface {
	Publish(jobID string, evt streaming.Event) streaming.Event
}

// Dependencies wires the activities to their collaborators. Events and DB
// may be nil.
type Dependencies struct {
	Generator llm.Generator
	Engine    *fusion.Engine
	Backends  []fusion.Backend
	Events    EventSink
	DB        *db.Client
	Logger    *zap.Logger
	// Provider labels generation metrics
	Provider string
}

// Activities struct holds dependencies for activities
type Activities struct {
	generator llm.Generator
	engine    *fusion.Engine
	backends  []fusion.Backend
	events    EventSink
	db        *db.Client
	logger    *zap.Logger
	provider  string
}

// NewActivities creates a new activities instance with dependencies
func NewActivities(deps Dependencies) *Activities {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := deps.Provider
	if provider == "" {
		provider = "llm-service"
	}
	return &Activities{
		generator: deps.Generator,
		engine:    deps.Engine,
		backends:  deps.Backends,
		events:    deps.Events,
		db:        deps.DB,
		logger:    logger,
		provider:  provider,
	}
}
