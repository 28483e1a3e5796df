package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/Kocoro-lab/longform/internal/db"
	ometrics "github.com/Kocoro-lab/longform/internal/metrics"
	"github.com/Kocoro-lab/longform/internal/streaming"
)

// EmitDocumentEventInput is one progress event produced by a workflow.
type EmitDocumentEventInput struct {
	JobID     string                 `json:"job_id"`
	Type      string                 `json:"type"`
	Chapter   int                    `json:"chapter,omitempty"`
	Round     int                    `json:"round,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EmitDocumentEvent publishes the event, records its metrics and queues it
// for the event log. Workflows start it without waiting; it never fails.
func (a *Activities) EmitDocumentEvent(ctx context.Context, in EmitDocumentEventInput) error {
	logger := activity.GetLogger(ctx)
	logger.Debug("document event",
		"job_id", in.JobID,
		"type", in.Type,
		"chapter", in.Chapter,
		"round", in.Round,
		"message", in.Message,
	)

	evt := streaming.Event{
		JobID:     in.JobID,
		Type:      in.Type,
		Chapter:   in.Chapter,
		Round:     in.Round,
		Message:   in.Message,
		Data:      in.Data,
		Timestamp: in.Timestamp,
	}
	if a.events != nil {
		evt = a.events.Publish(in.JobID, evt)
	}

	recordEventMetrics(in)

	if a.db != nil {
		payload := db.JSONB{}
		for k, v := range in.Data {
			payload[k] = v
		}
		if in.Round > 0 {
			payload["round"] = in.Round
		}
		a.db.QueueEventLog(&db.EventLog{
			JobID:     in.JobID,
			Type:      in.Type,
			Chapter:   in.Chapter,
			Message:   in.Message,
			Payload:   payload,
			Timestamp: in.Timestamp,
			Seq:       evt.Seq,
		})
	}
	return nil
}

func recordEventMetrics(in EmitDocumentEventInput) {
	ometrics.EventsEmitted.WithLabelValues(in.Type).Inc()
	switch in.Type {
	case streaming.EventDocumentStarted:
		ometrics.DocumentsStarted.Inc()
	case streaming.EventRoundAdvanced:
		ometrics.ResearchRoundsAdvanced.Inc()
	case streaming.EventChapterCompleted:
		ometrics.RecordChapterOutcome("done", "", dataInt(in.Data, "rounds"))
		if n := dataInt(in.Data, "unresolved"); n > 0 {
			ometrics.UnresolvedCitations.Add(float64(n))
		}
	case streaming.EventChapterFailed:
		ometrics.RecordChapterOutcome("aborted", dataString(in.Data, "failure_kind"), dataInt(in.Data, "rounds"))
	case streaming.EventDocumentCompleted:
		ometrics.DocumentsCompleted.WithLabelValues(dataString(in.Data, "status")).Inc()
		ometrics.DocumentReferences.Observe(float64(dataInt(in.Data, "references")))
	}
}

// dataInt reads a number that may have crossed a JSON boundary.
func dataInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func dataString(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}
