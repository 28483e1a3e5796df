package vectordb

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/longform/internal/metadata"
)

// DocumentBackend exposes a Qdrant collection of ingested document chunks as
// a retrieval backend. Results are typed "document".
type DocumentBackend struct {
	client *Client
}

// NewDocumentBackend wraps client.
func NewDocumentBackend(client *Client) *DocumentBackend {
	return &DocumentBackend{client: client}
}

func (b *DocumentBackend) Name() string { return "qdrant" }

// SupportsVectors is true while the client is enabled.
func (b *DocumentBackend) SupportsVectors() bool { return b.client.cfg.Enabled }

// Retrieve runs a vector query when vector is set and a full-text scroll
// otherwise.
func (b *DocumentBackend) Retrieve(ctx context.Context, query string, topK int, vector []float32) ([]metadata.Source, error) {
	if topK <= 0 {
		topK = b.client.cfg.TopK
	}
	var (
		points []qdrantPoint
		err    error
	)
	if len(vector) > 0 {
		points, err = b.client.search(ctx, vector, topK, nil)
	} else {
		points, err = b.client.scrollText(ctx, query, topK)
	}
	if err != nil {
		return nil, err
	}
	return pointsToSources(points, len(vector) > 0), nil
}

// pointsToSources maps chunk payloads. Points without text are skipped.
func pointsToSources(points []qdrantPoint, scored bool) []metadata.Source {
	out := make([]metadata.Source, 0, len(points))
	for _, p := range points {
		content := payloadString(p.Payload, "content", "text", "chunk")
		if content == "" {
			continue
		}
		title := payloadString(p.Payload, "title", "doc_title", "filename")
		if title == "" {
			title = fmt.Sprintf("Document %v", p.ID)
		}
		s := metadata.Source{
			Type:    metadata.SourceTypeDocument,
			Title:   title,
			Content: content,
		}
		if u := payloadString(p.Payload, "url", "source_url"); u != "" {
			s.URL = metadata.StringPtr(u)
		}
		if scored {
			s.Score = metadata.Float64Ptr(p.Score)
		}
		out = append(out, s)
	}
	return out
}

func payloadString(payload map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
