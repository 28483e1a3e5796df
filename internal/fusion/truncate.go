package fusion

import (
	"github.com/Kocoro-lab/longform/internal/metadata"
	"github.com/Kocoro-lab/longform/internal/util"
)

// DefaultTruncationMarker is appended to every shortened content.
const DefaultTruncationMarker = " ...[truncated]"

// Truncate caps the combined content of sources at limit runes by cutting each
// content longer than limit/len(sources) to that share. Sources are neither
// dropped nor reordered. It returns a new slice and the number of cut entries.
func Truncate(sources []metadata.Source, limit int, marker string) ([]metadata.Source, int) {
	out := make([]metadata.Source, len(sources))
	copy(out, sources)
	if limit <= 0 || len(out) == 0 {
		return out, 0
	}

	total := 0
	for _, s := range out {
		total += util.RuneLen(s.Content)
	}
	if total <= limit {
		return out, 0
	}

	share := limit / len(out)
	if share < 1 {
		share = 1
	}
	cut := 0
	for i := range out {
		if util.RuneLen(out[i].Content) > share {
			out[i].Content = util.TruncateRunes(out[i].Content, share) + marker
			cut++
		}
	}
	return out, cut
}
