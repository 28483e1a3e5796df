package workflows

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/longform/internal/activities"
	"github.com/Kocoro-lab/longform/internal/metadata"
	"github.com/Kocoro-lab/longform/internal/util"
)

const (
	referencesHeading = "## References"
	summaryLength     = 600
)

// ErrNothingToAssemble is returned when there is no chapter text at all.
var ErrNothingToAssemble = errors.New("no chapter text to assemble")

// chapterSection prefixes the draft with a chapter heading unless the writer
// already opened with one.
func chapterSection(task activities.ChapterTask, text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "#") {
		return text
	}
	heading := fmt.Sprintf("## Chapter %d: %s", task.Number, task.Title)
	if text == "" {
		return heading
	}
	return heading + "\n\n" + text
}

// FailurePlaceholder renders the section that stands in for an aborted chapter.
func FailurePlaceholder(task activities.ChapterTask, kind, reason string) string {
	kind = util.FirstNonEmpty(kind, FailureWorkflow)
	var b strings.Builder
	fmt.Fprintf(&b, "## Chapter %d: %s\n\n", task.Number, task.Title)
	fmt.Fprintf(&b, "> This chapter could not be generated (%s).", kind)
	if reason = strings.TrimSpace(reason); reason != "" {
		fmt.Fprintf(&b, "\n> Reason: %s", util.TruncateString(reason, 300, true))
	}
	return b.String()
}

// AssembleDocument joins the chapter sections with blank lines and appends
// the bibliography. The output always ends with the references section.
func AssembleDocument(title string, sections []string, registry *metadata.CitationRegistry) (string, error) {
	if len(sections) == 0 {
		return "", ErrNothingToAssemble
	}
	parts := make([]string, 0, len(sections)+2)
	if title = strings.TrimSpace(title); title != "" {
		parts = append(parts, "# "+title)
	}
	for _, s := range sections {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	refs := referencesHeading
	if registry != nil {
		if bib := registry.Finalize(); bib != "" {
			refs += "\n\n" + bib
		}
	}
	parts = append(parts, refs)
	return strings.Join(parts, "\n\n") + "\n", nil
}

// summarize keeps the opening of a chapter for later prompts.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "\n"); i >= 0 && strings.HasPrefix(text, "#") {
		text = strings.TrimSpace(text[i+1:])
	}
	return util.TruncateString(text, summaryLength, true)
}
