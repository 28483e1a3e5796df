package metadata

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// CitationRegistry maps chapter-local citation ids onto one dense, global id
// space for a whole document. It is not safe for concurrent use; a single
// document run owns it and registers chapters one at a time.
type CitationRegistry struct {
	global map[int]Source
	index  map[DedupKey]int
	nextID int
}

// NewCitationRegistry returns an empty registry whose first id is 1.
func NewCitationRegistry() *CitationRegistry {
	return &CitationRegistry{
		global: make(map[int]Source),
		index:  make(map[DedupKey]int),
		nextID: 1,
	}
}

// Register assigns global ids to one chapter's sources and returns the
// local -> global mapping. Local ids are visited in ascending order so
// allocation follows the order sources were gathered. A source that matches
// an already registered one reuses its global id.
func (r *CitationRegistry) Register(local map[int]Source) map[int]int {
	mapping := make(map[int]int, len(local))
	ids := make([]int, 0, len(local))
	for id := range local {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, localID := range ids {
		src := local[localID]
		key := src.Key()
		if gid, ok := r.index[key]; ok {
			mapping[localID] = gid
			continue
		}
		gid := r.nextID
		r.global[gid] = src.WithID(gid)
		r.index[key] = gid
		r.nextID++
		mapping[localID] = gid
	}
	return mapping
}

// Len returns the number of registered sources.
func (r *CitationRegistry) Len() int { return len(r.global) }

// NextID returns the id the next new source would receive.
func (r *CitationRegistry) NextID() int { return r.nextID }

// Lookup returns the source registered under a global id.
func (r *CitationRegistry) Lookup(id int) (Source, bool) {
	s, ok := r.global[id]
	return s, ok
}

// Sources returns every registered source ordered by global id.
func (r *CitationRegistry) Sources() []Source {
	out := make([]Source, 0, len(r.global))
	for id := 1; id < r.nextID; id++ {
		if s, ok := r.global[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Finalize renders the bibliography, one numbered line per source.
func (r *CitationRegistry) Finalize() string {
	var sb strings.Builder
	for i, s := range r.Sources() {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(FormatReference(s))
	}
	return sb.String()
}

// FormatReference renders a single bibliography entry for a registered source.
func FormatReference(s Source) string {
	if s.URL != nil {
		return fmt.Sprintf("%d. %s (%s) [%s]", s.ID, s.Title, *s.URL, s.Type)
	}
	return fmt.Sprintf("%d. %s [%s]", s.ID, s.Title, s.Type)
}

// citationMarkerPattern matches [3] and grouped markers such as [3, 4].
var citationMarkerPattern = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)

// maxCitationID bounds what is read as a citation; [2021] is a year, not a source.
const maxCitationID = 999

// RewriteResult is the outcome of renumbering a chapter draft.
type RewriteResult struct {
	Text string `json:"text"`
	// Unresolved lists local ids cited in the draft with no matching source.
	Unresolved []int `json:"unresolved,omitempty"`
	Rewritten  int   `json:"rewritten"`
}

// RewriteCitations renumbers every citation marker in text through mapping
// in a single pass, so a rewritten id is never rewritten again. Ids missing
// from mapping are rendered as [n?] and reported as unresolved.
//
// Fenced code blocks, inline code spans, link text ([1](...)), reference
// definitions and numbers outside 1..999 are left as written.
func RewriteCitations(text string, mapping map[int]int) RewriteResult {
	rw := &rewriter{mapping: mapping, unresolved: make(map[int]struct{})}
	var sb strings.Builder
	sb.Grow(len(text))
	for _, seg := range splitMarkdown(text) {
		if seg.code {
			sb.WriteString(seg.text)
			continue
		}
		sb.WriteString(rw.prose(seg.text))
	}

	res := RewriteResult{Text: sb.String(), Rewritten: rw.rewritten}
	if len(rw.unresolved) > 0 {
		res.Unresolved = make([]int, 0, len(rw.unresolved))
		for n := range rw.unresolved {
			res.Unresolved = append(res.Unresolved, n)
		}
		sort.Ints(res.Unresolved)
	}
	return res
}

type rewriter struct {
	mapping    map[int]int
	unresolved map[int]struct{}
	rewritten  int
}

func (rw *rewriter) prose(text string) string {
	locs := citationMarkerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	var sb strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		sb.WriteString(text[last:start])
		last = end
		marker := text[start:end]
		if isLinkText(text, end) || isReferenceDefinition(text, start, end) {
			sb.WriteString(marker)
			continue
		}
		sb.WriteString(rw.marker(marker, text[loc[2]:loc[3]]))
	}
	sb.WriteString(text[last:])
	return sb.String()
}

func (rw *rewriter) marker(marker, inner string) string {
	parts := strings.Split(inner, ",")
	nums := make([]int, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > maxCitationID || p[0] == '0' {
			return marker
		}
		nums[i] = n
	}
	ids := make([]string, len(nums))
	for i, n := range nums {
		if gid, ok := rw.mapping[n]; ok {
			ids[i] = strconv.Itoa(gid)
			rw.rewritten++
			continue
		}
		rw.unresolved[n] = struct{}{}
		ids[i] = strconv.Itoa(n) + "?"
	}
	return "[" + strings.Join(ids, ", ") + "]"
}

func isLinkText(text string, end int) bool {
	return end < len(text) && text[end] == '('
}

// isReferenceDefinition reports a "[1]: https://..." line.
func isReferenceDefinition(text string, start, end int) bool {
	if end >= len(text) || text[end] != ':' {
		return false
	}
	lineStart := strings.LastIndexByte(text[:start], '\n') + 1
	return strings.TrimSpace(text[lineStart:start]) == ""
}

type segment struct {
	text string
	code bool
}

// splitMarkdown cuts text into prose and code segments. Fenced blocks and
// inline code spans are code; an unclosed fence runs to the end of text.
func splitMarkdown(text string) []segment {
	var (
		out   []segment
		prose strings.Builder
		block strings.Builder
		fence string
	)
	flush := func() {
		if prose.Len() > 0 {
			out = append(out, inlineSegments(prose.String())...)
			prose.Reset()
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if fence == "" {
			if m := fenceMarker(line); m != "" {
				flush()
				fence = m
				block.WriteString(line)
			} else {
				prose.WriteString(line)
			}
			continue
		}
		block.WriteString(line)
		if closesFence(line, fence) {
			out = append(out, segment{text: block.String(), code: true})
			block.Reset()
			fence = ""
		}
	}
	flush()
	if block.Len() > 0 {
		out = append(out, segment{text: block.String(), code: true})
	}
	return out
}

// fenceMarker returns the ``` or ~~~ run opening a fenced block on line, or "".
func fenceMarker(line string) string {
	s := strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimLeft(s, " ")
	if len(s)-len(trimmed) > 3 || len(trimmed) < 3 {
		return ""
	}
	c := trimmed[0]
	if c != '`' && c != '~' {
		return ""
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == c {
		n++
	}
	if n < 3 || (c == '`' && strings.ContainsRune(trimmed[n:], '`')) {
		return ""
	}
	return trimmed[:n]
}

func closesFence(line, open string) bool {
	m := fenceMarker(line)
	if m == "" || m[0] != open[0] || len(m) < len(open) {
		return false
	}
	s := strings.TrimSpace(line)
	return strings.TrimSpace(s[len(m):]) == ""
}

func inlineSegments(text string) []segment {
	var out []segment
	start, i := 0, 0
	for i < len(text) {
		if text[i] != '`' {
			i++
			continue
		}
		run := backtickRun(text, i)
		end := closingRun(text, i+run, run)
		if end < 0 {
			i += run
			continue
		}
		if i > start {
			out = append(out, segment{text: text[start:i]})
		}
		out = append(out, segment{text: text[i:end], code: true})
		start, i = end, end
	}
	if start < len(text) {
		out = append(out, segment{text: text[start:]})
	}
	return out
}

func backtickRun(s string, i int) int {
	n := 0
	for i+n < len(s) && s[i+n] == '`' {
		n++
	}
	return n
}

// closingRun returns the index just past the next run of exactly n
// backticks at or after from, or -1.
func closingRun(s string, from, n int) int {
	for j := from; j < len(s); {
		if s[j] != '`' {
			j++
			continue
		}
		k := backtickRun(s, j)
		if k == n {
			return j + k
		}
		j += k
	}
	return -1
}

// UnresolvedWarning renders the annotation appended to a chapter whose draft
// cited sources that were never retrieved.
func UnresolvedWarning(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	marks := make([]string, len(ids))
	for i, id := range ids {
		marks[i] = fmt.Sprintf("[%d?]", id)
	}
	return "> Warning: unresolved citation markers " + strings.Join(marks, ", ") + " refer to no retrieved source."
}
