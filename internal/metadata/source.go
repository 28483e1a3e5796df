package metadata

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// SourceType classifies where a piece of evidence came from.
type SourceType string

const (
	SourceTypeWebpage  SourceType = "webpage"
	SourceTypeDocument SourceType = "document"
	SourceTypeDBResult SourceType = "db_result"
)

// Valid reports whether t is one of the known source types.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeWebpage, SourceTypeDocument, SourceTypeDBResult:
		return true
	}
	return false
}

// ErrInvalidSource is returned when a Source cannot be constructed.
var ErrInvalidSource = errors.New("invalid source")

// Source is one unit of retrieved evidence. ID is chapter-local until the
// source is registered with a CitationRegistry.
type Source struct {
	ID      int        `json:"id"`
	Type    SourceType `json:"type"`
	Title   string     `json:"title"`
	URL     *string    `json:"url,omitempty"`
	Content string     `json:"content"`
	Score   *float64   `json:"score,omitempty"`
}

// NewSource builds a validated Source. url and score are optional.
func NewSource(id int, typ SourceType, title string, url *string, content string, score *float64) (Source, error) {
	s := Source{
		ID:      id,
		Type:    typ,
		Title:   title,
		URL:     url,
		Content: content,
		Score:   score,
	}
	if err := s.Validate(); err != nil {
		return Source{}, err
	}
	return s, nil
}

// Validate checks the construction rules for a Source.
func (s Source) Validate() error {
	if len(s.Content) == 0 {
		return fmt.Errorf("%w: empty content (title=%q)", ErrInvalidSource, s.Title)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSource, s.Type)
	}
	return nil
}

// DedupKey identifies a source for deduplication: exact, case-sensitive
// title and url. An absent url differs from an empty one.
type DedupKey struct {
	Title  string
	URL    string
	HasURL bool
}

// Key returns the dedup key of s.
func (s Source) Key() DedupKey {
	k := DedupKey{Title: s.Title}
	if s.URL != nil {
		k.URL = *s.URL
		k.HasURL = true
	}
	return k
}

// IsDuplicate reports whether s and other are the same evidence.
func (s Source) IsDuplicate(other Source) bool {
	return s.Key() == other.Key()
}

// URLString returns the url or "" when absent.
func (s Source) URLString() string {
	if s.URL == nil {
		return ""
	}
	return *s.URL
}

// WithID returns a copy of s carrying id.
func (s Source) WithID(id int) Source {
	s.ID = id
	return s
}

// StringPtr and Float64Ptr are small helpers for optional fields.
func StringPtr(v string) *string { return &v }

func Float64Ptr(v float64) *float64 { return &v }

// ExtractDomain returns the lowercased host of rawURL without a leading "www.".
func ExtractDomain(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in url: %s", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www."), nil
}
