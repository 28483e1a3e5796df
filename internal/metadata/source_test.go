package metadata

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSourceRejectsEmptyContent(t *testing.T) {
	_, err := NewSource(1, SourceTypeWebpage, "Empty", nil, "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSource))
}

func TestNewSourceRejectsUnknownType(t *testing.T) {
	_, err := NewSource(1, SourceType("pdf"), "Doc", nil, "body", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSource))
}

func TestNewSourceAcceptsOptionalFields(t *testing.T) {
	s, err := NewSource(2, SourceTypeDBResult, "Row 7", nil, "value", nil)
	require.NoError(t, err)
	assert.Nil(t, s.URL)
	assert.Nil(t, s.Score)
	assert.Equal(t, "", s.URLString())
}

func TestSourceJSONRoundTrip(t *testing.T) {
	cases := []Source{
		{ID: 1, Type: SourceTypeWebpage, Title: "A", URL: StringPtr("https://a.example"), Content: "alpha", Score: Float64Ptr(0.75)},
		{ID: 2, Type: SourceTypeDocument, Title: "B", Content: "beta"},
		{ID: 3, Type: SourceTypeDBResult, Title: "C", URL: StringPtr(""), Content: "gamma", Score: Float64Ptr(0)},
	}
	for _, in := range cases {
		b, err := json.Marshal(in)
		require.NoError(t, err)
		var out Source
		require.NoError(t, json.Unmarshal(b, &out))
		assert.Equal(t, in, out)
	}
}

func TestSourceJSONOmitsAbsentFields(t *testing.T) {
	b, err := json.Marshal(Source{ID: 1, Type: SourceTypeDocument, Title: "T", Content: "x"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "url")
	assert.NotContains(t, string(b), "score")
}

func TestIsDuplicate(t *testing.T) {
	a := Source{Title: "Go Memory Model", URL: StringPtr("https://go.dev/ref/mem"), Content: "one"}
	sameDifferentContent := Source{Title: "Go Memory Model", URL: StringPtr("https://go.dev/ref/mem"), Content: "two", ID: 9}
	differentCase := Source{Title: "go memory model", URL: StringPtr("https://go.dev/ref/mem"), Content: "one"}
	noURL := Source{Title: "Go Memory Model", Content: "one"}
	emptyURL := Source{Title: "Go Memory Model", URL: StringPtr(""), Content: "one"}

	assert.True(t, a.IsDuplicate(sameDifferentContent))
	assert.False(t, a.IsDuplicate(differentCase))
	assert.False(t, a.IsDuplicate(noURL))
	assert.False(t, noURL.IsDuplicate(emptyURL))
}

func TestExtractDomain(t *testing.T) {
	d, err := ExtractDomain("https://www.Example.com/path?q=1")
	require.NoError(t, err)
	assert.Equal(t, "example.com", d)

	_, err = ExtractDomain("not a url")
	assert.Error(t, err)
}
