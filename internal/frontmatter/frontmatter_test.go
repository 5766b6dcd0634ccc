package frontmatter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	From string   `yaml:"from"`
	Refs []string `yaml:"refs,omitempty"`
}

func TestRenderParseRoundTrip(t *testing.T) {
	in := sample{From: "claude", Refs: []string{"a1b2"}}
	body := "Hello.\n\nSecond paragraph.\n"

	data, err := Render(in, body)
	require.NoError(t, err)

	var out sample
	got, err := Parse(data, &out)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, body, got)
}

func TestParseHandEditedWithoutBlankLine(t *testing.T) {
	doc := []byte("---\nfrom: king\n---\n# Heading\nbody\n")
	var out sample
	body, err := Parse(doc, &out)
	require.NoError(t, err)
	assert.Equal(t, "king", out.From)
	assert.Equal(t, "# Heading\nbody\n", body)
}

func TestParseUnknownKeysTolerated(t *testing.T) {
	doc := []byte("---\nfrom: codex\ncustom_note: kept on disk\n---\n\nbody\n")
	var out sample
	body, err := Parse(doc, &out)
	require.NoError(t, err)
	assert.Equal(t, "codex", out.From)
	assert.Equal(t, "body\n", body)

	var again sample
	_, extra, err := ParseKeep(doc, &again)
	require.NoError(t, err)
	assert.Equal(t, "kept on disk", extra["custom_note"])
}

func TestSplitErrors(t *testing.T) {
	_, _, err := Split([]byte("no frontmatter here"))
	assert.Error(t, err)

	_, _, err = Split([]byte("---\nfrom: x\nnever closed"))
	assert.Error(t, err)
}

func TestRenderEmptyBody(t *testing.T) {
	data, err := Render(sample{From: "k"}, "")
	require.NoError(t, err)
	var out sample
	body, err := Parse(data, &out)
	require.NoError(t, err)
	assert.Empty(t, body)
}
