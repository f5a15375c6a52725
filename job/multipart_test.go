package job

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMultipartRoundTripHeaderOnly(t *testing.T) {
	mp := &Multipart{}
	h := mp.Header()
	h.Set("command", "echo")
	h.Set("type", "shell")

	out := mp.String()
	require.NotContains(t, out, "--", "single-section file must carry no boundary markers")

	parsed, err := ParseMultipart(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, parsed.Sections, 1)
	v, ok := parsed.Header().Get("command")
	require.True(t, ok)
	require.Equal(t, "echo", v)
}

func TestMultipartRoundTripWithSections(t *testing.T) {
	mp := &Multipart{}
	h := mp.Header()
	h.Set("command", "echo hi")
	mp.AddSection(Section{
		Tags: []TagValue{{Tag: "run", Value: "1"}},
		Body: []byte("hello\n## 50%\nworld\n"),
	})
	require.NotEmpty(t, mp.Boundary, "boundary must be generated once a second section exists")

	out := mp.String()
	parsed, err := ParseMultipart(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, parsed.Sections, 2)

	sec := parsed.Sections[1]
	v, ok := sec.Get("run")
	require.True(t, ok)
	require.Equal(t, "1", v)
	require.Equal(t, "50%", sec.Substatus)
	require.Contains(t, string(sec.Body), "hello")
}

func TestParseTagLineErrors(t *testing.T) {
	_, err := ParseMultipart(strings.NewReader("notag-no-colon\n"))
	require.ErrorIs(t, err, ErrNoDelimiter)

	_, err = ParseMultipart(strings.NewReader("tag:\n"))
	require.ErrorIs(t, err, ErrTagWithoutValue)

	_, err = ParseMultipart(strings.NewReader("foo bar: x\n"))
	require.ErrorIs(t, err, ErrBadTag)
}

func TestSectionGetSetCaseInsensitive(t *testing.T) {
	var sec Section
	sec.Set("Try-Count", "1")
	v, ok := sec.Get("try-count")
	require.True(t, ok)
	require.Equal(t, "1", v)

	sec.Set("TRY-COUNT", "2")
	require.Len(t, sec.Tags, 1, "case-insensitive Set must overwrite, not duplicate")
	v, ok = sec.Get("Try-Count")
	require.True(t, ok)
	require.Equal(t, "2", v)
}

func TestMultipartRoundTripHeaderBody(t *testing.T) {
	mp := &Multipart{}
	h := mp.Header()
	h.Set("command", "echo")
	h.Body = []byte("tie a 10\ntie b 11\n")

	out := mp.String()
	parsed, err := ParseMultipart(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, parsed.Sections, 1)
	require.Equal(t, "tie a 10\ntie b 11\n", string(parsed.Header().Body))
}

func TestTiesRoundTrip(t *testing.T) {
	body := []byte("tie a 10\n# a comment that does not match\ntie b 11\n")
	ties := parseTies(body)
	require.Equal(t, uint64(10), ties["a"])
	require.Equal(t, uint64(11), ties["b"])
	require.Len(t, ties, 2)
}
