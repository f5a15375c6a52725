package job

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// tagCharsRE is the tag-name alphabet spec.md §4.2 requires: alnum
// plus '.', '-', '_'. A line whose tag falls outside this alphabet is
// BadTag, not a successfully parsed header field.
var tagCharsRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// fieldMinLen is the column width tag names are padded to on
// serialization. Parsing never depends on this padding — values are
// trimmed on read — it exists purely so a job file is pleasant to read
// with a pager, matching the original multipart writer's convention.
const fieldMinLen = 13

// substatusPrefix marks an informational line inside a section body
// that updates Section.Substatus as the body is parsed. Child
// processes write these lines to report progress without needing a
// separate channel back to the scheduler.
const substatusPrefix = "## "

// Section is one part of a job's multipart file. Section 0 is always
// the job's header (its tag:value fields); sections 1..N are appended
// by job runs as output/result captures.
type Section struct {
	Tags      []TagValue
	Body      []byte
	Substatus string
}

// TagValue is a single "tag: value" header line, order-preserving so
// round-tripping a file doesn't reshuffle it.
type TagValue struct {
	Tag   string
	Value string
}

// Get looks up a tag's value, folding case per spec.md §4.2 ("Name:
// Value lines ... case-insensitive"): "Try-Count" and "try-count" name
// the same field.
func (s *Section) Get(tag string) (string, bool) {
	for _, tv := range s.Tags {
		if strings.EqualFold(tv.Tag, tag) {
			return tv.Value, true
		}
	}
	return "", false
}

// Set writes a tag's value, overwriting any existing tag that matches
// case-insensitively ("repeated tags overwrite", spec.md §4.2) rather
// than appending a duplicate under different casing.
func (s *Section) Set(tag, value string) {
	for i, tv := range s.Tags {
		if strings.EqualFold(tv.Tag, tag) {
			s.Tags[i].Value = value
			return
		}
	}
	s.Tags = append(s.Tags, TagValue{Tag: tag, Value: value})
}

// Multipart is the parsed form of a job file: a boundary (empty until
// a second section forces one into existence) and an ordered list of
// sections.
type Multipart struct {
	Boundary string
	Sections []Section

	// Closed records whether the file carries its final
	// "--boundary--" terminator: true exactly when the job has
	// reached a terminal disposition for its current attempt and will
	// not be retried (spec.md §3). A multi-section file with Closed
	// false still separates its sections with mid boundaries — it
	// just has no terminator line, the on-disk signal that more
	// sections may yet be appended.
	Closed bool
}

func (m *Multipart) Header() *Section {
	if len(m.Sections) == 0 {
		m.Sections = append(m.Sections, Section{})
	}
	return &m.Sections[0]
}

// AddSection appends a new output/result section, generating a
// boundary lazily the first time a second section is needed. A
// pre-existing boundary (read back from disk) is never regenerated.
func (m *Multipart) AddSection(sec Section) {
	if len(m.Sections) >= 1 && m.Boundary == "" {
		m.Boundary = uuid.New().String()
	}
	m.Sections = append(m.Sections, sec)
}

// ParseMultipart parses the on-disk job file grammar: a header
// section of tag:value lines, optionally followed by one or more
// "--<boundary>"-delimited sections and a final "--<boundary>--" line.
func ParseMultipart(r io.Reader) (*Multipart, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	mp := &Multipart{}
	cur := Section{}
	inBody := false
	var bodyBuf bytes.Buffer
	lineNo := 0

	flush := func() {
		cur.Body = bodyBuf.Bytes()
		bodyBuf.Reset()
		mp.Sections = append(mp.Sections, cur)
		cur = Section{}
		inBody = false
	}

	atBoundary := func(line string) (mid bool, end bool) {
		if mp.Boundary == "" {
			return false, false
		}
		dash := "--" + mp.Boundary
		if line == dash {
			return true, false
		}
		if line == dash+"--" {
			return false, true
		}
		return false, false
	}

	for sc.Scan() {
		lineNo++
		line := sc.Text()

		if mp.Boundary == "" && len(mp.Sections) == 0 {
			if strings.HasPrefix(line, "--") && strings.Contains(line, "-") && len(mp.Sections) == 0 && looksLikeBoundaryDecl(line) {
				mp.Boundary = strings.TrimSuffix(strings.TrimPrefix(line, "--"), "--")
				flush()
				continue
			}
		}

		if mid, end := atBoundary(line); mid || end {
			flush()
			if end {
				mp.Closed = true
				break
			}
			continue
		}

		if inBody {
			if strings.HasPrefix(line, substatusPrefix) {
				cur.Substatus = strings.TrimPrefix(line, substatusPrefix)
			}
			bodyBuf.WriteString(line)
			bodyBuf.WriteByte('\n')
			continue
		}

		if strings.TrimSpace(line) == "" {
			// A single blank line introduces the section's body,
			// matching the original's to_string() convention of a
			// bare "\n" between the tag block and the body.
			inBody = true
			continue
		}

		tag, val, err := parseTagLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		cur.Set(tag, val)
		// The boundary used to split the sections that follow the
		// header travels inside the header's own Content-Type tag
		// (spec.md §4.2/§6): "Content-Type: multipart/mixed;
		// boundary=<uuid>". It must be recovered before the first
		// "--<boundary>" line is reached.
		if len(mp.Sections) == 0 && mp.Boundary == "" && strings.EqualFold(tag, "content-type") {
			if b := boundaryParam(val); b != "" {
				mp.Boundary = b
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return mp, nil
}

// looksLikeBoundaryDecl always reports false, so the branch that calls
// it never fires: a file whose first line is itself a boundary marker
// (a zero-header degenerate file) is not special-cased. Real job files
// always begin with header tags.
func looksLikeBoundaryDecl(string) bool { return false }

func parseTagLine(line string, lineNo int) (tag, val string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("%w at line %d", ErrNoDelimiter, lineNo)
	}
	tag = strings.TrimSpace(line[:idx])
	if tag == "" || !tagCharsRE.MatchString(tag) {
		return "", "", fmt.Errorf("%w at line %d", ErrBadTag, lineNo)
	}
	rest := line[idx+1:]
	val = strings.TrimSpace(rest)
	if val == "" {
		return "", "", fmt.Errorf("%w at line %d", ErrTagWithoutValue, lineNo)
	}
	return tag, val, nil
}

// boundaryParam extracts the "boundary=" parameter from a Content-Type
// value such as "multipart/mixed; boundary=<uuid>", tolerating an
// optional surrounding quote pair.
func boundaryParam(v string) string {
	idx := strings.Index(strings.ToLower(v), "boundary=")
	if idx < 0 {
		return ""
	}
	b := strings.TrimSpace(v[idx+len("boundary="):])
	return strings.Trim(b, `"`)
}

// String serializes the multipart back to the on-disk grammar. A
// boundary is emitted only when more than one section exists; a
// single-section (header-only) job file carries no boundary markers
// at all.
func (m *Multipart) String() string {
	var b strings.Builder
	if len(m.Sections) > 1 {
		if m.Boundary == "" {
			m.Boundary = uuid.New().String()
		}
		// Carry the boundary in section zero's own header so a later
		// parse can recover it (spec.md §4.2/§6) rather than relying
		// on already knowing it out of band.
		m.Header().Set("Content-Type", "multipart/mixed; boundary="+m.Boundary)
	}
	for i, sec := range m.Sections {
		if i > 0 {
			fmt.Fprintf(&b, "--%s\n", m.Boundary)
		}
		for _, tv := range sec.Tags {
			pad := fieldMinLen - len(tv.Tag) - 1
			if pad < 1 {
				pad = 1
			}
			fmt.Fprintf(&b, "%s:%s%s\n", tv.Tag, strings.Repeat(" ", pad), tv.Value)
		}
		// A single blank line introduces the body (spec.md §4.2),
		// whichever section it belongs to — section zero's ties body
		// included.
		if len(sec.Body) > 0 {
			b.WriteByte('\n')
			b.Write(sec.Body)
			if sec.Body[len(sec.Body)-1] != '\n' {
				b.WriteByte('\n')
			}
		}
	}
	if len(m.Sections) > 1 && m.Closed {
		fmt.Fprintf(&b, "--%s--\n", m.Boundary)
	}
	return b.String()
}

func (m *Multipart) Bytes() []byte { return []byte(m.String()) }
