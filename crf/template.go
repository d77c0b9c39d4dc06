package crf

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	unigramMarker = 'U'
	bigramMarker  = 'B'

	// maxOffset bounds the row offset of a %x[row,col] placeholder.
	maxOffset = 8
)

var (
	bos = [maxOffset]string{"_B-1", "_B-2", "_B-3", "_B-4", "_B-5", "_B-6", "_B-7", "_B-8"}
	eos = [maxOffset]string{"_B+1", "_B+2", "_B+3", "_B+4", "_B+5", "_B+6", "_B+7", "_B+8"}
)

// segment is either literal text or a %x[row,col] placeholder.
type segment struct {
	literal string
	field   bool
	row     int
	col     int
}

// Template is a compiled feature template.
type Template struct {
	raw      string
	segments []segment
	maxCol   int // -1 when the template has no placeholders
}

// String returns the template source.
func (t *Template) String() string { return t.raw }

// Bigram reports whether the template produces label-transition features.
func (t *Template) Bigram() bool { return t.raw[0] == bigramMarker }

// CompileTemplate parses a single template line. The line must start with
// 'U' or 'B'; every %x[row,col] must have |row| <= 8 and col >= 0.
func CompileTemplate(raw string) (*Template, error) {
	if raw == "" || (raw[0] != unigramMarker && raw[0] != bigramMarker) {
		return nil, fmt.Errorf("%w: %q must start with U or B", ErrTemplate, raw)
	}

	t := &Template{raw: raw, maxCol: -1}
	rest := raw
	for {
		i := strings.Index(rest, "%x[")
		if i < 0 {
			break
		}
		if i > 0 {
			t.segments = append(t.segments, segment{literal: rest[:i]})
		}
		rest = rest[i+3:]

		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: %q: unterminated placeholder", ErrTemplate, raw)
		}
		rowStr, colStr, ok := strings.Cut(rest[:end], ",")
		if !ok {
			return nil, fmt.Errorf("%w: %q: placeholder needs row,col", ErrTemplate, raw)
		}
		row, err := strconv.Atoi(strings.TrimSpace(rowStr))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: bad row %q", ErrTemplate, raw, rowStr)
		}
		col, err := strconv.Atoi(strings.TrimSpace(colStr))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: bad column %q", ErrTemplate, raw, colStr)
		}
		if row < -maxOffset || row > maxOffset {
			return nil, fmt.Errorf("%w: %q: row offset %d out of range [-%d,%d]", ErrTemplate, raw, row, maxOffset, maxOffset)
		}
		if col < 0 {
			return nil, fmt.Errorf("%w: %q: negative column %d", ErrTemplate, raw, col)
		}
		t.segments = append(t.segments, segment{field: true, row: row, col: col})
		t.maxCol = max(t.maxCol, col)
		rest = rest[end+1:]
	}
	if rest != "" {
		t.segments = append(t.segments, segment{literal: rest})
	}
	return t, nil
}

// realize expands the template at position pos of rows. Offsets that fall
// outside the sequence resolve to the _B-k / _B+k boundary tokens.
func (t *Template) realize(sb *strings.Builder, rows [][]string, pos int) string {
	sb.Reset()
	n := len(rows)
	for _, s := range t.segments {
		if !s.field {
			sb.WriteString(s.literal)
			continue
		}
		switch p := pos + s.row; {
		case p < 0:
			sb.WriteString(bos[-p-1])
		case p >= n:
			sb.WriteString(eos[p-n])
		default:
			sb.WriteString(rows[p][s.col])
		}
	}
	return sb.String()
}

// ReadTemplates reads one template per line. Blank lines and lines
// starting with '#' are ignored; every other line must start with 'U'
// or 'B'.
func ReadTemplates(r io.Reader) (unigrams, bigrams []*Template, err error) {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		t, err := CompileTemplate(text)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		if t.Bigram() {
			bigrams = append(bigrams, t)
		} else {
			unigrams = append(unigrams, t)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("crf: read templates: %w", err)
	}
	if len(unigrams)+len(bigrams) == 0 {
		return nil, nil, fmt.Errorf("%w: no templates", ErrTemplate)
	}
	return unigrams, bigrams, nil
}

func compileAll(lines []string) ([]*Template, error) {
	out := make([]*Template, 0, len(lines))
	for _, l := range lines {
		t, err := CompileTemplate(l)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func templateStrings(ts []*Template) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.raw
	}
	return out
}
