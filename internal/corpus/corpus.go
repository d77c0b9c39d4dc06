// Package corpus reads and writes blank-line-delimited sequence files.
//
// Each non-blank line is one row of tab or space separated columns; a blank
// line ends the current sequence.
package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const maxLineSize = 16 << 20

// Reader yields sequences from a text stream.
type Reader struct {
	sc    *bufio.Scanner
	name  string
	line  int
	start int
}

// NewReader creates a Reader. name is used in error positions.
func NewReader(r io.Reader, name string) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{sc: sc, name: name}
}

// File is a Reader backed by an open file.
type File struct {
	*Reader
	f *os.File
}

// Open opens path for sequence reading.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{Reader: NewReader(f, path), f: f}, nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// Next returns the trimmed rows of the next sequence. It returns io.EOF
// once the input is exhausted and no rows were collected; a final sequence
// without a terminating blank line is returned normally.
func (r *Reader) Next() ([]string, error) {
	var rows []string
	for r.sc.Scan() {
		r.line++
		line := strings.TrimSpace(r.sc.Text())
		if line == "" {
			if len(rows) > 0 {
				return rows, nil
			}
			continue
		}
		if len(rows) == 0 {
			r.start = r.line
		}
		rows = append(rows, line)
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("%s:%d: %w", r.name, r.line, err)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

// Pos returns "name:line" for the first row of the last sequence.
func (r *Reader) Pos() string {
	return fmt.Sprintf("%s:%d", r.name, r.start)
}

// PosAt returns "name:line" for row i of the last sequence.
func (r *Reader) PosAt(i int) string {
	return fmt.Sprintf("%s:%d", r.name, r.start+i)
}

// Columns splits a row on tabs and spaces.
func Columns(row string) []string {
	return strings.FieldsFunc(row, func(r rune) bool {
		return r == '\t' || r == ' '
	})
}

// WriteSequence writes rows as tab-joined columns followed by a blank line.
func WriteSequence(w io.Writer, rows [][]string) error {
	bw := bufio.NewWriter(w)
	for _, cols := range rows {
		if _, err := bw.WriteString(strings.Join(cols, "\t")); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	return bw.Flush()
}
