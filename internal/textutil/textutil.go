// Package textutil turns raw text into single-column rows for labeling.
package textutil

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Split selects how raw text is cut into rows.
type Split string

const (
	// Chars emits one row per non-space character.
	Chars Split = "chars"
	// Words emits one row per word token.
	Words Split = "words"
	// Fields emits one row per whitespace-separated field.
	Fields Split = "fields"
)

// ParseSplit validates a split name.
func ParseSplit(s string) (Split, error) {
	switch sp := Split(strings.ToLower(strings.TrimSpace(s))); sp {
	case Chars, Words, Fields:
		return sp, nil
	}
	return "", fmt.Errorf("textutil: unknown split %q (want chars, words or fields)", s)
}

var tokenizeRe = regexp.MustCompile(`[\p{L}\p{N}_]+|[^\p{L}\p{N}_\s]`)

// Tokenize extracts word tokens and keeps each punctuation mark as its
// own token.
func Tokenize(text string) []string {
	return tokenizeRe.FindAllString(text, -1)
}

var (
	newlineRe    = regexp.MustCompile(`[\n\r]`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// NormalizeWhitespaces replaces newlines and multiple whitespace with a single space.
func NormalizeWhitespaces(text string) string {
	text = newlineRe.ReplaceAllString(text, " ")
	return multiSpaceRe.ReplaceAllString(text, " ")
}

// Units cuts text according to split.
func Units(text string, split Split) []string {
	text = strings.TrimSpace(NormalizeWhitespaces(text))
	switch split {
	case Chars:
		var out []string
		for _, r := range text {
			if unicode.IsSpace(r) {
				continue
			}
			out = append(out, string(r))
		}
		return out
	case Fields:
		return strings.Fields(text)
	default:
		return Tokenize(text)
	}
}

// Rows cuts text and wraps every unit into a one-column row.
func Rows(text string, split Split) [][]string {
	units := Units(text, split)
	rows := make([][]string, len(units))
	for i, u := range units {
		rows[i] = []string{u}
	}
	return rows
}
