// Package crf implements a linear-chain Conditional Random Field.
//
// Features come from positional templates applied to column-formatted
// sequences. Training runs forward-backward over a per-sequence lattice in
// parallel and optimizes the weights with L-BFGS under L1 or L2
// regularization; decoding runs Viterbi over the same lattice.
package crf

import (
	"errors"
	"sort"
)

var (
	// ErrFormat reports malformed training or test data.
	ErrFormat = errors.New("crf: format error")
	// ErrTemplate reports a malformed feature template.
	ErrTemplate = errors.New("crf: template error")
	// ErrUnknownTag reports a gold tag missing from the tag vocabulary.
	ErrUnknownTag = errors.New("crf: unknown tag")
	// ErrOptimization reports that the optimizer could not take a step.
	ErrOptimization = errors.New("crf: optimization failed")
	// ErrVersion reports a model file written by an unsupported version.
	ErrVersion = errors.New("crf: unsupported model version")
	// ErrChecksum reports a corrupted model file.
	ErrChecksum = errors.New("crf: model checksum mismatch")
	// ErrCostFactor reports a non-positive cost factor.
	ErrCostFactor = errors.New("crf: cost factor must be positive")
	// ErrFrozen reports a training-only operation on a decode index.
	ErrFrozen = errors.New("crf: feature index is frozen")
)

// Alphabet maps between tag strings and dense IDs. IDs follow the
// sorted order of the tags.
type Alphabet struct {
	ToID  map[string]int
	ToStr []string
}

// NewAlphabet builds a sorted, deduplicated alphabet.
func NewAlphabet(tags []string) *Alphabet {
	seen := make(map[string]struct{}, len(tags))
	uniq := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		uniq = append(uniq, t)
	}
	sort.Strings(uniq)

	a := &Alphabet{
		ToID:  make(map[string]int, len(uniq)),
		ToStr: uniq,
	}
	for i, t := range uniq {
		a.ToID[t] = i
	}
	return a
}

// Get returns the ID for a string, or -1 if not found.
func (a *Alphabet) Get(s string) int {
	if id, ok := a.ToID[s]; ok {
		return id
	}
	return -1
}

// Size returns the number of entries.
func (a *Alphabet) Size() int {
	return len(a.ToStr)
}
