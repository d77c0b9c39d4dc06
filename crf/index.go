package crf

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/happyhackingspace/seqtag/internal/corpus"
	"github.com/happyhackingspace/seqtag/internal/metrics"
	"github.com/happyhackingspace/seqtag/internal/trie"
)

// resolver maps a realized feature string to its base feature ID, or a
// negative value when the feature is unknown.
type resolver interface {
	id(key string) int
	size() int
}

type dictEntry struct {
	id   int
	freq int
}

// dictionary assigns IDs on first sight during training. Unigram features
// reserve one slot per tag, bigram features one per tag pair.
type dictionary struct {
	entries map[string]dictEntry
	next    int
	tags    int
}

func newDictionary(tags int) *dictionary {
	return &dictionary{entries: make(map[string]dictEntry), tags: tags}
}

func (d *dictionary) id(key string) int {
	if e, ok := d.entries[key]; ok {
		e.freq++
		d.entries[key] = e
		return e.id
	}
	id := d.next
	d.entries[key] = dictEntry{id: id, freq: 1}
	d.next += reserve(key, d.tags)
	return id
}

func (d *dictionary) size() int { return d.next }

func reserve(key string, tags int) int {
	if key[0] == unigramMarker {
		return tags
	}
	return tags * tags
}

// staticTrie resolves features of a trained model. The trie is read-only;
// the optional lookup cache may be swapped while lookups run.
type staticTrie struct {
	dat   *trie.DoubleArray
	maxID int
	cache atomic.Pointer[lru.Cache[string, int]]
}

func (s *staticTrie) id(key string) int {
	metrics.FeatureLookups.Inc()
	cache := s.cache.Load()
	if cache != nil {
		if id, ok := cache.Get(key); ok {
			return s.found(id)
		}
	}
	id := s.dat.ExactMatch(key)
	if cache != nil {
		cache.Add(key, id)
	}
	return s.found(id)
}

func (s *staticTrie) found(id int) int {
	if id < 0 {
		metrics.FeatureMisses.Inc()
	}
	return id
}

func (s *staticTrie) size() int { return s.maxID }

// FeatureIndex owns the templates, tag vocabulary, feature ID space and
// weights. A training index grows its dictionary while sequences are read;
// Freeze turns it into an immutable decode index backed by a trie.
type FeatureIndex struct {
	res  resolver
	dict *dictionary // nil once frozen

	tags     *Alphabet
	unigrams []*Template
	bigrams  []*Template
	columns  int

	costFactor float64
	weights    []float64
}

// NewTrainingIndex reads the templates and scans the training corpus once
// to collect the tag set and the column count. Every row of the corpus
// must have the same number of columns; the last column is the gold tag.
func NewTrainingIndex(templates io.Reader, r *corpus.Reader) (*FeatureIndex, error) {
	unigrams, bigrams, err := ReadTemplates(templates)
	if err != nil {
		return nil, err
	}

	columns := -1
	var tags []string
	sequences := 0
	for {
		rows, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		sequences++
		for i, row := range rows {
			cols := corpus.Columns(row)
			if columns < 0 {
				columns = len(cols)
			}
			if len(cols) != columns {
				return nil, fmt.Errorf("%w: %s: %d columns, expected %d", ErrFormat, r.PosAt(i), len(cols), columns)
			}
			tags = append(tags, cols[columns-1])
		}
	}
	if sequences == 0 {
		return nil, fmt.Errorf("%w: %s: no training sequences", ErrFormat, r.Pos())
	}

	inputs := columns - 1
	for _, t := range append(append([]*Template(nil), unigrams...), bigrams...) {
		if t.maxCol >= inputs {
			return nil, fmt.Errorf("%w: %q references column %d but the corpus has %d input columns", ErrTemplate, t.raw, t.maxCol, inputs)
		}
	}

	alpha := NewAlphabet(tags)
	slog.Debug("Scanned training corpus", "sequences", sequences, "columns", columns, "tags", alpha.Size())

	d := newDictionary(alpha.Size())
	return &FeatureIndex{
		res:        d,
		dict:       d,
		tags:       alpha,
		unigrams:   unigrams,
		bigrams:    bigrams,
		columns:    inputs,
		costFactor: 1.0,
	}, nil
}

// Training reports whether the index still assigns new feature IDs.
func (fi *FeatureIndex) Training() bool { return fi.dict != nil }

// MaxID returns the size of the weight vector.
func (fi *FeatureIndex) MaxID() int { return fi.res.size() }

// Tags returns the tag vocabulary in ID order.
func (fi *FeatureIndex) Tags() []string { return fi.tags.ToStr }

// TagCount returns the number of distinct tags.
func (fi *FeatureIndex) TagCount() int { return fi.tags.Size() }

// Columns returns the number of input columns expected per row.
func (fi *FeatureIndex) Columns() int { return fi.columns }

// Unigrams returns the unigram template sources.
func (fi *FeatureIndex) Unigrams() []string { return templateStrings(fi.unigrams) }

// Bigrams returns the bigram template sources.
func (fi *FeatureIndex) Bigrams() []string { return templateStrings(fi.bigrams) }

// Weights returns the weight vector. It is nil until training starts.
func (fi *FeatureIndex) Weights() []float64 { return fi.weights }

// CostFactor returns the default cost factor stored with the index.
func (fi *FeatureIndex) CostFactor() float64 { return fi.costFactor }

// initWeights allocates a zeroed weight vector of MaxID entries.
func (fi *FeatureIndex) initWeights() []float64 {
	fi.weights = make([]float64, fi.MaxID())
	return fi.weights
}

// Shrink drops features seen fewer than minFreq times, renumbers the
// survivors contiguously in sorted key order and rewrites the cached
// feature IDs of every tagger.
func (fi *FeatureIndex) Shrink(minFreq int, taggers []*Tagger) error {
	d := fi.dict
	if d == nil {
		return ErrFrozen
	}
	if minFreq <= 1 {
		return nil
	}

	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	old2new := make(map[int]int, len(keys))
	entries := make(map[string]dictEntry, len(keys))
	next := 0
	for _, k := range keys {
		e := d.entries[k]
		if e.freq < minFreq {
			continue
		}
		old2new[e.id] = next
		entries[k] = dictEntry{id: next, freq: e.freq}
		next += reserve(k, d.tags)
	}

	for _, t := range taggers {
		t.remapFeatures(old2new)
	}

	slog.Debug("Shrunk feature dictionary", "before", len(d.entries), "after", len(entries), "max_id", next)
	d.entries = entries
	d.next = next
	return nil
}

// buildFeatures realizes every template for t and caches the resulting
// feature-ID lists: one per position for unigrams followed by one per
// position 1..n-1 for bigrams. A training index must not be used from
// more than one goroutine while this runs.
func (fi *FeatureIndex) buildFeatures(t *Tagger) error {
	n := len(t.rows)
	var sb strings.Builder
	feats := make([][]int, 0, 2*n)
	for pos := range n {
		ids, err := fi.realizeAll(fi.unigrams, t.rows, pos, &sb)
		if err != nil {
			return err
		}
		feats = append(feats, ids)
	}
	for pos := 1; pos < n; pos++ {
		ids, err := fi.realizeAll(fi.bigrams, t.rows, pos, &sb)
		if err != nil {
			return err
		}
		feats = append(feats, ids)
	}
	t.features = feats
	return nil
}

func (fi *FeatureIndex) realizeAll(templates []*Template, rows [][]string, pos int, sb *strings.Builder) ([]int, error) {
	ids := make([]int, 0, len(templates))
	for _, tmpl := range templates {
		key := tmpl.realize(sb, rows, pos)
		if key == "" {
			return nil, fmt.Errorf("%w: %q realized to an empty feature", ErrTemplate, tmpl.raw)
		}
		if id := fi.res.id(key); id >= 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// nodeCost is the cost factor times the sum of weights[f+y].
func (fi *FeatureIndex) nodeCost(feats []int, y int, factor float64) float64 {
	var c float64
	for _, f := range feats {
		c += fi.weights[f+y]
	}
	return factor * c
}

// edgeCost is the cost factor times the sum of weights[f+yl*L+yr].
func (fi *FeatureIndex) edgeCost(feats []int, yl, yr int, factor float64) float64 {
	off := yl*fi.tags.Size() + yr
	var c float64
	for _, f := range feats {
		c += fi.weights[f+off]
	}
	return factor * c
}

// effectiveColumns is the smallest input column count that still covers
// every column referenced by a template.
func (fi *FeatureIndex) effectiveColumns() int {
	maxCol := -1
	for _, t := range fi.unigrams {
		maxCol = max(maxCol, t.maxCol)
	}
	for _, t := range fi.bigrams {
		maxCol = max(maxCol, t.maxCol)
	}
	return min(fi.columns, maxCol+1)
}

// Freeze builds the double-array trie from the dictionary and switches the
// index to decode mode. The dictionary is released.
func (fi *FeatureIndex) Freeze() (*Model, error) {
	d := fi.dict
	if d == nil {
		return nil, ErrFrozen
	}
	if fi.weights == nil {
		fi.initWeights()
	}

	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]int, len(keys))
	for i, k := range keys {
		values[i] = d.entries[k].id
	}

	dat, err := trie.Build(keys, values)
	if err != nil {
		return nil, fmt.Errorf("crf: build feature trie: %w", err)
	}
	slog.Debug("Built feature trie", "features", len(keys), "slots", dat.Size())

	fi.res = &staticTrie{dat: dat, maxID: d.next}
	fi.dict = nil
	fi.columns = fi.effectiveColumns()
	return &Model{index: fi}, nil
}
