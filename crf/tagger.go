package crf

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/happyhackingspace/seqtag/internal/corpus"
	"github.com/happyhackingspace/seqtag/internal/metrics"
)

// Tagger holds one sequence together with its gold labels (training),
// cached feature IDs, the lattice and the decoded result.
//
// A Tagger is not safe for concurrent use; create one per goroutine. Many
// decode Taggers may share one Model.
type Tagger struct {
	index      *FeatureIndex
	costFactor float64

	rows     [][]string
	answers  []int
	result   []int
	features [][]int

	lat   lattice
	score float64
}

// NewTagger returns a tagger bound to fi with cost factor 1. Sequences
// added to it carry gold tags while fi is still training.
func (fi *FeatureIndex) NewTagger() *Tagger {
	return &Tagger{index: fi, costFactor: 1.0}
}

// Reset clears the sequence so the tagger can be reused.
func (t *Tagger) Reset() {
	t.rows = t.rows[:0]
	t.answers = t.answers[:0]
	t.result = t.result[:0]
	t.features = nil
	t.score = 0
	t.lat.release()
}

// Len returns the number of rows.
func (t *Tagger) Len() int { return len(t.rows) }

// Empty reports whether the tagger holds no rows.
func (t *Tagger) Empty() bool { return len(t.rows) == 0 }

// Add appends one whitespace-separated row.
func (t *Tagger) Add(line string) error {
	return t.AddColumns(corpus.Columns(line))
}

// AddColumns appends one row. In training mode the column after the input
// columns is the gold tag and must be in the tag vocabulary.
func (t *Tagger) AddColumns(cols []string) error {
	need := t.index.columns
	if t.index.Training() {
		need++
	}
	if len(cols) < need {
		return fmt.Errorf("%w: %d columns, expected at least %d", ErrFormat, len(cols), need)
	}

	if t.index.Training() {
		tag := cols[t.index.columns]
		id := t.index.tags.Get(tag)
		if id < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
		}
		t.answers = append(t.answers, id)
	}
	t.rows = append(t.rows, cols)
	t.result = append(t.result, 0)
	t.features = nil
	return nil
}

// Read replaces the tagger contents with the next sequence from r. It
// returns io.EOF when r is exhausted. In training mode the features are
// realized immediately so the dictionary sees them before shrinking.
func (t *Tagger) Read(r *corpus.Reader) error {
	t.Reset()
	rows, err := r.Next()
	if err != nil {
		return err
	}
	for i, row := range rows {
		if err := t.Add(row); err != nil {
			return fmt.Errorf("%s: %w", r.PosAt(i), err)
		}
	}
	if t.index.Training() {
		return t.index.buildFeatures(t)
	}
	return nil
}

func (t *Tagger) ensureFeatures() error {
	if t.features != nil {
		return nil
	}
	return t.index.buildFeatures(t)
}

func (t *Tagger) buildLattice() error {
	if err := t.ensureFeatures(); err != nil {
		return err
	}
	n := len(t.rows)
	t.lat.build(n, t.index.TagCount(), t.features[:n], t.features[n:])
	t.lat.assignCosts(t.index, t.costFactor)
	return nil
}

// Parse decodes the most likely label path into the result.
func (t *Tagger) Parse() error {
	if t.Empty() {
		return nil
	}
	if err := t.buildLattice(); err != nil {
		return err
	}
	defer t.lat.release()
	t.score = t.lat.viterbi(t.result)
	metrics.SequencesTagged.Inc()
	return nil
}

// Gradient adds the model expectations minus the empirical feature counts
// of this sequence to expected and returns log Z minus the gold path
// score. The Viterbi path is left in the result for Eval.
func (t *Tagger) Gradient(expected []float64) (float64, error) {
	if t.Empty() {
		return 0, nil
	}
	if len(t.answers) != len(t.rows) {
		return 0, fmt.Errorf("%w: sequence has no gold tags", ErrFormat)
	}
	if err := t.buildLattice(); err != nil {
		return 0, err
	}
	defer t.lat.release()

	l := &t.lat
	z := l.forwardBackward()
	l.expectation(expected)

	L := l.L
	var s float64
	for pos, y := range t.answers {
		for _, f := range l.nodeFeats[pos] {
			expected[f+y]--
		}
		s += l.node(pos, y).cost
		if pos == 0 {
			continue
		}
		yl := t.answers[pos-1]
		for _, f := range l.edgeFeats[pos-1] {
			expected[f+yl*L+y]--
		}
		s += l.edges[l.edgeIndex(pos, yl, y)].cost
	}

	t.score = l.viterbi(t.result)
	return z - s, nil
}

// Eval returns the number of positions where the result differs from
// the gold tag.
func (t *Tagger) Eval() int {
	errs := 0
	for i, a := range t.answers {
		if t.result[i] != a {
			errs++
		}
	}
	return errs
}

// Marginals returns P(y_t=j|x) for every position and tag.
func (t *Tagger) Marginals() ([][]float64, error) {
	if t.Empty() {
		return nil, nil
	}
	if err := t.buildLattice(); err != nil {
		return nil, err
	}
	defer t.lat.release()
	t.lat.forwardBackward()
	return t.lat.marginals(), nil
}

// Result returns the decoded tag IDs.
func (t *Tagger) Result() []int { return t.result }

// Answers returns the gold tag IDs of a training sequence.
func (t *Tagger) Answers() []int { return t.answers }

// Tags returns the decoded tags as strings.
func (t *Tagger) Tags() []string {
	out := make([]string, len(t.result))
	for i, y := range t.result {
		out[i] = t.index.tags.ToStr[y]
	}
	return out
}

// Rows returns the input rows.
func (t *Tagger) Rows() [][]string { return t.rows }

// BestScore returns the score of the last decoded path.
func (t *Tagger) BestScore() float64 { return t.score }

// Probability returns exp(score - log Z) for the last decoded path.
func (t *Tagger) Probability() (float64, error) {
	if t.Empty() {
		return 1, nil
	}
	if err := t.buildLattice(); err != nil {
		return 0, err
	}
	defer t.lat.release()
	z := t.lat.forwardBackward()
	return math.Exp(t.score - z), nil
}

// WriteResult writes each row followed by its decoded tag, tab-separated,
// and a blank line after the sequence.
func (t *Tagger) WriteResult(w io.Writer) error {
	out := make([][]string, len(t.rows))
	tags := t.Tags()
	for i, row := range t.rows {
		cols := make([]string, 0, len(row)+1)
		cols = append(cols, row...)
		out[i] = append(cols, tags[i])
	}
	return corpus.WriteSequence(w, out)
}

// remapFeatures rewrites cached feature IDs after the dictionary shrank,
// dropping features that no longer exist.
func (t *Tagger) remapFeatures(old2new map[int]int) {
	for i, ids := range t.features {
		kept := ids[:0]
		for _, id := range ids {
			if nid, ok := old2new[id]; ok {
				kept = append(kept, nid)
			}
		}
		t.features[i] = kept
	}
}

// ReadSequences reads every sequence of r into its own tagger. fi must be
// a training index.
func ReadSequences(fi *FeatureIndex, r *corpus.Reader) ([]*Tagger, error) {
	if !fi.Training() {
		return nil, ErrFrozen
	}
	var taggers []*Tagger
	for {
		t := fi.NewTagger()
		err := t.Read(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		taggers = append(taggers, t)
	}
	if len(taggers) == 0 {
		return nil, fmt.Errorf("%w: %s: no sequences", ErrFormat, r.Pos())
	}
	return taggers, nil
}
