// Package seqtag labels token sequences with a linear-chain CRF.
//
// Models are trained from column-formatted corpora and feature templates,
// and can tag pre-split rows, whole files or raw text.
//
//	m, _ := seqtag.Train(ctx, "template", "train.data", nil)
//	_ = m.Save("model.bin")
//	tags, _ := m.Tag([][]string{{"He"}, {"reckons"}, {"the"}})
package seqtag

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/happyhackingspace/seqtag/crf"
	"github.com/happyhackingspace/seqtag/internal/corpus"
	"github.com/happyhackingspace/seqtag/internal/metrics"
	"github.com/happyhackingspace/seqtag/internal/textutil"
)

// Model wraps a trained CRF.
type Model struct {
	m *crf.Model
}

// Load loads a trained model from a model file.
func Load(path string) (*Model, error) {
	m, err := crf.LoadModel(path)
	if err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}
	return &Model{m: m}, nil
}

// Save writes the model to a model file.
func (m *Model) Save(path string) error {
	if m.m == nil {
		return fmt.Errorf("seqtag: model not initialized")
	}
	if err := crf.SaveModel(m.m, path); err != nil {
		return fmt.Errorf("seqtag: %w", err)
	}
	return nil
}

// CRF returns the underlying model.
func (m *Model) CRF() *crf.Model { return m.m }

// Tags returns the tag vocabulary.
func (m *Model) Tags() []string { return m.m.Tags() }

// EnableFeatureCache memoizes up to size feature lookups.
func (m *Model) EnableFeatureCache(size int) error {
	if err := m.m.EnableFeatureCache(size); err != nil {
		return fmt.Errorf("seqtag: %w", err)
	}
	return nil
}

// Tag labels one sequence. Each row carries the input columns the model
// was trained on.
func (m *Model) Tag(rows [][]string) ([]string, error) {
	tags, err := m.m.Label(rows)
	if err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}
	return tags, nil
}

// LabelText splits raw text into one-column rows and labels them. The model
// must have been trained on a single input column.
func (m *Model) LabelText(text string, split textutil.Split) ([]string, []string, error) {
	if m.m.Columns() > 1 {
		return nil, nil, fmt.Errorf("seqtag: model expects %d input columns, raw text has 1", m.m.Columns())
	}
	rows := textutil.Rows(text, split)
	if len(rows) == 0 {
		return nil, nil, nil
	}
	tags, err := m.Tag(rows)
	if err != nil {
		return nil, nil, err
	}
	units := make([]string, len(rows))
	for i, r := range rows {
		units[i] = r[0]
	}
	return units, tags, nil
}

// TagFile reads blank-line separated sequences from in and writes every
// row with its predicted tag appended to out.
func (m *Model) TagFile(in io.Reader, out io.Writer, costFactor float64) error {
	tagger, err := m.m.NewTagger(costFactor)
	if err != nil {
		return fmt.Errorf("seqtag: %w", err)
	}
	r := corpus.NewReader(in, "input")
	w := bufio.NewWriter(out)
	for {
		err := tagger.Read(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("seqtag: %w", err)
		}
		if err := tagger.Parse(); err != nil {
			return fmt.Errorf("seqtag: %s: %w", r.Pos(), err)
		}
		if err := tagger.WriteResult(w); err != nil {
			return fmt.Errorf("seqtag: %w", err)
		}
	}
	metrics.LogDecodeSummary()
	return w.Flush()
}
