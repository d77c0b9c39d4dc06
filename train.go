package seqtag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/happyhackingspace/seqtag/crf"
	"github.com/happyhackingspace/seqtag/internal/corpus"
)

// TrainConfig holds configuration for training.
type TrainConfig struct {
	Trainer crf.TrainerConfig
	// OnIteration is called after every training iteration.
	OnIteration func(crf.IterationStats)
}

// DefaultTrainConfig returns the default training configuration.
func DefaultTrainConfig() *TrainConfig {
	return &TrainConfig{Trainer: crf.DefaultTrainerConfig()}
}

// EvalResult holds tagging accuracy on a labeled test file.
type EvalResult struct {
	TokenAccuracy    float64
	SequenceAccuracy float64
	TokenCorrect     int
	TokenTotal       int
	SequenceCorrect  int
	SequenceTotal    int

	Classes   []string
	Confusion map[string]map[string]int // gold -> predicted -> count
	Precision map[string]float64
	Recall    map[string]float64
	F1        map[string]float64
	MacroF1   float64
}

// Train trains a model from a template file and a training corpus.
func Train(ctx context.Context, templatePath, trainPath string, config *TrainConfig) (*Model, error) {
	if config == nil {
		config = DefaultTrainConfig()
	}
	var opts []crf.TrainerOption
	if config.OnIteration != nil {
		opts = append(opts, crf.WithObserver(config.OnIteration))
	}
	trainer, err := crf.NewTrainer(config.Trainer, opts...)
	if err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}

	index, err := buildIndex(templatePath, trainPath)
	if err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}

	start := time.Now()
	f, err := corpus.Open(trainPath)
	if err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}
	taggers, err := crf.ReadSequences(index, f.Reader)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}
	slog.Debug("Read training data", "sequences", len(taggers), "features", index.MaxID(), "duration", time.Since(start))

	if err := trainer.Train(ctx, index, taggers); err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}
	m, err := index.Freeze()
	if err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}
	slog.Debug("Training completed", "duration", time.Since(start))
	return &Model{m: m}, nil
}

func buildIndex(templatePath, trainPath string) (*crf.FeatureIndex, error) {
	tf, err := os.Open(templatePath)
	if err != nil {
		return nil, err
	}
	defer tf.Close()

	f, err := corpus.Open(trainPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return crf.NewTrainingIndex(tf, f.Reader)
}

// Evaluate tags every sequence of a labeled test file and compares the
// result against the gold tag in the last column.
func Evaluate(model *Model, testPath string, costFactor float64) (*EvalResult, error) {
	f, err := corpus.Open(testPath)
	if err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}
	defer f.Close()

	tagger, err := model.m.NewTagger(costFactor)
	if err != nil {
		return nil, fmt.Errorf("seqtag: %w", err)
	}

	result := &EvalResult{Confusion: make(map[string]map[string]int)}
	for {
		rows, err := f.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("seqtag: %w", err)
		}

		tagger.Reset()
		gold := make([]string, len(rows))
		for i, row := range rows {
			cols := corpus.Columns(row)
			if len(cols) < model.m.Columns()+1 {
				return nil, fmt.Errorf("seqtag: %s: %w: missing gold tag column", f.PosAt(i), crf.ErrFormat)
			}
			gold[i] = cols[len(cols)-1]
			if err := tagger.AddColumns(cols[:len(cols)-1]); err != nil {
				return nil, fmt.Errorf("seqtag: %s: %w", f.PosAt(i), err)
			}
		}
		if err := tagger.Parse(); err != nil {
			return nil, fmt.Errorf("seqtag: %s: %w", f.Pos(), err)
		}

		allCorrect := true
		for i, pred := range tagger.Tags() {
			result.TokenTotal++
			if pred == gold[i] {
				result.TokenCorrect++
			} else {
				allCorrect = false
			}
			if result.Confusion[gold[i]] == nil {
				result.Confusion[gold[i]] = make(map[string]int)
			}
			result.Confusion[gold[i]][pred]++
		}
		result.SequenceTotal++
		if allCorrect {
			result.SequenceCorrect++
		}
	}

	if result.TokenTotal > 0 {
		result.TokenAccuracy = float64(result.TokenCorrect) / float64(result.TokenTotal)
	}
	if result.SequenceTotal > 0 {
		result.SequenceAccuracy = float64(result.SequenceCorrect) / float64(result.SequenceTotal)
	}
	result.classMetrics()
	return result, nil
}

// classMetrics fills per-class precision, recall and F1 from the confusion
// matrix.
func (r *EvalResult) classMetrics() {
	seen := make(map[string]bool)
	for gold, row := range r.Confusion {
		seen[gold] = true
		for pred := range row {
			seen[pred] = true
		}
	}
	r.Classes = r.Classes[:0]
	for c := range seen {
		r.Classes = append(r.Classes, c)
	}
	sort.Strings(r.Classes)

	r.Precision = make(map[string]float64, len(r.Classes))
	r.Recall = make(map[string]float64, len(r.Classes))
	r.F1 = make(map[string]float64, len(r.Classes))
	var sumF1 float64
	for _, c := range r.Classes {
		tp := r.Confusion[c][c]
		goldTotal, predTotal := 0, 0
		for _, v := range r.Confusion[c] {
			goldTotal += v
		}
		for _, row := range r.Confusion {
			predTotal += row[c]
		}
		if predTotal > 0 {
			r.Precision[c] = float64(tp) / float64(predTotal)
		}
		if goldTotal > 0 {
			r.Recall[c] = float64(tp) / float64(goldTotal)
		}
		if p, rc := r.Precision[c], r.Recall[c]; p+rc > 0 {
			r.F1[c] = 2 * p * rc / (p + rc)
		}
		sumF1 += r.F1[c]
	}
	if len(r.Classes) > 0 {
		r.MacroF1 = sumF1 / float64(len(r.Classes))
	}
}
