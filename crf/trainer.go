package crf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/happyhackingspace/seqtag/internal/lbfgs"
	"github.com/happyhackingspace/seqtag/internal/metrics"
)

// Algorithm selects the regularizer.
type Algorithm string

const (
	// L1 regularization, optimized with orthant-wise L-BFGS.
	L1 Algorithm = "CRF-L1"
	// L2 regularization.
	L2 Algorithm = "CRF-L2"
)

// ParseAlgorithm accepts "CRF-L1", "CRF-L2", "L1" or "L2", case-insensitive.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRF-L1", "L1", "CRF1":
		return L1, nil
	case "CRF-L2", "L2", "CRF", "CRF2":
		return L2, nil
	}
	return "", fmt.Errorf("crf: unknown algorithm %q", s)
}

// convergeWindow is how many consecutive small objective changes stop
// training.
const convergeWindow = 3

// TrainerConfig holds CRF training hyperparameters.
type TrainerConfig struct {
	Algorithm     Algorithm
	C             float64 // regularization trade-off; larger fits the data more
	Eta           float64 // relative objective change counted as converged
	MaxIterations int
	MinFrequency  int // features seen fewer times are dropped
	Threads       int
}

// DefaultTrainerConfig returns default training config.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Algorithm:     L2,
		C:             1.0,
		Eta:           1e-4,
		MaxIterations: 10000,
		MinFrequency:  1,
		Threads:       runtime.NumCPU(),
	}
}

// Validate checks the configuration.
func (c TrainerConfig) Validate() error {
	switch {
	case c.Algorithm != L1 && c.Algorithm != L2:
		return fmt.Errorf("crf: unknown algorithm %q", c.Algorithm)
	case c.C <= 0 || math.IsNaN(c.C) || math.IsInf(c.C, 0):
		return fmt.Errorf("crf: cost C must be a positive number, got %v", c.C)
	case c.Eta <= 0:
		return fmt.Errorf("crf: eta must be positive, got %v", c.Eta)
	case c.MaxIterations < 0:
		return fmt.Errorf("crf: max iterations must not be negative, got %d", c.MaxIterations)
	case c.MinFrequency < 1:
		return fmt.Errorf("crf: min frequency must be at least 1, got %d", c.MinFrequency)
	case c.Threads < 1:
		return fmt.Errorf("crf: threads must be at least 1, got %d", c.Threads)
	}
	return nil
}

// IterationStats summarizes one training iteration. An iteration is a
// point accepted by the line search, so Objective never increases from
// one iteration to the next.
type IterationStats struct {
	Iteration      int
	Tokens         int
	Errors         int
	Sequences      int
	SequenceErrors int
	Active         int
	Objective      float64
	Diff           float64
	Elapsed        time.Duration // includes rejected line-search trials
}

// TokenErrorRate returns the token error fraction.
func (s IterationStats) TokenErrorRate() float64 {
	if s.Tokens == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Tokens)
}

// SequenceErrorRate returns the fraction of sequences with an error.
func (s IterationStats) SequenceErrorRate() float64 {
	if s.Sequences == 0 {
		return 0
	}
	return float64(s.SequenceErrors) / float64(s.Sequences)
}

// Trainer runs the parallel gradient computation and the optimizer loop.
type Trainer struct {
	cfg      TrainerConfig
	observer func(IterationStats)
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

// WithObserver registers a callback invoked after every iteration from the
// training goroutine.
func WithObserver(fn func(IterationStats)) TrainerOption {
	return func(t *Trainer) { t.observer = fn }
}

// NewTrainer validates cfg and returns a trainer.
func NewTrainer(cfg TrainerConfig, opts ...TrainerOption) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{cfg: cfg}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// worker accumulates the gradient of every stride-th sequence.
type worker struct {
	id       int
	stride   int
	size     int
	expected []float64
	obj      float64
	errors   int
	zeroOne  int
}

func (wk *worker) run(ctx context.Context, taggers []*Tagger) error {
	if wk.expected == nil {
		wk.expected = make([]float64, wk.size)
	} else {
		clear(wk.expected)
	}
	wk.obj, wk.errors, wk.zeroOne = 0, 0, 0

	for i := wk.id; i < len(taggers); i += wk.stride {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := taggers[i]
		obj, err := t.Gradient(wk.expected)
		if err != nil {
			return fmt.Errorf("sequence %d: %w", i, err)
		}
		wk.obj += obj
		if n := t.Eval(); n > 0 {
			wk.errors += n
			wk.zeroOne++
		}
	}
	return nil
}

// Train fits the weights of index to taggers. Rare features are dropped
// first according to MinFrequency. On return the index holds the final
// weights; call Freeze to obtain a Model.
func (tr *Trainer) Train(ctx context.Context, index *FeatureIndex, taggers []*Tagger) error {
	if !index.Training() {
		return ErrFrozen
	}
	if len(taggers) == 0 {
		return fmt.Errorf("%w: no training sequences", ErrFormat)
	}

	tokens := 0
	for i, t := range taggers {
		if err := t.ensureFeatures(); err != nil {
			return fmt.Errorf("sequence %d: %w", i, err)
		}
		tokens += t.Len()
	}
	if err := index.Shrink(tr.cfg.MinFrequency, taggers); err != nil {
		return err
	}

	w := index.initWeights()
	cfg := tr.cfg
	slog.Info("Training CRF",
		"algorithm", cfg.Algorithm,
		"sequences", len(taggers),
		"tokens", tokens,
		"tags", index.TagCount(),
		"templates", len(index.unigrams)+len(index.bigrams),
		"features", index.MaxID(),
		"threads", cfg.Threads,
		"c", cfg.C,
		"eta", cfg.Eta,
		"min_freq", cfg.MinFrequency,
		"max_iterations", cfg.MaxIterations,
	)

	workers := make([]*worker, cfg.Threads)
	for i := range workers {
		workers[i] = &worker{id: i, stride: cfg.Threads, size: len(w)}
	}

	opt := lbfgs.New(len(w), lbfgs.Config{
		Orthant: cfg.Algorithm == L1,
		L1:      1.0 / cfg.C,
	})

	var oldObj float64
	converge := 0
	start := time.Now()
	for iter := 0; iter < cfg.MaxIterations; {
		g, gctx := errgroup.WithContext(ctx)
		for _, wk := range workers {
			g.Go(func() error { return wk.run(gctx, taggers) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("crf: iteration %d: %w", iter, err)
		}

		lead := workers[0]
		for _, wk := range workers[1:] {
			lead.obj += wk.obj
			lead.errors += wk.errors
			lead.zeroOne += wk.zeroOne
			for k, v := range wk.expected {
				lead.expected[k] += v
			}
			wk.expected = nil
		}

		obj, active := tr.regularize(w, lead.obj, lead.expected)

		// A trial point the line search rejects is not an iteration: the
		// optimizer backtracks and the shorter step is evaluated instead.
		if !opt.Accepts(w, obj) {
			if err := opt.Optimize(w, obj, lead.expected); err != nil {
				return fmt.Errorf("%w at iteration %d: %w", ErrOptimization, iter, err)
			}
			continue
		}

		diff := 1.0
		if iter > 0 {
			diff = math.Abs((oldObj - obj) / oldObj)
		}
		oldObj = obj

		stats := IterationStats{
			Iteration:      iter,
			Tokens:         tokens,
			Errors:         lead.errors,
			Sequences:      len(taggers),
			SequenceErrors: lead.zeroOne,
			Active:         active,
			Objective:      obj,
			Diff:           diff,
			Elapsed:        time.Since(start),
		}
		tr.report(stats)

		if diff < cfg.Eta {
			converge++
		} else {
			converge = 0
		}
		if converge == convergeWindow {
			slog.Info("CRF training converged", "iteration", iter+1, "objective", obj)
			break
		}

		err := opt.Optimize(w, obj, lead.expected)
		if errors.Is(err, lbfgs.ErrConverged) {
			slog.Info("CRF optimizer converged", "iteration", iter+1, "objective", obj)
			break
		}
		if err != nil {
			return fmt.Errorf("%w at iteration %d: %w", ErrOptimization, iter, err)
		}
		iter++
		start = time.Now()
	}
	return nil
}

// regularize adds the penalty to obj and, for L2, its gradient to grad.
// It returns the objective and the number of active features.
func (tr *Trainer) regularize(w []float64, obj float64, grad []float64) (float64, int) {
	c := tr.cfg.C
	active := 0
	if tr.cfg.Algorithm == L1 {
		for _, v := range w {
			obj += math.Abs(v / c)
			if v != 0 {
				active++
			}
		}
		return obj, active
	}
	for k, v := range w {
		obj += v * v / (2.0 * c)
		grad[k] += v / c
	}
	return obj, len(w)
}

func (tr *Trainer) report(s IterationStats) {
	slog.Debug("CRF training iteration",
		"iteration", s.Iteration+1,
		"terr", s.TokenErrorRate(),
		"serr", s.SequenceErrorRate(),
		"active", s.Active,
		"obj", s.Objective,
		"diff", s.Diff,
		"elapsed", s.Elapsed,
	)

	metrics.TrainingIterations.Inc()
	metrics.Objective.Set(s.Objective)
	metrics.ObjectiveDiff.Set(s.Diff)
	metrics.ActiveFeatures.Set(float64(s.Active))
	metrics.TokenErrorRate.Set(s.TokenErrorRate())
	metrics.SequenceErrorRate.Set(s.SequenceErrorRate())
	metrics.IterationLatency.Observe(s.Elapsed.Seconds())

	if tr.observer != nil {
		tr.observer(s)
	}
}
