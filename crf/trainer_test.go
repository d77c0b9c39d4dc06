package crf

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/seqtag/internal/corpus"
	"github.com/happyhackingspace/seqtag/internal/metrics"
)

func trainToy(t *testing.T, cfg TrainerConfig) (*FeatureIndex, []*Tagger, []IterationStats) {
	t.Helper()
	fi, taggers := newTrainingSet(t, toyTemplates, toyCorpus)

	var stats []IterationStats
	tr, err := NewTrainer(cfg, WithObserver(func(s IterationStats) { stats = append(stats, s) }))
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background(), fi, taggers))
	return fi, taggers, stats
}

func TestTrainObjectiveDecreases(t *testing.T) {
	cfg := DefaultTrainerConfig()
	cfg.MaxIterations = 5
	cfg.Eta = 1e-12
	cfg.Threads = 2

	fi, _, stats := trainToy(t, cfg)

	require.Len(t, stats, 5)
	for i := 1; i < len(stats); i++ {
		assert.Less(t, stats[i].Objective, stats[i-1].Objective, "iteration %d", i)
	}
	assert.Equal(t, 1.0, stats[0].Diff)
	assert.Equal(t, 6, stats[0].Tokens)
	assert.Equal(t, 8, stats[0].Active)
	assert.Len(t, fi.Weights(), fi.MaxID())
}

// randomCorpus returns three sequences of one to four rows over a small
// vocabulary with tags A and B, both of which occur.
func randomCorpus(seed uint64) string {
	r := rand.New(rand.NewPCG(seed, 2*seed+1))
	words := []string{"a", "b", "c", "d", "e"}
	var sb strings.Builder
	for s := range 3 {
		n := 1 + r.IntN(4)
		for i := range n {
			tag := "A"
			if r.IntN(2) == 1 {
				tag = "B"
			}
			if i == 0 && s < 2 {
				tag = []string{"A", "B"}[s]
			}
			fmt.Fprintf(&sb, "%s %s\n", words[r.IntN(len(words))], tag)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestTrainObjectiveDecreasesOnRandomCorpora(t *testing.T) {
	cfg := DefaultTrainerConfig()
	cfg.Algorithm = L2
	cfg.C = 1
	cfg.MaxIterations = 5
	cfg.Eta = 1e-12
	cfg.Threads = 8

	for seed := range uint64(200) {
		data := randomCorpus(seed)
		fi, taggers := newTrainingSet(t, toyTemplates, data)
		require.Equal(t, 2, fi.TagCount(), "seed %d", seed)

		var objs []float64
		tr, err := NewTrainer(cfg, WithObserver(func(s IterationStats) { objs = append(objs, s.Objective) }))
		require.NoError(t, err)
		require.NoError(t, tr.Train(context.Background(), fi, taggers), "seed %d", seed)

		require.Len(t, objs, 5, "seed %d", seed)
		for i := 1; i < len(objs); i++ {
			assert.Less(t, objs[i], objs[i-1], "seed %d iteration %d: %v", seed, i, objs)
		}
	}
}

func TestTrainConvergesAndFitsCorpus(t *testing.T) {
	before := testutil.ToFloat64(metrics.TrainingIterations)

	cfg := DefaultTrainerConfig()
	cfg.MaxIterations = 200
	fi, taggers, stats := trainToy(t, cfg)

	require.NotEmpty(t, stats)
	assert.Less(t, len(stats), 200)
	last := stats[len(stats)-1]
	assert.Equal(t, 0, last.Errors)
	assert.Equal(t, 0.0, last.SequenceErrorRate())
	assert.Equal(t, before+float64(len(stats)), testutil.ToFloat64(metrics.TrainingIterations))

	for _, tg := range taggers {
		require.NoError(t, tg.Parse())
		assert.Equal(t, tg.Answers(), tg.Result())
	}

	w := fi.Weights()
	assert.Greater(t, w[0], w[1], "a should prefer A")
	assert.Greater(t, w[3], w[2], "b should prefer B")
}

func TestTrainSingleAndMultiThreadAgree(t *testing.T) {
	cfg := DefaultTrainerConfig()
	cfg.MaxIterations = 4
	cfg.Eta = 1e-12

	cfg.Threads = 1
	one, _, _ := trainToy(t, cfg)
	cfg.Threads = 3
	three, _, _ := trainToy(t, cfg)

	require.Equal(t, len(one.Weights()), len(three.Weights()))
	for i := range one.Weights() {
		assert.InDelta(t, one.Weights()[i], three.Weights()[i], 1e-9)
	}
}

func TestTrainL1Sparsity(t *testing.T) {
	cfg := DefaultTrainerConfig()
	cfg.Algorithm = L1
	cfg.MaxIterations = 200

	fi, taggers, stats := trainToy(t, cfg)

	zeros := 0
	for _, v := range fi.Weights() {
		if v == 0 {
			zeros++
		}
	}
	assert.Positive(t, zeros)
	assert.Equal(t, fi.MaxID()-zeros, stats[len(stats)-1].Active)

	for _, tg := range taggers {
		require.NoError(t, tg.Parse())
		assert.Equal(t, tg.Answers(), tg.Result())
	}
}

func TestTrainStrongL1KeepsAllZero(t *testing.T) {
	cfg := DefaultTrainerConfig()
	cfg.Algorithm = L1
	cfg.C = 0.1

	fi, _, stats := trainToy(t, cfg)

	require.Len(t, stats, 1)
	for _, v := range fi.Weights() {
		assert.Equal(t, 0.0, v)
	}
}

func TestTrainMinFrequency(t *testing.T) {
	data := toyCorpus + "\nc A\na A\n"
	fi, taggers := newTrainingSet(t, toyTemplates, data)
	require.Equal(t, 10, fi.MaxID())

	cfg := DefaultTrainerConfig()
	cfg.MinFrequency = 2
	cfg.MaxIterations = 3
	tr, err := NewTrainer(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background(), fi, taggers))

	// U00:c is dropped; B, U00:a and U00:b survive.
	assert.Equal(t, 8, fi.MaxID())
	assert.Len(t, fi.Weights(), 8)
	_, ok := fi.dict.entries["U00:c"]
	assert.False(t, ok)
}

func TestTrainCancelled(t *testing.T) {
	fi, taggers := newTrainingSet(t, toyTemplates, toyCorpus)
	tr, err := NewTrainer(DefaultTrainerConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tr.Train(ctx, fi, taggers)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTrainRejectsFrozenIndex(t *testing.T) {
	fi, taggers := newTrainingSet(t, toyTemplates, toyCorpus)
	_, err := fi.Freeze()
	require.NoError(t, err)

	tr, err := NewTrainer(DefaultTrainerConfig())
	require.NoError(t, err)
	require.ErrorIs(t, tr.Train(context.Background(), fi, taggers), ErrFrozen)
}

func TestReadSequencesErrors(t *testing.T) {
	fi, _ := newTrainingSet(t, toyTemplates, toyCorpus)

	_, err := ReadSequences(fi, corpus.NewReader(strings.NewReader("a A\nq Q\n"), "bad"))
	require.ErrorIs(t, err, ErrUnknownTag)
	assert.Contains(t, err.Error(), "bad:2")

	_, err = ReadSequences(fi, corpus.NewReader(strings.NewReader(""), "empty"))
	require.ErrorIs(t, err, ErrFormat)
}
