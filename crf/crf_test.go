package crf

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/seqtag/internal/corpus"
)

const toyCorpus = `a A
b B

a A
b B

b B
a A
`

const toyTemplates = `# unigram
U00:%x[0,0]

# bigram
B
`

func newTrainingSet(t *testing.T, templates, data string) (*FeatureIndex, []*Tagger) {
	t.Helper()
	fi, err := NewTrainingIndex(strings.NewReader(templates), corpus.NewReader(strings.NewReader(data), "train"))
	require.NoError(t, err)
	taggers, err := ReadSequences(fi, corpus.NewReader(strings.NewReader(data), "train"))
	require.NoError(t, err)
	return fi, taggers
}

func randomWeights(fi *FeatureIndex, seed uint64) {
	r := rand.New(rand.NewPCG(seed, seed+1))
	w := fi.initWeights()
	for i := range w {
		w[i] = r.NormFloat64()
	}
}

// bruteForce enumerates every label path of the tagger's lattice and
// returns log Z, the best path and its score.
func bruteForce(t *Tagger) (float64, []int, float64) {
	l := &t.lat
	T, L := l.T, l.L
	path := make([]int, T)
	best := make([]int, T)
	bestScore := math.Inf(-1)
	var z float64
	first := true

	var walk func(pos int)
	walk = func(pos int) {
		if pos == T {
			var s float64
			for i, y := range path {
				s += l.node(i, y).cost
				if i > 0 {
					s += l.edges[l.edgeIndex(i, path[i-1], y)].cost
				}
			}
			z = logSumExp(z, s, first)
			first = false
			if s > bestScore {
				bestScore = s
				copy(best, path)
			}
			return
		}
		for y := range L {
			path[pos] = y
			walk(pos + 1)
		}
	}
	walk(0)
	return z, best, bestScore
}

func TestAlphabet(t *testing.T) {
	a := NewAlphabet([]string{"O", "B-PER", "I-PER", "O", "B-LOC"})

	assert.Equal(t, []string{"B-LOC", "B-PER", "I-PER", "O"}, a.ToStr)
	assert.Equal(t, 4, a.Size())
	assert.Equal(t, 0, a.Get("B-LOC"))
	assert.Equal(t, 3, a.Get("O"))
	assert.Equal(t, -1, a.Get("missing"))
}

func TestLogSumExp(t *testing.T) {
	assert.Equal(t, 5.0, logSumExp(123, 5, true))
	assert.Equal(t, 100.0, logSumExp(100, 10, false))
	assert.InDelta(t, math.Log(math.Exp(1)+math.Exp(2)), logSumExp(1, 2, false), 1e-12)
	assert.InDelta(t, math.Log(2)+3, logSumExp(3, 3, false), 1e-12)
}

func TestIndexFeatureIDs(t *testing.T) {
	fi, taggers := newTrainingSet(t, toyTemplates, toyCorpus)

	assert.Equal(t, []string{"A", "B"}, fi.Tags())
	assert.Equal(t, 1, fi.Columns())
	assert.Equal(t, 8, fi.MaxID())
	require.Len(t, taggers, 3)

	// unigram lists per position, then bigram lists for positions 1..n-1
	assert.Equal(t, [][]int{{0}, {2}, {4}}, taggers[0].features)
	assert.Equal(t, [][]int{{2}, {0}, {4}}, taggers[2].features)
	assert.Equal(t, []int{1, 0}, taggers[2].Answers())

	assert.Equal(t, 3, fi.dict.entries["U00:a"].freq)
	assert.Equal(t, 3, fi.dict.entries["B"].freq)
}

func TestNewTrainingIndexErrors(t *testing.T) {
	tests := []struct {
		name      string
		templates string
		data      string
		want      error
	}{
		{"inconsistent columns", "U00:%x[0,0]\n", "a A\nb c B\n", ErrFormat},
		{"empty corpus", "U00:%x[0,0]\n", "\n\n", ErrFormat},
		{"column out of range", "U00:%x[0,1]\n", "a A\n", ErrTemplate},
		{"row out of range", "U00:%x[9,0]\n", "a A\n", ErrTemplate},
		{"no templates", "# nothing\n", "a A\n", ErrTemplate},
		{"bad marker", "X00:%x[0,0]\n", "a A\n", ErrTemplate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTrainingIndex(strings.NewReader(tt.templates), corpus.NewReader(strings.NewReader(tt.data), "train"))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUnknownGoldTag(t *testing.T) {
	fi, _ := newTrainingSet(t, toyTemplates, toyCorpus)
	tg := fi.NewTagger()
	err := tg.Add("c C")
	require.ErrorIs(t, err, ErrUnknownTag)

	err = tg.Add("c")
	require.ErrorIs(t, err, ErrFormat)
}

func TestShrinkMinFrequencyOneIsNoop(t *testing.T) {
	fi, taggers := newTrainingSet(t, toyTemplates, toyCorpus)
	before := make([][][]int, len(taggers))
	for i, tg := range taggers {
		for _, ids := range tg.features {
			before[i] = append(before[i], append([]int(nil), ids...))
		}
	}
	entries := make(map[string]dictEntry, len(fi.dict.entries))
	for k, v := range fi.dict.entries {
		entries[k] = v
	}

	require.NoError(t, fi.Shrink(1, taggers))

	assert.Equal(t, 8, fi.MaxID())
	assert.Equal(t, entries, fi.dict.entries)
	for i, tg := range taggers {
		assert.Equal(t, before[i], tg.features)
	}
}

func TestShrinkDropsSingleton(t *testing.T) {
	// U00:a occurs once and is seen first; U00:b occurs twice.
	data := "a A\nb B\n\nb A\n"
	fi, taggers := newTrainingSet(t, "U00:%x[0,0]\n", data)
	require.Equal(t, 4, fi.MaxID())
	// no bigram templates, so the single transition list is empty
	assert.Equal(t, [][]int{{0}, {2}, {}}, taggers[0].features)

	require.NoError(t, fi.Shrink(2, taggers))

	assert.Equal(t, 2, fi.MaxID())
	assert.Equal(t, map[string]dictEntry{"U00:b": {id: 0, freq: 2}}, fi.dict.entries)
	assert.Equal(t, [][]int{{}, {0}, {}}, taggers[0].features)
	assert.Equal(t, [][]int{{0}}, taggers[1].features)
}

func TestForwardBackwardConsistency(t *testing.T) {
	data := "a x A\nb y B\nc x C\nd y A\n\nb x C\n"
	templates := "U00:%x[0,0]\nU01:%x[-1,0]/%x[0,1]\nU02:%x[1,1]\nB\nB01:%x[0,1]\n"
	fi, taggers := newTrainingSet(t, templates, data)
	randomWeights(fi, 42)

	for _, tg := range taggers {
		require.NoError(t, tg.buildLattice())
		z := tg.lat.forwardBackward()

		assert.InDelta(t, tg.lat.forwardZ(), z, 1e-9)
		want, _, _ := bruteForce(tg)
		assert.InDelta(t, want, z, 1e-9)

		for _, row := range tg.lat.marginals() {
			var sum float64
			for _, p := range row {
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-9)
		}
		tg.lat.release()
	}
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	data := "a x A\nb y B\nc x C\n\nb x C\na y A\n"
	templates := "U00:%x[0,0]\nU01:%x[0,1]\nB\n"
	fi, taggers := newTrainingSet(t, templates, data)
	randomWeights(fi, 7)
	w := fi.Weights()

	objective := func() float64 {
		var obj float64
		scratch := make([]float64, len(w))
		for _, tg := range taggers {
			o, err := tg.Gradient(scratch)
			require.NoError(t, err)
			obj += o
		}
		return obj
	}

	grad := make([]float64, len(w))
	for _, tg := range taggers {
		_, err := tg.Gradient(grad)
		require.NoError(t, err)
	}

	const h = 1e-6
	for k := range w {
		orig := w[k]
		w[k] = orig + h
		up := objective()
		w[k] = orig - h
		down := objective()
		w[k] = orig
		assert.InDelta(t, (up-down)/(2*h), grad[k], 1e-5, "weight %d", k)
	}
}

func TestViterbiMatchesBruteForce(t *testing.T) {
	data := "a x A\nb y B\nc x C\nd y A\n\nb x C\nc y B\n"
	templates := "U00:%x[0,0]\nU01:%x[-1,1]\nB\n"
	fi, taggers := newTrainingSet(t, templates, data)

	for seed := range uint64(5) {
		randomWeights(fi, seed)
		for _, tg := range taggers {
			require.NoError(t, tg.buildLattice())
			_, wantPath, wantScore := bruteForce(tg)
			got := make([]int, tg.Len())
			score := tg.lat.viterbi(got)
			tg.lat.release()

			assert.Equal(t, wantPath, got)
			assert.InDelta(t, wantScore, score, 1e-9)
		}
	}
}

func TestViterbiZeroWeightsPicksFirstLabel(t *testing.T) {
	data := "a C\nb B\nc A\n"
	fi, taggers := newTrainingSet(t, "U00:%x[0,0]\nB\n", data)
	fi.initWeights()

	require.NoError(t, taggers[0].Parse())
	assert.Equal(t, []int{0, 0, 0}, taggers[0].Result())
	assert.Equal(t, []string{"A", "A", "A"}, taggers[0].Tags())
	assert.Equal(t, 0.0, taggers[0].BestScore())
}

func TestEval(t *testing.T) {
	fi, taggers := newTrainingSet(t, toyTemplates, toyCorpus)
	fi.initWeights()
	tg := taggers[0]

	_, err := tg.Gradient(make([]float64, fi.MaxID()))
	require.NoError(t, err)
	// all-zero weights decode A A against gold A B
	assert.Equal(t, 1, tg.Eval())
}

func TestTrainerConfigValidate(t *testing.T) {
	require.NoError(t, DefaultTrainerConfig().Validate())

	mutate := []func(*TrainerConfig){
		func(c *TrainerConfig) { c.Algorithm = "CRF-L3" },
		func(c *TrainerConfig) { c.C = 0 },
		func(c *TrainerConfig) { c.C = math.NaN() },
		func(c *TrainerConfig) { c.Eta = 0 },
		func(c *TrainerConfig) { c.MaxIterations = -1 },
		func(c *TrainerConfig) { c.MinFrequency = 0 },
		func(c *TrainerConfig) { c.Threads = 0 },
	}
	for i, m := range mutate {
		cfg := DefaultTrainerConfig()
		m(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]Algorithm{
		"CRF-L1": L1, "l1": L1, "crf-l2": L2, "L2": L2, " CRF ": L2,
	} {
		got, err := ParseAlgorithm(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseAlgorithm("MIRA")
	require.Error(t, err)
}
