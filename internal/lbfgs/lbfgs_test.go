package lbfgs

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadratic is f(x) = 0.5 * sum a_i (x_i - c_i)^2.
type quadratic struct {
	a, c []float64
}

func (q quadratic) eval(x, g []float64) float64 {
	var f float64
	for i := range x {
		d := x[i] - q.c[i]
		f += 0.5 * q.a[i] * d * d
		g[i] = q.a[i] * d
	}
	return f
}

func minimize(t *testing.T, opt *Optimizer, q quadratic, x []float64, l1 float64) []float64 {
	t.Helper()
	g := make([]float64, len(x))
	for i := range 200 {
		f := q.eval(x, g)
		for _, v := range x {
			f += l1 * math.Abs(v)
		}
		err := opt.Optimize(x, f, g)
		if errors.Is(err, ErrConverged) {
			return x
		}
		require.NoError(t, err, "iteration %d", i)
	}
	t.Fatal("optimizer did not converge")
	return nil
}

func TestQuadraticConverges(t *testing.T) {
	q := quadratic{a: []float64{1, 4, 0.5}, c: []float64{3, -2, 1}}
	x := make([]float64, 3)
	x = minimize(t, New(3, Config{}), q, x, 0)

	for i := range x {
		assert.InDelta(t, q.c[i], x[i], 1e-5, "x[%d]", i)
	}
}

func TestOrthantZeroesSmallWeights(t *testing.T) {
	// With an L1 coefficient of 1 the minimizer is x0 = 3-1 and x1 = 0.
	q := quadratic{a: []float64{1, 1}, c: []float64{3, -0.1}}
	x := make([]float64, 2)
	x = minimize(t, New(2, Config{Orthant: true, L1: 1}), q, x, 1)

	assert.InDelta(t, 2.0, x[0], 1e-5)
	assert.Equal(t, 0.0, x[1])
}

func TestConvergedAtStart(t *testing.T) {
	opt := New(2, Config{})
	x := []float64{1, 2}
	err := opt.Optimize(x, 0, []float64{0, 0})
	require.ErrorIs(t, err, ErrConverged)
	assert.Equal(t, []float64{1, 2}, x)
}

func TestDimensionMismatch(t *testing.T) {
	opt := New(3, Config{})
	err := opt.Optimize(make([]float64, 2), 1, make([]float64, 3))
	require.Error(t, err)
}

func TestNonFiniteObjective(t *testing.T) {
	opt := New(1, Config{})
	err := opt.Optimize([]float64{0}, math.NaN(), []float64{1})
	require.ErrorIs(t, err, ErrLineSearch)
}

func TestAcceptsFollowsArmijo(t *testing.T) {
	opt := New(1, Config{})
	x := []float64{0}
	require.True(t, opt.Accepts(x, 1e9))

	// f(x) = 0.5*(x-3)^2; the first trial moves to x = 1.
	q := quadratic{a: []float64{1}, c: []float64{3}}
	g := make([]float64, 1)
	require.NoError(t, opt.Optimize(x, q.eval(x, g), g))
	assert.InDelta(t, 1.0, x[0], 1e-12)

	assert.False(t, opt.Accepts(x, 100))
	assert.False(t, opt.Accepts(x, 4.5))
	assert.True(t, opt.Accepts(x, q.eval(x, g)))
	assert.False(t, opt.Accepts([]float64{1, 2}, 0))
}

func TestAcceptedObjectivesDecrease(t *testing.T) {
	q := quadratic{a: []float64{100, 0.01, 3}, c: []float64{1, -50, 7}}
	opt := New(3, Config{})
	x := make([]float64, 3)
	g := make([]float64, 3)

	var accepted []float64
	for range 300 {
		f := q.eval(x, g)
		if opt.Accepts(x, f) {
			accepted = append(accepted, f)
		}
		err := opt.Optimize(x, f, g)
		if errors.Is(err, ErrConverged) {
			break
		}
		require.NoError(t, err)
	}
	require.Greater(t, len(accepted), 2)
	for i := 1; i < len(accepted); i++ {
		assert.Less(t, accepted[i], accepted[i-1], "step %d", i)
	}
}
