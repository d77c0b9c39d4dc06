// Package lbfgs implements a reverse-communication L-BFGS optimizer with
// OWL-QN orthant projection for L1-regularized objectives.
//
// The caller owns the objective: every call to Optimize hands over the
// objective value and gradient at the current point, and Optimize rewrites
// the point in place with the next one to evaluate.
package lbfgs

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrConverged reports that the gradient norm fell below tolerance.
	// The current point is a minimizer; it is not a failure.
	ErrConverged = errors.New("lbfgs: converged")
	// ErrLineSearch reports that no sufficient decrease was found.
	ErrLineSearch = errors.New("lbfgs: line search failed")
	// ErrDirection reports a search direction that is not a descent direction.
	ErrDirection = errors.New("lbfgs: not a descent direction")
)

const (
	defaultMemory   = 5
	armijo          = 1e-4
	maxTrials       = 20
	gradTolerance   = 1e-7
	backtrackFactor = 0.5
)

// Config holds optimizer settings.
type Config struct {
	// Memory is the number of correction pairs kept.
	Memory int
	// Orthant enables OWL-QN with L1 coefficient L1.
	Orthant bool
	L1      float64
}

// Optimizer holds the state carried between Optimize calls.
type Optimizer struct {
	cfg Config
	n   int

	s    [][]float64
	y    [][]float64
	rho  []float64
	k    int
	size int

	// point accepted by the last successful line search
	x0  []float64
	f0  float64
	g0  []float64 // smooth gradient at x0
	pg0 []float64 // pseudo-gradient at x0
	dir []float64

	step   float64
	trials int
	iter   int
}

// New creates an optimizer for n variables.
func New(n int, cfg Config) *Optimizer {
	if cfg.Memory <= 0 {
		cfg.Memory = defaultMemory
	}
	return &Optimizer{
		cfg: cfg,
		n:   n,
		s:   make([][]float64, cfg.Memory),
		y:   make([][]float64, cfg.Memory),
		rho: make([]float64, cfg.Memory),
	}
}

// Iterations returns the number of accepted steps so far.
func (o *Optimizer) Iterations() int { return o.iter }

// Optimize consumes f and g evaluated at x and writes the next trial
// point into x. g is the gradient of the smooth part of the objective;
// in orthant mode f must already include the L1 term.
func (o *Optimizer) Optimize(x []float64, f float64, g []float64) error {
	if len(x) != o.n || len(g) != o.n {
		return fmt.Errorf("lbfgs: dimension mismatch: x=%d g=%d want %d", len(x), len(g), o.n)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: objective is %v", ErrLineSearch, f)
	}

	pg := o.pseudoGradient(x, g)

	if o.x0 == nil {
		o.x0 = make([]float64, o.n)
		o.g0 = make([]float64, o.n)
		o.pg0 = make([]float64, o.n)
		o.accept(x, f, g, pg)
		if o.converged(x, pg) {
			return ErrConverged
		}
		o.dir = o.direction(pg)
		o.step = 1.0 / floats.Norm(pg, 2)
		return o.trial(x)
	}

	if o.Accepts(x, f) {
		o.remember(x, g)
		o.accept(x, f, g, pg)
		o.iter++
		if o.converged(x, pg) {
			return ErrConverged
		}
		o.dir = o.direction(pg)
		if floats.Dot(o.dir, pg) >= 0 {
			// Curvature pairs went stale; restart from steepest descent.
			o.size, o.k = 0, 0
			o.dir = o.direction(pg)
		}
		o.step = 1.0
		return o.trial(x)
	}

	o.trials++
	if o.trials >= maxTrials {
		copy(x, o.x0)
		return fmt.Errorf("%w after %d trials", ErrLineSearch, o.trials)
	}
	o.step *= backtrackFactor
	return o.trial(x)
}

// Accepts reports whether Optimize will take f at x as the next point
// instead of backtracking. It is true before the first call.
func (o *Optimizer) Accepts(x []float64, f float64) bool {
	if o.x0 == nil {
		return true
	}
	if len(x) != o.n {
		return false
	}
	return f <= o.f0+armijo*o.decrease(x)
}

func (o *Optimizer) accept(x []float64, f float64, g, pg []float64) {
	copy(o.x0, x)
	copy(o.g0, g)
	copy(o.pg0, pg)
	o.f0 = f
	o.trials = 0
}

// decrease is the first-order change predicted at the trial point x.
func (o *Optimizer) decrease(x []float64) float64 {
	var d float64
	for i := range x {
		d += o.pg0[i] * (x[i] - o.x0[i])
	}
	return d
}

func (o *Optimizer) converged(x, pg []float64) bool {
	gnorm := floats.Norm(pg, 2)
	xnorm := math.Max(1.0, floats.Norm(x, 2))
	return gnorm/xnorm < gradTolerance
}

// trial writes x0 + step*dir into x, projected onto the orthant of x0.
func (o *Optimizer) trial(x []float64) error {
	if floats.Dot(o.dir, o.pg0) >= 0 {
		return ErrDirection
	}
	floats.AddScaledTo(x, o.x0, o.step, o.dir)
	if !o.cfg.Orthant {
		return nil
	}
	for i := range x {
		orthant := sign(o.x0[i])
		if orthant == 0 {
			orthant = -sign(o.pg0[i])
		}
		if sign(x[i]) != orthant {
			x[i] = 0
		}
	}
	return nil
}

// remember stores the correction pair for the step from x0 to x.
func (o *Optimizer) remember(x, g []float64) {
	s := make([]float64, o.n)
	y := make([]float64, o.n)
	floats.SubTo(s, x, o.x0)
	floats.SubTo(y, g, o.g0)
	sy := floats.Dot(s, y)
	if sy <= 0 {
		return
	}
	idx := o.k % o.cfg.Memory
	o.s[idx] = s
	o.y[idx] = y
	o.rho[idx] = 1.0 / sy
	o.k++
	if o.size < o.cfg.Memory {
		o.size++
	}
}

// direction runs the two-loop recursion on pg and returns -H*pg,
// constrained to the orthant of -pg in OWL-QN mode.
func (o *Optimizer) direction(pg []float64) []float64 {
	q := make([]float64, o.n)
	copy(q, pg)

	if o.size > 0 {
		alpha := make([]float64, o.size)
		for i := 0; i < o.size; i++ {
			idx := o.slot(o.k - 1 - i)
			alpha[i] = o.rho[idx] * floats.Dot(o.s[idx], q)
			floats.AddScaled(q, -alpha[i], o.y[idx])
		}

		latest := o.slot(o.k - 1)
		if yy := floats.Dot(o.y[latest], o.y[latest]); yy > 0 {
			floats.Scale(floats.Dot(o.s[latest], o.y[latest])/yy, q)
		}

		for i := o.size - 1; i >= 0; i-- {
			idx := o.slot(o.k - 1 - i)
			beta := o.rho[idx] * floats.Dot(o.y[idx], q)
			floats.AddScaled(q, alpha[i]-beta, o.s[idx])
		}
	}

	floats.Scale(-1, q)
	if o.cfg.Orthant {
		for i := range q {
			if q[i]*pg[i] >= 0 {
				q[i] = 0
			}
		}
	}
	return q
}

func (o *Optimizer) slot(k int) int {
	idx := k % o.cfg.Memory
	if idx < 0 {
		idx += o.cfg.Memory
	}
	return idx
}

// pseudoGradient returns g in smooth mode and the OWL-QN pseudo-gradient
// of f(x) + L1*|x| otherwise.
func (o *Optimizer) pseudoGradient(x, g []float64) []float64 {
	pg := make([]float64, o.n)
	if !o.cfg.Orthant {
		copy(pg, g)
		return pg
	}
	c := o.cfg.L1
	for i := range x {
		switch {
		case x[i] > 0:
			pg[i] = g[i] + c
		case x[i] < 0:
			pg[i] = g[i] - c
		case g[i]+c < 0:
			pg[i] = g[i] + c
		case g[i]-c > 0:
			pg[i] = g[i] - c
		default:
			pg[i] = 0
		}
	}
	return pg
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
