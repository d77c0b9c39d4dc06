package crf

import "math"

// minusLogEpsilon is the gap beyond which the smaller term of a
// log-sum-exp is dropped.
const minusLogEpsilon = 50

// logSumExp returns log(exp(x) + exp(y)). When first is set it returns y.
func logSumExp(x, y float64, first bool) float64 {
	if first {
		return y
	}
	vmin, vmax := math.Min(x, y), math.Max(x, y)
	if vmax > vmin+minusLogEpsilon {
		return vmax
	}
	return vmax + math.Log(math.Exp(vmin-vmax)+1.0)
}

// forwardBackward computes alpha and beta for every node in log space and
// stores log Z.
func (l *lattice) forwardBackward() float64 {
	T, L := l.T, l.L

	for pos := range T {
		for y := range L {
			nd := l.node(pos, y)
			nd.alpha = 0
			if pos > 0 {
				for yl := range L {
					e := &l.edges[l.edgeIndex(pos, yl, y)]
					nd.alpha = logSumExp(nd.alpha, e.cost+l.nodes[e.left].alpha, yl == 0)
				}
			}
			nd.alpha += nd.cost
		}
	}

	for pos := T - 1; pos >= 0; pos-- {
		for y := range L {
			nd := l.node(pos, y)
			nd.beta = 0
			if pos < T-1 {
				for yr := range L {
					e := &l.edges[l.edgeIndex(pos+1, y, yr)]
					nd.beta = logSumExp(nd.beta, e.cost+l.nodes[e.right].beta, yr == 0)
				}
			}
			nd.beta += nd.cost
		}
	}

	l.z = 0
	for y := range L {
		l.z = logSumExp(l.z, l.nodes[y].beta, y == 0)
	}
	return l.z
}

// forwardZ is log Z computed from the alphas of the last position.
func (l *lattice) forwardZ() float64 {
	var z float64
	last := l.T - 1
	for y := range l.L {
		z = logSumExp(z, l.node(last, y).alpha, y == 0)
	}
	return z
}

// expectation adds the model expectation of every feature to expected.
// Must run after forwardBackward.
func (l *lattice) expectation(expected []float64) {
	T, L := l.T, l.L
	for pos := range T {
		feats := l.nodeFeats[pos]
		for y := range L {
			nd := l.node(pos, y)
			p := math.Exp(nd.alpha + nd.beta - nd.cost - l.z)
			for _, f := range feats {
				expected[f+y] += p
			}
		}
	}
	for pos := 1; pos < T; pos++ {
		feats := l.edgeFeats[pos-1]
		for yl := range L {
			for yr := range L {
				e := &l.edges[l.edgeIndex(pos, yl, yr)]
				p := math.Exp(l.nodes[e.left].alpha + e.cost + l.nodes[e.right].beta - l.z)
				off := yl*L + yr
				for _, f := range feats {
					expected[f+off] += p
				}
			}
		}
	}
}

// marginals returns P(y_t=j|x) for every position. Must run after
// forwardBackward.
func (l *lattice) marginals() [][]float64 {
	out := make([][]float64, l.T)
	for pos := range l.T {
		out[pos] = make([]float64, l.L)
		for y := range l.L {
			nd := l.node(pos, y)
			out[pos][y] = math.Exp(nd.alpha + nd.beta - nd.cost - l.z)
		}
	}
	return out
}
