package crf

import "math"

// viterbi fills result with the highest-scoring label path and returns its
// score. Among equal predecessors the lowest label wins, as does the
// lowest final label.
func (l *lattice) viterbi(result []int) float64 {
	T, L := l.T, l.L

	for pos := range T {
		for y := range L {
			nd := l.node(pos, y)
			if pos == 0 {
				nd.bestCost = nd.cost
				nd.prev = -1
				continue
			}
			bestScore := math.Inf(-1)
			bestPrev := 0
			for yl := range L {
				e := &l.edges[l.edgeIndex(pos, yl, y)]
				score := l.nodes[e.left].bestCost + e.cost
				if score > bestScore {
					bestScore = score
					bestPrev = yl
				}
			}
			nd.bestCost = bestScore + nd.cost
			nd.prev = bestPrev
		}
	}

	last := T - 1
	bestLabel := 0
	for y := 1; y < L; y++ {
		if l.node(last, y).bestCost > l.node(last, bestLabel).bestCost {
			bestLabel = y
		}
	}
	bestScore := l.node(last, bestLabel).bestCost

	// Backtrack
	for pos, y := last, bestLabel; pos >= 0; pos-- {
		result[pos] = y
		y = l.node(pos, y).prev
	}
	return bestScore
}
