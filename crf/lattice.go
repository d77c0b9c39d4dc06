package crf

// node is the (position, label) cell of the lattice.
type node struct {
	cost     float64
	alpha    float64
	beta     float64
	bestCost float64
	prev     int // best predecessor label, -1 at position 0
}

// edge connects (pos-1, yl) to (pos, yr). left and right index nodes.
type edge struct {
	left  int
	right int
	cost  float64
}

// lattice is the fully connected T x L graph of one sequence. Nodes are
// stored position-major and edges for position pos (pos >= 1) at
// (pos-1)*L*L + yl*L + yr, so iterating yl walks a node's left edges in
// label order.
type lattice struct {
	T     int
	L     int
	nodes []node
	edges []edge

	nodeFeats [][]int
	edgeFeats [][]int

	z float64
}

// build allocates the graph for T positions and L labels, reusing the
// previous arrays when they are large enough.
func (l *lattice) build(T, L int, nodeFeats, edgeFeats [][]int) {
	l.T, l.L = T, L
	l.nodeFeats, l.edgeFeats = nodeFeats, edgeFeats
	l.z = 0

	nn := T * L
	ne := 0
	if T > 1 {
		ne = (T - 1) * L * L
	}
	if cap(l.nodes) < nn {
		l.nodes = make([]node, nn)
	}
	l.nodes = l.nodes[:nn]
	clear(l.nodes)
	if cap(l.edges) < ne {
		l.edges = make([]edge, ne)
	}
	l.edges = l.edges[:ne]

	for pos := 1; pos < T; pos++ {
		for yl := range L {
			for yr := range L {
				l.edges[l.edgeIndex(pos, yl, yr)] = edge{
					left:  (pos-1)*L + yl,
					right: pos*L + yr,
				}
			}
		}
	}
}

// assignCosts fills node and edge costs from the index weights.
func (l *lattice) assignCosts(fi *FeatureIndex, factor float64) {
	for pos := range l.T {
		for y := range l.L {
			l.nodes[pos*l.L+y].cost = fi.nodeCost(l.nodeFeats[pos], y, factor)
		}
	}
	for pos := 1; pos < l.T; pos++ {
		for yl := range l.L {
			for yr := range l.L {
				l.edges[l.edgeIndex(pos, yl, yr)].cost = fi.edgeCost(l.edgeFeats[pos-1], yl, yr, factor)
			}
		}
	}
}

func (l *lattice) node(pos, y int) *node { return &l.nodes[pos*l.L+y] }

func (l *lattice) edgeIndex(pos, yl, yr int) int {
	return (pos-1)*l.L*l.L + yl*l.L + yr
}

// release drops the graph and its references to the feature lists.
func (l *lattice) release() {
	l.nodes = nil
	l.edges = nil
	l.nodeFeats = nil
	l.edgeFeats = nil
	l.T = 0
}
