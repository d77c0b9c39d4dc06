// Package trie implements a static double-array trie for exact-match
// string lookups.
package trie

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsorted is returned by Build when keys are not in ascending byte order.
	ErrUnsorted = errors.New("trie: keys are not sorted")
	// ErrValue is returned by Build for negative values.
	ErrValue = errors.New("trie: values must be non-negative")
)

// Miss is returned by ExactMatch for keys that were not in the build set.
const Miss = -1

// DoubleArray is an immutable double-array trie. A key byte c is encoded
// as code c+1; code 0 terminates a key and its slot holds -(value+1).
type DoubleArray struct {
	base  []int32
	check []int32
}

// New wraps previously serialized base and check arrays.
func New(base, check []int32) (*DoubleArray, error) {
	if len(base) != len(check) {
		return nil, fmt.Errorf("trie: base/check length mismatch: %d != %d", len(base), len(check))
	}
	return &DoubleArray{base: base, check: check}, nil
}

// Base returns the base array.
func (d *DoubleArray) Base() []int32 { return d.base }

// Check returns the check array.
func (d *DoubleArray) Check() []int32 { return d.check }

// Size returns the number of allocated slots.
func (d *DoubleArray) Size() int { return len(d.base) }

// ExactMatch returns the value stored for key, or Miss.
func (d *DoubleArray) ExactMatch(key string) int {
	if len(d.base) == 0 {
		return Miss
	}
	b := d.base[0]
	for i := 0; i < len(key); i++ {
		p := int(b) + int(key[i]) + 1
		if p >= len(d.check) || d.check[p] != b {
			return Miss
		}
		b = d.base[p]
	}
	p := int(b)
	if p < 0 || p >= len(d.check) {
		return Miss
	}
	if n := d.base[p]; d.check[p] == b && n < 0 {
		return int(-n - 1)
	}
	return Miss
}

type node struct {
	code  int
	depth int
	left  int
	right int
}

type builder struct {
	keys   []string
	values []int

	base         []int32
	check        []int32
	used         []bool
	size         int
	nextCheckPos int
}

// Build constructs a trie from keys sorted in ascending byte order.
// values[i] is associated with keys[i].
func Build(keys []string, values []int) (*DoubleArray, error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("trie: %d keys but %d values", len(keys), len(values))
	}
	for i, v := range values {
		if v < 0 {
			return nil, fmt.Errorf("%w: %q=%d", ErrValue, keys[i], v)
		}
		if i > 0 && keys[i-1] >= keys[i] {
			return nil, fmt.Errorf("%w: %q before %q", ErrUnsorted, keys[i-1], keys[i])
		}
	}

	b := &builder{keys: keys, values: values}
	b.resize(1024)
	b.base[0] = 1
	b.size = 1

	siblings := b.fetch(node{left: 0, right: len(keys), depth: 0})
	if len(siblings) > 0 {
		begin, err := b.insert(siblings)
		if err != nil {
			return nil, err
		}
		b.base[0] = int32(begin)
	}

	return &DoubleArray{
		base:  b.base[:b.size],
		check: b.check[:b.size],
	}, nil
}

func (b *builder) resize(n int) {
	if n <= len(b.base) {
		return
	}
	base := make([]int32, n)
	check := make([]int32, n)
	used := make([]bool, n)
	copy(base, b.base)
	copy(check, b.check)
	copy(used, b.used)
	b.base, b.check, b.used = base, check, used
}

func (b *builder) grow(need int) {
	if need < len(b.base) {
		return
	}
	n := 2 * len(b.base)
	if n <= need {
		n = need + 1
	}
	b.resize(n)
}

// fetch collects the distinct child codes of parent, keeping key ranges.
func (b *builder) fetch(parent node) []node {
	var siblings []node
	prev := 0
	for i := parent.left; i < parent.right; i++ {
		key := b.keys[i]
		if len(key) < parent.depth {
			continue
		}
		cur := 0
		if len(key) != parent.depth {
			cur = int(key[parent.depth]) + 1
		}
		if len(siblings) == 0 || cur != prev {
			if len(siblings) > 0 {
				siblings[len(siblings)-1].right = i
			}
			siblings = append(siblings, node{code: cur, depth: parent.depth + 1, left: i})
		}
		prev = cur
	}
	if len(siblings) > 0 {
		siblings[len(siblings)-1].right = parent.right
	}
	return siblings
}

// insert places siblings at the first base offset where all of their
// slots are free and recurses into each child range.
func (b *builder) insert(siblings []node) (int, error) {
	first := siblings[0].code
	last := siblings[len(siblings)-1].code

	pos := max(first+1, b.nextCheckPos) - 1
	nonzero := 0
	seen := false
	begin := 0

outer:
	for {
		pos++
		b.grow(pos)
		if b.check[pos] != 0 {
			nonzero++
			continue
		}
		if !seen {
			b.nextCheckPos = pos
			seen = true
		}

		begin = pos - first
		b.grow(begin + last)
		if b.used[begin] {
			continue
		}
		for _, s := range siblings[1:] {
			if b.check[begin+s.code] != 0 {
				continue outer
			}
		}
		break
	}

	// Skip densely packed regions on the next search.
	if float64(nonzero)/float64(pos-b.nextCheckPos+1) >= 0.95 {
		b.nextCheckPos = pos
	}

	b.used[begin] = true
	b.size = max(b.size, begin+last+1)

	for _, s := range siblings {
		b.check[begin+s.code] = int32(begin)
	}

	for _, s := range siblings {
		children := b.fetch(s)
		if len(children) == 0 {
			b.base[begin+s.code] = int32(-b.values[s.left] - 1)
			continue
		}
		h, err := b.insert(children)
		if err != nil {
			return 0, err
		}
		b.base[begin+s.code] = int32(h)
	}
	return begin, nil
}
