package trie

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactMatch(t *testing.T) {
	keys := []string{"B", "U00:a", "U00:ab", "U00:b", "U01:_B-1", "U01:\xff"}
	values := []int{0, 4, 6, 8, 10, 12}

	dat, err := Build(keys, values)
	require.NoError(t, err)

	for i, k := range keys {
		assert.Equal(t, values[i], dat.ExactMatch(k), "key %q", k)
	}
	for _, k := range []string{"", "U", "U00:", "U00:abc", "U00:c", "BB", "U01:_B-"} {
		assert.Equal(t, Miss, dat.ExactMatch(k), "key %q", k)
	}
}

func TestEmptyKeySet(t *testing.T) {
	dat, err := Build(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Miss, dat.ExactMatch(""))
	assert.Equal(t, Miss, dat.ExactMatch("U00:a"))
}

func TestEmptyStringKey(t *testing.T) {
	dat, err := Build([]string{"", "a"}, []int{3, 7})
	require.NoError(t, err)
	assert.Equal(t, 3, dat.ExactMatch(""))
	assert.Equal(t, 7, dat.ExactMatch("a"))
	assert.Equal(t, Miss, dat.ExactMatch("b"))
}

func TestBuildRejectsBadInput(t *testing.T) {
	_, err := Build([]string{"b", "a"}, []int{0, 1})
	require.ErrorIs(t, err, ErrUnsorted)

	_, err = Build([]string{"a", "a"}, []int{0, 1})
	require.ErrorIs(t, err, ErrUnsorted)

	_, err = Build([]string{"a"}, []int{-2})
	require.ErrorIs(t, err, ErrValue)

	_, err = Build([]string{"a"}, nil)
	require.Error(t, err)
}

func TestRandomizedKeySet(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	const alphabet = "abcUB:_-+0123456789/\t\xe4\xb8\x80"

	randomKey := func() string {
		n := 1 + r.IntN(12)
		b := make([]byte, n)
		for i := range b {
			b[i] = alphabet[r.IntN(len(alphabet))]
		}
		return string(b)
	}

	present := make(map[string]int)
	for len(present) < 2000 {
		present[randomKey()] = 0
	}
	keys := make([]string, 0, len(present))
	for k := range present {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]int, len(keys))
	for i, k := range keys {
		values[i] = i * 3
		present[k] = i * 3
	}

	dat, err := Build(keys, values)
	require.NoError(t, err)

	for k, v := range present {
		require.Equal(t, v, dat.ExactMatch(k), "present key %q", k)
	}
	for range 5000 {
		k := randomKey()
		want, ok := present[k]
		if !ok {
			want = Miss
		}
		require.Equal(t, want, dat.ExactMatch(k), "probe key %q", k)
	}
}

func TestRoundTripArrays(t *testing.T) {
	keys := []string{"U00:x", "U00:y", "U01:x/y"}
	dat, err := Build(keys, []int{0, 2, 4})
	require.NoError(t, err)

	restored, err := New(dat.Base(), dat.Check())
	require.NoError(t, err)
	assert.Equal(t, dat.Size(), restored.Size())
	for i, k := range keys {
		assert.Equal(t, i*2, restored.ExactMatch(k))
	}

	_, err = New([]int32{1, 2}, []int32{0})
	require.Error(t, err)
}
