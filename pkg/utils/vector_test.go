package utils

import (
	"errors"
	"testing"

	"github.com/soundprediction/graphfold/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{
			name: "identical vectors",
			a:    []float32{1, 0, 0},
			b:    []float32{1, 0, 0},
			want: 1.0,
		},
		{
			name: "orthogonal vectors",
			a:    []float32{1, 0},
			b:    []float32{0, 1},
			want: 0.0,
		},
		{
			name: "opposite vectors",
			a:    []float32{1, 2},
			b:    []float32{-1, -2},
			want: -1.0,
		},
		{
			name: "near match",
			a:    []float32{1, 0, 0},
			b:    []float32{0.99, 0.01, 0},
			want: 0.99994,
		},
		{
			name: "zero magnitude",
			a:    []float32{0, 0},
			b:    []float32{1, 1},
			want: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Similarity(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-4)
		})
	}
}

func TestSimilaritySelfIsOne(t *testing.T) {
	t.Parallel()

	vectors := [][]float32{
		{1, 0, 0},
		{0.3, -0.2, 0.9},
		{5, 5, 5, 5},
	}
	for _, v := range vectors {
		got, err := Similarity(v, v)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got, 1e-9)
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	t.Parallel()

	a := []float32{0.1, 0.7, -0.3}
	b := []float32{0.5, -0.2, 0.8}
	ab, err := Similarity(a, b)
	require.NoError(t, err)
	ba, err := Similarity(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestSimilarityDimensionMismatch(t *testing.T) {
	t.Parallel()

	_, err := Similarity([]float32{1, 2}, []float32{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrDimensionMismatch))
}

func TestIsMatch(t *testing.T) {
	t.Parallel()

	match, err := IsMatch([]float32{1, 0, 0}, []float32{0.99, 0.01, 0}, 0.7)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = IsMatch([]float32{1, 0}, []float32{0, 1}, 0.7)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	n := Normalize([]float32{3, 4})
	require.NotNil(t, n)
	assert.InDelta(t, 1.0, Magnitude(n), 1e-6)
	assert.InDelta(t, 0.6, float64(n[0]), 1e-6)

	assert.Nil(t, Normalize(nil))
	assert.Nil(t, Normalize([]float32{0, 0}))
}

func TestTopKByScore(t *testing.T) {
	t.Parallel()

	items := []ScoredItem[string]{
		{Item: "a", Score: 0.2},
		{Item: "b", Score: 0.9},
		{Item: "c", Score: 0.5},
		{Item: "d", Score: 0.7},
	}

	top2 := TopKByScore(items, 2)
	require.Len(t, top2, 2)
	assert.Equal(t, "b", top2[0].Item)
	assert.Equal(t, "d", top2[1].Item)

	all := TopKByScore(items, 10)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Score, all[i].Score)
	}

	assert.Nil(t, TopKByScore(items, 0))
}
