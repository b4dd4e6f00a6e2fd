package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/graphfold/pkg/schema"
	"github.com/soundprediction/graphfold/pkg/store"
	"github.com/soundprediction/graphfold/pkg/types"
)

// fakeReader is a canned-response GraphReader.
type fakeReader struct {
	byKey      map[string]*types.Node
	similar    []store.SimilarNode
	keyErr     error
	similarErr error
}

func (f *fakeReader) GetNode(ctx context.Context, id string) (*types.Node, error) {
	return nil, types.ErrNotFound
}

func (f *fakeReader) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	return nil, types.ErrNotFound
}

func (f *fakeReader) NodeExists(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (f *fakeReader) FindNodeByKey(ctx context.Context, entityType, name string) (*types.Node, error) {
	if f.keyErr != nil {
		return nil, f.keyErr
	}
	if node, ok := f.byKey[types.EntityKey(entityType, name)]; ok {
		return node, nil
	}
	return nil, types.ErrNotFound
}

func (f *fakeReader) LookupSimilar(ctx context.Context, entityType string, embedding []float32, k int) ([]store.SimilarNode, error) {
	if f.similarErr != nil {
		return nil, f.similarErr
	}
	if len(f.similar) > k {
		return f.similar[:k], nil
	}
	return f.similar, nil
}

func (f *fakeReader) Stats(ctx context.Context) (*types.GraphStats, error) {
	return &types.GraphStats{}, nil
}

func candidate(typ, name string, embedding []float32) *types.CandidateEntity {
	return &types.CandidateEntity{
		Type:          typ,
		Name:          name,
		Embedding:     embedding,
		SourceID:      "doc-1",
		Confidence:    0.9,
		ObservedAt:    time.Now().UTC(),
		SourceBatchID: "batch-1",
	}
}

func nodeWithConfidence(id string, confidence float64) *types.Node {
	return &types.Node{
		ID:   id,
		Type: "Person",
		Provenance: []types.Provenance{
			{SourceID: "doc-0", Confidence: confidence},
		},
	}
}

func TestResolveExactKeyMatch(t *testing.T) {
	existing := &types.Node{ID: "n1", Type: "Person", Name: "Ada Lovelace"}
	reader := &fakeReader{
		byKey: map[string]*types.Node{existing.Key(): existing},
	}
	r := New(reader, Options{})

	res, err := r.Resolve(context.Background(), candidate("Person", "ada  LOVELACE", nil))
	require.NoError(t, err)
	require.True(t, res.Matched())
	assert.True(t, res.Exact)
	assert.Equal(t, "n1", res.Node.ID)
	assert.Equal(t, 1.0, res.Score)
}

func TestResolveSimilarityMatch(t *testing.T) {
	reader := &fakeReader{
		similar: []store.SimilarNode{
			{Node: nodeWithConfidence("n1", 0.9), Score: 0.93},
			{Node: nodeWithConfidence("n2", 0.9), Score: 0.75},
		},
	}
	r := New(reader, Options{})

	res, err := r.Resolve(context.Background(), candidate("Person", "A. Lovelace", []float32{1, 0}))
	require.NoError(t, err)
	require.True(t, res.Matched())
	assert.False(t, res.Exact)
	assert.Equal(t, "n1", res.Node.ID)
	assert.Equal(t, 0.93, res.Score)
}

func TestResolveBelowThresholdIsNew(t *testing.T) {
	reader := &fakeReader{
		similar: []store.SimilarNode{
			{Node: nodeWithConfidence("n1", 0.9), Score: 0.6},
		},
	}
	r := New(reader, Options{})

	res, err := r.Resolve(context.Background(), candidate("Person", "Somebody Else", []float32{1, 0}))
	require.NoError(t, err)
	assert.False(t, res.Matched())
}

func TestResolveEmptyGraphIsNew(t *testing.T) {
	r := New(&fakeReader{}, Options{})

	res, err := r.Resolve(context.Background(), candidate("Person", "Ada", []float32{1, 0}))
	require.NoError(t, err)
	assert.False(t, res.Matched())
}

func TestResolveTieBreaksByConfidenceThenID(t *testing.T) {
	reader := &fakeReader{
		similar: []store.SimilarNode{
			{Node: nodeWithConfidence("n2", 0.5), Score: 0.9},
			{Node: nodeWithConfidence("n1", 0.8), Score: 0.9},
		},
	}
	r := New(reader, Options{})

	res, err := r.Resolve(context.Background(), candidate("Person", "Ada", []float32{1, 0}))
	require.NoError(t, err)
	require.True(t, res.Matched())
	assert.Equal(t, "n1", res.Node.ID, "higher provenance confidence wins the tie")

	// Equal confidence falls back to the lowest id.
	reader.similar = []store.SimilarNode{
		{Node: nodeWithConfidence("n9", 0.8), Score: 0.9},
		{Node: nodeWithConfidence("n3", 0.8), Score: 0.9},
	}
	res, err = r.Resolve(context.Background(), candidate("Person", "Ada", []float32{1, 0}))
	require.NoError(t, err)
	assert.Equal(t, "n3", res.Node.ID)
}

func TestResolveStoreFailureIsUnavailable(t *testing.T) {
	reader := &fakeReader{similarErr: errors.New("store unavailable")}
	r := New(reader, Options{})

	_, err := r.Resolve(context.Background(), candidate("Person", "Ada", []float32{1, 0}))
	assert.ErrorIs(t, err, types.ErrResolutionUnavailable)

	reader = &fakeReader{keyErr: errors.New("store unavailable")}
	r = New(reader, Options{})
	_, err = r.Resolve(context.Background(), candidate("Person", "Ada", nil))
	assert.ErrorIs(t, err, types.ErrResolutionUnavailable)
}

func TestResolvePerTypeThresholdOverride(t *testing.T) {
	reader := &fakeReader{
		similar: []store.SimilarNode{
			{Node: nodeWithConfidence("n1", 0.9), Score: 0.75},
		},
	}
	strict := &schema.Schema{Thresholds: map[string]float64{"Person": 0.9}}
	r := New(reader, Options{Schema: strict})

	res, err := r.Resolve(context.Background(), candidate("Person", "Ada", []float32{1, 0}))
	require.NoError(t, err)
	assert.False(t, res.Matched(), "the per-type threshold outranks the global default")

	// Under the global default the same score matches.
	r = New(reader, Options{})
	res, err = r.Resolve(context.Background(), candidate("Person", "Ada", []float32{1, 0}))
	require.NoError(t, err)
	assert.True(t, res.Matched())
}

func TestResolveNoEmbeddingNoNameIsNew(t *testing.T) {
	r := New(&fakeReader{}, Options{})

	res, err := r.Resolve(context.Background(), candidate("Person", "", nil))
	require.NoError(t, err)
	assert.False(t, res.Matched())
}
