package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/graphfold/pkg/resolver"
	"github.com/soundprediction/graphfold/pkg/schema"
	"github.com/soundprediction/graphfold/pkg/store"
	"github.com/soundprediction/graphfold/pkg/types"
)

// fakeReader serves canned graph state to the resolver and reconciler.
type fakeReader struct {
	byKey     map[string]*types.Node
	edges     map[string]*types.Edge
	similar   map[string][]store.SimilarNode
	lookupErr error
}

func (f *fakeReader) GetNode(ctx context.Context, id string) (*types.Node, error) {
	return nil, types.ErrNotFound
}

func (f *fakeReader) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	if e, ok := f.edges[id]; ok {
		return e, nil
	}
	return nil, types.ErrNotFound
}

func (f *fakeReader) NodeExists(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (f *fakeReader) FindNodeByKey(ctx context.Context, entityType, name string) (*types.Node, error) {
	if node, ok := f.byKey[types.EntityKey(entityType, name)]; ok {
		return node, nil
	}
	return nil, types.ErrNotFound
}

func (f *fakeReader) LookupSimilar(ctx context.Context, entityType string, embedding []float32, k int) ([]store.SimilarNode, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.similar[entityType], nil
}

func (f *fakeReader) Stats(ctx context.Context) (*types.GraphStats, error) {
	return &types.GraphStats{}, nil
}

func newReconciler(reader *fakeReader, s *schema.Schema) *Reconciler {
	res := resolver.New(reader, resolver.Options{Schema: s})
	return New(res, reader, Options{Schema: s})
}

var batchTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func entity(name string, observedAt time.Time, attrs map[string]types.AttrValue) *types.CandidateEntity {
	return &types.CandidateEntity{
		Type:          "Person",
		Name:          name,
		Attributes:    attrs,
		SourceID:      "doc-1",
		Confidence:    0.9,
		ObservedAt:    observedAt,
		SourceBatchID: "batch-1",
	}
}

func relationship(relType string, from, to types.EndpointRef, confidence float64, observedAt time.Time) *types.CandidateRelationship {
	return &types.CandidateRelationship{
		Type:          relType,
		From:          from,
		To:            to,
		Confidence:    confidence,
		SourceID:      "doc-1",
		ObservedAt:    observedAt,
		SourceBatchID: "batch-1",
	}
}

func findOp(ops []*types.MergeOperation, kind types.OpKind) *types.MergeOperation {
	for _, op := range ops {
		if op.Kind == kind {
			return op
		}
	}
	return nil
}

func TestReconcileNewEntityCreatesNode(t *testing.T) {
	r := newReconciler(&fakeReader{}, nil)

	batch := &types.Batch{
		ID: "batch-1",
		Entities: []*types.CandidateEntity{
			entity("Ada Lovelace", batchTime, map[string]types.AttrValue{
				"field": types.Scalar("mathematics"),
			}),
		},
	}
	result, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result.Ops, 1)
	assert.Equal(t, 1, result.NodesCreated)
	assert.Empty(t, result.Deferred)

	op := result.Ops[0]
	assert.Equal(t, types.OpCreateNode, op.Kind)
	require.NotNil(t, op.Node)
	assert.NotEmpty(t, op.Node.ID)
	assert.Equal(t, "Ada Lovelace", op.Node.Name)
	assert.Len(t, op.Node.Provenance, 1)
	assert.Equal(t, types.Scalar("mathematics"), op.Node.Attributes["field"])
}

func TestReconcileCoalescesSameEntity(t *testing.T) {
	r := newReconciler(&fakeReader{}, nil)

	earlier := batchTime
	later := batchTime.Add(time.Hour)
	batch := &types.Batch{
		ID: "batch-1",
		Entities: []*types.CandidateEntity{
			entity("Ada Lovelace", later, map[string]types.AttrValue{
				"field": types.Scalar("mathematics"),
				"alias": types.Multi("Ada"),
			}),
			// Same entity key, observed earlier: its scalar must lose, its
			// set members must still accumulate.
			entity("ada  lovelace", earlier, map[string]types.AttrValue{
				"field": types.Scalar("poetry"),
				"alias": types.Multi("Countess of Lovelace"),
			}),
		},
	}
	result, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result.Ops, 1, "candidates for one entity coalesce into one operation")

	node := result.Ops[0].Node
	require.NotNil(t, node)
	assert.Equal(t, types.Scalar("mathematics"), node.Attributes["field"])
	assert.Equal(t, []string{"Ada", "Countess of Lovelace"}, node.Attributes["alias"].Set)
	assert.Len(t, node.Provenance, 2)
}

func TestReconcileSimilarityMatchProducesUpdate(t *testing.T) {
	existing := &types.Node{
		ID:      "n1",
		Type:    "Person",
		Name:    "Ada Lovelace",
		Version: 1,
		Attributes: map[string]types.AttrValue{
			"field": types.Scalar("mathematics"),
		},
		Embedding: []float32{1, 0},
		Provenance: []types.Provenance{
			{SourceID: "doc-0", IngestedAt: batchTime.Add(-time.Hour), Confidence: 0.8},
		},
	}
	reader := &fakeReader{
		similar: map[string][]store.SimilarNode{
			"Person": {{Node: existing, Score: 0.92}},
		},
	}
	r := newReconciler(reader, nil)

	candidate := entity("A. Lovelace", batchTime, map[string]types.AttrValue{
		"born": types.Scalar("1815"),
	})
	candidate.Embedding = []float32{0.99, 0.01}

	result, err := r.Reconcile(context.Background(), &types.Batch{
		ID:       "batch-1",
		Entities: []*types.CandidateEntity{candidate},
	})
	require.NoError(t, err)
	require.Len(t, result.Ops, 1)
	assert.Equal(t, 1, result.NodesUpdated)

	op := result.Ops[0]
	assert.Equal(t, types.OpUpdateNode, op.Kind)
	assert.Equal(t, "n1", op.EntityID)
	require.NotNil(t, op.Delta)
	assert.Equal(t, int64(1), op.Delta.BaseVersion)
	assert.Len(t, op.Delta.Provenance, 1)
	assert.Equal(t, types.Scalar("mathematics"), op.Delta.Attributes["field"], "existing attributes survive the merge")
	assert.Equal(t, types.Scalar("1815"), op.Delta.Attributes["born"])
}

func TestReconcileStaleScalarLosesAgainstStored(t *testing.T) {
	existing := &types.Node{
		ID:      "n1",
		Type:    "Person",
		Name:    "Ada Lovelace",
		Version: 3,
		Attributes: map[string]types.AttrValue{
			"field": types.Scalar("mathematics"),
		},
		Provenance: []types.Provenance{
			{SourceID: "doc-0", IngestedAt: batchTime, Confidence: 0.8},
		},
	}
	reader := &fakeReader{
		byKey: map[string]*types.Node{existing.Key(): existing},
	}
	r := newReconciler(reader, nil)

	stale := entity("Ada Lovelace", batchTime.Add(-time.Hour), map[string]types.AttrValue{
		"field": types.Scalar("poetry"),
	})
	result, err := r.Reconcile(context.Background(), &types.Batch{
		ID:       "batch-1",
		Entities: []*types.CandidateEntity{stale},
	})
	require.NoError(t, err)
	require.Len(t, result.Ops, 1)
	assert.Equal(t, types.Scalar("mathematics"), result.Ops[0].Delta.Attributes["field"],
		"an older observation never overwrites a newer stored value")
}

func TestReconcileEdgeBetweenBatchEntities(t *testing.T) {
	r := newReconciler(&fakeReader{}, nil)

	ada := entity("Ada Lovelace", batchTime, nil)
	mit := entity("MIT", batchTime, nil)
	mit.Type = "Organization"

	batch := &types.Batch{
		ID:       "batch-1",
		Entities: []*types.CandidateEntity{ada, mit},
		Relationships: []*types.CandidateRelationship{
			relationship("AFFILIATED_WITH",
				types.EndpointRef{Type: "Person", Name: "Ada Lovelace"},
				types.EndpointRef{Type: "Organization", Name: "MIT"},
				0.8, batchTime),
		},
	}
	result, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result.Ops, 3)
	assert.Equal(t, 1, result.EdgesCreated)
	assert.Empty(t, result.Deferred)

	edgeOp := findOp(result.Ops, types.OpCreateEdge)
	require.NotNil(t, edgeOp)
	edge := edgeOp.Edge
	assert.NotEmpty(t, edge.FromNodeID)
	assert.NotEmpty(t, edge.ToNodeID)
	assert.NotEqual(t, edge.FromNodeID, edge.ToNodeID)
	assert.Equal(t, types.EdgeIdentity("AFFILIATED_WITH", edge.FromNodeID, edge.ToNodeID), edge.ID)
	assert.Equal(t, 0.8, edge.Confidence)
}

func TestReconcileUnresolvedEndpointDefersRelationship(t *testing.T) {
	r := newReconciler(&fakeReader{}, nil)

	batch := &types.Batch{
		ID: "batch-1",
		Entities: []*types.CandidateEntity{
			entity("Ada Lovelace", batchTime, nil),
		},
		Relationships: []*types.CandidateRelationship{
			relationship("AFFILIATED_WITH",
				types.EndpointRef{Type: "Person", Name: "Ada Lovelace"},
				types.EndpointRef{Type: "Organization", Name: "MIT"},
				0.8, batchTime),
		},
	}
	result, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	assert.Len(t, result.Ops, 1, "only the node operation survives")
	require.Len(t, result.Deferred, 1)
	assert.ErrorIs(t, result.Deferred[0].Reason, types.ErrUnresolvedEndpoint)
	require.NotNil(t, result.Deferred[0].Relationship)
	assert.Equal(t, "MIT", result.Deferred[0].Relationship.To.Name)
}

func TestReconcileReobservedEdgeBecomesUpdate(t *testing.T) {
	from := &types.Node{ID: "n1", Type: "Person", Name: "Ada Lovelace", Version: 1}
	to := &types.Node{ID: "n2", Type: "Organization", Name: "MIT", Version: 1}
	edgeID := types.EdgeIdentity("AFFILIATED_WITH", "n1", "n2")
	existing := &types.Edge{
		ID:         edgeID,
		Type:       "AFFILIATED_WITH",
		FromNodeID: "n1",
		ToNodeID:   "n2",
		Confidence: 0.6,
		Version:    1,
		Provenance: []types.Provenance{
			{SourceID: "doc-0", IngestedAt: batchTime.Add(-time.Hour), Confidence: 0.6},
		},
	}
	reader := &fakeReader{
		byKey: map[string]*types.Node{from.Key(): from, to.Key(): to},
		edges: map[string]*types.Edge{edgeID: existing},
	}
	r := newReconciler(reader, nil)

	batch := &types.Batch{
		ID: "batch-1",
		Relationships: []*types.CandidateRelationship{
			relationship("AFFILIATED_WITH",
				types.EndpointRef{Type: "Person", Name: "Ada Lovelace"},
				types.EndpointRef{Type: "Organization", Name: "MIT"},
				0.9, batchTime),
		},
	}
	result, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result.Ops, 1)
	assert.Equal(t, 1, result.EdgesUpdated)

	op := result.Ops[0]
	assert.Equal(t, types.OpUpdateEdge, op.Kind)
	assert.Equal(t, edgeID, op.EntityID)
	require.NotNil(t, op.Delta.Confidence)
	assert.Equal(t, 0.9, *op.Delta.Confidence, "the newer observation wins the confidence")
	assert.Equal(t, int64(1), op.Delta.BaseVersion)
}

func TestReconcileSelfLoopPolicy(t *testing.T) {
	rel := relationship("REFERENCES",
		types.EndpointRef{Type: "Person", Name: "Ada Lovelace"},
		types.EndpointRef{Type: "Person", Name: "ada lovelace"},
		0.8, batchTime)

	batch := &types.Batch{
		ID:            "batch-1",
		Entities:      []*types.CandidateEntity{entity("Ada Lovelace", batchTime, nil)},
		Relationships: []*types.CandidateRelationship{rel},
	}

	// Default schema rejects self-loops.
	r := newReconciler(&fakeReader{}, nil)
	result, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result.Deferred, 1)
	assert.ErrorIs(t, result.Deferred[0].Reason, ErrSelfLoopNotAllowed)

	// A schema that allows them lets the edge through.
	permissive := &schema.Schema{
		Edges: map[string]schema.EdgeRule{"REFERENCES": {AllowSelfLoops: true}},
	}
	r = newReconciler(&fakeReader{}, permissive)
	result, err = r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	assert.Empty(t, result.Deferred)
	assert.Equal(t, 1, result.EdgesCreated)
}

func TestReconcileResolutionUnavailableDefersEntity(t *testing.T) {
	reader := &fakeReader{lookupErr: errors.New("store unavailable")}
	r := newReconciler(reader, nil)

	candidate := entity("Ada Lovelace", batchTime, nil)
	candidate.Embedding = []float32{1, 0}

	result, err := r.Reconcile(context.Background(), &types.Batch{
		ID:       "batch-1",
		Entities: []*types.CandidateEntity{candidate},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Ops)
	require.Len(t, result.Deferred, 1)
	assert.ErrorIs(t, result.Deferred[0].Reason, types.ErrResolutionUnavailable)
}

func TestReconcileDimensionMismatchDefersEntity(t *testing.T) {
	res := resolver.New(&fakeReader{}, resolver.Options{})
	r := New(res, &fakeReader{}, Options{Dimension: 128})

	candidate := entity("Ada Lovelace", batchTime, nil)
	candidate.Embedding = []float32{1, 0, 0}

	result, err := r.Reconcile(context.Background(), &types.Batch{
		ID:       "batch-1",
		Entities: []*types.CandidateEntity{candidate},
	})
	require.NoError(t, err)
	require.Len(t, result.Deferred, 1)
	assert.ErrorIs(t, result.Deferred[0].Reason, types.ErrDimensionMismatch)
}

func TestReconcileOneOpPerEntity(t *testing.T) {
	r := newReconciler(&fakeReader{}, nil)

	batch := &types.Batch{
		ID: "batch-1",
		Entities: []*types.CandidateEntity{
			entity("Ada Lovelace", batchTime, nil),
			entity("Ada Lovelace", batchTime.Add(time.Minute), nil),
			entity("Ada Lovelace", batchTime.Add(2*time.Minute), nil),
		},
	}
	result, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result.Ops, 1)

	seen := map[string]bool{}
	for _, op := range result.Ops {
		assert.False(t, seen[op.EntityID])
		seen[op.EntityID] = true
	}
}

func TestReconcileNamelessEntitiesResolveIndependently(t *testing.T) {
	r := newReconciler(&fakeReader{}, nil)

	// Same type, no name, dissimilar embeddings: each must resolve on its own
	// and create its own node.
	batch := &types.Batch{
		ID: "batch-1",
		Entities: []*types.CandidateEntity{
			{Type: "Person", Embedding: []float32{1, 0, 0}, SourceID: "doc-1", Confidence: 0.9, ObservedAt: batchTime, SourceBatchID: "batch-1"},
			{Type: "Person", Embedding: []float32{0, 1, 0}, SourceID: "doc-2", Confidence: 0.8, ObservedAt: batchTime, SourceBatchID: "batch-1"},
		},
	}
	result, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.NodesCreated)
	require.Len(t, result.Ops, 2)
	for _, op := range result.Ops {
		assert.Equal(t, types.OpCreateNode, op.Kind)
	}
	assert.NotEqual(t, result.Ops[0].Node.ID, result.Ops[1].Node.ID)
	assert.Empty(t, result.Deferred)
}

func TestReconcileNamelessEntityMatchesBySimilarity(t *testing.T) {
	existing := &types.Node{
		ID:        "node-1",
		Type:      "Person",
		Name:      "Ada Lovelace",
		Version:   3,
		Embedding: []float32{1, 0, 0},
		Provenance: []types.Provenance{
			{SourceID: "doc-0", IngestedAt: batchTime.Add(-time.Hour), Confidence: 0.9},
		},
	}
	reader := &fakeReader{
		similar: map[string][]store.SimilarNode{
			"Person": {{Node: existing, Score: 0.95}},
		},
	}
	r := newReconciler(reader, nil)

	batch := &types.Batch{
		ID: "batch-1",
		Entities: []*types.CandidateEntity{
			{Type: "Person", Embedding: []float32{1, 0, 0}, SourceID: "doc-1", Confidence: 0.9, ObservedAt: batchTime, SourceBatchID: "batch-1"},
		},
	}
	result, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NodesUpdated)
	require.Len(t, result.Ops, 1)
	assert.Equal(t, types.OpUpdateNode, result.Ops[0].Kind)
	assert.Equal(t, "node-1", result.Ops[0].EntityID)
}
