package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/graphfold/pkg/types"
)

// flakyStore is a GraphStore test double whose commit path fails a set number
// of times before succeeding.
type flakyStore struct {
	mu           sync.Mutex
	failCommits  int
	commitCalls  int
	commitSizes  []int
	perOpErr     error
	perOpFailID  string
	perOpErrHits int
}

func (f *flakyStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	return nil, types.ErrNotFound
}

func (f *flakyStore) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	return nil, types.ErrNotFound
}

func (f *flakyStore) NodeExists(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (f *flakyStore) FindNodeByKey(ctx context.Context, entityType, name string) (*types.Node, error) {
	return nil, types.ErrNotFound
}

func (f *flakyStore) LookupSimilar(ctx context.Context, entityType string, embedding []float32, k int) ([]SimilarNode, error) {
	return nil, nil
}

func (f *flakyStore) Stats(ctx context.Context) (*types.GraphStats, error) {
	return &types.GraphStats{}, nil
}

func (f *flakyStore) CommitBatch(ctx context.Context, ops []*types.MergeOperation) ([]types.OpResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commitCalls++
	f.commitSizes = append(f.commitSizes, len(ops))

	if f.failCommits > 0 {
		f.failCommits--
		return nil, errors.New("store unavailable")
	}

	results := make([]types.OpResult, len(ops))
	for i, op := range ops {
		results[i] = types.OpResult{OperationID: op.ID, Status: types.OpApplied}
		if f.perOpErr != nil && op.ID == f.perOpFailID && f.perOpErrHits > 0 {
			f.perOpErrHits--
			results[i] = types.OpResult{OperationID: op.ID, Status: types.OpFailed, Err: f.perOpErr}
		}
	}
	return results, nil
}

func (f *flakyStore) Close() error { return nil }

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryStoreCommitRetriesThenSucceeds(t *testing.T) {
	inner := &flakyStore{failCommits: 2}
	r := NewRetryStore(inner, RetryStoreOptions{Config: fastRetryConfig()})

	ops := []*types.MergeOperation{
		types.NewCreateNodeOp(testNode("n1", "Person", "Ada", nil)),
	}
	results, err := r.CommitBatch(context.Background(), ops)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.OpApplied, results[0].Status)
	assert.Equal(t, 3, inner.commitCalls, "two failures then one success")
}

func TestRetryStoreCommitExhaustsRetries(t *testing.T) {
	inner := &flakyStore{failCommits: 100}
	r := NewRetryStore(inner, RetryStoreOptions{Config: fastRetryConfig()})

	ops := []*types.MergeOperation{
		types.NewCreateNodeOp(testNode("n1", "Person", "Ada", nil)),
		types.NewCreateNodeOp(testNode("n2", "Person", "Grace", nil)),
	}
	results, err := r.CommitBatch(context.Background(), ops)
	require.Error(t, err)

	var commitErr *types.CommitFailedError
	require.ErrorAs(t, err, &commitErr)
	assert.Len(t, commitErr.Ops, 2, "the failing subset is reported for re-queueing")

	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, types.OpFailed, res.Status)
	}
	assert.Equal(t, 4, inner.commitCalls, "initial attempt plus three retries")
}

func TestRetryStoreRetriesOnlyFailedSubset(t *testing.T) {
	ops := []*types.MergeOperation{
		types.NewCreateNodeOp(testNode("n1", "Person", "Ada", nil)),
		types.NewCreateNodeOp(testNode("n2", "Person", "Grace", nil)),
	}

	inner := &flakyStore{
		perOpErr:     errors.New("transient write conflict"),
		perOpFailID:  ops[1].ID,
		perOpErrHits: 1,
	}
	r := NewRetryStore(inner, RetryStoreOptions{Config: fastRetryConfig()})

	results, err := r.CommitBatch(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, types.OpApplied, results[0].Status)
	assert.Equal(t, types.OpApplied, results[1].Status)

	require.Len(t, inner.commitSizes, 2)
	assert.Equal(t, 2, inner.commitSizes[0])
	assert.Equal(t, 1, inner.commitSizes[1], "only the failed operation is re-attempted")
}

func TestRetryStoreDoesNotRetryLogicalFailures(t *testing.T) {
	ops := []*types.MergeOperation{
		types.NewCreateNodeOp(testNode("n1", "Person", "Ada", nil)),
	}
	inner := &flakyStore{
		perOpErr:     types.ErrUnresolvedEndpoint,
		perOpFailID:  ops[0].ID,
		perOpErrHits: 100,
	}
	r := NewRetryStore(inner, RetryStoreOptions{Config: fastRetryConfig()})

	results, err := r.CommitBatch(context.Background(), ops)
	require.NoError(t, err, "logical failures are reported in results, not retried")
	assert.Equal(t, types.OpFailed, results[0].Status)
	assert.ErrorIs(t, results[0].Err, types.ErrUnresolvedEndpoint)
	assert.Equal(t, 1, inner.commitCalls)
}

func TestRetryStoreSplitsOversizedBatches(t *testing.T) {
	inner := &flakyStore{}
	r := NewRetryStore(inner, RetryStoreOptions{Config: fastRetryConfig(), MaxBatchSize: 2})

	ops := []*types.MergeOperation{
		types.NewCreateNodeOp(testNode("n1", "Person", "A", nil)),
		types.NewCreateNodeOp(testNode("n2", "Person", "B", nil)),
		types.NewCreateNodeOp(testNode("n3", "Person", "C", nil)),
		types.NewCreateNodeOp(testNode("n4", "Person", "D", nil)),
		types.NewCreateNodeOp(testNode("n5", "Person", "E", nil)),
	}
	results, err := r.CommitBatch(context.Background(), ops)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, res := range results {
		assert.Equal(t, types.OpApplied, res.Status)
	}
	assert.Equal(t, []int{2, 2, 1}, inner.commitSizes)
}

func TestRetryStoreDuplicateOperationKey(t *testing.T) {
	inner := &flakyStore{}
	r := NewRetryStore(inner, RetryStoreOptions{Config: fastRetryConfig()})

	ops := []*types.MergeOperation{
		types.NewCreateNodeOp(testNode("n1", "Person", "Ada", nil)),
		types.NewUpdateNodeOp("n1", &types.Delta{BaseVersion: 1}),
	}
	_, err := r.CommitBatch(context.Background(), ops)
	assert.ErrorIs(t, err, types.ErrDuplicateOperationKey)
	assert.Equal(t, 0, inner.commitCalls, "rejected before touching the backend")
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request timeout"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"conflict", errors.New("transaction conflict, please retry"), true},
		{"unavailable", errors.New("store unavailable"), true},
		{"not found", types.ErrNotFound, false},
		{"unresolved endpoint", types.ErrUnresolvedEndpoint, false},
		{"duplicate key", types.ErrDuplicateOperationKey, false},
		{"cancelled", context.Canceled, false},
		{"unknown", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
