package store

import (
	"context"

	"github.com/soundprediction/graphfold/pkg/types"
)

// SimilarNode pairs a stored node with its cosine similarity to a probe
// embedding.
type SimilarNode struct {
	Node  *types.Node
	Score float64
}

// GraphReader provides read access to the persisted graph.
type GraphReader interface {
	// GetNode retrieves a node by id. Missing nodes fail with ErrNotFound.
	GetNode(ctx context.Context, id string) (*types.Node, error)

	// GetEdge retrieves an edge by id. Missing edges fail with ErrNotFound.
	GetEdge(ctx context.Context, id string) (*types.Edge, error)

	// NodeExists reports whether a node with the given id is persisted.
	NodeExists(ctx context.Context, id string) (bool, error)

	// FindNodeByKey retrieves the node with the given type and normalized
	// natural key, or ErrNotFound.
	FindNodeByKey(ctx context.Context, entityType, name string) (*types.Node, error)

	// LookupSimilar returns up to k nodes of the given type ranked by cosine
	// similarity to the embedding, most similar first. Nodes without an
	// embedding are not candidates.
	LookupSimilar(ctx context.Context, entityType string, embedding []float32, k int) ([]SimilarNode, error)

	// Stats summarizes the persisted graph.
	Stats(ctx context.Context) (*types.GraphStats, error)
}

// GraphWriter applies merge operation batches.
type GraphWriter interface {
	// CommitBatch applies the operations and returns one result per
	// operation, in input order. Already-applied operations report
	// OpReplayed and change nothing. Two operations addressing the same
	// entity id fail the whole call with ErrDuplicateOperationKey before
	// anything is applied.
	CommitBatch(ctx context.Context, ops []*types.MergeOperation) ([]types.OpResult, error)
}

// GraphStore is the full store surface the pipeline builds on.
type GraphStore interface {
	GraphReader
	GraphWriter
	Close() error
}

// checkUniqueEntityIDs enforces the one-operation-per-entity contract shared
// by every backend.
func checkUniqueEntityIDs(ops []*types.MergeOperation) error {
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if seen[op.EntityID] {
			return types.ErrDuplicateOperationKey
		}
		seen[op.EntityID] = true
	}
	return nil
}

// orderNodesFirst returns the operations with node operations ahead of edge
// operations, preserving relative order within each group. Edges must never
// be applied before the nodes they reference.
func orderNodesFirst(ops []*types.MergeOperation) []*types.MergeOperation {
	ordered := make([]*types.MergeOperation, 0, len(ops))
	for _, op := range ops {
		if op.IsNodeOp() {
			ordered = append(ordered, op)
		}
	}
	for _, op := range ops {
		if !op.IsNodeOp() {
			ordered = append(ordered, op)
		}
	}
	return ordered
}
