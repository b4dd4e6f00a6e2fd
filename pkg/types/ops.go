package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpKind discriminates the four merge operation shapes.
type OpKind string

const (
	OpCreateNode OpKind = "create_node"
	OpUpdateNode OpKind = "update_node"
	OpCreateEdge OpKind = "create_edge"
	OpUpdateEdge OpKind = "update_edge"
)

// opNamespace seeds deterministic operation ids. Replaying the same logical
// operation always yields the same id, which is what makes replay a no-op.
var opNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// OperationID derives the deterministic id for an operation targeting the
// given entity at the given base version.
func OperationID(kind OpKind, entityID string, baseVersion int64) string {
	return uuid.NewSHA1(opNamespace, []byte(fmt.Sprintf("%s|%s|%d", kind, entityID, baseVersion))).String()
}

var edgeNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

// EdgeIdentity derives the deterministic edge id for a relationship type
// between two resolved endpoints. Re-observing the same relationship yields
// the same id, so repeated observations coalesce into updates.
func EdgeIdentity(edgeType, fromNodeID, toNodeID string) string {
	return uuid.NewSHA1(edgeNamespace, []byte(fmt.Sprintf("%s|%s|%s", edgeType, fromNodeID, toNodeID))).String()
}

// Delta carries the merged changes an update applies to an existing document:
// the full post-merge attribute map, the provenance entries to append, and an
// optional embedding refresh. BaseVersion is the version the delta was
// computed against; the applied document moves to BaseVersion+1.
type Delta struct {
	Attributes  map[string]AttrValue `json:"attributes,omitempty"`
	Provenance  []Provenance         `json:"provenance,omitempty"`
	Embedding   []float32            `json:"embedding,omitempty"`
	Confidence  *float64             `json:"confidence,omitempty"`
	BaseVersion int64                `json:"base_version"`
}

// MergeOperation is one idempotent create or update produced by the
// reconciler and applied by the store. Exactly one of Node/Edge (creates) or
// Delta (updates) is set.
type MergeOperation struct {
	ID       string `json:"id"`
	Kind     OpKind `json:"kind"`
	EntityID string `json:"entity_id"`

	Node  *Node  `json:"node,omitempty"`
	Edge  *Edge  `json:"edge,omitempty"`
	Delta *Delta `json:"delta,omitempty"`
}

// NewCreateNodeOp builds a create operation for a freshly minted node.
func NewCreateNodeOp(node *Node) *MergeOperation {
	return &MergeOperation{
		ID:       OperationID(OpCreateNode, node.ID, 0),
		Kind:     OpCreateNode,
		EntityID: node.ID,
		Node:     node,
	}
}

// NewUpdateNodeOp builds an update operation against an existing node.
func NewUpdateNodeOp(nodeID string, delta *Delta) *MergeOperation {
	return &MergeOperation{
		ID:       OperationID(OpUpdateNode, nodeID, delta.BaseVersion),
		Kind:     OpUpdateNode,
		EntityID: nodeID,
		Delta:    delta,
	}
}

// NewCreateEdgeOp builds a create operation for a freshly minted edge.
func NewCreateEdgeOp(edge *Edge) *MergeOperation {
	return &MergeOperation{
		ID:       OperationID(OpCreateEdge, edge.ID, 0),
		Kind:     OpCreateEdge,
		EntityID: edge.ID,
		Edge:     edge,
	}
}

// NewUpdateEdgeOp builds an update operation against an existing edge.
func NewUpdateEdgeOp(edgeID string, delta *Delta) *MergeOperation {
	return &MergeOperation{
		ID:       OperationID(OpUpdateEdge, edgeID, delta.BaseVersion),
		Kind:     OpUpdateEdge,
		EntityID: edgeID,
		Delta:    delta,
	}
}

// IsNodeOp reports whether the operation targets the node collection.
func (op *MergeOperation) IsNodeOp() bool {
	return op.Kind == OpCreateNode || op.Kind == OpUpdateNode
}

// OpStatus is the per-operation outcome of a commit.
type OpStatus string

const (
	OpApplied  OpStatus = "applied"
	OpReplayed OpStatus = "replayed" // already applied by an earlier attempt
	OpFailed   OpStatus = "failed"
)

// OpResult pairs an operation id with its commit outcome.
type OpResult struct {
	OperationID string   `json:"operation_id"`
	Status      OpStatus `json:"status"`
	Err         error    `json:"-"`
}

// BatchState tracks a batch through the coordinator's state machine.
type BatchState string

const (
	BatchPending         BatchState = "pending"
	BatchResolving       BatchState = "resolving"
	BatchReconciled      BatchState = "reconciled"
	BatchCommitting      BatchState = "committing"
	BatchDone            BatchState = "done"
	BatchFailed          BatchState = "failed"
	BatchPartiallyFailed BatchState = "partially_failed"
)

// BatchOutcome is the per-batch report handed to the observability
// collaborator. Every candidate's fate is accounted for: applied, failed,
// or deferred.
type BatchOutcome struct {
	BatchID       string        `json:"batch_id"`
	State         BatchState    `json:"state"`
	NodesCreated  int           `json:"nodes_created"`
	NodesUpdated  int           `json:"nodes_updated"`
	EdgesCreated  int           `json:"edges_created"`
	EdgesUpdated  int           `json:"edges_updated"`
	Deferred      int           `json:"deferred"`
	Failed        int           `json:"failed"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Took          time.Duration `json:"took"`
	DeferredNotes []string      `json:"deferred_notes,omitempty"`
}

// GraphStats summarizes the persisted graph, keyed by entity type.
type GraphStats struct {
	NodeCount   int64            `json:"node_count"`
	EdgeCount   int64            `json:"edge_count"`
	NodesByType map[string]int64 `json:"nodes_by_type,omitempty"`
	EdgesByType map[string]int64 `json:"edges_by_type,omitempty"`
}
