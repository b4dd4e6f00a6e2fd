// Package reconciler turns a batch of resolved candidates into a coalesced
// set of merge operations. All candidates addressing the same entity collapse
// into a single create or a single update, merged sequentially in arrival
// order, so the store never sees two operations for one entity in a commit.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/graphfold/pkg/resolver"
	"github.com/soundprediction/graphfold/pkg/schema"
	"github.com/soundprediction/graphfold/pkg/store"
	"github.com/soundprediction/graphfold/pkg/types"
)

// ErrSelfLoopNotAllowed rejects relationships whose endpoints resolve to the
// same node when the domain schema does not permit self-loops for the type.
var ErrSelfLoopNotAllowed = errors.New("self-loop not allowed for relationship type")

// Deferral records one candidate the reconciler could not place, together
// with why. Exactly one of Entity and Relationship is set.
type Deferral struct {
	Entity       *types.CandidateEntity
	Relationship *types.CandidateRelationship
	Reason       error
}

func (d Deferral) String() string {
	switch {
	case d.Entity != nil:
		return fmt.Sprintf("entity %s: %v", d.Entity.Key(), d.Reason)
	case d.Relationship != nil:
		return fmt.Sprintf("relationship %s %s->%s: %v",
			d.Relationship.Type, d.Relationship.From.Name, d.Relationship.To.Name, d.Reason)
	default:
		return fmt.Sprintf("deferred: %v", d.Reason)
	}
}

// Result is the reconciled form of a batch, ready to commit.
type Result struct {
	BatchID  string
	Ops      []*types.MergeOperation
	Deferred []Deferral

	NodesCreated int
	NodesUpdated int
	EdgesCreated int
	EdgesUpdated int
}

// Reconciler builds merge operations from candidate batches.
type Reconciler struct {
	resolver  *resolver.Resolver
	reader    store.GraphReader
	schema    *schema.Schema
	dimension int
	logger    *slog.Logger
}

// Options configures a Reconciler.
type Options struct {
	// Dimension is the embedding dimension of the graph instance. Candidates
	// carrying an embedding of a different length are deferred. Zero disables
	// the check.
	Dimension int

	Schema *schema.Schema
	Logger *slog.Logger
}

// New creates a Reconciler.
func New(res *resolver.Resolver, reader store.GraphReader, opts Options) *Reconciler {
	if opts.Schema == nil {
		opts.Schema = &schema.Schema{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		resolver:  res,
		reader:    reader,
		schema:    opts.Schema,
		dimension: opts.Dimension,
		logger:    opts.Logger,
	}
}

// pendingNode accumulates every candidate that resolved to one node.
type pendingNode struct {
	isCreate bool
	node     *types.Node // the document being built (create) or the merged view (update)
	delta    *types.Delta
	// writtenAt tracks, per scalar attribute, the observation time that set
	// the current value, so a later-observed candidate wins regardless of
	// arrival order.
	writtenAt map[string]time.Time
}

// pendingEdge accumulates every relationship candidate with one edge identity.
type pendingEdge struct {
	isCreate  bool
	edge      *types.Edge
	delta     *types.Delta
	writtenAt map[string]time.Time
	confAt    time.Time
}

// Reconcile resolves and coalesces one batch. It never writes; the returned
// Result carries the operations for the store and the candidates that must
// wait for a later batch.
func (r *Reconciler) Reconcile(ctx context.Context, batch *types.Batch) (*Result, error) {
	result := &Result{BatchID: batch.ID}

	pendingNodes := make(map[string]*pendingNode) // node id -> pending
	idByKey := make(map[string]string)            // entity key -> node id, this batch
	idByName := make(map[string]string)           // normalized name -> node id, "" when ambiguous

	for _, candidate := range batch.Entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.reconcileEntity(ctx, candidate, pendingNodes, idByKey, idByName, result); err != nil {
			return nil, err
		}
	}

	pendingEdges := make(map[string]*pendingEdge) // edge id -> pending
	for _, candidate := range batch.Relationships {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.reconcileRelationship(ctx, candidate, pendingEdges, idByKey, idByName, result); err != nil {
			return nil, err
		}
	}

	for _, pending := range pendingNodes {
		if pending.isCreate {
			result.Ops = append(result.Ops, types.NewCreateNodeOp(pending.node))
			result.NodesCreated++
		} else {
			pending.delta.Attributes = pending.node.Attributes
			result.Ops = append(result.Ops, types.NewUpdateNodeOp(pending.node.ID, pending.delta))
			result.NodesUpdated++
		}
	}
	for _, pending := range pendingEdges {
		if pending.isCreate {
			result.Ops = append(result.Ops, types.NewCreateEdgeOp(pending.edge))
			result.EdgesCreated++
		} else {
			pending.delta.Attributes = pending.edge.Attributes
			conf := pending.edge.Confidence
			pending.delta.Confidence = &conf
			result.Ops = append(result.Ops, types.NewUpdateEdgeOp(pending.edge.ID, pending.delta))
			result.EdgesUpdated++
		}
	}

	return result, nil
}

func (r *Reconciler) reconcileEntity(
	ctx context.Context,
	candidate *types.CandidateEntity,
	pendingNodes map[string]*pendingNode,
	idByKey map[string]string,
	idByName map[string]string,
	result *Result,
) error {
	if err := candidate.Validate(); err != nil {
		result.Deferred = append(result.Deferred, Deferral{Entity: candidate, Reason: err})
		return nil
	}
	if r.dimension > 0 && len(candidate.Embedding) > 0 && len(candidate.Embedding) != r.dimension {
		result.Deferred = append(result.Deferred, Deferral{
			Entity: candidate,
			Reason: types.DimensionError(len(candidate.Embedding), r.dimension),
		})
		return nil
	}

	// A candidate for an entity already seen in this batch coalesces onto the
	// pending document without another store round trip. Nameless candidates
	// have no batch-local identity and always go through the resolver.
	if types.NormalizeKey(candidate.Name) != "" {
		if nodeID, ok := idByKey[candidate.Key()]; ok {
			mergeEntity(pendingNodes[nodeID], candidate)
			return nil
		}
	}

	resolution, err := r.resolver.Resolve(ctx, candidate)
	if err != nil {
		if errors.Is(err, types.ErrResolutionUnavailable) {
			result.Deferred = append(result.Deferred, Deferral{Entity: candidate, Reason: err})
			return nil
		}
		return err
	}

	var pending *pendingNode
	if resolution.Matched() {
		existing := resolution.Node
		if p, ok := pendingNodes[existing.ID]; ok {
			// Another key in this batch already resolved to the same node.
			pending = p
		} else {
			merged := *existing
			merged.Attributes = cloneAttrs(existing.Attributes)
			pending = &pendingNode{
				node:      &merged,
				delta:     &types.Delta{BaseVersion: existing.Version},
				writtenAt: baselineWriteTimes(existing),
			}
			pendingNodes[existing.ID] = pending
		}
	} else {
		node := &types.Node{
			ID:         uuid.New().String(),
			Type:       candidate.Type,
			Name:       candidate.Name,
			Attributes: make(map[string]types.AttrValue),
		}
		pending = &pendingNode{
			isCreate:  true,
			node:      node,
			writtenAt: make(map[string]time.Time),
		}
		pendingNodes[node.ID] = pending
	}

	registerKeys(pending.node.ID, candidate.Type, candidate.Name, idByKey, idByName)
	mergeEntity(pending, candidate)
	return nil
}

func (r *Reconciler) reconcileRelationship(
	ctx context.Context,
	candidate *types.CandidateRelationship,
	pendingEdges map[string]*pendingEdge,
	idByKey map[string]string,
	idByName map[string]string,
	result *Result,
) error {
	if err := candidate.Validate(); err != nil {
		result.Deferred = append(result.Deferred, Deferral{Relationship: candidate, Reason: err})
		return nil
	}

	fromID, err := r.resolveEndpoint(ctx, candidate.From, idByKey, idByName)
	if err == nil && fromID == "" {
		err = fmt.Errorf("%w: %q", types.ErrUnresolvedEndpoint, candidate.From.Name)
	}
	if err == nil {
		var toID string
		toID, err = r.resolveEndpoint(ctx, candidate.To, idByKey, idByName)
		if err == nil && toID == "" {
			err = fmt.Errorf("%w: %q", types.ErrUnresolvedEndpoint, candidate.To.Name)
		}
		if err == nil {
			if fromID == toID && !r.schema.SelfLoopsAllowed(candidate.Type) {
				result.Deferred = append(result.Deferred, Deferral{
					Relationship: candidate,
					Reason:       fmt.Errorf("%w: %s", ErrSelfLoopNotAllowed, candidate.Type),
				})
				return nil
			}
			return r.mergeRelationship(ctx, candidate, fromID, toID, pendingEdges)
		}
	}

	if errors.Is(err, types.ErrUnresolvedEndpoint) || errors.Is(err, types.ErrResolutionUnavailable) {
		result.Deferred = append(result.Deferred, Deferral{Relationship: candidate, Reason: err})
		return nil
	}
	return err
}

// resolveEndpoint maps an endpoint reference to a node id: batch-local
// entities first, then the store. An empty return with nil error means the
// endpoint is unknown.
func (r *Reconciler) resolveEndpoint(ctx context.Context, ref types.EndpointRef, idByKey, idByName map[string]string) (string, error) {
	if ref.Type != "" {
		if id, ok := idByKey[types.EntityKey(ref.Type, ref.Name)]; ok {
			return id, nil
		}
		node, err := r.reader.FindNodeByKey(ctx, ref.Type, ref.Name)
		if err == nil {
			return node.ID, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", types.ErrResolutionUnavailable, err)
		}
		return "", nil
	}

	// Untyped references only resolve against batch-local names, and only
	// when the name is unambiguous within the batch.
	if id, ok := idByName[types.NormalizeKey(ref.Name)]; ok && id != "" {
		return id, nil
	}
	return "", nil
}

func (r *Reconciler) mergeRelationship(
	ctx context.Context,
	candidate *types.CandidateRelationship,
	fromID, toID string,
	pendingEdges map[string]*pendingEdge,
) error {
	edgeID := types.EdgeIdentity(candidate.Type, fromID, toID)

	pending, ok := pendingEdges[edgeID]
	if !ok {
		existing, err := r.reader.GetEdge(ctx, edgeID)
		switch {
		case err == nil:
			merged := *existing
			merged.Attributes = cloneAttrs(existing.Attributes)
			pending = &pendingEdge{
				edge:      &merged,
				delta:     &types.Delta{BaseVersion: existing.Version},
				writtenAt: baselineEdgeWriteTimes(existing),
				confAt:    latestProvenance(existing.Provenance),
			}
		case errors.Is(err, types.ErrNotFound):
			pending = &pendingEdge{
				isCreate: true,
				edge: &types.Edge{
					ID:         edgeID,
					Type:       candidate.Type,
					FromNodeID: fromID,
					ToNodeID:   toID,
					Attributes: make(map[string]types.AttrValue),
				},
				writtenAt: make(map[string]time.Time),
			}
		default:
			return fmt.Errorf("%w: %v", types.ErrResolutionUnavailable, err)
		}
		pendingEdges[edgeID] = pending
	}

	mergeRelationshipCandidate(pending, candidate)
	return nil
}

// mergeEntity folds one candidate into a pending node document.
func mergeEntity(pending *pendingNode, candidate *types.CandidateEntity) {
	entry := candidate.ProvenanceEntry()
	mergeAttrs(pending.node.Attributes, pending.writtenAt, candidate.Attributes, entry.IngestedAt)

	if pending.isCreate {
		pending.node.Provenance = append(pending.node.Provenance, entry)
		if len(pending.node.Embedding) == 0 && len(candidate.Embedding) > 0 {
			pending.node.Embedding = candidate.Embedding
		}
		if pending.node.Name == "" && candidate.Name != "" {
			pending.node.Name = candidate.Name
		}
	} else {
		pending.delta.Provenance = append(pending.delta.Provenance, entry)
		if len(pending.node.Embedding) == 0 && len(candidate.Embedding) > 0 {
			pending.node.Embedding = candidate.Embedding
			pending.delta.Embedding = candidate.Embedding
		}
	}
}

func mergeRelationshipCandidate(pending *pendingEdge, candidate *types.CandidateRelationship) {
	entry := candidate.ProvenanceEntry()
	mergeAttrs(pending.edge.Attributes, pending.writtenAt, candidate.Attributes, entry.IngestedAt)

	// Latest observation wins the confidence scalar.
	if !entry.IngestedAt.Before(pending.confAt) {
		pending.edge.Confidence = candidate.Confidence
		pending.confAt = entry.IngestedAt
	}

	if pending.isCreate {
		pending.edge.Provenance = append(pending.edge.Provenance, entry)
	} else {
		pending.delta.Provenance = append(pending.delta.Provenance, entry)
	}
}

// mergeAttrs applies the attribute merge policy: multi-valued attributes
// accumulate as a set, scalars are overwritten by the value with the latest
// observation time.
func mergeAttrs(attrs map[string]types.AttrValue, writtenAt map[string]time.Time, incoming map[string]types.AttrValue, observedAt time.Time) {
	for key, value := range incoming {
		current, exists := attrs[key]
		if !exists {
			attrs[key] = value
			writtenAt[key] = observedAt
			continue
		}
		if current.IsMulti() || value.IsMulti() {
			attrs[key] = current.Union(value)
			writtenAt[key] = observedAt
			continue
		}
		if !observedAt.Before(writtenAt[key]) {
			attrs[key] = value
			writtenAt[key] = observedAt
		}
	}
}

func cloneAttrs(attrs map[string]types.AttrValue) map[string]types.AttrValue {
	cloned := make(map[string]types.AttrValue, len(attrs))
	for k, v := range attrs {
		cloned[k] = v
	}
	return cloned
}

// baselineWriteTimes pins every stored attribute to the node's most recent
// provenance entry, so only candidates observed at or after that moment can
// overwrite a stored scalar.
func baselineWriteTimes(node *types.Node) map[string]time.Time {
	latest := latestProvenance(node.Provenance)
	times := make(map[string]time.Time, len(node.Attributes))
	for key := range node.Attributes {
		times[key] = latest
	}
	return times
}

func baselineEdgeWriteTimes(edge *types.Edge) map[string]time.Time {
	latest := latestProvenance(edge.Provenance)
	times := make(map[string]time.Time, len(edge.Attributes))
	for key := range edge.Attributes {
		times[key] = latest
	}
	return times
}

func latestProvenance(entries []types.Provenance) time.Time {
	var latest time.Time
	for _, p := range entries {
		if p.IngestedAt.After(latest) {
			latest = p.IngestedAt
		}
	}
	return latest
}

// registerKeys records a batch-local binding from entity key to node id, and
// from bare normalized name to node id unless the name is ambiguous across
// types within the batch. Nameless entities register nothing: their entity
// key falls back to the bare type, which serves the advisory lock but would
// alias every nameless entity of that type here.
func registerKeys(nodeID, entityType, name string, idByKey, idByName map[string]string) {
	normalized := types.NormalizeKey(name)
	if normalized == "" {
		return
	}
	idByKey[types.EntityKey(entityType, name)] = nodeID

	if existing, ok := idByName[normalized]; ok && existing != nodeID {
		idByName[normalized] = "" // ambiguous, untyped references cannot use it
		return
	}
	idByName[normalized] = nodeID
}
