package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/soundprediction/graphfold/pkg/config"
	"github.com/soundprediction/graphfold/pkg/types"
	"github.com/soundprediction/graphfold/pkg/utils"
)

// Key layout. Collections become key prefixes, separated from the document id
// by a NUL byte so ids can never collide across namespaces.
//
//	<node_collection> 0x00 <node_id>   -> JSON(Node)
//	<edge_collection> 0x00 <edge_id>   -> JSON(Edge)
//	idx:key  0x00 <entity_key>         -> node_id
//	idx:ntype 0x00 <type> 0x00 <id>    -> empty
//	idx:etype 0x00 <type> 0x00 <id>    -> empty
//	ops 0x00 <operation_id>            -> empty (applied-operation marker)
const (
	keyIndexPrefix      = "idx:key"
	nodeTypeIndexPrefix = "idx:ntype"
	edgeTypeIndexPrefix = "idx:etype"
	opMarkerPrefix      = "ops"
)

// BadgerStore is the embedded GraphStore backend.
type BadgerStore struct {
	db             *badger.DB
	nodeCollection string
	edgeCollection string
	logger         *slog.Logger
}

// BadgerOptions configures the embedded store.
type BadgerOptions struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in RAM. Meant for tests.
	InMemory bool

	NodeCollection string
	EdgeCollection string

	Logger *slog.Logger
}

// NewBadgerStore opens the embedded store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.NodeCollection == "" {
		opts.NodeCollection = "knowledge_nodes"
	}
	if opts.EdgeCollection == "" {
		opts.EdgeCollection = "knowledge_edges"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	badgerOpts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	return &BadgerStore{
		db:             db,
		nodeCollection: opts.NodeCollection,
		edgeCollection: opts.EdgeCollection,
		logger:         opts.Logger,
	}, nil
}

// NewBadgerStoreFromConfig opens the embedded store from application config.
func NewBadgerStoreFromConfig(cfg config.StoreConfig, logger *slog.Logger) (*BadgerStore, error) {
	return NewBadgerStore(BadgerOptions{
		Path:           cfg.Path,
		NodeCollection: cfg.NodeCollection,
		EdgeCollection: cfg.EdgeCollection,
		Logger:         logger,
	})
}

// NewBadgerStoreInMemory opens an in-memory store for tests.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStore(BadgerOptions{InMemory: true})
}

func compositeKey(parts ...string) []byte {
	size := len(parts) - 1
	for _, p := range parts {
		size += len(p)
	}
	key := make([]byte, 0, size)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0x00)
		}
		key = append(key, p...)
	}
	return key
}

func (s *BadgerStore) nodeKey(id string) []byte  { return compositeKey(s.nodeCollection, id) }
func (s *BadgerStore) edgeKey(id string) []byte  { return compositeKey(s.edgeCollection, id) }
func keyIndexKey(entityKey string) []byte        { return compositeKey(keyIndexPrefix, entityKey) }
func nodeTypeIndexKey(typ, id string) []byte     { return compositeKey(nodeTypeIndexPrefix, typ, id) }
func edgeTypeIndexKey(typ, id string) []byte     { return compositeKey(edgeTypeIndexPrefix, typ, id) }
func opMarkerKey(opID string) []byte             { return compositeKey(opMarkerPrefix, opID) }
func typeIndexScanPrefix(prefix, typ string) []byte {
	return append(compositeKey(prefix, typ), 0x00)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	return txn.Set(key, data)
}

// GetNode implements GraphReader.
func (s *BadgerStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	if id == "" {
		return nil, types.ErrEmptyID
	}
	node := &types.Node{}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, s.nodeKey(id), node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// GetEdge implements GraphReader.
func (s *BadgerStore) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	if id == "" {
		return nil, types.ErrEmptyID
	}
	edge := &types.Edge{}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, s.edgeKey(id), edge)
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// NodeExists implements GraphReader.
func (s *BadgerStore) NodeExists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, types.ErrEmptyID
	}
	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(s.nodeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// FindNodeByKey implements GraphReader.
func (s *BadgerStore) FindNodeByKey(ctx context.Context, entityType, name string) (*types.Node, error) {
	entityKey := types.EntityKey(entityType, name)
	node := &types.Node{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyIndexKey(entityKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return types.ErrNotFound
		}
		if err != nil {
			return err
		}
		var nodeID string
		if err := item.Value(func(val []byte) error {
			nodeID = string(val)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, s.nodeKey(nodeID), node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// LookupSimilar implements GraphReader. The type index narrows the scan to
// same-type nodes; ranking is an exhaustive cosine pass over those. Stored
// nodes whose embedding dimension differs from the probe are skipped, they
// can never be a match.
func (s *BadgerStore) LookupSimilar(ctx context.Context, entityType string, embedding []float32, k int) ([]SimilarNode, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}

	var scored []utils.ScoredItem[*types.Node]
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := typeIndexScanPrefix(nodeTypeIndexPrefix, entityType)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			nodeID := string(key[len(prefix):])

			node := &types.Node{}
			if err := getJSON(txn, s.nodeKey(nodeID), node); err != nil {
				if errors.Is(err, types.ErrNotFound) {
					continue
				}
				return err
			}
			if len(node.Embedding) == 0 {
				continue
			}

			score, err := utils.Similarity(embedding, node.Embedding)
			if err != nil {
				if errors.Is(err, types.ErrDimensionMismatch) {
					s.logger.Debug("skipping node with mismatched embedding dimension",
						"node_id", node.ID, "dimension", len(node.Embedding))
					continue
				}
				return err
			}
			scored = append(scored, utils.ScoredItem[*types.Node]{Item: node, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	top := utils.TopKByScore(scored, k)
	results := make([]SimilarNode, 0, len(top))
	for _, item := range top {
		results = append(results, SimilarNode{Node: item.Item, Score: item.Score})
	}
	return results, nil
}

// Stats implements GraphReader.
func (s *BadgerStore) Stats(ctx context.Context) (*types.GraphStats, error) {
	stats := &types.GraphStats{
		NodesByType: make(map[string]int64),
		EdgesByType: make(map[string]int64),
	}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		count := func(prefix []byte, total *int64, byType map[string]int64) {
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				rest := it.Item().Key()[len(prefix):]
				// rest is <type> 0x00 <id>
				for i, b := range rest {
					if b == 0x00 {
						byType[string(rest[:i])]++
						break
					}
				}
				*total++
			}
		}

		count(append(compositeKey(nodeTypeIndexPrefix), 0x00), &stats.NodeCount, stats.NodesByType)
		count(append(compositeKey(edgeTypeIndexPrefix), 0x00), &stats.EdgeCount, stats.EdgesByType)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CommitBatch implements GraphWriter. Each operation is applied in its own
// transaction together with its applied-operation marker, so an operation is
// either fully applied and marked or not applied at all. A redelivered
// operation finds its marker and reports OpReplayed.
func (s *BadgerStore) CommitBatch(ctx context.Context, ops []*types.MergeOperation) ([]types.OpResult, error) {
	if err := checkUniqueEntityIDs(ops); err != nil {
		return nil, err
	}

	ordered := orderNodesFirst(ops)
	resultsByID := make(map[string]types.OpResult, len(ordered))

	for _, op := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		status, err := s.applyOp(op)
		resultsByID[op.ID] = types.OpResult{OperationID: op.ID, Status: status, Err: err}
		if err != nil {
			s.logger.Warn("merge operation failed",
				"operation_id", op.ID, "kind", op.Kind, "entity_id", op.EntityID, "error", err)
		}
	}

	results := make([]types.OpResult, len(ops))
	for i, op := range ops {
		results[i] = resultsByID[op.ID]
	}
	return results, nil
}

// errAlreadyApplied signals that the target document already reflects an
// operation whose marker was lost. The marker is restored and the operation
// reported as a replay.
var errAlreadyApplied = errors.New("operation already applied")

func (s *BadgerStore) applyOp(op *types.MergeOperation) (types.OpStatus, error) {
	status := types.OpApplied
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(opMarkerKey(op.ID))
		if err == nil {
			status = types.OpReplayed
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var applyErr error
		switch op.Kind {
		case types.OpCreateNode:
			applyErr = s.createNode(txn, op.Node)
		case types.OpUpdateNode:
			applyErr = s.updateNode(txn, op.EntityID, op.Delta)
		case types.OpCreateEdge:
			applyErr = s.createEdge(txn, op.Edge)
		case types.OpUpdateEdge:
			applyErr = s.updateEdge(txn, op.EntityID, op.Delta)
		default:
			return fmt.Errorf("unknown operation kind %q", op.Kind)
		}
		if errors.Is(applyErr, errAlreadyApplied) {
			status = types.OpReplayed
		} else if applyErr != nil {
			return applyErr
		}

		return txn.Set(opMarkerKey(op.ID), []byte{})
	})
	if err != nil {
		return types.OpFailed, err
	}
	return status, nil
}

func (s *BadgerStore) createNode(txn *badger.Txn, node *types.Node) error {
	if node == nil {
		return fmt.Errorf("create node operation carries no node")
	}
	if err := node.Validate(); err != nil {
		return err
	}

	key := s.nodeKey(node.ID)
	if _, err := txn.Get(key); err == nil {
		// Document exists but the marker was lost. A node another attempt
		// wrote must not be clobbered.
		return errAlreadyApplied
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	stored := *node
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Version == 0 {
		stored.Version = 1
	}

	if err := setJSON(txn, key, &stored); err != nil {
		return err
	}
	if err := txn.Set(nodeTypeIndexKey(stored.Type, stored.ID), []byte{}); err != nil {
		return err
	}
	if stored.Name != "" {
		if err := txn.Set(keyIndexKey(stored.Key()), []byte(stored.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) updateNode(txn *badger.Txn, nodeID string, delta *types.Delta) error {
	if delta == nil {
		return fmt.Errorf("update node operation carries no delta")
	}

	node := &types.Node{}
	if err := getJSON(txn, s.nodeKey(nodeID), node); err != nil {
		return err
	}
	// A newer version with no marker means the marker was lost after apply.
	if node.Version > delta.BaseVersion {
		return errAlreadyApplied
	}

	if delta.Attributes != nil {
		node.Attributes = delta.Attributes
	}
	node.Provenance = append(node.Provenance, delta.Provenance...)
	if len(delta.Embedding) > 0 {
		node.Embedding = delta.Embedding
	}
	node.Version = delta.BaseVersion + 1
	node.UpdatedAt = time.Now().UTC()

	return setJSON(txn, s.nodeKey(nodeID), node)
}

func (s *BadgerStore) createEdge(txn *badger.Txn, edge *types.Edge) error {
	if edge == nil {
		return fmt.Errorf("create edge operation carries no edge")
	}
	if err := edge.Validate(); err != nil {
		return err
	}

	for _, nodeID := range []string{edge.FromNodeID, edge.ToNodeID} {
		if _, err := txn.Get(s.nodeKey(nodeID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: node %s", types.ErrUnresolvedEndpoint, nodeID)
			}
			return err
		}
	}

	key := s.edgeKey(edge.ID)
	if _, err := txn.Get(key); err == nil {
		return errAlreadyApplied
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	stored := *edge
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Version == 0 {
		stored.Version = 1
	}

	if err := setJSON(txn, key, &stored); err != nil {
		return err
	}
	return txn.Set(edgeTypeIndexKey(stored.Type, stored.ID), []byte{})
}

func (s *BadgerStore) updateEdge(txn *badger.Txn, edgeID string, delta *types.Delta) error {
	if delta == nil {
		return fmt.Errorf("update edge operation carries no delta")
	}

	edge := &types.Edge{}
	if err := getJSON(txn, s.edgeKey(edgeID), edge); err != nil {
		return err
	}
	if edge.Version > delta.BaseVersion {
		return errAlreadyApplied
	}

	if delta.Attributes != nil {
		edge.Attributes = delta.Attributes
	}
	edge.Provenance = append(edge.Provenance, delta.Provenance...)
	if delta.Confidence != nil {
		edge.Confidence = *delta.Confidence
	}
	edge.Version = delta.BaseVersion + 1
	edge.UpdatedAt = time.Now().UTC()

	return setJSON(txn, s.edgeKey(edgeID), edge)
}

// Close implements GraphStore.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ GraphStore = (*BadgerStore)(nil)
