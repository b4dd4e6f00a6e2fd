package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/soundprediction/graphfold/pkg/config"
	"github.com/soundprediction/graphfold/pkg/types"
	"github.com/soundprediction/graphfold/pkg/utils"
)

// Neo4jStore is the server-backed GraphStore. Nodes carry the node collection
// as their label; edges are RELATES relationships with the semantic type as a
// property, which keeps the edge type a plain queryable value. Attribute maps
// and provenance lists are stored as JSON string properties since Neo4j
// properties only hold primitives and arrays.
//
// Applied-operation markers are nodes labeled AppliedOp, merged in the same
// transaction as the operation they record.
type Neo4jStore struct {
	client    neo4j.DriverWithContext
	database  string
	nodeLabel string
	edgeLabel string
	logger    *slog.Logger
}

var labelSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// sanitizeLabel restricts a collection name to characters safe to splice
// into Cypher. Labels cannot be query parameters.
func sanitizeLabel(name string) string {
	return labelSanitizeRe.ReplaceAllString(name, "_")
}

// NewNeo4jStore creates a new Neo4j store instance.
func NewNeo4jStore(cfg config.StoreConfig, logger *slog.Logger) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	nodeLabel := sanitizeLabel(cfg.NodeCollection)
	if nodeLabel == "" {
		nodeLabel = "knowledge_nodes"
	}
	edgeLabel := sanitizeLabel(cfg.EdgeCollection)
	if edgeLabel == "" {
		edgeLabel = "knowledge_edges"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Neo4jStore{
		client:    driver,
		database:  database,
		nodeLabel: nodeLabel,
		edgeLabel: edgeLabel,
		logger:    logger,
	}, nil
}

func (s *Neo4jStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

func nodeToProps(node *types.Node) (map[string]any, error) {
	attrs, err := json.Marshal(node.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	prov, err := json.Marshal(node.Provenance)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provenance: %w", err)
	}

	embedding := make([]float64, len(node.Embedding))
	for i, v := range node.Embedding {
		embedding[i] = float64(v)
	}

	return map[string]any{
		"id":         node.ID,
		"type":       node.Type,
		"name":       node.Name,
		"entity_key": node.Key(),
		"attributes": string(attrs),
		"provenance": string(prov),
		"embedding":  embedding,
		"version":    node.Version,
		"created_at": node.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": node.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func nodeFromProps(props map[string]any) (*types.Node, error) {
	node := &types.Node{
		ID:      stringProp(props, "id"),
		Type:    stringProp(props, "type"),
		Name:    stringProp(props, "name"),
		Version: intProp(props, "version"),
	}

	if raw := stringProp(props, "attributes"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &node.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	if raw := stringProp(props, "provenance"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &node.Provenance); err != nil {
			return nil, fmt.Errorf("failed to decode provenance: %w", err)
		}
	}
	if raw, ok := props["embedding"].([]any); ok && len(raw) > 0 {
		node.Embedding = make([]float32, len(raw))
		for i, v := range raw {
			if f, ok := v.(float64); ok {
				node.Embedding[i] = float32(f)
			}
		}
	}
	node.CreatedAt = timeProp(props, "created_at")
	node.UpdatedAt = timeProp(props, "updated_at")

	return node, nil
}

func edgeToProps(edge *types.Edge) (map[string]any, error) {
	attrs, err := json.Marshal(edge.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	prov, err := json.Marshal(edge.Provenance)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provenance: %w", err)
	}

	return map[string]any{
		"id":           edge.ID,
		"type":         edge.Type,
		"from_node_id": edge.FromNodeID,
		"to_node_id":   edge.ToNodeID,
		"attributes":   string(attrs),
		"provenance":   string(prov),
		"confidence":   edge.Confidence,
		"version":      edge.Version,
		"created_at":   edge.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   edge.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func edgeFromProps(props map[string]any) (*types.Edge, error) {
	edge := &types.Edge{
		ID:         stringProp(props, "id"),
		Type:       stringProp(props, "type"),
		FromNodeID: stringProp(props, "from_node_id"),
		ToNodeID:   stringProp(props, "to_node_id"),
		Version:    intProp(props, "version"),
	}

	if raw := stringProp(props, "attributes"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &edge.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	if raw := stringProp(props, "provenance"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &edge.Provenance); err != nil {
			return nil, fmt.Errorf("failed to decode provenance: %w", err)
		}
	}
	if v, ok := props["confidence"].(float64); ok {
		edge.Confidence = v
	}
	edge.CreatedAt = timeProp(props, "created_at")
	edge.UpdatedAt = timeProp(props, "updated_at")

	return edge, nil
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func intProp(props map[string]any, key string) int64 {
	if v, ok := props[key].(int64); ok {
		return v
	}
	return 0
}

func timeProp(props map[string]any, key string) time.Time {
	raw := stringProp(props, key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isNoRecordsErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no more records")
}

// GetNode implements GraphReader.
func (s *Neo4jStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	if id == "" {
		return nil, types.ErrEmptyID
	}
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN properties(n) AS props", s.nodeLabel)
		res, err := tx.Run(ctx, query, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			if isNoRecordsErr(err) {
				return nil, types.ErrNotFound
			}
			return nil, err
		}
		props, _ := record.Get("props")
		return props, nil
	})
	if err != nil {
		return nil, err
	}

	props, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected node record shape: %T", result)
	}
	return nodeFromProps(props)
}

// GetEdge implements GraphReader.
func (s *Neo4jStore) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	if id == "" {
		return nil, types.ErrEmptyID
	}
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH ()-[r:RELATES {id: $id}]->() RETURN properties(r) AS props",
			map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			if isNoRecordsErr(err) {
				return nil, types.ErrNotFound
			}
			return nil, err
		}
		props, _ := record.Get("props")
		return props, nil
	})
	if err != nil {
		return nil, err
	}

	props, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected edge record shape: %T", result)
	}
	return edgeFromProps(props)
}

// NodeExists implements GraphReader.
func (s *Neo4jStore) NodeExists(ctx context.Context, id string) (bool, error) {
	_, err := s.GetNode(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// FindNodeByKey implements GraphReader.
func (s *Neo4jStore) FindNodeByKey(ctx context.Context, entityType, name string) (*types.Node, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := fmt.Sprintf(
			"MATCH (n:%s {entity_key: $key}) RETURN properties(n) AS props LIMIT 1", s.nodeLabel)
		res, err := tx.Run(ctx, query, map[string]any{"key": types.EntityKey(entityType, name)})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			if isNoRecordsErr(err) {
				return nil, types.ErrNotFound
			}
			return nil, err
		}
		props, _ := record.Get("props")
		return props, nil
	})
	if err != nil {
		return nil, err
	}

	props, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected node record shape: %T", result)
	}
	return nodeFromProps(props)
}

// LookupSimilar implements GraphReader. Candidate nodes of the type are
// streamed back and ranked client-side so the ranking math stays identical
// across backends.
func (s *Neo4jStore) LookupSimilar(ctx context.Context, entityType string, embedding []float32, k int) ([]SimilarNode, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := fmt.Sprintf(
			"MATCH (n:%s {type: $type}) WHERE size(n.embedding) > 0 RETURN properties(n) AS props",
			s.nodeLabel)
		res, err := tx.Run(ctx, query, map[string]any{"type": entityType})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		var scored []utils.ScoredItem[*types.Node]
		for _, record := range records {
			props, _ := record.Get("props")
			propsMap, ok := props.(map[string]any)
			if !ok {
				continue
			}
			node, err := nodeFromProps(propsMap)
			if err != nil {
				continue
			}
			score, err := utils.Similarity(embedding, node.Embedding)
			if err != nil {
				continue
			}
			scored = append(scored, utils.ScoredItem[*types.Node]{Item: node, Score: score})
		}
		return scored, nil
	})
	if err != nil {
		return nil, err
	}

	scored := result.([]utils.ScoredItem[*types.Node])
	top := utils.TopKByScore(scored, k)
	results := make([]SimilarNode, 0, len(top))
	for _, item := range top {
		results = append(results, SimilarNode{Node: item.Item, Score: item.Score})
	}
	return results, nil
}

// Stats implements GraphReader.
func (s *Neo4jStore) Stats(ctx context.Context) (*types.GraphStats, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		stats := &types.GraphStats{
			NodesByType: make(map[string]int64),
			EdgesByType: make(map[string]int64),
		}

		query := fmt.Sprintf(
			"MATCH (n:%s) RETURN n.type AS type, count(n) AS count", s.nodeLabel)
		res, err := tx.Run(ctx, query, nil)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			typ, _ := record.Get("type")
			count, _ := record.Get("count")
			if t, ok := typ.(string); ok {
				if c, ok := count.(int64); ok {
					stats.NodesByType[t] = c
					stats.NodeCount += c
				}
			}
		}

		res, err = tx.Run(ctx,
			"MATCH ()-[r:RELATES]->() RETURN r.type AS type, count(r) AS count", nil)
		if err != nil {
			return nil, err
		}
		records, err = res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			typ, _ := record.Get("type")
			count, _ := record.Get("count")
			if t, ok := typ.(string); ok {
				if c, ok := count.(int64); ok {
					stats.EdgesByType[t] = c
					stats.EdgeCount += c
				}
			}
		}

		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.GraphStats), nil
}

// CommitBatch implements GraphWriter. Every operation runs in its own write
// transaction together with the merge of its AppliedOp marker; a redelivered
// operation finds the marker and reports OpReplayed.
func (s *Neo4jStore) CommitBatch(ctx context.Context, ops []*types.MergeOperation) ([]types.OpResult, error) {
	if err := checkUniqueEntityIDs(ops); err != nil {
		return nil, err
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	ordered := orderNodesFirst(ops)
	resultsByID := make(map[string]types.OpResult, len(ordered))

	for _, op := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		status, err := s.applyOp(ctx, session, op)
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

func (s *Neo4jStore) applyOp(ctx context.Context, session neo4j.SessionWithContext, op *types.MergeOperation) (types.OpStatus, error) {
	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"OPTIONAL MATCH (m:AppliedOp {id: $id}) RETURN m IS NOT NULL AS applied",
			map[string]any{"id": op.ID})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if applied, _ := record.Get("applied"); applied == true {
			return types.OpReplayed, nil
		}

		switch op.Kind {
		case types.OpCreateNode:
			err = s.createNode(ctx, tx, op.Node)
		case types.OpUpdateNode:
			err = s.updateNode(ctx, tx, op.EntityID, op.Delta)
		case types.OpCreateEdge:
			err = s.createEdge(ctx, tx, op.Edge)
		case types.OpUpdateEdge:
			err = s.updateEdge(ctx, tx, op.EntityID, op.Delta)
		default:
			err = fmt.Errorf("unknown operation kind %q", op.Kind)
		}
		if err != nil {
			return nil, err
		}

		if _, err := tx.Run(ctx,
			"MERGE (:AppliedOp {id: $id})", map[string]any{"id": op.ID}); err != nil {
			return nil, err
		}
		return types.OpApplied, nil
	})
	if err != nil {
		return types.OpFailed, err
	}
	return result.(types.OpStatus), nil
}

func (s *Neo4jStore) createNode(ctx context.Context, tx neo4j.ManagedTransaction, node *types.Node) error {
	if node == nil {
		return fmt.Errorf("create node operation carries no node")
	}
	if err := node.Validate(); err != nil {
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

	props, err := nodeToProps(&stored)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("MERGE (n:%s {id: $id}) ON CREATE SET n = $props", s.nodeLabel)
	_, err = tx.Run(ctx, query, map[string]any{"id": stored.ID, "props": props})
	return err
}

func (s *Neo4jStore) updateNode(ctx context.Context, tx neo4j.ManagedTransaction, nodeID string, delta *types.Delta) error {
	if delta == nil {
		return fmt.Errorf("update node operation carries no delta")
	}

	query := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN properties(n) AS props", s.nodeLabel)
	res, err := tx.Run(ctx, query, map[string]any{"id": nodeID})
	if err != nil {
		return err
	}
	record, err := res.Single(ctx)
	if err != nil {
		if isNoRecordsErr(err) {
			return types.ErrNotFound
		}
		return err
	}
	rawProps, _ := record.Get("props")
	node, err := nodeFromProps(rawProps.(map[string]any))
	if err != nil {
		return err
	}
	if node.Version > delta.BaseVersion {
		return nil
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

	props, err := nodeToProps(node)
	if err != nil {
		return err
	}
	query = fmt.Sprintf("MATCH (n:%s {id: $id}) SET n = $props", s.nodeLabel)
	_, err = tx.Run(ctx, query, map[string]any{"id": nodeID, "props": props})
	return err
}

func (s *Neo4jStore) createEdge(ctx context.Context, tx neo4j.ManagedTransaction, edge *types.Edge) error {
	if edge == nil {
		return fmt.Errorf("create edge operation carries no edge")
	}
	if err := edge.Validate(); err != nil {
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

	props, err := edgeToProps(&stored)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		MATCH (from:%s {id: $from}), (to:%s {id: $to})
		MERGE (from)-[r:RELATES {id: $id}]->(to)
		ON CREATE SET r = $props
		RETURN r.id AS id
	`, s.nodeLabel, s.nodeLabel)
	res, err := tx.Run(ctx, query, map[string]any{
		"from":  stored.FromNodeID,
		"to":    stored.ToNodeID,
		"id":    stored.ID,
		"props": props,
	})
	if err != nil {
		return err
	}
	if _, err := res.Single(ctx); err != nil {
		if isNoRecordsErr(err) {
			return fmt.Errorf("%w: %s or %s", types.ErrUnresolvedEndpoint, stored.FromNodeID, stored.ToNodeID)
		}
		return err
	}
	return nil
}

func (s *Neo4jStore) updateEdge(ctx context.Context, tx neo4j.ManagedTransaction, edgeID string, delta *types.Delta) error {
	if delta == nil {
		return fmt.Errorf("update edge operation carries no delta")
	}

	res, err := tx.Run(ctx,
		"MATCH ()-[r:RELATES {id: $id}]->() RETURN properties(r) AS props",
		map[string]any{"id": edgeID})
	if err != nil {
		return err
	}
	record, err := res.Single(ctx)
	if err != nil {
		if isNoRecordsErr(err) {
			return types.ErrNotFound
		}
		return err
	}
	rawProps, _ := record.Get("props")
	edge, err := edgeFromProps(rawProps.(map[string]any))
	if err != nil {
		return err
	}
	if edge.Version > delta.BaseVersion {
		return nil
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

	props, err := edgeToProps(edge)
	if err != nil {
		return err
	}
	_, err = tx.Run(ctx,
		"MATCH ()-[r:RELATES {id: $id}]->() SET r = $props",
		map[string]any{"id": edgeID, "props": props})
	return err
}

// Close implements GraphStore.
func (s *Neo4jStore) Close() error {
	return s.client.Close(context.Background())
}

var _ GraphStore = (*Neo4jStore)(nil)
