package types

import "time"

// Edge is a typed relationship between two nodes.
//
// FromNodeID and ToNodeID must reference existing nodes at commit time.
// Self-loops are permitted only when the domain schema allows them.
type Edge struct {
	ID         string               `json:"id" mapstructure:"id"`
	Type       string               `json:"type" mapstructure:"type"`
	FromNodeID string               `json:"from_node_id" mapstructure:"from_node_id"`
	ToNodeID   string               `json:"to_node_id" mapstructure:"to_node_id"`
	Attributes map[string]AttrValue `json:"attributes,omitempty" mapstructure:"attributes"`
	Confidence float64              `json:"confidence" mapstructure:"confidence"`
	Provenance []Provenance         `json:"provenance,omitempty" mapstructure:"provenance"`
	Version    int64                `json:"version" mapstructure:"version"`
	CreatedAt  time.Time            `json:"created_at" mapstructure:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at" mapstructure:"updated_at"`
}

// Validate checks the fields required of every edge.
func (e *Edge) Validate() error {
	if e.ID == "" {
		return ErrEmptyID
	}
	if e.Type == "" {
		return ErrEmptyType
	}
	if e.FromNodeID == "" || e.ToNodeID == "" {
		return ErrUnresolvedEndpoint
	}
	return nil
}

// IsSelfLoop reports whether the edge connects a node to itself.
func (e *Edge) IsSelfLoop() bool {
	return e.FromNodeID != "" && e.FromNodeID == e.ToNodeID
}
