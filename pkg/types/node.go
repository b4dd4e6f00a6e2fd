package types

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Provenance records one observation of an entity by one source.
// Entries are appended in merge order and never rewritten.
type Provenance struct {
	SourceID   string    `json:"source_id" mapstructure:"source_id"`
	IngestedAt time.Time `json:"ingested_at" mapstructure:"ingested_at"`
	Confidence float64   `json:"confidence" mapstructure:"confidence"`
}

// AttrValue is a scalar or multi-valued attribute. Exactly one of Value and
// Set is populated. Scalars hold string, bool, int64, or float64; multi-valued
// attributes accumulate string members as a set.
type AttrValue struct {
	Value any      `json:"value,omitempty" mapstructure:"value"`
	Set   []string `json:"set,omitempty" mapstructure:"set"`
}

// IsMulti reports whether the attribute is multi-valued.
func (v AttrValue) IsMulti() bool { return v.Set != nil }

// Scalar creates a scalar attribute value.
func Scalar(value any) AttrValue { return AttrValue{Value: value} }

// Multi creates a multi-valued attribute from the given members, deduplicated
// and sorted so equal sets compare equal.
func Multi(members ...string) AttrValue {
	seen := make(map[string]bool, len(members))
	set := make([]string, 0, len(members))
	for _, m := range members {
		if !seen[m] {
			seen[m] = true
			set = append(set, m)
		}
	}
	sort.Strings(set)
	return AttrValue{Set: set}
}

// Union returns a multi-valued attribute containing the members of both
// values. Scalar operands contribute their string form as a single member.
func (v AttrValue) Union(other AttrValue) AttrValue {
	members := append(v.members(), other.members()...)
	return Multi(members...)
}

func (v AttrValue) members() []string {
	if v.Set != nil {
		return v.Set
	}
	if s, ok := v.Value.(string); ok {
		return []string{s}
	}
	return nil
}

// Node is a typed entity in the knowledge graph.
//
// The id is assigned on first creation and immutable afterwards. The
// embedding dimension is constant across all nodes of a graph instance.
// Version increments by one on every applied merge.
type Node struct {
	ID         string               `json:"id" mapstructure:"id"`
	Type       string               `json:"type" mapstructure:"type"`
	Name       string               `json:"name" mapstructure:"name"`
	Attributes map[string]AttrValue `json:"attributes,omitempty" mapstructure:"attributes"`
	Embedding  []float32            `json:"embedding,omitempty" mapstructure:"embedding"`
	Provenance []Provenance         `json:"provenance,omitempty" mapstructure:"provenance"`
	Version    int64                `json:"version" mapstructure:"version"`
	CreatedAt  time.Time            `json:"created_at" mapstructure:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at" mapstructure:"updated_at"`
}

// Validate checks the fields required of every node.
func (n *Node) Validate() error {
	if n.ID == "" {
		return ErrEmptyID
	}
	if n.Type == "" {
		return ErrEmptyType
	}
	return nil
}

// Key returns the entity key used for advisory locking and exact-match
// resolution: the type plus the normalized natural key, when one exists.
func (n *Node) Key() string {
	return EntityKey(n.Type, n.Name)
}

// BestConfidence returns the highest provenance confidence recorded on the
// node, or 0 when the node carries no provenance.
func (n *Node) BestConfidence() float64 {
	best := 0.0
	for _, p := range n.Provenance {
		if p.Confidence > best {
			best = p.Confidence
		}
	}
	return best
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeKey lowercases a natural key and collapses whitespace so equal
// names map to the same key.
func NormalizeKey(name string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(name), " "))
}

// EntityKey builds the advisory-lock key for a type and natural key. Entities
// without a natural key fall back to the bare type, which serializes them
// conservatively rather than not at all.
func EntityKey(entityType, name string) string {
	normalized := NormalizeKey(name)
	if normalized == "" {
		return entityType
	}
	return entityType + "/" + normalized
}
