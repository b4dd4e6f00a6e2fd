package types

import "sort"

// Batch is one unit of ingestion work: the candidate entities and
// relationships produced by a single extraction pass.
type Batch struct {
	ID            string                   `json:"id"`
	Entities      []*CandidateEntity       `json:"entities,omitempty"`
	Relationships []*CandidateRelationship `json:"relationships,omitempty"`
}

// IsEmpty reports whether the batch carries no work.
func (b *Batch) IsEmpty() bool {
	return len(b.Entities) == 0 && len(b.Relationships) == 0
}

// EntityKeys returns the sorted, deduplicated set of entity keys the batch
// touches, including relationship endpoints. These are the advisory lock keys
// held while the batch is in flight.
func (b *Batch) EntityKeys() []string {
	seen := make(map[string]bool)
	add := func(key string) {
		if key != "" && !seen[key] {
			seen[key] = true
		}
	}
	for _, e := range b.Entities {
		add(e.Key())
	}
	for _, r := range b.Relationships {
		add(EntityKey(r.From.Type, r.From.Name))
		add(EntityKey(r.To.Type, r.To.Name))
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
