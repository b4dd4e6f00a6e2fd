package types

import "time"

// CandidateEntity is a proposed node that has not yet been reconciled against
// the graph. It carries the node shape plus the batch that produced it.
type CandidateEntity struct {
	Type          string               `json:"type"`
	Name          string               `json:"name"`
	Attributes    map[string]AttrValue `json:"attributes,omitempty"`
	Embedding     []float32            `json:"embedding,omitempty"`
	SourceID      string               `json:"source_id"`
	Confidence    float64              `json:"confidence"`
	ObservedAt    time.Time            `json:"observed_at"`
	SourceBatchID string               `json:"source_batch_id"`
}

// Validate checks the fields required of every candidate entity.
func (c *CandidateEntity) Validate() error {
	if c.Type == "" {
		return ErrEmptyType
	}
	if c.SourceBatchID == "" {
		return ErrEmptyBatchID
	}
	return nil
}

// Key returns the entity key the candidate resolves and locks under.
func (c *CandidateEntity) Key() string {
	return EntityKey(c.Type, c.Name)
}

// ProvenanceEntry returns the provenance entry this candidate contributes on merge.
func (c *CandidateEntity) ProvenanceEntry() Provenance {
	observed := c.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	return Provenance{
		SourceID:   c.SourceID,
		IngestedAt: observed,
		Confidence: c.Confidence,
	}
}

// EndpointRef names one endpoint of a candidate relationship. Name is the
// entity's natural key; Type narrows the lookup when the extractor knows it
// and may be empty otherwise.
type EndpointRef struct {
	Type string `json:"type,omitempty"`
	Name string `json:"name"`
}

// CandidateRelationship is a proposed edge between two entities referenced by
// natural key. Endpoints may resolve to nodes created within the same batch.
type CandidateRelationship struct {
	Type          string               `json:"type"`
	From          EndpointRef          `json:"from"`
	To            EndpointRef          `json:"to"`
	Attributes    map[string]AttrValue `json:"attributes,omitempty"`
	Confidence    float64              `json:"confidence"`
	SourceID      string               `json:"source_id"`
	ObservedAt    time.Time            `json:"observed_at"`
	SourceBatchID string               `json:"source_batch_id"`
}

// Validate checks the fields required of every candidate relationship.
func (c *CandidateRelationship) Validate() error {
	if c.Type == "" {
		return ErrEmptyType
	}
	if c.From.Name == "" || c.To.Name == "" {
		return ErrUnresolvedEndpoint
	}
	if c.SourceBatchID == "" {
		return ErrEmptyBatchID
	}
	return nil
}

// ProvenanceEntry returns the provenance entry this candidate contributes on merge.
func (c *CandidateRelationship) ProvenanceEntry() Provenance {
	observed := c.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	return Provenance{
		SourceID:   c.SourceID,
		IngestedAt: observed,
		Confidence: c.Confidence,
	}
}
