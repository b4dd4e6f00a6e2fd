package dto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/soundprediction/graphfold/pkg/types"
)

// Validation errors
var (
	ErrEmptyBatch        = errors.New("batch contains no candidates")
	ErrBatchIDTooLong    = errors.New("batch_id exceeds maximum length (256)")
	ErrNameTooLong       = errors.New("name exceeds maximum length (1024)")
	ErrEntityTypeTooLong = errors.New("type exceeds maximum length (256)")
	ErrTooManyCandidates = errors.New("candidate count exceeds maximum (5000)")
)

// MaxFieldLengths defines maximum lengths for fields to prevent abuse
const (
	MaxBatchIDLength  = 256
	MaxNameLength     = 1024
	MaxEntityType     = 256
	MaxCandidateCount = 5000
	MaxAttributeCount = 100
)

// IngestBatchRequest carries one batch of candidate entities and
// relationships. BatchID is optional; a missing one is generated.
type IngestBatchRequest struct {
	BatchID       string                         `json:"batch_id,omitempty"`
	Entities      []*types.CandidateEntity       `json:"entities,omitempty"`
	Relationships []*types.CandidateRelationship `json:"relationships,omitempty"`
}

// Validate performs validation on IngestBatchRequest
func (r *IngestBatchRequest) Validate() error {
	if len(r.BatchID) > MaxBatchIDLength {
		return ErrBatchIDTooLong
	}
	if len(r.Entities) == 0 && len(r.Relationships) == 0 {
		return ErrEmptyBatch
	}
	if len(r.Entities)+len(r.Relationships) > MaxCandidateCount {
		return ErrTooManyCandidates
	}
	for i, entity := range r.Entities {
		if err := validateCandidate(entity.Type, entity.Name, len(entity.Attributes)); err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
	}
	for i, rel := range r.Relationships {
		if err := validateCandidate(rel.Type, "", len(rel.Attributes)); err != nil {
			return fmt.Errorf("relationship %d: %w", i, err)
		}
		if strings.TrimSpace(rel.From.Name) == "" || strings.TrimSpace(rel.To.Name) == "" {
			return fmt.Errorf("relationship %d: both endpoints must be named", i)
		}
	}
	return nil
}

func validateCandidate(entityType, name string, attrCount int) error {
	if strings.TrimSpace(entityType) == "" {
		return errors.New("type cannot be empty")
	}
	if len(entityType) > MaxEntityType {
		return ErrEntityTypeTooLong
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	if attrCount > MaxAttributeCount {
		return errors.New("attributes count exceeds maximum (100)")
	}
	return nil
}

// ToBatch converts the request into a batch, generating a batch id and
// stamping it on candidates that arrived without one.
func (r *IngestBatchRequest) ToBatch() *types.Batch {
	batchID := r.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}
	for _, entity := range r.Entities {
		if entity.SourceBatchID == "" {
			entity.SourceBatchID = batchID
		}
	}
	for _, rel := range r.Relationships {
		if rel.SourceBatchID == "" {
			rel.SourceBatchID = batchID
		}
	}
	return &types.Batch{ID: batchID, Entities: r.Entities, Relationships: r.Relationships}
}

// IngestResponse represents a response from ingest operations
type IngestResponse struct {
	Success bool                `json:"success"`
	BatchID string              `json:"batch_id"`
	Outcome *types.BatchOutcome `json:"outcome,omitempty"`
	Message string              `json:"message,omitempty"`
}
