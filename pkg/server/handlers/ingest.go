package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/graphfold"
	"github.com/soundprediction/graphfold/pkg/server/dto"
	"github.com/soundprediction/graphfold/pkg/types"
)

// IngestHandler handles candidate batch submission
type IngestHandler struct {
	graphfold graphfold.GraphFold
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(g graphfold.GraphFold) *IngestHandler {
	return &IngestHandler{
		graphfold: g,
	}
}

// IngestBatch handles POST /api/v1/ingest/batch
func (h *IngestHandler) IngestBatch(c *gin.Context) {
	var req dto.IngestBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "invalid request body",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation failed",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	batch := req.ToBatch()
	outcome, err := h.graphfold.Ingest(c.Request.Context(), batch)
	if err != nil {
		if errors.Is(err, types.ErrBatchCancelled) {
			c.JSON(http.StatusConflict, dto.IngestResponse{
				Success: false,
				BatchID: batch.ID,
				Outcome: outcome,
				Message: "batch was cancelled",
			})
			return
		}
		// Partial failures still carry an outcome worth returning.
		if outcome != nil && outcome.State == types.BatchPartiallyFailed {
			c.JSON(http.StatusMultiStatus, dto.IngestResponse{
				Success: false,
				BatchID: batch.ID,
				Outcome: outcome,
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "ingestion failed",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}

	status := http.StatusOK
	if outcome.State == types.BatchPartiallyFailed {
		status = http.StatusMultiStatus
	}
	c.JSON(status, dto.IngestResponse{
		Success: outcome.State == types.BatchDone,
		BatchID: batch.ID,
		Outcome: outcome,
	})
}

// BatchState handles GET /api/v1/ingest/batch/:id
func (h *IngestHandler) BatchState(c *gin.Context) {
	batchID := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"batch_id": batchID,
		"state":    h.graphfold.BatchState(batchID),
	})
}

// CancelBatch handles DELETE /api/v1/ingest/batch/:id
func (h *IngestHandler) CancelBatch(c *gin.Context) {
	batchID := c.Param("id")
	if !h.graphfold.Cancel(batchID) {
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error:   "cancellation refused",
			Message: "batch is already committing or finished",
			Code:    http.StatusConflict,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id":  batchID,
		"cancelled": true,
	})
}
