package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/graphfold"
	"github.com/soundprediction/graphfold/pkg/server/dto"
	"github.com/soundprediction/graphfold/pkg/types"
)

// RetrieveHandler handles graph read requests
type RetrieveHandler struct {
	graphfold graphfold.GraphFold
}

// NewRetrieveHandler creates a new retrieve handler
func NewRetrieveHandler(g graphfold.GraphFold) *RetrieveHandler {
	return &RetrieveHandler{
		graphfold: g,
	}
}

// GetNode handles GET /api/v1/node/:id
func (h *RetrieveHandler) GetNode(c *gin.Context) {
	node, err := h.graphfold.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondReadError(c, err, "node")
		return
	}
	c.JSON(http.StatusOK, dto.Result{Success: true, Data: node})
}

// GetEdge handles GET /api/v1/edge/:id
func (h *RetrieveHandler) GetEdge(c *gin.Context) {
	edge, err := h.graphfold.GetEdge(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondReadError(c, err, "edge")
		return
	}
	c.JSON(http.StatusOK, dto.Result{Success: true, Data: edge})
}

// FindNode handles GET /api/v1/entity?type=Person&name=Ada+Lovelace
func (h *RetrieveHandler) FindNode(c *gin.Context) {
	entityType := c.Query("type")
	name := c.Query("name")
	if entityType == "" || name == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "missing query parameters",
			Message: "both type and name are required",
			Code:    http.StatusBadRequest,
		})
		return
	}

	node, err := h.graphfold.FindNode(c.Request.Context(), entityType, name)
	if err != nil {
		respondReadError(c, err, "entity")
		return
	}
	c.JSON(http.StatusOK, dto.Result{Success: true, Data: node})
}

// Stats handles GET /api/v1/stats
func (h *RetrieveHandler) Stats(c *gin.Context) {
	stats, err := h.graphfold.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "failed to read stats",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, dto.Result{Success: true, Data: stats})
}

func respondReadError(c *gin.Context, err error, kind string) {
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error: kind + " not found",
			Code:  http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
		Error:   "failed to read " + kind,
		Message: err.Error(),
		Code:    http.StatusInternalServerError,
	})
}
