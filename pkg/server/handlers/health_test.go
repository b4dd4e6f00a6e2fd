package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHealthHandler(nil)

	router := gin.New()
	router.GET("/health", handler.HealthCheck)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
	assert.Contains(t, rec.Body.String(), `"graphfold"`)
}

func TestReadinessCheckWithoutClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHealthHandler(nil)

	router := gin.New()
	router.GET("/ready", handler.ReadinessCheck)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")
}

func TestLivenessCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHealthHandler(nil)

	router := gin.New()
	router.GET("/live", handler.LivenessCheck)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)
}
