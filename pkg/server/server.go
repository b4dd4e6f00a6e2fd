// Package server exposes the ingestion pipeline over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/graphfold"
	"github.com/soundprediction/graphfold/pkg/config"
	"github.com/soundprediction/graphfold/pkg/server/handlers"
)

// Server represents the HTTP server
type Server struct {
	config    *config.Config
	router    *gin.Engine
	graphfold graphfold.GraphFold
	server    *http.Server
}

// New creates a new server instance
func New(cfg *config.Config, client graphfold.GraphFold) *Server {
	return &Server{
		config:    cfg,
		graphfold: client,
	}
}

// Setup sets up the server routes and middleware
func (s *Server) Setup() {
	// Set gin mode
	gin.SetMode(s.config.Server.Mode)

	// Create router
	s.router = gin.New()

	// Add middleware
	s.router.Use(gin.Logger())
	s.router.Use(gin.Recovery())
	s.router.Use(corsMiddleware())

	// Setup routes
	s.setupRoutes()

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
}

// setupRoutes sets up all the routes
func (s *Server) setupRoutes() {
	// Create handlers
	healthHandler := handlers.NewHealthHandler(s.graphfold)
	ingestHandler := handlers.NewIngestHandler(s.graphfold)
	retrieveHandler := handlers.NewRetrieveHandler(s.graphfold)

	// Health endpoints
	s.router.GET("/health", healthHandler.HealthCheck)
	s.router.GET("/ready", healthHandler.ReadinessCheck)
	s.router.GET("/live", healthHandler.LivenessCheck) // Kubernetes liveness probe

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		// Ingest routes
		ingest := v1.Group("/ingest")
		{
			ingest.POST("/batch", ingestHandler.IngestBatch)
			ingest.GET("/batch/:id", ingestHandler.BatchState)
			ingest.DELETE("/batch/:id", ingestHandler.CancelBatch)
		}

		// Retrieve routes
		v1.GET("/node/:id", retrieveHandler.GetNode)
		v1.GET("/edge/:id", retrieveHandler.GetEdge)
		v1.GET("/entity", retrieveHandler.FindNode)
		v1.GET("/stats", retrieveHandler.Stats)
	}
}

// Router returns the configured handler. Setup must have been called.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the server
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the server gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
