// Package api exposes the management HTTP surface of the grid engine.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gridbot/grid"
	"gridbot/logger"
)

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	engine     *grid.Engine
	httpServer *http.Server
	port       int
}

// NewServer creates the API server around the grid engine.
func NewServer(engine *grid.Engine, port int) *Server {
	// Set to Release mode (reduce log output)
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		engine: engine,
		port:   port,
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// setupRoutes Setup routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.Any("/health", s.handleHealth)

		api.GET("/grids", s.handleListGrids)
		api.GET("/grids/:id", s.handleGetGrid)
		api.POST("/grids", s.handleCreateGrid)
		api.POST("/grids/:id/close", s.handleCloseGrid)

		api.GET("/history", s.handleHistory)
		api.GET("/stats", s.handleStats)
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handleListGrids Active grid list
func (s *Server) handleListGrids(c *gin.Context) {
	grids := s.engine.ActiveGrids()
	c.JSON(http.StatusOK, gin.H{
		"count": len(grids),
		"grids": grids,
	})
}

// handleGetGrid Single grid detail, active or archived
func (s *Server) handleGetGrid(c *gin.Context) {
	id := c.Param("id")
	g, ok := s.engine.GetGrid(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("grid %s not found", id)})
		return
	}
	c.JSON(http.StatusOK, g)
}

// createGridRequest Manual grid creation payload. Config, when present,
// replaces the engine defaults for this grid.
type createGridRequest struct {
	Pair        string         `json:"pair" binding:"required"`
	Direction   grid.Direction `json:"direction" binding:"required"`
	AnchorPrice float64        `json:"anchor_price" binding:"required"`
	Confidence  float64        `json:"confidence"`
	Config      *grid.Config   `json:"config"`
}

// handleCreateGrid Create grid from a manual signal
func (s *Server) handleCreateGrid(c *gin.Context) {
	var req createGridRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	sig := &grid.Signal{
		Pair:        req.Pair,
		Direction:   req.Direction,
		AnchorPrice: req.AnchorPrice,
		Confidence:  req.Confidence,
	}

	g, err := s.engine.CreateGrid(c.Request.Context(), sig, req.Config)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, g)
}

// handleCloseGrid Manually tear down a grid
func (s *Server) handleCloseGrid(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.CloseGrid(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Grid closed"})
}

// handleHistory Completed grid archive
func (s *Server) handleHistory(c *gin.Context) {
	history := s.engine.History()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(history),
		"history": history,
	})
}

// handleStats Aggregate engine statistics
func (s *Server) handleStats(c *gin.Context) {
	stats := s.engine.Stats()
	winRate := 0.0
	if stats.GridsCompleted > 0 {
		winRate = float64(stats.WinCount) / float64(stats.GridsCompleted) * 100
	}
	c.JSON(http.StatusOK, gin.H{
		"grids_created":            stats.GridsCreated,
		"grids_completed":          stats.GridsCompleted,
		"cumulative_profit":        stats.CumulativeProfit,
		"win_count":                stats.WinCount,
		"win_rate_pct":             winRate,
		"mean_completion_seconds":  stats.MeanCompletionSeconds(),
		"total_completion_seconds": stats.TotalCompletionSeconds,
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start starts HTTP server (blocking)
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("🌐 API server starting at http://localhost%s", addr)
	logger.Infof("📊 API Documentation:")
	logger.Infof("  • GET  /api/health          - Health check")
	logger.Infof("  • GET  /api/grids           - Active grid list")
	logger.Infof("  • GET  /api/grids/:id       - Grid detail (active or archived)")
	logger.Infof("  • POST /api/grids           - Create grid from a manual signal")
	logger.Infof("  • POST /api/grids/:id/close - Close grid and liquidate positions")
	logger.Infof("  • GET  /api/history         - Completed grid archive")
	logger.Infof("  • GET  /api/stats           - Aggregate statistics")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown Gracefully shutdown server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
