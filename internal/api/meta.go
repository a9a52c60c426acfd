package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anima-ai/anima/internal/core"
	"github.com/anima-ai/anima/internal/models"
)

type conversationEndRequest struct {
	ConversationID string                `json:"conversationId"`
	SessionMetrics models.SessionMetrics `json:"sessionMetrics"`
}

func (s *Server) conversationEnd(c *gin.Context) {
	var req conversationEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: %v", err)
		return
	}

	reflection, err := s.engine.EndConversation(c.Request.Context(), req.ConversationID, req.SessionMetrics)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"reflection": reflection})
}

func (s *Server) reflections(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			respondValidation(c, "limit must be an integer")
			return
		}
		limit = v
	}

	rows, err := s.engine.Reflections(c.Request.Context(), core.ReflectionsInput{
		ConversationID: c.Query("conversationId"),
		ReflectionType: c.Query("reflectionType"),
		Limit:          limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"reflections": rows, "count": len(rows)})
}

type generateHandshakeRequest struct {
	ConversationID string `json:"conversationId"`
	Force          *bool  `json:"force"`
}

func (s *Server) generateHandshake(c *gin.Context) {
	req := generateHandshakeRequest{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondValidation(c, "invalid request body: %v", err)
			return
		}
	}
	// explicit generation regenerates unless the caller opts out
	force := true
	if req.Force != nil {
		force = *req.Force
	}

	handshake, err := s.engine.GenerateHandshake(c.Request.Context(), core.HandshakeInput{
		ConversationID: req.ConversationID,
		Force:          force,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"handshake": handshake})
}

func (s *Server) getHandshake(c *gin.Context) {
	handshake, err := s.engine.GenerateHandshake(c.Request.Context(), core.HandshakeInput{
		ConversationID: c.Query("conversationId"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"handshake": handshake})
}

func (s *Server) metaMetrics(c *gin.Context) {
	cache := s.embedder.CacheStats()

	dbStatus := "healthy"
	if err := s.db.Ping(c.Request.Context()); err != nil {
		dbStatus = "unhealthy"
	}
	pool := s.db.Stats()

	respond(c, http.StatusOK, gin.H{
		"cache": gin.H{
			"hits":    cache.Hits,
			"misses":  cache.Misses,
			"hitRate": cache.HitRate,
			"size":    cache.Size,
			"maxSize": cache.MaxSize,
			"status":  "healthy",
		},
		"database": gin.H{
			"totalConnections":   pool.TotalConnections,
			"idleConnections":    pool.IdleConnections,
			"waitingConnections": pool.WaitingConnections,
			"status":             dbStatus,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) cacheStats(c *gin.Context) {
	cache := s.embedder.CacheStats()

	recommendation := "cache performing well"
	switch {
	case cache.Hits+cache.Misses == 0:
		recommendation = "no cache activity yet"
	case cache.HitRate < 0.3:
		recommendation = "low hit rate; consider increasing cache size or TTL"
	case cache.Size >= cache.MaxSize:
		recommendation = "cache at capacity; consider increasing cache size"
	}

	respond(c, http.StatusOK, gin.H{
		"cache":          cache,
		"recommendation": recommendation,
	})
}

func (s *Server) health(c *gin.Context) {
	status := "healthy"
	httpStatus := http.StatusOK

	dbStatus := "connected"
	if err := s.db.Ping(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	providers := s.embedder.Status()
	embeddingStatus := "available"
	open := 0
	for _, p := range providers {
		if p.Breaker == "open" {
			open++
		}
	}
	if len(providers) > 0 && open == len(providers) {
		embeddingStatus = "unavailable"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if open > 0 {
		embeddingStatus = "degraded"
	}

	c.JSON(httpStatus, gin.H{
		"status":            status,
		"database":          dbStatus,
		"embedding_service": embeddingStatus,
		"providers":         providers,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}
