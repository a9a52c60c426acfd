package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/anima-ai/anima/internal/core"
)

func (s *Server) discoverAssociations(c *gin.Context) {
	minStrength := core.DefaultAssocMinStrength
	if raw := c.Query("minStrength"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondValidation(c, "minStrength must be a number")
			return
		}
		minStrength = v
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			respondValidation(c, "limit must be an integer")
			return
		}
		limit = v
	}

	result, err := s.engine.Associations(c.Request.Context(), c.Query("memoryId"), minStrength, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (s *Server) hubs(c *gin.Context) {
	minConnections := 0
	if raw := c.Query("minConnections"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			respondValidation(c, "minConnections must be an integer")
			return
		}
		minConnections = v
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			respondValidation(c, "limit must be an integer")
			return
		}
		limit = v
	}

	hubs, err := s.engine.Hubs(c.Request.Context(), minConnections, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"hubs": hubs})
}

func (s *Server) networkStats(c *gin.Context) {
	stats, err := s.engine.NetworkStats(c.Request.Context(), c.Query("memoryId"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"network_stats": stats})
}
