package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/anima-ai/anima/internal/core"
	"github.com/anima-ai/anima/internal/models"
)

type addMemoryRequest struct {
	Content        string         `json:"content"`
	Category       string         `json:"category"`
	Tags           []string       `json:"tags"`
	Source         string         `json:"source"`
	ConversationID string         `json:"conversationId"`
	IsCatalyst     bool           `json:"isCatalyst"`
	Metadata       models.JSONMap `json:"metadata"`
}

type addMemoryResponse struct {
	Memory            *models.Memory `json:"memory"`
	IsDuplicate       bool           `json:"isDuplicate"`
	ExactMatch        bool           `json:"exactMatch,omitempty"`
	IsMerged          bool           `json:"isMerged,omitempty"`
	Similarity        float64        `json:"similarity,omitempty"`
	EmbeddingProvider string         `json:"embeddingProvider"`
}

func (s *Server) addMemory(c *gin.Context) {
	var req addMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: %v", err)
		return
	}

	result, err := s.engine.Add(c.Request.Context(), core.AddInput{
		Content:        req.Content,
		Category:       req.Category,
		Tags:           req.Tags,
		Source:         req.Source,
		ConversationID: req.ConversationID,
		IsCatalyst:     req.IsCatalyst,
		Metadata:       req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.IsDuplicate {
		status = http.StatusOK
	}
	respond(c, status, addMemoryResponse{
		Memory:            result.Memory,
		IsDuplicate:       result.IsDuplicate,
		ExactMatch:        result.ExactMatch,
		IsMerged:          result.IsMerged,
		Similarity:        result.Similarity,
		EmbeddingProvider: result.EmbeddingProvider,
	})
}

type queryRequest struct {
	Query               string   `json:"query"`
	Limit               *int     `json:"limit"`
	SimilarityThreshold *float64 `json:"similarityThreshold"`
	Tiers               []string `json:"tiers"`
	ConversationID      string   `json:"conversationId"`
}

type queryResponse struct {
	Memories          []models.RankedMemory `json:"memories"`
	QueryTime         float64               `json:"queryTime"`
	EmbeddingProvider string                `json:"embeddingProvider"`
	Promotions        []models.TierChange   `json:"promotions,omitempty"`
}

func (s *Server) queryMemories(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: %v", err)
		return
	}

	limit := core.DefaultQueryLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	threshold := core.DefaultQueryThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}

	result, err := s.engine.Query(c.Request.Context(), core.QueryInput{
		Query:          req.Query,
		Limit:          limit,
		Threshold:      threshold,
		Tiers:          req.Tiers,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondTimed(c, http.StatusOK, queryResponse{
		Memories:          result.Memories,
		QueryTime:         result.QueryTimeMs,
		EmbeddingProvider: result.EmbeddingProvider,
		Promotions:        result.Promotions,
	}, result.QueryTimeMs)
}

type bootstrapResponse struct {
	Memories       bootstrapMemories          `json:"memories"`
	Distribution   core.BootstrapDistribution `json:"distribution"`
	ConversationID string                     `json:"conversationId,omitempty"`
	Filtering      core.BootstrapFiltering    `json:"filtering"`
	GhostHandshake *models.Handshake          `json:"ghostHandshake"`
}

type bootstrapMemories struct {
	Active []models.Memory `json:"active"`
	Thread []models.Memory `json:"thread"`
	Stable []models.Memory `json:"stable"`
}

// boolQuery parses a query flag that defaults to true when absent.
func boolQuery(c *gin.Context, name string) (bool, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return true, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func (s *Server) bootstrap(c *gin.Context) {
	limit := core.DefaultBootstrapLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			respondValidation(c, "limit must be an integer")
			return
		}
		limit = v
	}

	in := core.BootstrapInput{
		ConversationID: c.Query("conversationId"),
		Limit:          limit,
	}
	var ok bool
	if in.IncludeActive, ok = boolQuery(c, "includeActive"); !ok {
		respondValidation(c, "includeActive must be a boolean")
		return
	}
	if in.IncludeThread, ok = boolQuery(c, "includeThread"); !ok {
		respondValidation(c, "includeThread must be a boolean")
		return
	}
	if in.IncludeStable, ok = boolQuery(c, "includeStable"); !ok {
		respondValidation(c, "includeStable must be a boolean")
		return
	}

	result, err := s.engine.Bootstrap(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, bootstrapResponse{
		Memories: bootstrapMemories{
			Active: result.Active,
			Thread: result.Thread,
			Stable: result.Stable,
		},
		Distribution:   result.Distribution,
		ConversationID: result.ConversationID,
		Filtering:      result.Filtering,
		GhostHandshake: result.Handshake,
	})
}

type updateTierRequest struct {
	MemoryID string `json:"memoryId"`
	Tier     string `json:"tier"`
	Reason   string `json:"reason"`
}

type updateTierResponse struct {
	Memory    *models.Memory        `json:"memory"`
	Promotion *models.TierPromotion `json:"promotion"`
	Message   string                `json:"message"`
}

func (s *Server) updateTier(c *gin.Context) {
	var req updateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body: %v", err)
		return
	}

	result, err := s.engine.UpdateTier(c.Request.Context(), core.UpdateTierInput{
		MemoryID: req.MemoryID,
		Tier:     req.Tier,
		Reason:   req.Reason,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, updateTierResponse{
		Memory:    result.Memory,
		Promotion: result.Promotion,
		Message: "memory moved from " + string(result.Promotion.FromTier) +
			" to " + string(result.Promotion.ToTier),
	})
}
