package core

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/metrics"
	"github.com/anima-ai/anima/internal/models"
)

// Association query defaults.
const (
	DefaultAssocMinStrength    = 0.1
	DefaultAssocLimit          = 20
	DefaultHubLimit            = 10
	DefaultHubMinConnections   = 5
	reflectionHubLimit         = 5
	reflectionHubMinConnection = 1
)

// RecordCoOccurrence upserts one co-occurrence for every pair of the
// returned memories, chunked under the batch cap. A failed chunk is
// logged and skipped; the query that produced the pairs has already
// returned, so partial failure must not abort the rest.
func (e *Engine) RecordCoOccurrence(ctx context.Context, ids []string, conversationID string) {
	pairs := models.PairsOf(ids)
	if len(pairs) == 0 {
		return
	}

	for _, chunk := range database.Chunk(pairs, database.MaxBatchRows) {
		if err := e.associations.UpsertChunk(ctx, chunk, conversationID); err != nil {
			e.logger.Warn("co-occurrence chunk failed",
				zap.Int("pairs", len(chunk)),
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			continue
		}
		metrics.AssociationUpserts.Add(float64(len(chunk)))
	}
}

// AssociationsResult lists one memory's edges.
type AssociationsResult struct {
	MemoryID          string                     `json:"memory_id"`
	Associations      []models.MemoryAssociation `json:"associations"`
	TotalAssociations int                        `json:"total_associations"`
}

// Associations returns the co-occurrence partners of a memory above the
// strength floor, strongest first.
func (e *Engine) Associations(ctx context.Context, memoryID string, minStrength float64, limit int) (*AssociationsResult, error) {
	if memoryID == "" {
		return nil, ValidationError("memoryId is required")
	}
	if _, err := uuid.Parse(memoryID); err != nil {
		return nil, ValidationError("memoryId must be a UUID")
	}
	if minStrength < 0 {
		minStrength = 0
	}
	if limit <= 0 {
		limit = DefaultAssocLimit
	}

	edges, err := e.associations.ForMemory(ctx, memoryID, minStrength, limit)
	if err != nil {
		return nil, StorageError(err, "load associations")
	}
	if edges == nil {
		edges = []models.MemoryAssociation{}
	}
	return &AssociationsResult{
		MemoryID:          memoryID,
		Associations:      edges,
		TotalAssociations: len(edges),
	}, nil
}

// Hubs returns the most connected memories in the association graph.
func (e *Engine) Hubs(ctx context.Context, minConnections, limit int) ([]models.Hub, error) {
	if minConnections <= 0 {
		minConnections = DefaultHubMinConnections
	}
	if limit <= 0 {
		limit = DefaultHubLimit
	}
	hubs, err := e.associations.Hubs(ctx, minConnections, limit)
	if err != nil {
		return nil, StorageError(err, "load hubs")
	}
	if hubs == nil {
		hubs = []models.Hub{}
	}
	return hubs, nil
}

// NetworkStats summarises a memory's position in the graph.
func (e *Engine) NetworkStats(ctx context.Context, memoryID string) (*models.NetworkStats, error) {
	if memoryID == "" {
		return nil, ValidationError("memoryId is required")
	}
	if _, err := uuid.Parse(memoryID); err != nil {
		return nil, ValidationError("memoryId must be a UUID")
	}
	stats, err := e.associations.Stats(ctx, memoryID)
	if err != nil {
		return nil, StorageError(err, "network stats")
	}
	return stats, nil
}
