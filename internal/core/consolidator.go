package core

import (
	"context"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/metrics"
	"github.com/anima-ai/anima/internal/models"
	"github.com/anima-ai/anima/internal/repository"
)

// Consolidation defaults. Near-duplicate memories are treated as
// fragments of one attractor and folded into a centroid instead of
// accumulating as separate rows.
const (
	DefaultDuplicateThreshold = 0.95
	DefaultFragmentThreshold  = 0.92
	DefaultClusterRadius      = 0.15
	DefaultClusterMinPhi      = 2.0

	clusterLimit       = 20
	fragmentationLimit = 50

	// pairwise similarity at which a fragment pair is a confident merge
	highConfidenceSimilarity = 0.95
)

// FindSemanticDuplicate returns the most similar live memory at or
// above the threshold, or nil. A non-positive threshold falls back to
// the configured default.
func (e *Engine) FindSemanticDuplicate(ctx context.Context, embedding models.Vector, threshold float64) (*models.DuplicateMatch, error) {
	if threshold <= 0 {
		threshold = e.cfg.Consolidation.DuplicateThreshold
	}
	match, err := e.consolidation.FindDuplicate(ctx, embedding, "", threshold)
	if err != nil {
		return nil, StorageError(err, "semantic duplicate lookup")
	}
	return match, nil
}

// MergeInput describes one merge of incoming content into a target.
type MergeInput struct {
	TargetID       string
	Content        string
	Similarity     float64
	WasCatalyst    bool
	ConversationID string
}

// MergeIntoCentroid folds content into the target memory: the variant
// is appended to the target's metadata, resonance grows by the
// catalyst-scaled contribution, and catalyst status only upgrades.
// Returns nil when the target no longer exists.
func (e *Engine) MergeIntoCentroid(ctx context.Context, in MergeInput) (*models.Memory, error) {
	merged, contribution, err := e.consolidation.ApplyMerge(ctx, repository.MergeParams{
		TargetID:       in.TargetID,
		Content:        in.Content,
		Similarity:     in.Similarity,
		WasCatalyst:    in.WasCatalyst,
		ConversationID: in.ConversationID,
	})
	if err != nil {
		return nil, NewError(CodeConsolidation, "merge into centroid").WithDetails(map[string]any{
			"targetId": in.TargetID,
			"cause":    err.Error(),
		})
	}
	if merged == nil {
		return nil, nil
	}
	e.logger.Debug("merged into centroid",
		zap.String("target_id", in.TargetID),
		zap.Float64("similarity", in.Similarity),
		zap.Float64("phi_contributed", contribution),
		zap.Bool("was_catalyst", in.WasCatalyst),
	)
	return merged, nil
}

// FindSemanticCluster returns live memories within the similarity
// radius carrying at least minPhi resonance, strongest first.
func (e *Engine) FindSemanticCluster(ctx context.Context, embedding models.Vector, radius, minPhi float64) ([]models.RankedMemory, error) {
	if radius <= 0 {
		radius = e.cfg.Consolidation.ClusterRadius
	}
	if minPhi <= 0 {
		minPhi = e.cfg.Consolidation.ClusterMinPhi
	}
	rows, err := e.consolidation.Cluster(ctx, embedding, 1-radius, minPhi, clusterLimit)
	if err != nil {
		return nil, StorageError(err, "semantic cluster")
	}
	return rows, nil
}

// DetectPhiFragmentation surfaces pairs of live memories similar enough
// to be fragments of one concept, classified by merge confidence and
// ordered by combined resonance.
func (e *Engine) DetectPhiFragmentation(ctx context.Context, threshold float64) ([]models.FragmentPair, error) {
	if threshold <= 0 {
		threshold = e.cfg.Consolidation.FragmentThreshold
	}
	pairs, err := e.consolidation.FragmentationPairs(ctx, threshold, fragmentationLimit)
	if err != nil {
		return nil, StorageError(err, "detect fragmentation")
	}
	for i := range pairs {
		pairs[i].Classification = classifyFragment(pairs[i].Similarity)
	}
	return pairs, nil
}

func classifyFragment(similarity float64) string {
	switch {
	case similarity >= highConfidenceSimilarity:
		return models.FragmentHighConfidence
	case similarity >= DefaultFragmentThreshold:
		return models.FragmentPotential
	default:
		return models.FragmentRelated
	}
}

// CentroidResult is the resonance-weighted mean of a cluster and the
// member closest to it.
type CentroidResult struct {
	Centroid     models.Vector `json:"-"`
	CoreMemoryID string        `json:"coreMemoryId"`
	Members      int           `json:"members"`
}

// CalculateCentroid computes the phi-weighted average embedding of the
// given memories, weighting each by resonance + 1 so zero-resonance
// members still contribute. The core memory is the member closest to
// the centroid.
func (e *Engine) CalculateCentroid(ctx context.Context, ids []string) (*CentroidResult, error) {
	if len(ids) == 0 {
		return nil, NewError(CodeConsolidation, "empty cluster").WithDetails(map[string]any{
			"reason": "EMPTY_CLUSTER",
		})
	}
	members, err := e.consolidation.EmbeddingsByIDs(ctx, ids)
	if err != nil {
		return nil, StorageError(err, "load cluster embeddings")
	}
	if len(members) == 0 {
		return nil, NewError(CodeConsolidation, "empty cluster").WithDetails(map[string]any{
			"reason": "EMPTY_CLUSTER",
		})
	}

	dim := len(members[0].Embedding)
	centroid := make(models.Vector, dim)
	var totalWeight float64
	for _, m := range members {
		weight := m.ResonancePhi + 1.0
		totalWeight += weight
		for i, v := range m.Embedding {
			centroid[i] += float32(float64(v) * weight)
		}
	}
	for i := range centroid {
		centroid[i] = float32(float64(centroid[i]) / totalWeight)
	}

	core := members[0].ID
	best := -2.0
	for _, m := range members {
		sim := models.Cosine(centroid, m.Embedding)
		if sim > best {
			best = sim
			core = m.ID
		}
	}

	return &CentroidResult{
		Centroid:     centroid,
		CoreMemoryID: core,
		Members:      len(members),
	}, nil
}

// recheckJob is the deferred semantic re-check submitted after every
// insert. Concurrent adds can slip past the synchronous duplicate
// lookup; after a settle delay the newer row is folded into the older
// one and soft-deleted.
func (e *Engine) recheckJob(id string) func(ctx context.Context) {
	return func(ctx context.Context) {
		log := e.logger.With(zap.String("memory_id", id))

		added, err := e.memories.GetByID(ctx, id)
		if err != nil {
			log.Warn("semantic re-check load failed", zap.Error(err))
			return
		}
		if added == nil {
			// already consolidated by a concurrent re-check
			return
		}

		match, err := e.consolidation.FindDuplicate(ctx, added.Embedding, id, e.cfg.Consolidation.DuplicateThreshold)
		if err != nil {
			log.Warn("semantic re-check lookup failed", zap.Error(err))
			return
		}
		if match == nil {
			return
		}

		other, err := e.memories.GetByID(ctx, match.ID)
		if err != nil || other == nil {
			if err != nil {
				log.Warn("semantic re-check target load failed", zap.Error(err))
			}
			return
		}

		// the older row is the attractor; the newer one folds into it
		target, source := other, added
		if other.CreatedAt.After(added.CreatedAt) {
			target, source = added, other
		}

		merged, _, err := e.consolidation.ApplyMerge(ctx, repository.MergeParams{
			TargetID:    target.ID,
			Content:     source.Content,
			Similarity:  match.Similarity,
			WasCatalyst: source.IsCatalyst,
		})
		if err != nil {
			log.Warn("deferred merge failed", zap.String("target_id", target.ID), zap.Error(err))
			return
		}
		if merged == nil {
			return
		}
		if _, err := e.consolidation.SoftDelete(ctx, source.ID); err != nil {
			log.Warn("soft delete after deferred merge failed",
				zap.String("source_id", source.ID), zap.Error(err))
			return
		}

		metrics.ConsolidationMerges.WithLabelValues("deferred").Inc()
		log.Info("deferred consolidation merged duplicate",
			zap.String("target_id", target.ID),
			zap.String("source_id", source.ID),
			zap.Float64("similarity", match.Similarity),
		)
	}
}
