package core

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/metrics"
	"github.com/anima-ai/anima/internal/models"
	"github.com/anima-ai/anima/internal/repository"
)

// Retrieval defaults and limits.
const (
	DefaultQueryLimit     = 20
	MaxQueryLimit         = 100
	DefaultQueryThreshold = 0.5

	DefaultBootstrapLimit = 50
	BootstrapBoostFactor  = 2.0
	BootstrapMinGlobalPhi = 3.0
	bootstrapThreadShare  = 0.7

	// access counts at which a memory climbs a tier
	promoteActiveAt = 5
	promoteThreadAt = 20

	// resonance added on every query hit
	queryPhiBump = 0.1
)

// AddInput describes one memory to store.
type AddInput struct {
	Content        string
	Category       string
	Tags           []string
	Source         string
	ConversationID string
	IsCatalyst     bool
	Metadata       models.JSONMap
}

// AddResult reports what add did: a fresh insert, an exact duplicate
// touch, or a semantic merge into an existing attractor.
type AddResult struct {
	Memory            *models.Memory
	IsDuplicate       bool
	ExactMatch        bool
	IsMerged          bool
	Similarity        float64
	EmbeddingProvider string
}

// Add stores content: fingerprint, embed, consolidate or dedup, insert.
// Background work (deferred semantic re-check, catalyst probe) is
// submitted fire-and-forget and never blocks the response.
func (e *Engine) Add(ctx context.Context, in AddInput) (*AddResult, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, ValidationError("content is required")
	}

	vec, provider, err := e.embedder.Embed(ctx, content)
	if err != nil {
		return nil, Classify(err, "embed content")
	}

	fingerprint := models.Fingerprint(content)

	if e.cfg.Consolidation.Enabled() {
		dup, err := e.consolidation.FindDuplicate(ctx, vec, "", e.cfg.Consolidation.DuplicateThreshold)
		if err != nil {
			return nil, StorageError(err, "semantic duplicate lookup")
		}
		if dup != nil {
			merged, err := e.MergeIntoCentroid(ctx, MergeInput{
				TargetID:       dup.ID,
				Content:        content,
				Similarity:     dup.Similarity,
				WasCatalyst:    in.IsCatalyst,
				ConversationID: in.ConversationID,
			})
			if err != nil {
				return nil, err
			}
			if merged != nil {
				metrics.ConsolidationMerges.WithLabelValues("sync").Inc()
				return &AddResult{
					Memory:            merged,
					IsDuplicate:       true,
					IsMerged:          true,
					Similarity:        dup.Similarity,
					EmbeddingProvider: provider,
				}, nil
			}
		}
	}

	existing, err := e.memories.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, StorageError(err, "fingerprint lookup")
	}
	if existing != nil {
		touched, err := e.memories.TouchExact(ctx, existing.ID)
		if err != nil {
			return nil, StorageError(err, "touch duplicate")
		}
		if touched == nil {
			touched = existing
		}
		return &AddResult{
			Memory:            touched,
			IsDuplicate:       true,
			ExactMatch:        true,
			EmbeddingProvider: provider,
		}, nil
	}

	phi := 0.0
	if in.IsCatalyst {
		phi = 1.0
	}
	m := &models.Memory{
		ID:                 uuid.NewString(),
		Content:            content,
		ContentFingerprint: fingerprint,
		Embedding:          vec,
		Tier:               models.TierActive,
		ResonancePhi:       phi,
		IsCatalyst:         in.IsCatalyst,
		Tags:               pq.StringArray(in.Tags),
		Metadata:           in.Metadata,
	}
	if in.Category != "" {
		m.Category = &in.Category
	}
	if in.Source != "" {
		m.Source = &in.Source
	}
	if in.ConversationID != "" {
		m.ConversationID = &in.ConversationID
	}

	stored, err := e.memories.Insert(ctx, m)
	if err != nil {
		return nil, StorageError(err, "insert memory")
	}

	if e.cfg.Consolidation.Enabled() {
		e.jobs.SubmitAfter(e.cfg.Consolidation.RecheckDelay,
			"semantic_recheck", stored.ID, e.recheckJob(stored.ID))
	}
	if !stored.IsCatalyst {
		e.jobs.Submit("catalyst_probe", stored.ID, e.catalystProbeJob(stored.ID, content))
	}

	return &AddResult{Memory: stored, EmbeddingProvider: provider}, nil
}

// QueryInput filters a semantic retrieval.
type QueryInput struct {
	Query          string
	Limit          int
	Threshold      float64
	Tiers          []string
	ConversationID string
}

// QueryResult carries the ranked rows, any promotions the query
// triggered, and the measured latency.
type QueryResult struct {
	Memories          []models.RankedMemory
	Promotions        []models.TierChange
	QueryTimeMs       float64
	EmbeddingProvider string
}

// Query retrieves memories by similarity blended with resonance, then
// applies access bookkeeping and threshold promotions in two batched
// statements. Co-occurrence recording runs off the request path.
func (e *Engine) Query(ctx context.Context, in QueryInput) (*QueryResult, error) {
	start := e.now()

	if strings.TrimSpace(in.Query) == "" {
		return nil, ValidationError("query text is required")
	}
	if in.Limit <= 0 {
		return &QueryResult{Memories: []models.RankedMemory{}}, nil
	}
	if in.Limit > MaxQueryLimit {
		in.Limit = MaxQueryLimit
	}
	if in.Threshold < 0 {
		in.Threshold = 0
	}

	tiers := make([]models.Tier, 0, len(in.Tiers))
	for _, raw := range in.Tiers {
		t, err := models.ParseTier(raw)
		if err != nil {
			return nil, ValidationError("invalid tier filter %q", raw)
		}
		tiers = append(tiers, t)
	}

	vec, provider, err := e.embedder.Embed(ctx, in.Query)
	if err != nil {
		return nil, Classify(err, "embed query")
	}

	rows, err := e.memories.Search(ctx, repository.SearchParams{
		Embedding: vec,
		Threshold: in.Threshold,
		Limit:     in.Limit,
		Tiers:     tiers,
	})
	if err != nil {
		return nil, StorageError(err, "semantic search")
	}

	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}

	var promotions []models.TierChange
	if len(ids) > 0 {
		if err := e.memories.TouchBatch(ctx, ids, in.ConversationID); err != nil {
			return nil, StorageError(err, "access bookkeeping")
		}
		promotions, err = e.memories.PromoteEligible(ctx, ids)
		if err != nil {
			return nil, StorageError(err, "tier promotion")
		}
		e.auditPromotions(ctx, promotions, models.ReasonAccessThreshold)

		// the response reflects the post-touch state
		now := e.now()
		promoted := make(map[string]models.Tier, len(promotions))
		for _, p := range promotions {
			promoted[p.MemoryID] = p.ToTier
		}
		for i := range rows {
			rows[i].AccessCount++
			rows[i].ResonancePhi = models.ClampPhi(rows[i].ResonancePhi + queryPhiBump)
			rows[i].LastAccessedAt = now
			if tier, ok := promoted[rows[i].ID]; ok {
				rows[i].Tier = tier
			}
		}

		if len(ids) >= 2 {
			conversationID := in.ConversationID
			pairIDs := ids
			e.jobs.Submit("co_occurrence", "", func(jobCtx context.Context) {
				e.RecordCoOccurrence(jobCtx, pairIDs, conversationID)
			})
		}
	}

	return &QueryResult{
		Memories:          rows,
		Promotions:        promotions,
		QueryTimeMs:       float64(e.now().Sub(start).Microseconds()) / 1000.0,
		EmbeddingProvider: provider,
	}, nil
}

// auditPromotions writes audit rows and counts the transitions. Audit
// failures are logged, not surfaced; the promotions themselves are
// already applied.
func (e *Engine) auditPromotions(ctx context.Context, changes []models.TierChange, reason models.PromotionReason) {
	if len(changes) == 0 {
		return
	}
	rows := make([]models.TierPromotion, len(changes))
	for i, c := range changes {
		rows[i] = models.TierPromotion{
			ID:                     uuid.NewString(),
			MemoryID:               c.MemoryID,
			FromTier:               c.FromTier,
			ToTier:                 c.ToTier,
			Reason:                 reason,
			AccessCountAtPromotion: c.AccessCount,
			DaysSinceLastAccess:    c.DaysIdle,
		}
		metrics.TierPromotions.WithLabelValues(string(reason)).Inc()
	}
	if err := e.promotions.InsertBatch(ctx, rows); err != nil {
		e.logger.Warn("tier promotion audit failed",
			zap.Int("promotions", len(rows)),
			zap.Error(err),
		)
	}
}

// BootstrapInput selects which tiers a session wants to load.
type BootstrapInput struct {
	ConversationID string
	Limit          int
	IncludeActive  bool
	IncludeThread  bool
	IncludeStable  bool
}

// BootstrapFiltering echoes the ranking policy applied to the selection.
type BootstrapFiltering struct {
	ConversationSpecific bool    `json:"conversationSpecific"`
	BoostFactor          float64 `json:"boostFactor"`
	IncludeGlobalHighPhi bool    `json:"includeGlobalHighPhi"`
	MinGlobalPhi         float64 `json:"minGlobalPhi"`
}

// BootstrapDistribution summarises how the limit was spent.
type BootstrapDistribution struct {
	Active int `json:"active"`
	Thread int `json:"thread"`
	Stable int `json:"stable"`
	Total  int `json:"total"`
}

// BootstrapResult is the session-start composite: per-tier memories,
// the distribution summary and the ghost handshake.
type BootstrapResult struct {
	Active         []models.Memory
	Thread         []models.Memory
	Stable         []models.Memory
	Distribution   BootstrapDistribution
	ConversationID string
	Filtering      BootstrapFiltering
	Handshake      *models.Handshake
}

// Bootstrap loads orientation context for a new session. It is strictly
// read-only: orientation reads must not look like usage, so no access
// counts, resonance or tiers change. Active memories come freshest
// first; the remaining limit splits 70/30 between thread and stable by
// resonance.
func (e *Engine) Bootstrap(ctx context.Context, in BootstrapInput) (*BootstrapResult, error) {
	if in.Limit <= 0 {
		in.Limit = DefaultBootstrapLimit
	}

	var tiers []models.Tier
	if in.IncludeActive {
		tiers = append(tiers, models.TierActive)
	}
	if in.IncludeThread {
		tiers = append(tiers, models.TierThread)
	}
	if in.IncludeStable {
		tiers = append(tiers, models.TierStable)
	}

	var rows []models.BootstrapMemory
	if len(tiers) > 0 {
		var err error
		rows, err = e.memories.BootstrapSelect(ctx, repository.BootstrapParams{
			ConversationID: in.ConversationID,
			Tiers:          tiers,
			PerTierCap:     in.Limit,
			MinGlobalPhi:   BootstrapMinGlobalPhi,
			BoostFactor:    BootstrapBoostFactor,
		})
		if err != nil {
			return nil, StorageError(err, "bootstrap select")
		}
	}

	byTier := map[models.Tier][]models.Memory{}
	for _, r := range rows {
		byTier[r.Tier] = append(byTier[r.Tier], r.Memory)
	}

	active := byTier[models.TierActive]
	if len(active) > in.Limit {
		active = active[:in.Limit]
	}
	remaining := in.Limit - len(active)
	if remaining < 0 {
		remaining = 0
	}
	threadQuota := int(math.Round(float64(remaining) * bootstrapThreadShare))
	thread := byTier[models.TierThread]
	if len(thread) > threadQuota {
		thread = thread[:threadQuota]
	}
	stableQuota := remaining - len(thread)
	stable := byTier[models.TierStable]
	if len(stable) > stableQuota {
		stable = stable[:stableQuota]
	}

	result := &BootstrapResult{
		Active:         emptyIfNil(active),
		Thread:         emptyIfNil(thread),
		Stable:         emptyIfNil(stable),
		ConversationID: in.ConversationID,
		Distribution: BootstrapDistribution{
			Active: len(active),
			Thread: len(thread),
			Stable: len(stable),
			Total:  len(active) + len(thread) + len(stable),
		},
		Filtering: BootstrapFiltering{
			ConversationSpecific: in.ConversationID != "",
			BoostFactor:          BootstrapBoostFactor,
			IncludeGlobalHighPhi: true,
			MinGlobalPhi:         BootstrapMinGlobalPhi,
		},
	}

	// a broken handshake must not break orientation
	handshake, err := e.GenerateHandshake(ctx, HandshakeInput{ConversationID: in.ConversationID})
	if err != nil {
		e.logger.Warn("handshake generation failed during bootstrap, degrading",
			zap.String("conversation_id", in.ConversationID),
			zap.Error(err),
		)
		handshake = e.fallbackHandshake(in.ConversationID)
	}
	result.Handshake = handshake

	return result, nil
}

func emptyIfNil(ms []models.Memory) []models.Memory {
	if ms == nil {
		return []models.Memory{}
	}
	return ms
}

// UpdateTierInput is a manual tier transition request.
type UpdateTierInput struct {
	MemoryID string
	Tier     string
	Reason   string
}

// UpdateTierResult carries the re-tiered memory and its audit row.
type UpdateTierResult struct {
	Memory    *models.Memory
	Promotion *models.TierPromotion
}

// UpdateTier applies an explicit tier transition and records it in the
// audit log. The network tier is reachable only through this path.
func (e *Engine) UpdateTier(ctx context.Context, in UpdateTierInput) (*UpdateTierResult, error) {
	if in.MemoryID == "" {
		return nil, ValidationError("memoryId is required")
	}
	if _, err := uuid.Parse(in.MemoryID); err != nil {
		return nil, ValidationError("memoryId must be a UUID")
	}
	tier, err := models.ParseTier(in.Tier)
	if err != nil {
		return nil, ValidationError("invalid tier %q", in.Tier)
	}
	reason := models.ReasonManual
	if in.Reason != "" {
		reason = models.PromotionReason(in.Reason)
		if !reason.Valid() {
			return nil, ValidationError("invalid reason %q", in.Reason)
		}
	}

	updated, prev, err := e.memories.UpdateTier(ctx, in.MemoryID, tier)
	if err != nil {
		return nil, StorageError(err, "update tier")
	}
	if updated == nil {
		return nil, NotFoundError("memory %s not found", in.MemoryID)
	}

	promotion := &models.TierPromotion{
		ID:                     uuid.NewString(),
		MemoryID:               updated.ID,
		FromTier:               prev,
		ToTier:                 tier,
		Reason:                 reason,
		AccessCountAtPromotion: updated.AccessCount,
		DaysSinceLastAccess:    e.now().Sub(updated.LastAccessedAt).Hours() / 24,
		CreatedAt:              e.now(),
	}
	if err := e.promotions.Insert(ctx, promotion); err != nil {
		return nil, StorageError(err, "record tier promotion")
	}
	metrics.TierPromotions.WithLabelValues(string(reason)).Inc()

	return &UpdateTierResult{Memory: updated, Promotion: promotion}, nil
}

// catalystProbeJob scans freshly stored content for breakthrough
// markers. The heuristic is deliberately conservative and replaceable;
// it only ever upgrades.
func (e *Engine) catalystProbeJob(id, content string) func(ctx context.Context) {
	return func(ctx context.Context) {
		if !looksLikeCatalyst(content) {
			return
		}
		marked, err := e.memories.MarkCatalyst(ctx, id)
		if err != nil {
			e.logger.Warn("catalyst probe failed",
				zap.String("memory_id", id),
				zap.Error(err),
			)
			return
		}
		if marked {
			e.logger.Info("catalyst detected", zap.String("memory_id", id))
		}
	}
}

var catalystMarkers = []string{
	"breakthrough",
	"realization",
	"realisation",
	"paradigm shift",
	"everything changed",
	"suddenly clear",
	"now i understand",
}

func looksLikeCatalyst(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range catalystMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
