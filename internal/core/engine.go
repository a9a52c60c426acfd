// Package core is the memory engine: semantic storage and retrieval,
// the tier and resonance lifecycle, consolidation of near-duplicate
// memories, co-occurrence associations, handshake synthesis and
// per-session reflections. The HTTP layer is a thin adapter over this
// package.
package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/embedding"
	"github.com/anima-ai/anima/internal/models"
	"github.com/anima-ai/anima/internal/repository"
	"github.com/anima-ai/anima/internal/worker"
)

// MemoryStore is the engine's view of the memories table.
type MemoryStore interface {
	Insert(ctx context.Context, m *models.Memory) (*models.Memory, error)
	GetByID(ctx context.Context, id string) (*models.Memory, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.Memory, error)
	TouchExact(ctx context.Context, id string) (*models.Memory, error)
	MarkCatalyst(ctx context.Context, id string) (bool, error)
	Search(ctx context.Context, p repository.SearchParams) ([]models.RankedMemory, error)
	TouchBatch(ctx context.Context, ids []string, conversationID string) error
	PromoteEligible(ctx context.Context, ids []string) ([]models.TierChange, error)
	UpdateTier(ctx context.Context, id string, tier models.Tier) (*models.Memory, models.Tier, error)
	BootstrapSelect(ctx context.Context, p repository.BootstrapParams) ([]models.BootstrapMemory, error)
	TierCounts(ctx context.Context) (map[models.Tier]int, error)
	DecayTiers(ctx context.Context, activeAfter, threadAfter string) ([]models.TierChange, error)
	DecayResonance(ctx context.Context, idle string, minPhi, factor float64) (int64, error)
}

// ConsolidationStore is the engine's view of vector-similarity reads and
// merge writes.
type ConsolidationStore interface {
	FindDuplicate(ctx context.Context, embedding models.Vector, excludeID string, threshold float64) (*models.DuplicateMatch, error)
	Cluster(ctx context.Context, embedding models.Vector, minSimilarity, minPhi float64, limit int) ([]models.RankedMemory, error)
	FragmentationPairs(ctx context.Context, threshold float64, limit int) ([]models.FragmentPair, error)
	EmbeddingsByIDs(ctx context.Context, ids []string) ([]models.MemoryEmbedding, error)
	ApplyMerge(ctx context.Context, p repository.MergeParams) (*models.Memory, float64, error)
	SoftDelete(ctx context.Context, id string) (bool, error)
}

// AssociationStore is the engine's view of the co-occurrence graph.
type AssociationStore interface {
	UpsertChunk(ctx context.Context, pairs []models.PairKey, conversationID string) error
	ForMemory(ctx context.Context, memoryID string, minStrength float64, limit int) ([]models.MemoryAssociation, error)
	Hubs(ctx context.Context, minConnections, limit int) ([]models.Hub, error)
	Stats(ctx context.Context, memoryID string) (*models.NetworkStats, error)
}

// HandshakeStore is the engine's view of the ghost log and the memory
// reads feeding handshake composition.
type HandshakeStore interface {
	Insert(ctx context.Context, h *models.HandshakeRecord) (*models.HandshakeRecord, error)
	LatestForConversation(ctx context.Context, conversationID string) (*models.HandshakeRecord, error)
	LatestGlobal(ctx context.Context) (*models.HandshakeRecord, error)
	SynthesisCandidates(ctx context.Context, conversationID string, limit int) ([]models.SynthesisCandidate, error)
	CountCatalystsSince(ctx context.Context, conversationID string, since time.Time) (int, error)
	CountHighPhiSince(ctx context.Context, since time.Time, minPhi float64) (int, error)
}

// PromotionStore appends to the tier transition audit trail.
type PromotionStore interface {
	Insert(ctx context.Context, p *models.TierPromotion) error
	InsertBatch(ctx context.Context, rows []models.TierPromotion) error
}

// ReflectionStore is the engine's view of the meta_reflections table.
type ReflectionStore interface {
	Insert(ctx context.Context, ref *models.Reflection) (*models.Reflection, error)
	List(ctx context.Context, p repository.ListParams) ([]models.Reflection, error)
}

// Embedder produces unit vectors and names the provider that served
// each one.
type Embedder interface {
	Embed(ctx context.Context, text string) (models.Vector, string, error)
}

// JobPool accepts fire-and-forget background work.
type JobPool interface {
	Submit(name, key string, fn func(ctx context.Context)) bool
	SubmitAfter(delay time.Duration, name, key string, fn func(ctx context.Context))
}

// Engine owns all memory semantics. It is constructed once at startup
// and shared by every request; the database pool, the embedding cache
// and the metric counters are its only shared mutable state.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	memories      MemoryStore
	consolidation ConsolidationStore
	associations  AssociationStore
	handshakes    HandshakeStore
	promotions    PromotionStore
	reflections   ReflectionStore

	embedder Embedder
	jobs     JobPool

	now func() time.Time
}

// New wires the engine over the shared database pool, embedding gateway
// and worker pool.
func New(cfg *config.Config, db *database.Database, gateway *embedding.Gateway, jobs *worker.Pool, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		logger:        logger.Named("engine"),
		memories:      repository.NewMemoryRepository(db),
		consolidation: repository.NewConsolidationRepository(db),
		associations:  repository.NewAssociationRepository(db),
		handshakes:    repository.NewHandshakeRepository(db),
		promotions:    repository.NewPromotionRepository(db),
		reflections:   repository.NewReflectionRepository(db),
		embedder:      gateway,
		jobs:          jobs,
		now:           time.Now,
	}
}
