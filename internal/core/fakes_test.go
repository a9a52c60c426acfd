package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/models"
	"github.com/anima-ai/anima/internal/repository"
)

// Function-field fakes for the engine's stores. Tests set only the
// fields the path under test touches; an unset field returns zero
// values.

type fakeMemories struct {
	insert          func(ctx context.Context, m *models.Memory) (*models.Memory, error)
	getByID         func(ctx context.Context, id string) (*models.Memory, error)
	getByFP         func(ctx context.Context, fp string) (*models.Memory, error)
	touchExact      func(ctx context.Context, id string) (*models.Memory, error)
	markCatalyst    func(ctx context.Context, id string) (bool, error)
	search          func(ctx context.Context, p repository.SearchParams) ([]models.RankedMemory, error)
	touchBatch      func(ctx context.Context, ids []string, conversationID string) error
	promoteEligible func(ctx context.Context, ids []string) ([]models.TierChange, error)
	updateTier      func(ctx context.Context, id string, tier models.Tier) (*models.Memory, models.Tier, error)
	bootstrapSelect func(ctx context.Context, p repository.BootstrapParams) ([]models.BootstrapMemory, error)
	tierCounts      func(ctx context.Context) (map[models.Tier]int, error)
	decayTiers      func(ctx context.Context, activeAfter, threadAfter string) ([]models.TierChange, error)
	decayResonance  func(ctx context.Context, idle string, minPhi, factor float64) (int64, error)
}

func (f *fakeMemories) Insert(ctx context.Context, m *models.Memory) (*models.Memory, error) {
	if f.insert == nil {
		out := *m
		now := time.Now()
		out.CreatedAt, out.UpdatedAt, out.LastAccessedAt, out.TierUpdatedAt = now, now, now, now
		return &out, nil
	}
	return f.insert(ctx, m)
}

func (f *fakeMemories) GetByID(ctx context.Context, id string) (*models.Memory, error) {
	if f.getByID == nil {
		return nil, nil
	}
	return f.getByID(ctx, id)
}

func (f *fakeMemories) GetByFingerprint(ctx context.Context, fp string) (*models.Memory, error) {
	if f.getByFP == nil {
		return nil, nil
	}
	return f.getByFP(ctx, fp)
}

func (f *fakeMemories) TouchExact(ctx context.Context, id string) (*models.Memory, error) {
	if f.touchExact == nil {
		return nil, nil
	}
	return f.touchExact(ctx, id)
}

func (f *fakeMemories) MarkCatalyst(ctx context.Context, id string) (bool, error) {
	if f.markCatalyst == nil {
		return false, nil
	}
	return f.markCatalyst(ctx, id)
}

func (f *fakeMemories) Search(ctx context.Context, p repository.SearchParams) ([]models.RankedMemory, error) {
	if f.search == nil {
		return nil, nil
	}
	return f.search(ctx, p)
}

func (f *fakeMemories) TouchBatch(ctx context.Context, ids []string, conversationID string) error {
	if f.touchBatch == nil {
		return nil
	}
	return f.touchBatch(ctx, ids, conversationID)
}

func (f *fakeMemories) PromoteEligible(ctx context.Context, ids []string) ([]models.TierChange, error) {
	if f.promoteEligible == nil {
		return nil, nil
	}
	return f.promoteEligible(ctx, ids)
}

func (f *fakeMemories) UpdateTier(ctx context.Context, id string, tier models.Tier) (*models.Memory, models.Tier, error) {
	if f.updateTier == nil {
		return nil, "", nil
	}
	return f.updateTier(ctx, id, tier)
}

func (f *fakeMemories) BootstrapSelect(ctx context.Context, p repository.BootstrapParams) ([]models.BootstrapMemory, error) {
	if f.bootstrapSelect == nil {
		return nil, nil
	}
	return f.bootstrapSelect(ctx, p)
}

func (f *fakeMemories) TierCounts(ctx context.Context) (map[models.Tier]int, error) {
	if f.tierCounts == nil {
		return map[models.Tier]int{}, nil
	}
	return f.tierCounts(ctx)
}

func (f *fakeMemories) DecayTiers(ctx context.Context, activeAfter, threadAfter string) ([]models.TierChange, error) {
	if f.decayTiers == nil {
		return nil, nil
	}
	return f.decayTiers(ctx, activeAfter, threadAfter)
}

func (f *fakeMemories) DecayResonance(ctx context.Context, idle string, minPhi, factor float64) (int64, error) {
	if f.decayResonance == nil {
		return 0, nil
	}
	return f.decayResonance(ctx, idle, minPhi, factor)
}

type fakeConsolidation struct {
	findDuplicate func(ctx context.Context, embedding models.Vector, excludeID string, threshold float64) (*models.DuplicateMatch, error)
	cluster       func(ctx context.Context, embedding models.Vector, minSimilarity, minPhi float64, limit int) ([]models.RankedMemory, error)
	fragPairs     func(ctx context.Context, threshold float64, limit int) ([]models.FragmentPair, error)
	embeddings    func(ctx context.Context, ids []string) ([]models.MemoryEmbedding, error)
	applyMerge    func(ctx context.Context, p repository.MergeParams) (*models.Memory, float64, error)
	softDelete    func(ctx context.Context, id string) (bool, error)
}

func (f *fakeConsolidation) FindDuplicate(ctx context.Context, embedding models.Vector, excludeID string, threshold float64) (*models.DuplicateMatch, error) {
	if f.findDuplicate == nil {
		return nil, nil
	}
	return f.findDuplicate(ctx, embedding, excludeID, threshold)
}

func (f *fakeConsolidation) Cluster(ctx context.Context, embedding models.Vector, minSimilarity, minPhi float64, limit int) ([]models.RankedMemory, error) {
	if f.cluster == nil {
		return nil, nil
	}
	return f.cluster(ctx, embedding, minSimilarity, minPhi, limit)
}

func (f *fakeConsolidation) FragmentationPairs(ctx context.Context, threshold float64, limit int) ([]models.FragmentPair, error) {
	if f.fragPairs == nil {
		return nil, nil
	}
	return f.fragPairs(ctx, threshold, limit)
}

func (f *fakeConsolidation) EmbeddingsByIDs(ctx context.Context, ids []string) ([]models.MemoryEmbedding, error) {
	if f.embeddings == nil {
		return nil, nil
	}
	return f.embeddings(ctx, ids)
}

func (f *fakeConsolidation) ApplyMerge(ctx context.Context, p repository.MergeParams) (*models.Memory, float64, error) {
	if f.applyMerge == nil {
		return nil, 0, nil
	}
	return f.applyMerge(ctx, p)
}

func (f *fakeConsolidation) SoftDelete(ctx context.Context, id string) (bool, error) {
	if f.softDelete == nil {
		return false, nil
	}
	return f.softDelete(ctx, id)
}

type fakeAssociations struct {
	mu       sync.Mutex
	upserted [][]models.PairKey
	upsertFn func(ctx context.Context, pairs []models.PairKey, conversationID string) error
	forMem   func(ctx context.Context, memoryID string, minStrength float64, limit int) ([]models.MemoryAssociation, error)
	hubs     func(ctx context.Context, minConnections, limit int) ([]models.Hub, error)
	stats    func(ctx context.Context, memoryID string) (*models.NetworkStats, error)
}

func (f *fakeAssociations) UpsertChunk(ctx context.Context, pairs []models.PairKey, conversationID string) error {
	f.mu.Lock()
	f.upserted = append(f.upserted, pairs)
	f.mu.Unlock()
	if f.upsertFn == nil {
		return nil
	}
	return f.upsertFn(ctx, pairs, conversationID)
}

func (f *fakeAssociations) chunks() [][]models.PairKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]models.PairKey, len(f.upserted))
	copy(out, f.upserted)
	return out
}

func (f *fakeAssociations) ForMemory(ctx context.Context, memoryID string, minStrength float64, limit int) ([]models.MemoryAssociation, error) {
	if f.forMem == nil {
		return nil, nil
	}
	return f.forMem(ctx, memoryID, minStrength, limit)
}

func (f *fakeAssociations) Hubs(ctx context.Context, minConnections, limit int) ([]models.Hub, error) {
	if f.hubs == nil {
		return nil, nil
	}
	return f.hubs(ctx, minConnections, limit)
}

func (f *fakeAssociations) Stats(ctx context.Context, memoryID string) (*models.NetworkStats, error) {
	if f.stats == nil {
		return &models.NetworkStats{MemoryID: memoryID}, nil
	}
	return f.stats(ctx, memoryID)
}

type fakeHandshakes struct {
	mu       sync.Mutex
	inserted []*models.HandshakeRecord

	latestConversation func(ctx context.Context, conversationID string) (*models.HandshakeRecord, error)
	latestGlobal       func(ctx context.Context) (*models.HandshakeRecord, error)
	candidates         func(ctx context.Context, conversationID string, limit int) ([]models.SynthesisCandidate, error)
	catalystsSince     func(ctx context.Context, conversationID string, since time.Time) (int, error)
	highPhiSince       func(ctx context.Context, since time.Time, minPhi float64) (int, error)
}

func (f *fakeHandshakes) Insert(ctx context.Context, h *models.HandshakeRecord) (*models.HandshakeRecord, error) {
	out := *h
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	f.mu.Lock()
	f.inserted = append(f.inserted, &out)
	f.mu.Unlock()
	return &out, nil
}

func (f *fakeHandshakes) LatestForConversation(ctx context.Context, conversationID string) (*models.HandshakeRecord, error) {
	if f.latestConversation == nil {
		return nil, nil
	}
	return f.latestConversation(ctx, conversationID)
}

func (f *fakeHandshakes) LatestGlobal(ctx context.Context) (*models.HandshakeRecord, error) {
	if f.latestGlobal == nil {
		return nil, nil
	}
	return f.latestGlobal(ctx)
}

func (f *fakeHandshakes) SynthesisCandidates(ctx context.Context, conversationID string, limit int) ([]models.SynthesisCandidate, error) {
	if f.candidates == nil {
		return nil, nil
	}
	return f.candidates(ctx, conversationID, limit)
}

func (f *fakeHandshakes) CountCatalystsSince(ctx context.Context, conversationID string, since time.Time) (int, error) {
	if f.catalystsSince == nil {
		return 0, nil
	}
	return f.catalystsSince(ctx, conversationID, since)
}

func (f *fakeHandshakes) CountHighPhiSince(ctx context.Context, since time.Time, minPhi float64) (int, error) {
	if f.highPhiSince == nil {
		return 0, nil
	}
	return f.highPhiSince(ctx, since, minPhi)
}

type fakePromotions struct {
	mu   sync.Mutex
	rows []models.TierPromotion
}

func (f *fakePromotions) Insert(ctx context.Context, p *models.TierPromotion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *p)
	return nil
}

func (f *fakePromotions) InsertBatch(ctx context.Context, rows []models.TierPromotion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakePromotions) all() []models.TierPromotion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.TierPromotion, len(f.rows))
	copy(out, f.rows)
	return out
}

type fakeReflections struct {
	mu       sync.Mutex
	inserted []*models.Reflection
	list     func(ctx context.Context, p repository.ListParams) ([]models.Reflection, error)
}

func (f *fakeReflections) Insert(ctx context.Context, ref *models.Reflection) (*models.Reflection, error) {
	out := *ref
	out.CreatedAt = time.Now()
	f.mu.Lock()
	f.inserted = append(f.inserted, &out)
	f.mu.Unlock()
	return &out, nil
}

func (f *fakeReflections) List(ctx context.Context, p repository.ListParams) ([]models.Reflection, error) {
	if f.list == nil {
		return nil, nil
	}
	return f.list(ctx, p)
}

type fakeEmbedder struct {
	embed func(ctx context.Context, text string) (models.Vector, string, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) (models.Vector, string, error) {
	if f.embed == nil {
		return unitVector(0), "fake", nil
	}
	return f.embed(ctx, text)
}

// fakeJobs records submissions; runNow executes jobs inline so tests
// stay deterministic without sleeping.
type fakeJobs struct {
	mu     sync.Mutex
	names  []string
	runNow bool
}

func (f *fakeJobs) Submit(name, key string, fn func(ctx context.Context)) bool {
	f.mu.Lock()
	f.names = append(f.names, name)
	f.mu.Unlock()
	if f.runNow {
		fn(context.Background())
	}
	return true
}

func (f *fakeJobs) SubmitAfter(delay time.Duration, name, key string, fn func(ctx context.Context)) {
	f.Submit(name, key, fn)
}

func (f *fakeJobs) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// unitVector returns a deterministic unit vector rotated by seed.
func unitVector(seed int) models.Vector {
	v := make(models.Vector, 8)
	v[seed%len(v)] = 1
	return v
}

type engineFakes struct {
	memories      *fakeMemories
	consolidation *fakeConsolidation
	associations  *fakeAssociations
	handshakes    *fakeHandshakes
	promotions    *fakePromotions
	reflections   *fakeReflections
	embedder      *fakeEmbedder
	jobs          *fakeJobs
}

func testConfig() *config.Config {
	return &config.Config{
		Consolidation: config.ConsolidationConfig{
			Mode:               "on",
			DuplicateThreshold: 0.95,
			RecheckDelay:       time.Millisecond,
			FragmentThreshold:  0.92,
			ClusterRadius:      0.15,
			ClusterMinPhi:      2.0,
		},
		Handshake: config.HandshakeConfig{
			ConversationWindow: 15 * time.Minute,
			SessionWindow:      time.Hour,
			GlobalWindow:       24 * time.Hour,
			CandidateLimit:     7,
			MaxAnchors:         4,
			InvalidationPhi:    4.0,
		},
		Maintenance: config.MaintenanceConfig{
			TierDecayActive: 30 * 24 * time.Hour,
			TierDecayThread: 90 * 24 * time.Hour,
			PhiDecayIdle:    30 * 24 * time.Hour,
			PhiDecayFactor:  0.95,
			PhiDecayMin:     0.5,
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *engineFakes) {
	t.Helper()
	f := &engineFakes{
		memories:      &fakeMemories{},
		consolidation: &fakeConsolidation{},
		associations:  &fakeAssociations{},
		handshakes:    &fakeHandshakes{},
		promotions:    &fakePromotions{},
		reflections:   &fakeReflections{},
		embedder:      &fakeEmbedder{},
		jobs:          &fakeJobs{},
	}
	e := &Engine{
		cfg:           testConfig(),
		logger:        zap.NewNop(),
		memories:      f.memories,
		consolidation: f.consolidation,
		associations:  f.associations,
		handshakes:    f.handshakes,
		promotions:    f.promotions,
		reflections:   f.reflections,
		embedder:      f.embedder,
		jobs:          f.jobs,
		now:           time.Now,
	}
	return e, f
}
