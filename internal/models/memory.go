package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Tier is the lifecycle bucket of a memory.
type Tier string

const (
	TierActive  Tier = "active"
	TierThread  Tier = "thread"
	TierStable  Tier = "stable"
	TierNetwork Tier = "network"
)

// ParseTier validates and normalises a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid tier %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the four lifecycle tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierActive, TierThread, TierStable, TierNetwork:
		return true
	}
	return false
}

// PromotionReason explains a tier transition in the audit log.
type PromotionReason string

const (
	ReasonAccessThreshold PromotionReason = "access_threshold"
	ReasonManual          PromotionReason = "manual"
	ReasonTimeDecay       PromotionReason = "time_decay"
	ReasonConversationEnd PromotionReason = "conversation_end"
)

// Valid reports whether r is a known promotion reason.
func (r PromotionReason) Valid() bool {
	switch r {
	case ReasonAccessThreshold, ReasonManual, ReasonTimeDecay, ReasonConversationEnd:
		return true
	}
	return false
}

// MaxResonance bounds the resonance scale; phi never exceeds it.
const MaxResonance = 5.0

// Memory is a stored textual unit with its embedding, tier and resonance.
type Memory struct {
	ID                 string         `db:"id" json:"id"`
	Content            string         `db:"content" json:"content"`
	ContentFingerprint string         `db:"content_fingerprint" json:"contentFingerprint"`
	Embedding          Vector         `db:"embedding" json:"-"`
	Tier               Tier           `db:"tier" json:"tier"`
	TierUpdatedAt      time.Time      `db:"tier_updated_at" json:"tierUpdatedAt"`
	ResonancePhi       float64        `db:"resonance_phi" json:"resonancePhi"`
	IsCatalyst         bool           `db:"is_catalyst" json:"isCatalyst"`
	AccessCount        int            `db:"access_count" json:"accessCount"`
	LastAccessedAt     time.Time      `db:"last_accessed_at" json:"lastAccessedAt"`
	Category           *string        `db:"category" json:"category,omitempty"`
	Tags               pq.StringArray `db:"tags" json:"tags"`
	Source             *string        `db:"source" json:"source,omitempty"`
	ConversationID     *string        `db:"conversation_id" json:"conversationId,omitempty"`
	ConversationIDs    pq.StringArray `db:"conversation_ids" json:"conversationIds,omitempty"`
	Metadata           JSONMap        `db:"metadata" json:"metadata,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updatedAt"`
	DeletedAt          *time.Time     `db:"deleted_at" json:"deletedAt,omitempty"`
}

// Fingerprint returns the deterministic content hash used for exact
// deduplication. The same hash family keys the embedding cache.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ClampPhi bounds a resonance value to [0, MaxResonance].
func ClampPhi(phi float64) float64 {
	if phi < 0 {
		return 0
	}
	if phi > MaxResonance {
		return MaxResonance
	}
	return phi
}

// RankedMemory is a memory scored by a retrieval query.
type RankedMemory struct {
	Memory
	Similarity       float64 `db:"similarity" json:"similarity"`
	StructuralWeight float64 `db:"structural_weight" json:"structuralWeight"`
}

// BootstrapMemory is a memory ranked inside its tier for bootstrap.
type BootstrapMemory struct {
	Memory
	EffectivePhi float64 `db:"effective_phi" json:"-"`
	TierRank     int     `db:"tier_rank" json:"-"`
}

// TierChange records one promotion or demotion applied by the engine.
type TierChange struct {
	MemoryID    string  `db:"id" json:"memoryId"`
	FromTier    Tier    `db:"from_tier" json:"fromTier"`
	ToTier      Tier    `db:"to_tier" json:"toTier"`
	AccessCount int     `db:"access_count" json:"accessCount"`
	DaysIdle    float64 `db:"days_idle" json:"-"`
}

// TierPromotion is the persisted audit row for a tier transition.
type TierPromotion struct {
	ID                     string          `db:"id" json:"id"`
	MemoryID               string          `db:"memory_id" json:"memoryId"`
	FromTier               Tier            `db:"from_tier" json:"fromTier"`
	ToTier                 Tier            `db:"to_tier" json:"toTier"`
	Reason                 PromotionReason `db:"reason" json:"reason"`
	AccessCountAtPromotion int             `db:"access_count_at_promotion" json:"accessCountAtPromotion"`
	DaysSinceLastAccess    float64         `db:"days_since_last_access" json:"daysSinceLastAccess"`
	CreatedAt              time.Time       `db:"created_at" json:"createdAt"`
}

// DuplicateMatch is the best semantic duplicate found for an embedding.
type DuplicateMatch struct {
	ID         string  `db:"id" json:"id"`
	Similarity float64 `db:"similarity" json:"similarity"`
}

// MemoryEmbedding carries the fields centroid computation needs.
type MemoryEmbedding struct {
	ID           string  `db:"id"`
	ResonancePhi float64 `db:"resonance_phi"`
	Embedding    Vector  `db:"embedding"`
}

// FragmentPair is a pair of live memories whose similarity suggests they
// are fragments of the same attractor.
type FragmentPair struct {
	MemoryA        string  `db:"memory_a" json:"memoryA"`
	MemoryB        string  `db:"memory_b" json:"memoryB"`
	Similarity     float64 `db:"similarity" json:"similarity"`
	TotalPhi       float64 `db:"total_phi" json:"totalPhi"`
	Classification string  `json:"classification"`
}

// Fragmentation classifications, strongest first.
const (
	FragmentHighConfidence = "HIGH_CONFIDENCE_MERGE"
	FragmentPotential      = "POTENTIAL_MERGE"
	FragmentRelated        = "RELATED"
)

// SemanticVariant is one merged-in near-duplicate recorded on the target
// memory's metadata under "semantic_variants".
type SemanticVariant struct {
	Content        string    `json:"content"`
	MergedAt       time.Time `json:"merged_at"`
	Similarity     float64   `json:"similarity"`
	PhiContributed float64   `json:"phi_contributed"`
	WasCatalyst    bool      `json:"was_catalyst"`
}

// SynthesisCandidate is a memory ranked by synthesis weight for the
// handshake composer.
type SynthesisCandidate struct {
	ID              string    `db:"id"`
	Content         string    `db:"content"`
	Tier            Tier      `db:"tier"`
	ResonancePhi    float64   `db:"resonance_phi"`
	IsCatalyst      bool      `db:"is_catalyst"`
	LastAccessedAt  time.Time `db:"last_accessed_at"`
	ConversationID  *string   `db:"conversation_id"`
	Recency         float64   `db:"recency"`
	SynthesisWeight float64   `db:"synthesis_weight"`
}
