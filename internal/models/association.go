package models

import (
	"math"
	"time"

	"github.com/lib/pq"
)

// Association is an undirected co-occurrence edge between two memories.
// The pair is stored ordered, memory_a < memory_b, so each edge exists
// exactly once.
type Association struct {
	MemoryA              string         `db:"memory_a" json:"memory_a"`
	MemoryB              string         `db:"memory_b" json:"memory_b"`
	CoOccurrenceCount    int            `db:"co_occurrence_count" json:"co_occurrence_count"`
	Strength             float64        `db:"strength" json:"strength"`
	FirstCoOccurredAt    time.Time      `db:"first_co_occurred_at" json:"first_co_occurred_at"`
	LastCoOccurredAt     time.Time      `db:"last_co_occurred_at" json:"last_co_occurred_at"`
	ConversationContexts pq.StringArray `db:"conversation_contexts" json:"conversation_contexts"`
}

// PairKey is an ordered association key.
type PairKey struct {
	A string
	B string
}

// OrderPair returns the canonical ordering of two memory ids.
func OrderPair(x, y string) PairKey {
	if x < y {
		return PairKey{A: x, B: y}
	}
	return PairKey{A: y, B: x}
}

// PairsOf expands n ids into all C(n,2) ordered pairs.
func PairsOf(ids []string) []PairKey {
	if len(ids) < 2 {
		return nil
	}
	pairs := make([]PairKey, 0, len(ids)*(len(ids)-1)/2)
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			pairs = append(pairs, OrderPair(ids[i], ids[j]))
		}
	}
	return pairs
}

// AssociationStrength maps a co-occurrence count to edge strength,
// log(1+count)/10 clamped to [0,1].
func AssociationStrength(count int) float64 {
	if count < 0 {
		count = 0
	}
	s := math.Log(1+float64(count)) / 10
	if s > 1 {
		return 1
	}
	return s
}

// MemoryAssociation is an edge seen from one memory, joined with the
// partner's content for display.
type MemoryAssociation struct {
	MemoryID          string         `db:"memory_id" json:"memory_id"`
	Content           string         `db:"content" json:"content"`
	Tier              Tier           `db:"tier" json:"tier"`
	ResonancePhi      float64        `db:"resonance_phi" json:"resonance_phi"`
	CoOccurrenceCount int            `db:"co_occurrence_count" json:"co_occurrence_count"`
	Strength          float64        `db:"strength" json:"strength"`
	LastCoOccurredAt  time.Time      `db:"last_co_occurred_at" json:"last_co_occurred_at"`
	Contexts          pq.StringArray `db:"conversation_contexts" json:"conversation_contexts"`
}

// Hub is a highly connected memory in the association graph.
type Hub struct {
	MemoryID      string  `db:"memory_id" json:"memory_id"`
	Content       string  `db:"content" json:"content"`
	Tier          Tier    `db:"tier" json:"tier"`
	ResonancePhi  float64 `db:"resonance_phi" json:"resonance_phi"`
	Connections   int     `db:"connections" json:"connections"`
	TotalStrength float64 `db:"total_strength" json:"total_strength"`
	AvgStrength   float64 `db:"avg_strength" json:"avg_strength"`
}

// NetworkStats summarises one memory's position in the graph.
type NetworkStats struct {
	MemoryID         string  `db:"memory_id" json:"memory_id"`
	Connections      int     `db:"connections" json:"connections"`
	TotalStrength    float64 `db:"total_strength" json:"total_strength"`
	AvgStrength      float64 `db:"avg_strength" json:"avg_strength"`
	MaxStrength      float64 `db:"max_strength" json:"max_strength"`
	StrongestPartner *string `db:"strongest_partner" json:"strongest_partner,omitempty"`
}
