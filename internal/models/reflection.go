package models

import (
	"time"

	"github.com/lib/pq"
)

// ReflectionType classifies a persisted reflection.
type ReflectionType string

const (
	ReflectionConversationEnd ReflectionType = "conversation_end"
	ReflectionWeekly          ReflectionType = "weekly"
	ReflectionBootstrap       ReflectionType = "bootstrap"
	ReflectionManual          ReflectionType = "manual"
)

// Valid reports whether t is a known reflection type.
func (t ReflectionType) Valid() bool {
	switch t {
	case ReflectionConversationEnd, ReflectionWeekly, ReflectionBootstrap, ReflectionManual:
		return true
	}
	return false
}

// Reflection is a per-session metrics snapshot with derived insights.
type Reflection struct {
	ID              string         `db:"id" json:"id"`
	ReflectionType  ReflectionType `db:"reflection_type" json:"reflectionType"`
	ConversationID  *string        `db:"conversation_id" json:"conversationId,omitempty"`
	Metrics         JSONMap        `db:"metrics" json:"metrics"`
	Insights        pq.StringArray `db:"insights" json:"insights"`
	Recommendations pq.StringArray `db:"recommendations" json:"recommendations"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
}

// SessionMetrics is the caller-supplied raw activity block reflected on
// at conversation end. All fields are optional; zero values degrade to
// neutral metrics.
type SessionMetrics struct {
	LoadTimeMs       float64 `json:"loadTimeMs"`
	MemoriesLoaded   int     `json:"memoriesLoaded"`
	MemoriesAccessed int     `json:"memoriesAccessed"`
	Queries          int     `json:"queries"`
	TotalResults     int     `json:"totalResults"`
	QueriesWithHits  int     `json:"queriesWithHits"`
	AvgRelevance     float64 `json:"avgRelevance"`
}

// FrictionFeel buckets the waste ratio into a qualitative reading.
const (
	FeelSmooth = "smooth"
	FeelSticky = "sticky"
	FeelRough  = "rough"
)
