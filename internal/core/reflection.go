package core

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/models"
	"github.com/anima-ai/anima/internal/repository"
)

// Friction feel thresholds over the waste ratio.
const (
	frictionSmoothBelow = 0.2
	frictionStickyBelow = 0.5
)

// FrictionMetrics reads how much of the loaded context went unused.
type FrictionMetrics struct {
	LoadTimeMs       float64 `json:"loadTimeMs"`
	MemoriesLoaded   int     `json:"memoriesLoaded"`
	MemoriesAccessed int     `json:"memoriesAccessed"`
	WasteRatio       float64 `json:"wasteRatio"`
	Feel             string  `json:"feel"`
}

// RetrievalMetrics summarises query effectiveness over the session.
type RetrievalMetrics struct {
	Queries      int     `json:"queries"`
	AvgResults   float64 `json:"avgResults"`
	HitRate      float64 `json:"hitRate"`
	AvgRelevance float64 `json:"avgRelevance"`
}

// computeFriction derives the friction block from raw session numbers.
// Zero loads degrade to a neutral smooth reading.
func computeFriction(m models.SessionMetrics) FrictionMetrics {
	f := FrictionMetrics{
		LoadTimeMs:       m.LoadTimeMs,
		MemoriesLoaded:   m.MemoriesLoaded,
		MemoriesAccessed: m.MemoriesAccessed,
	}
	if m.MemoriesLoaded > 0 {
		unused := m.MemoriesLoaded - m.MemoriesAccessed
		if unused < 0 {
			unused = 0
		}
		f.WasteRatio = float64(unused) / float64(m.MemoriesLoaded)
	}
	switch {
	case f.WasteRatio < frictionSmoothBelow:
		f.Feel = models.FeelSmooth
	case f.WasteRatio < frictionStickyBelow:
		f.Feel = models.FeelSticky
	default:
		f.Feel = models.FeelRough
	}
	return f
}

// computeRetrieval derives the retrieval block.
func computeRetrieval(m models.SessionMetrics) RetrievalMetrics {
	r := RetrievalMetrics{
		Queries:      m.Queries,
		AvgRelevance: m.AvgRelevance,
	}
	if m.Queries > 0 {
		r.AvgResults = float64(m.TotalResults) / float64(m.Queries)
		r.HitRate = float64(m.QueriesWithHits) / float64(m.Queries)
	}
	return r
}

// deriveInsights turns the computed metrics into observations and
// recommendations by simple rule. There is always at least one insight;
// recommendations appear only when something is worth changing.
func deriveInsights(f FrictionMetrics, r RetrievalMetrics) (insights, recommendations []string) {
	switch f.Feel {
	case models.FeelRough:
		insights = append(insights, "Most loaded memories went unused; context loading is heavier than the session needed.")
		recommendations = append(recommendations, "Lower the bootstrap limit or tighten tier filters to load less speculative context.")
	case models.FeelSticky:
		insights = append(insights, "A noticeable share of loaded memories went unused.")
	}

	if r.Queries > 0 {
		if r.HitRate < 0.5 {
			insights = append(insights, "More than half of the queries returned nothing relevant.")
			recommendations = append(recommendations, "Lower the similarity threshold or rephrase recurring queries.")
		}
		if r.AvgRelevance > 0 && r.AvgRelevance < 0.6 {
			insights = append(insights, "Retrieved memories were only weakly relevant on average.")
		}
	}

	if len(insights) == 0 {
		insights = append(insights, "Session completed with balanced memory usage.")
	}
	return insights, recommendations
}

// EndConversation records a conversation_end reflection: friction,
// retrieval and hub blocks plus rule-derived insights.
func (e *Engine) EndConversation(ctx context.Context, conversationID string, session models.SessionMetrics) (*models.Reflection, error) {
	if conversationID == "" {
		return nil, ValidationError("conversationId is required")
	}

	friction := computeFriction(session)
	retrieval := computeRetrieval(session)
	insights, recommendations := deriveInsights(friction, retrieval)

	hubBlock := []map[string]any{}
	if hubs, err := e.associations.Hubs(ctx, reflectionHubMinConnection, reflectionHubLimit); err == nil {
		for _, h := range hubs {
			hubBlock = append(hubBlock, map[string]any{
				"memoryId":    h.MemoryID,
				"content":     snippet(h.Content),
				"connections": h.Connections,
				"strength":    h.TotalStrength,
			})
		}
	} else {
		e.logger.Debug("hub block unavailable for reflection", zap.Error(err))
	}

	reflection := &models.Reflection{
		ID:             uuid.NewString(),
		ReflectionType: models.ReflectionConversationEnd,
		ConversationID: &conversationID,
		Metrics: models.JSONMap{
			"friction":  friction,
			"retrieval": retrieval,
			"hubs":      hubBlock,
		},
		Insights:        insights,
		Recommendations: recommendations,
	}

	stored, err := e.reflections.Insert(ctx, reflection)
	if err != nil {
		return nil, StorageError(err, "persist reflection")
	}
	e.logger.Info("conversation reflected",
		zap.String("conversation_id", conversationID),
		zap.String("feel", friction.Feel),
		zap.Int("insights", len(insights)),
	)
	return stored, nil
}

// ReflectionsInput filters a reflection listing.
type ReflectionsInput struct {
	ConversationID string
	ReflectionType string
	Limit          int
}

// Reflections lists stored reflections, newest first.
func (e *Engine) Reflections(ctx context.Context, in ReflectionsInput) ([]models.Reflection, error) {
	if in.Limit <= 0 {
		in.Limit = 1
	}
	var rtype models.ReflectionType
	if in.ReflectionType != "" {
		rtype = models.ReflectionType(in.ReflectionType)
		if !rtype.Valid() {
			return nil, ValidationError("invalid reflection type %q", in.ReflectionType)
		}
	}

	rows, err := e.reflections.List(ctx, repository.ListParams{
		ConversationID: in.ConversationID,
		ReflectionType: rtype,
		Limit:          in.Limit,
	})
	if err != nil {
		return nil, StorageError(err, "list reflections")
	}
	if rows == nil {
		rows = []models.Reflection{}
	}
	return rows, nil
}
