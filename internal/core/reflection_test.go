package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/models"
	"github.com/anima-ai/anima/internal/repository"
)

func TestComputeFrictionFeelBuckets(t *testing.T) {
	cases := []struct {
		name     string
		loaded   int
		accessed int
		feel     string
	}{
		{"all used", 10, 10, models.FeelSmooth},
		{"light waste", 10, 9, models.FeelSmooth},
		{"moderate waste", 10, 6, models.FeelSticky},
		{"heavy waste", 10, 2, models.FeelRough},
		{"nothing loaded", 0, 0, models.FeelSmooth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := computeFriction(models.SessionMetrics{
				MemoriesLoaded: tc.loaded, MemoriesAccessed: tc.accessed,
			})
			assert.Equal(t, tc.feel, f.Feel)
		})
	}
}

func TestComputeFrictionWasteRatio(t *testing.T) {
	f := computeFriction(models.SessionMetrics{MemoriesLoaded: 20, MemoriesAccessed: 5})
	assert.InDelta(t, 0.75, f.WasteRatio, 1e-9)

	// accessed above loaded must not go negative
	f = computeFriction(models.SessionMetrics{MemoriesLoaded: 5, MemoriesAccessed: 9})
	assert.Zero(t, f.WasteRatio)
}

func TestComputeRetrieval(t *testing.T) {
	r := computeRetrieval(models.SessionMetrics{
		Queries: 4, TotalResults: 10, QueriesWithHits: 3, AvgRelevance: 0.8,
	})
	assert.InDelta(t, 2.5, r.AvgResults, 1e-9)
	assert.InDelta(t, 0.75, r.HitRate, 1e-9)

	r = computeRetrieval(models.SessionMetrics{})
	assert.Zero(t, r.AvgResults)
	assert.Zero(t, r.HitRate)
}

func TestDeriveInsightsAlwaysProducesOne(t *testing.T) {
	insights, recs := deriveInsights(
		FrictionMetrics{Feel: models.FeelSmooth},
		RetrievalMetrics{Queries: 2, HitRate: 1, AvgRelevance: 0.9},
	)
	require.NotEmpty(t, insights)
	assert.Empty(t, recs)
}

func TestDeriveInsightsFlagsRoughSessions(t *testing.T) {
	insights, recs := deriveInsights(
		FrictionMetrics{Feel: models.FeelRough, WasteRatio: 0.8},
		RetrievalMetrics{Queries: 4, HitRate: 0.25},
	)
	assert.GreaterOrEqual(t, len(insights), 2)
	assert.NotEmpty(t, recs)
}

func TestEndConversationRequiresID(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.EndConversation(context.Background(), "", models.SessionMetrics{})
	requireCode(t, err, CodeValidation)
}

func TestEndConversationPersistsBlocks(t *testing.T) {
	e, f := newTestEngine(t)

	f.associations.hubs = func(ctx context.Context, minConnections, limit int) ([]models.Hub, error) {
		return []models.Hub{{MemoryID: "hub-1", Content: "central idea", Connections: 9}}, nil
	}

	ref, err := e.EndConversation(context.Background(), "conv-1", models.SessionMetrics{
		LoadTimeMs: 42, MemoriesLoaded: 10, MemoriesAccessed: 6,
		Queries: 3, TotalResults: 9, QueriesWithHits: 3, AvgRelevance: 0.7,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ReflectionConversationEnd, ref.ReflectionType)
	require.NotNil(t, ref.ConversationID)
	assert.Equal(t, "conv-1", *ref.ConversationID)
	assert.NotEmpty(t, ref.Insights)

	friction, ok := ref.Metrics["friction"].(FrictionMetrics)
	require.True(t, ok)
	assert.Equal(t, models.FeelSticky, friction.Feel)
	hubs, ok := ref.Metrics["hubs"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, hubs, 1)
	assert.Equal(t, "hub-1", hubs[0]["memoryId"])
}

func TestReflectionsValidatesType(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Reflections(context.Background(), ReflectionsInput{ReflectionType: "daily"})
	requireCode(t, err, CodeValidation)
}

func TestReflectionsDefaultsLimit(t *testing.T) {
	e, f := newTestEngine(t)

	var got repository.ListParams
	f.reflections.list = func(ctx context.Context, p repository.ListParams) ([]models.Reflection, error) {
		got = p
		return nil, nil
	}

	rows, err := e.Reflections(context.Background(), ReflectionsInput{ConversationID: "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Limit)
	assert.NotNil(t, rows, "nil rows normalise to an empty slice")
}
