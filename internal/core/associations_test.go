package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/models"
)

func TestRecordCoOccurrencePairCount(t *testing.T) {
	e, f := newTestEngine(t)

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString(), uuid.NewString()}
	e.RecordCoOccurrence(context.Background(), ids, "conv-1")

	chunks := f.associations.chunks()
	require.Len(t, chunks, 1)
	// C(4,2) = 6 ordered pairs
	assert.Len(t, chunks[0], 6)
	for _, p := range chunks[0] {
		assert.Less(t, p.A, p.B)
	}
}

func TestRecordCoOccurrenceChunksLargeSets(t *testing.T) {
	e, f := newTestEngine(t)

	// 50 ids produce C(50,2) = 1225 pairs, two chunks under the cap
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("%08d-0000-0000-0000-000000000000", i)
	}
	e.RecordCoOccurrence(context.Background(), ids, "")

	chunks := f.associations.chunks()
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], database.MaxBatchRows)
	assert.Len(t, chunks[1], 225)
}

func TestRecordCoOccurrenceSurvivesChunkFailure(t *testing.T) {
	e, f := newTestEngine(t)

	calls := 0
	f.associations.upsertFn = func(ctx context.Context, pairs []models.PairKey, conversationID string) error {
		calls++
		if calls == 1 {
			return errors.New("first chunk lost")
		}
		return nil
	}

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("%08d-0000-0000-0000-000000000000", i)
	}
	e.RecordCoOccurrence(context.Background(), ids, "conv")
	assert.Equal(t, 2, calls, "a failed chunk must not stop the rest")
}

func TestRecordCoOccurrenceNeedsTwo(t *testing.T) {
	e, f := newTestEngine(t)
	e.RecordCoOccurrence(context.Background(), []string{uuid.NewString()}, "")
	assert.Empty(t, f.associations.chunks())
}

func TestAssociationsValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Associations(ctx, "", 0.1, 20)
	requireCode(t, err, CodeValidation)

	_, err = e.Associations(ctx, "nope", 0.1, 20)
	requireCode(t, err, CodeValidation)
}

func TestAssociationsDefaults(t *testing.T) {
	e, f := newTestEngine(t)

	var gotStrength float64
	var gotLimit int
	f.associations.forMem = func(ctx context.Context, memoryID string, minStrength float64, limit int) ([]models.MemoryAssociation, error) {
		gotStrength, gotLimit = minStrength, limit
		return nil, nil
	}

	res, err := e.Associations(context.Background(), uuid.NewString(), -1, 0)
	require.NoError(t, err)
	assert.Zero(t, gotStrength)
	assert.Equal(t, DefaultAssocLimit, gotLimit)
	assert.NotNil(t, res.Associations)
	assert.Zero(t, res.TotalAssociations)
}

func TestHubsDefaults(t *testing.T) {
	e, f := newTestEngine(t)

	f.associations.hubs = func(ctx context.Context, minConnections, limit int) ([]models.Hub, error) {
		assert.Equal(t, DefaultHubMinConnections, minConnections)
		assert.Equal(t, DefaultHubLimit, limit)
		return nil, nil
	}

	hubs, err := e.Hubs(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, hubs)
}

func TestNetworkStatsZeroEdges(t *testing.T) {
	e, _ := newTestEngine(t)

	id := uuid.NewString()
	stats, err := e.NetworkStats(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, stats.MemoryID)
	assert.Zero(t, stats.Connections)
}
