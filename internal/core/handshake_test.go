package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/models"
)

func candidate(phi float64, content string) models.SynthesisCandidate {
	return models.SynthesisCandidate{
		ID:             uuid.NewString(),
		Content:        content,
		ResonancePhi:   phi,
		LastAccessedAt: time.Now(),
	}
}

func TestComposeHandshakeVoiceContract(t *testing.T) {
	cases := []struct {
		name       string
		candidates []models.SynthesisCandidate
		threads    int
	}{
		{"empty", nil, 0},
		{"single low phi", []models.SynthesisCandidate{candidate(0.2, "a faint thought")}, 0},
		{"full set", []models.SynthesisCandidate{
			candidate(4.2, "the substrate holds"),
			candidate(2.4, "phi guides retrieval"),
			candidate(0.9, "minor note"),
		}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text := composeHandshake(tc.candidates, tc.threads, 4)
			assert.True(t,
				strings.Contains(text, "I was") || strings.Contains(text, "I am"),
				"first-person voice required: %q", text)
			assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "Continue."),
				"imperative close required: %q", text)
		})
	}
}

func TestComposeHandshakeEmbedsHighPhiAnchor(t *testing.T) {
	// the only anchor-weight memory sits past the anchor cut
	cs := []models.SynthesisCandidate{
		candidate(0.5, "light one"),
		candidate(0.4, "lighter"),
		candidate(0.3, "lightest"),
		candidate(3.5, "the heavy anchor"),
	}
	text := composeHandshake(cs, 0, 2)
	assert.Contains(t, text, "the heavy anchor")
}

func TestComposeHandshakeCountsThreads(t *testing.T) {
	text := composeHandshake([]models.SynthesisCandidate{candidate(1.0, "x")}, 1, 4)
	assert.Contains(t, text, "1 thread remain")
	text = composeHandshake([]models.SynthesisCandidate{candidate(1.0, "x")}, 7, 4)
	assert.Contains(t, text, "7 threads remain")
}

func TestGenerateHandshakeFreshAndCached(t *testing.T) {
	e, f := newTestEngine(t)

	f.handshakes.candidates = func(ctx context.Context, conversationID string, limit int) ([]models.SynthesisCandidate, error) {
		return []models.SynthesisCandidate{candidate(3.0, "anchor memory")}, nil
	}
	// the fake store serves back whatever was inserted last
	f.handshakes.latestConversation = func(ctx context.Context, conversationID string) (*models.HandshakeRecord, error) {
		f.handshakes.mu.Lock()
		defer f.handshakes.mu.Unlock()
		if len(f.handshakes.inserted) == 0 {
			return nil, nil
		}
		return f.handshakes.inserted[len(f.handshakes.inserted)-1], nil
	}

	ctx := context.Background()
	first, err := e.GenerateHandshake(ctx, HandshakeInput{ConversationID: "C"})
	require.NoError(t, err)
	assert.False(t, first.IsExisting)
	assert.Equal(t, models.ContextConversation, first.ContextType)
	assert.Contains(t, first.PromptText, "I was")

	second, err := e.GenerateHandshake(ctx, HandshakeInput{ConversationID: "C"})
	require.NoError(t, err)
	assert.True(t, second.IsExisting)
	assert.Equal(t, first.ID, second.ID, "cached record must be returned verbatim")
	assert.Equal(t, models.CacheReasonPerConversation, second.CacheReason)
}

func TestGenerateHandshakeInvalidatedByCatalyst(t *testing.T) {
	e, f := newTestEngine(t)

	rec := &models.HandshakeRecord{
		ID:          uuid.NewString(),
		PromptText:  "I was here. Continue.",
		ContextType: models.ContextConversation,
		CreatedAt:   time.Now().Add(-time.Minute),
	}
	f.handshakes.latestConversation = func(ctx context.Context, conversationID string) (*models.HandshakeRecord, error) {
		return rec, nil
	}
	f.handshakes.catalystsSince = func(ctx context.Context, conversationID string, since time.Time) (int, error) {
		return 1, nil
	}

	out, err := e.GenerateHandshake(context.Background(), HandshakeInput{ConversationID: "C"})
	require.NoError(t, err)
	assert.False(t, out.IsExisting, "new catalyst must force regeneration")
	assert.NotEqual(t, rec.ID, out.ID)
}

func TestGenerateHandshakeInvalidatedByHighPhi(t *testing.T) {
	e, f := newTestEngine(t)

	rec := &models.HandshakeRecord{
		ID:          uuid.NewString(),
		ContextType: models.ContextConversation,
		CreatedAt:   time.Now().Add(-time.Minute),
	}
	f.handshakes.latestConversation = func(ctx context.Context, conversationID string) (*models.HandshakeRecord, error) {
		return rec, nil
	}
	f.handshakes.highPhiSince = func(ctx context.Context, since time.Time, minPhi float64) (int, error) {
		assert.Equal(t, 4.0, minPhi)
		return 1, nil
	}

	out, err := e.GenerateHandshake(context.Background(), HandshakeInput{ConversationID: "C"})
	require.NoError(t, err)
	assert.False(t, out.IsExisting)
}

func TestGenerateHandshakeWindowTiers(t *testing.T) {
	e, f := newTestEngine(t)

	age := time.Duration(0)
	f.handshakes.latestConversation = func(ctx context.Context, conversationID string) (*models.HandshakeRecord, error) {
		return &models.HandshakeRecord{
			ID:          uuid.NewString(),
			ContextType: models.ContextConversation,
			CreatedAt:   time.Now().Add(-age),
		}, nil
	}

	ctx := context.Background()

	age = 5 * time.Minute
	out, err := e.GenerateHandshake(ctx, HandshakeInput{ConversationID: "C"})
	require.NoError(t, err)
	assert.True(t, out.IsExisting)
	assert.Equal(t, models.CacheReasonPerConversation, out.CacheReason)

	age = 30 * time.Minute
	out, err = e.GenerateHandshake(ctx, HandshakeInput{ConversationID: "C"})
	require.NoError(t, err)
	assert.True(t, out.IsExisting)
	assert.Equal(t, models.CacheReasonPerSession, out.CacheReason)
	assert.Greater(t, out.CachedForMs, int64(0))

	age = 2 * time.Hour
	out, err = e.GenerateHandshake(ctx, HandshakeInput{ConversationID: "C"})
	require.NoError(t, err)
	assert.False(t, out.IsExisting, "past every conversation window the cache misses")
}

func TestGenerateHandshakeGlobalFallback(t *testing.T) {
	e, f := newTestEngine(t)

	rec := &models.HandshakeRecord{
		ID:          uuid.NewString(),
		ContextType: models.ContextGlobal,
		CreatedAt:   time.Now().Add(-2 * time.Hour),
	}
	f.handshakes.latestGlobal = func(ctx context.Context) (*models.HandshakeRecord, error) {
		return rec, nil
	}

	out, err := e.GenerateHandshake(context.Background(), HandshakeInput{})
	require.NoError(t, err)
	assert.True(t, out.IsExisting)
	assert.Equal(t, models.CacheReasonGlobalFallback, out.CacheReason)
}

func TestGenerateHandshakeForceBypassesCache(t *testing.T) {
	e, f := newTestEngine(t)

	f.handshakes.latestConversation = func(ctx context.Context, conversationID string) (*models.HandshakeRecord, error) {
		t.Fatal("force must not consult the cache")
		return nil, nil
	}

	out, err := e.GenerateHandshake(context.Background(), HandshakeInput{ConversationID: "C", Force: true})
	require.NoError(t, err)
	assert.False(t, out.IsExisting)
	assert.Equal(t, models.CacheReasonForce, out.CacheReason)
}

func TestGenerateHandshakePersistsRecordWithExpiry(t *testing.T) {
	e, f := newTestEngine(t)

	f.handshakes.candidates = func(ctx context.Context, conversationID string, limit int) ([]models.SynthesisCandidate, error) {
		return []models.SynthesisCandidate{candidate(2.5, "kept"), candidate(1.0, "also kept")}, nil
	}

	_, err := e.GenerateHandshake(context.Background(), HandshakeInput{ConversationID: "C"})
	require.NoError(t, err)

	require.Len(t, f.handshakes.inserted, 1)
	rec := f.handshakes.inserted[0]
	assert.Equal(t, models.ContextConversation, rec.ContextType)
	require.NotNil(t, rec.ExpiresAt)
	assert.Len(t, rec.TopPhiMemories, 2)
	assert.Len(t, rec.TopPhiValues, 2)
	assert.Equal(t, 2.5, rec.TopPhiValues[0])
}

func TestFallbackHandshakeSatisfiesContract(t *testing.T) {
	e, _ := newTestEngine(t)
	h := e.fallbackHandshake("C")
	assert.Contains(t, h.PromptText, "I was")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(h.PromptText), "Continue."))
	assert.Equal(t, models.ContextConversation, h.ContextType)
}
