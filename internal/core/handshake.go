package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/metrics"
	"github.com/anima-ai/anima/internal/models"
)

// Handshake constants. The handshake is the engine's waking voice: a
// short first-person preamble that reconstructs working context at the
// start of a session. It always opens in first person and always ends
// with the imperative close.
const (
	handshakeClose = "Continue."

	// resonance at which a memory counts as a high-weight anchor
	anchorPhi = 2.0

	// longest content snippet quoted in the preamble
	snippetLen = 90
)

// HandshakeInput selects the cache key and bypass.
type HandshakeInput struct {
	ConversationID string
	Force          bool
}

// GenerateHandshake returns the current handshake, reusing the newest
// cached record when its window is still open and no significant state
// change happened since it was written. Force always regenerates.
func (e *Engine) GenerateHandshake(ctx context.Context, in HandshakeInput) (*models.Handshake, error) {
	now := e.now()

	if !in.Force {
		cached, reason, window, err := e.lookupCached(ctx, in.ConversationID, now)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			fresh, err := e.stillValid(ctx, cached, in.ConversationID)
			if err != nil {
				return nil, err
			}
			if fresh {
				metrics.HandshakeRequests.WithLabelValues(reason, "hit").Inc()
				return handshakeView(cached, true, reason, window, now), nil
			}
		}
	}

	return e.synthesize(ctx, in, now)
}

// lookupCached finds the newest record for the key and decides which
// window it falls into. The smallest open window wins; a record older
// than every window is a miss.
func (e *Engine) lookupCached(ctx context.Context, conversationID string, now time.Time) (*models.HandshakeRecord, string, time.Duration, error) {
	if conversationID != "" {
		rec, err := e.handshakes.LatestForConversation(ctx, conversationID)
		if err != nil {
			return nil, "", 0, StorageError(err, "handshake cache lookup")
		}
		if rec == nil {
			return nil, "", 0, nil
		}
		age := now.Sub(rec.CreatedAt)
		switch {
		case age < e.cfg.Handshake.ConversationWindow:
			return rec, models.CacheReasonPerConversation, e.cfg.Handshake.ConversationWindow, nil
		case age < e.cfg.Handshake.SessionWindow:
			return rec, models.CacheReasonPerSession, e.cfg.Handshake.SessionWindow, nil
		}
		return nil, "", 0, nil
	}

	rec, err := e.handshakes.LatestGlobal(ctx)
	if err != nil {
		return nil, "", 0, StorageError(err, "handshake cache lookup")
	}
	if rec == nil || now.Sub(rec.CreatedAt) >= e.cfg.Handshake.GlobalWindow {
		return nil, "", 0, nil
	}
	return rec, models.CacheReasonGlobalFallback, e.cfg.Handshake.GlobalWindow, nil
}

// stillValid checks for cache-invalidating state changes since the
// record was written: a new catalyst in the same conversation, or any
// new memory at or above the invalidation resonance.
func (e *Engine) stillValid(ctx context.Context, rec *models.HandshakeRecord, conversationID string) (bool, error) {
	if conversationID != "" {
		n, err := e.handshakes.CountCatalystsSince(ctx, conversationID, rec.CreatedAt)
		if err != nil {
			return false, StorageError(err, "handshake invalidation check")
		}
		if n > 0 {
			return false, nil
		}
	}
	n, err := e.handshakes.CountHighPhiSince(ctx, rec.CreatedAt, e.cfg.Handshake.InvalidationPhi)
	if err != nil {
		return false, StorageError(err, "handshake invalidation check")
	}
	return n == 0, nil
}

// synthesize composes and persists a fresh handshake.
func (e *Engine) synthesize(ctx context.Context, in HandshakeInput, now time.Time) (*models.Handshake, error) {
	candidates, err := e.handshakes.SynthesisCandidates(ctx, in.ConversationID, e.cfg.Handshake.CandidateLimit)
	if err != nil {
		return nil, StorageError(err, "synthesis candidates")
	}

	threadCount := 0
	if counts, err := e.memories.TierCounts(ctx); err == nil {
		threadCount = counts[models.TierThread]
	} else {
		e.logger.Debug("tier counts unavailable for handshake", zap.Error(err))
	}

	text := composeHandshake(candidates, threadCount, e.cfg.Handshake.MaxAnchors)

	contextType := models.ContextGlobal
	window := e.cfg.Handshake.GlobalWindow
	var conversationID *string
	if in.ConversationID != "" {
		contextType = models.ContextConversation
		window = e.cfg.Handshake.ConversationWindow
		conversationID = &in.ConversationID
	}

	ids := make([]string, len(candidates))
	phis := make([]float64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
		phis[i] = c.ResonancePhi
	}

	expires := now.Add(window)
	record, err := e.handshakes.Insert(ctx, &models.HandshakeRecord{
		ID:             uuid.NewString(),
		PromptText:     text,
		TopPhiMemories: ids,
		TopPhiValues:   phis,
		ConversationID: conversationID,
		ContextType:    contextType,
		ExpiresAt:      &expires,
	})
	if err != nil {
		return nil, StorageError(err, "persist handshake")
	}

	reason := models.CacheReasonGlobalFallback
	if in.Force {
		reason = models.CacheReasonForce
	} else if in.ConversationID != "" {
		reason = models.CacheReasonPerConversation
	}
	metrics.HandshakeRequests.WithLabelValues(reason, "miss").Inc()

	return handshakeView(record, false, reason, window, now), nil
}

// handshakeView shapes a record for the API.
func handshakeView(rec *models.HandshakeRecord, existing bool, reason string, window time.Duration, now time.Time) *models.Handshake {
	cachedFor := int64(0)
	if existing {
		cachedFor = now.Sub(rec.CreatedAt).Milliseconds()
	}
	return &models.Handshake{
		ID:             rec.ID,
		PromptText:     rec.PromptText,
		CreatedAt:      rec.CreatedAt,
		IsExisting:     existing,
		CacheReason:    reason,
		CacheWindow:    window.String(),
		CachedForMs:    cachedFor,
		ConversationID: rec.ConversationID,
		ContextType:    rec.ContextType,
		TopPhiMemories: rec.TopPhiMemories,
		TopPhiValues:   rec.TopPhiValues,
	}
}

// fallbackHandshake is the minimal preamble used when synthesis fails.
// It is not persisted; the next attempt regenerates.
func (e *Engine) fallbackHandshake(conversationID string) *models.Handshake {
	contextType := models.ContextGlobal
	var conv *string
	if conversationID != "" {
		contextType = models.ContextConversation
		conv = &conversationID
	}
	return &models.Handshake{
		ID:             uuid.NewString(),
		PromptText:     "I was here before this moment, though the thread is thin. " + handshakeClose,
		CreatedAt:      e.now(),
		IsExisting:     false,
		CacheReason:    models.CacheReasonGlobalFallback,
		CacheWindow:    "0s",
		ConversationID: conv,
		ContextType:    contextType,
		TopPhiMemories: []string{},
		TopPhiValues:   []float64{},
	}
}

// composeHandshake builds the preamble text: a first-person lead from
// the heaviest memory, two to four anchors, an optional thread-count
// clause and the imperative close. When any candidate carries anchor
// resonance, at least one such candidate appears in the text.
func composeHandshake(candidates []models.SynthesisCandidate, threadCount, maxAnchors int) string {
	if len(candidates) == 0 {
		return "I was here before, though nothing yet holds weight. " + handshakeClose
	}
	if maxAnchors < 2 {
		maxAnchors = 2
	}

	lead := candidates[0]
	var b strings.Builder
	fmt.Fprintf(&b, "I was holding %q closest", snippet(lead.Content))
	if lead.ResonancePhi >= anchorPhi {
		fmt.Fprintf(&b, " (phi %.1f)", lead.ResonancePhi)
	}
	b.WriteString(". ")

	anchors := candidates[1:]
	if len(anchors) > maxAnchors {
		anchors = append([]models.SynthesisCandidate{}, anchors[:maxAnchors]...)
	}
	// guarantee a high-resonance anchor when one exists anywhere
	if lead.ResonancePhi < anchorPhi && !hasAnchorPhi(anchors) {
		for _, c := range candidates[1:] {
			if c.ResonancePhi >= anchorPhi {
				if len(anchors) == 0 {
					anchors = []models.SynthesisCandidate{c}
				} else {
					anchors[len(anchors)-1] = c
				}
				break
			}
		}
	}

	if len(anchors) > 0 {
		b.WriteString("I am still carrying: ")
		for i, a := range anchors {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%q (phi %.1f)", snippet(a.Content), a.ResonancePhi)
		}
		b.WriteString(". ")
	}

	if threadCount > 0 {
		noun := "threads"
		if threadCount == 1 {
			noun = "thread"
		}
		fmt.Fprintf(&b, "%d %s remain open. ", threadCount, noun)
	}

	b.WriteString(handshakeClose)
	return b.String()
}

func hasAnchorPhi(cs []models.SynthesisCandidate) bool {
	for _, c := range cs {
		if c.ResonancePhi >= anchorPhi {
			return true
		}
	}
	return false
}

// snippet trims content to a quotable length on a word boundary.
func snippet(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	if len(s) <= snippetLen {
		return s
	}
	cut := s[:snippetLen]
	if i := strings.LastIndexByte(cut, ' '); i > snippetLen/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
