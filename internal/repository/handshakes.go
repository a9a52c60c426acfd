package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/models"
)

const handshakeColumns = `id, prompt_text, top_phi_memories, top_phi_values,
	conversation_id, context_type, created_at, expires_at`

// HandshakeRepository owns the ghost log (persisted handshakes, which
// double as the synthesiser's cache) and the memory reads that feed
// handshake composition.
type HandshakeRepository struct {
	db *database.Database
}

// NewHandshakeRepository creates the repository.
func NewHandshakeRepository(db *database.Database) *HandshakeRepository {
	return &HandshakeRepository{db: db}
}

// Insert persists a handshake record.
func (r *HandshakeRepository) Insert(ctx context.Context, h *models.HandshakeRecord) (*models.HandshakeRecord, error) {
	query := fmt.Sprintf(`
		INSERT INTO ghost_logs
		    (id, prompt_text, top_phi_memories, top_phi_values,
		     conversation_id, context_type, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING %s`, handshakeColumns)

	var out models.HandshakeRecord
	err := r.db.DB().GetContext(ctx, &out, query,
		h.ID, h.PromptText, h.TopPhiMemories, h.TopPhiValues,
		h.ConversationID, h.ContextType, h.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert handshake: %w", err)
	}
	return &out, nil
}

// LatestForConversation returns the newest conversation-scoped record
// for the key, or nil. Concurrent writers may race; newest wins.
func (r *HandshakeRepository) LatestForConversation(ctx context.Context, conversationID string) (*models.HandshakeRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM ghost_logs
		WHERE context_type = 'conversation' AND conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, handshakeColumns)

	var h models.HandshakeRecord
	if err := r.db.DB().GetContext(ctx, &h, query, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest handshake for %s: %w", conversationID, err)
	}
	return &h, nil
}

// LatestGlobal returns the newest globally-scoped record, or nil.
func (r *HandshakeRepository) LatestGlobal(ctx context.Context) (*models.HandshakeRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM ghost_logs
		WHERE context_type = 'global'
		ORDER BY created_at DESC
		LIMIT 1`, handshakeColumns)

	var h models.HandshakeRecord
	if err := r.db.DB().GetContext(ctx, &h, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest global handshake: %w", err)
	}
	return &h, nil
}

// SynthesisCandidates ranks live memories by synthesis weight: resonance
// (doubled inside the conversation, read-only) blended with a 30-day
// linear recency that floors at 0.1.
func (r *HandshakeRepository) SynthesisCandidates(ctx context.Context, conversationID string, limit int) ([]models.SynthesisCandidate, error) {
	query := `
		SELECT id, content, tier, resonance_phi, is_catalyst,
		       last_accessed_at, conversation_id,
		       GREATEST(0.1, 1 - EXTRACT(EPOCH FROM (now() - last_accessed_at)) / (30.0 * 86400.0)) AS recency,
		       (CASE WHEN $1 <> '' AND conversation_id = $1
		             THEN resonance_phi * 2.0
		             ELSE resonance_phi
		        END) * 0.7
		       + GREATEST(0.1, 1 - EXTRACT(EPOCH FROM (now() - last_accessed_at)) / (30.0 * 86400.0)) * 5.0 * 0.3
		       AS synthesis_weight
		FROM memories
		WHERE deleted_at IS NULL
		ORDER BY synthesis_weight DESC, resonance_phi DESC
		LIMIT $2`

	var out []models.SynthesisCandidate
	if err := r.db.DB().SelectContext(ctx, &out, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("synthesis candidates: %w", err)
	}
	return out, nil
}

// CountCatalystsSince counts catalysts created in the conversation after
// the cutoff; a positive count invalidates that conversation's cached
// handshake.
func (r *HandshakeRepository) CountCatalystsSince(ctx context.Context, conversationID string, since time.Time) (int, error) {
	var n int
	err := r.db.DB().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM memories
		WHERE deleted_at IS NULL AND is_catalyst
		  AND conversation_id = $1 AND created_at > $2`,
		conversationID, since)
	if err != nil {
		return 0, fmt.Errorf("count catalysts since %s: %w", since.Format(time.RFC3339), err)
	}
	return n, nil
}

// CountHighPhiSince counts memories created after the cutoff that carry
// at least minPhi resonance, regardless of conversation.
func (r *HandshakeRepository) CountHighPhiSince(ctx context.Context, since time.Time, minPhi float64) (int, error) {
	var n int
	err := r.db.DB().GetContext(ctx, &n, `
		SELECT COUNT(*) FROM memories
		WHERE deleted_at IS NULL AND resonance_phi >= $1 AND created_at > $2`,
		minPhi, since)
	if err != nil {
		return 0, fmt.Errorf("count high-resonance since %s: %w", since.Format(time.RFC3339), err)
	}
	return n, nil
}
