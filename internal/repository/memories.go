// Package repository implements the SQL data access for the engine's
// tables. All statements are parameterised; batch statements are capped
// at the database package's batch limit.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/models"
)

const memoryColumns = `id, content, content_fingerprint, embedding, tier,
	tier_updated_at, resonance_phi, is_catalyst, access_count,
	last_accessed_at, category, tags, source, conversation_id,
	conversation_ids, metadata, created_at, updated_at, deleted_at`

// MemoryRepository owns reads and writes on the memories table.
type MemoryRepository struct {
	db *database.Database
}

// NewMemoryRepository creates the repository.
func NewMemoryRepository(db *database.Database) *MemoryRepository {
	return &MemoryRepository{db: db}
}

// Insert stores a new memory and returns the persisted row.
func (r *MemoryRepository) Insert(ctx context.Context, m *models.Memory) (*models.Memory, error) {
	query := fmt.Sprintf(`
		INSERT INTO memories (
			id, content, content_fingerprint, embedding, tier,
			resonance_phi, is_catalyst, category, tags, source,
			conversation_id, conversation_ids, metadata
		) VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING %s`, memoryColumns)

	tags := m.Tags
	if tags == nil {
		tags = pq.StringArray{}
	}
	convIDs := m.ConversationIDs
	if convIDs == nil {
		convIDs = pq.StringArray{}
		if m.ConversationID != nil && *m.ConversationID != "" {
			convIDs = pq.StringArray{*m.ConversationID}
		}
	}

	var out models.Memory
	err := r.db.DB().GetContext(ctx, &out, query,
		m.ID, m.Content, m.ContentFingerprint, m.Embedding, m.Tier,
		m.ResonancePhi, m.IsCatalyst, m.Category, tags, m.Source,
		m.ConversationID, convIDs, m.Metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return &out, nil
}

// GetByID fetches one live memory.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*models.Memory, error) {
	query := fmt.Sprintf(`SELECT %s FROM memories WHERE id = $1 AND deleted_at IS NULL`, memoryColumns)
	var m models.Memory
	if err := r.db.DB().GetContext(ctx, &m, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return &m, nil
}

// GetByFingerprint finds the live memory with the exact content hash.
func (r *MemoryRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*models.Memory, error) {
	query := fmt.Sprintf(`SELECT %s FROM memories WHERE content_fingerprint = $1 AND deleted_at IS NULL`, memoryColumns)
	var m models.Memory
	if err := r.db.DB().GetContext(ctx, &m, query, fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get memory by fingerprint: %w", err)
	}
	return &m, nil
}

// TouchExact bumps access bookkeeping on an exact-duplicate add.
func (r *MemoryRepository) TouchExact(ctx context.Context, id string) (*models.Memory, error) {
	query := fmt.Sprintf(`
		UPDATE memories
		SET access_count = access_count + 1,
		    last_accessed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING %s`, memoryColumns)

	var m models.Memory
	if err := r.db.DB().GetContext(ctx, &m, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("touch memory %s: %w", id, err)
	}
	return &m, nil
}

// MarkCatalyst flags a live memory as a catalyst and raises its
// resonance to the catalyst floor. Catalyst status only ever upgrades.
// Reports whether a row changed.
func (r *MemoryRepository) MarkCatalyst(ctx context.Context, id string) (bool, error) {
	res, err := r.db.DB().ExecContext(ctx, `
		UPDATE memories
		SET is_catalyst = TRUE,
		    resonance_phi = GREATEST(resonance_phi, 1.0),
		    updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND NOT is_catalyst`, id)
	if err != nil {
		return false, fmt.Errorf("mark catalyst %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchParams filters a semantic query.
type SearchParams struct {
	Embedding models.Vector
	Threshold float64
	Limit     int
	Tiers     []models.Tier
}

// Search returns live memories at or above the similarity threshold,
// ranked by structural weight (similarity blended with resonance).
func (r *MemoryRepository) Search(ctx context.Context, p SearchParams) ([]models.RankedMemory, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `
		SELECT %s,
		       1 - (embedding <=> $1::vector) AS similarity,
		       (1 - (embedding <=> $1::vector)) * 0.7 + (resonance_phi / 5.0) * 0.3 AS structural_weight
		FROM memories
		WHERE deleted_at IS NULL
		  AND 1 - (embedding <=> $1::vector) >= $2`, memoryColumns)

	args := []any{p.Embedding, p.Threshold}
	if len(p.Tiers) > 0 {
		tiers := make([]string, len(p.Tiers))
		for i, t := range p.Tiers {
			tiers[i] = string(t)
		}
		args = append(args, pq.StringArray(tiers))
		fmt.Fprintf(&b, ` AND tier = ANY($%d)`, len(args))
	}
	args = append(args, p.Limit)
	fmt.Fprintf(&b, `
		ORDER BY structural_weight DESC, resonance_phi DESC
		LIMIT $%d`, len(args))

	var out []models.RankedMemory
	if err := r.db.DB().SelectContext(ctx, &out, b.String(), args...); err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return out, nil
}

// TouchBatch applies access bookkeeping to every queried memory in one
// statement: access count, resonance bump clamped at the ceiling, and
// the visited-conversations list.
func (r *MemoryRepository) TouchBatch(ctx context.Context, ids []string, conversationID string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE memories
		SET access_count = access_count + 1,
		    last_accessed_at = now(),
		    updated_at = now(),
		    resonance_phi = LEAST(resonance_phi + 0.1, 5.0),
		    conversation_ids = CASE
		        WHEN $2 <> '' AND NOT ($2 = ANY(conversation_ids))
		        THEN array_append(conversation_ids, $2)
		        ELSE conversation_ids
		    END
		WHERE id = ANY($1) AND deleted_at IS NULL`

	if _, err := r.db.DB().ExecContext(ctx, query, pq.StringArray(ids), conversationID); err != nil {
		return fmt.Errorf("touch %d memories: %w", len(ids), err)
	}
	return nil
}

// PromoteEligible promotes, among the given ids, every memory whose new
// access count crossed a tier threshold: active at 5, thread at 20.
// Promotion decisions read the post-increment counts.
func (r *MemoryRepository) PromoteEligible(ctx context.Context, ids []string) ([]models.TierChange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		WITH eligible AS (
			SELECT id, tier AS from_tier,
			       CASE WHEN tier = 'active' THEN 'thread' ELSE 'stable' END AS to_tier,
			       access_count,
			       EXTRACT(EPOCH FROM (now() - last_accessed_at)) / 86400.0 AS days_idle
			FROM memories
			WHERE id = ANY($1) AND deleted_at IS NULL
			  AND ((tier = 'active' AND access_count >= 5)
			    OR (tier = 'thread' AND access_count >= 20))
			FOR UPDATE
		)
		UPDATE memories m
		SET tier = e.to_tier, tier_updated_at = now(), updated_at = now()
		FROM eligible e
		WHERE m.id = e.id
		RETURNING m.id, e.from_tier, e.to_tier, e.access_count, e.days_idle`

	var out []models.TierChange
	if err := r.db.DB().SelectContext(ctx, &out, query, pq.StringArray(ids)); err != nil {
		return nil, fmt.Errorf("promote eligible memories: %w", err)
	}
	return out, nil
}

// UpdateTier sets a memory's tier and reports the previous one. Returns
// nil when the memory does not exist.
func (r *MemoryRepository) UpdateTier(ctx context.Context, id string, tier models.Tier) (*models.Memory, models.Tier, error) {
	query := `
		UPDATE memories m
		SET tier = $2, tier_updated_at = now(), updated_at = now()
		FROM (
			SELECT id, tier AS prev_tier FROM memories
			WHERE id = $1 AND deleted_at IS NULL
			FOR UPDATE
		) old
		WHERE m.id = old.id
		RETURNING m.*, old.prev_tier`

	var row struct {
		models.Memory
		PrevTier models.Tier `db:"prev_tier"`
	}
	if err := r.db.DB().GetContext(ctx, &row, query, id, tier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("update tier of %s: %w", id, err)
	}
	return &row.Memory, row.PrevTier, nil
}

// BootstrapParams filters the bootstrap selection.
type BootstrapParams struct {
	ConversationID string
	Tiers          []models.Tier
	PerTierCap     int
	MinGlobalPhi   float64
	BoostFactor    float64
}

// BootstrapSelect ranks live memories inside each requested tier in one
// windowed statement: active by freshness, thread and stable by
// (conversation-boosted) resonance. The boost is ranking-only; nothing
// is written. When a conversation is given, rows outside it must carry
// at least MinGlobalPhi resonance.
func (r *MemoryRepository) BootstrapSelect(ctx context.Context, p BootstrapParams) ([]models.BootstrapMemory, error) {
	if len(p.Tiers) == 0 {
		return nil, nil
	}
	tiers := make([]string, len(p.Tiers))
	for i, t := range p.Tiers {
		tiers[i] = string(t)
	}

	query := fmt.Sprintf(`
		WITH ranked AS (
			SELECT %s,
			       CASE WHEN $1 <> '' AND conversation_id = $1
			            THEN resonance_phi * $4
			            ELSE resonance_phi
			       END AS effective_phi,
			       ROW_NUMBER() OVER (
			           PARTITION BY tier
			           ORDER BY
			               CASE WHEN tier = 'active' THEN last_accessed_at END DESC NULLS LAST,
			               CASE WHEN $1 <> '' AND conversation_id = $1
			                    THEN resonance_phi * $4
			                    ELSE resonance_phi
			               END DESC,
			               last_accessed_at DESC
			       ) AS tier_rank
			FROM memories
			WHERE deleted_at IS NULL
			  AND tier = ANY($2)
			  AND ($1 = '' OR conversation_id = $1 OR resonance_phi >= $5)
		)
		SELECT * FROM ranked
		WHERE tier_rank <= $3
		ORDER BY tier, tier_rank`, memoryColumns)

	var out []models.BootstrapMemory
	err := r.db.DB().SelectContext(ctx, &out, query,
		p.ConversationID, pq.StringArray(tiers), p.PerTierCap, p.BoostFactor, p.MinGlobalPhi)
	if err != nil {
		return nil, fmt.Errorf("bootstrap select: %w", err)
	}
	return out, nil
}

// TierCounts reports live memory counts per tier.
func (r *MemoryRepository) TierCounts(ctx context.Context) (map[models.Tier]int, error) {
	rows := []struct {
		Tier models.Tier `db:"tier"`
		N    int         `db:"n"`
	}{}
	err := r.db.DB().SelectContext(ctx, &rows,
		`SELECT tier, COUNT(*) AS n FROM memories WHERE deleted_at IS NULL GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("tier counts: %w", err)
	}
	out := make(map[models.Tier]int, len(rows))
	for _, row := range rows {
		out[row.Tier] = row.N
	}
	return out, nil
}

// DecayTiers downgrades memories whose last access is older than the
// per-tier window: active past activeAfter becomes thread, thread past
// threadAfter becomes stable.
func (r *MemoryRepository) DecayTiers(ctx context.Context, activeAfter, threadAfter string) ([]models.TierChange, error) {
	query := `
		WITH stale AS (
			SELECT id, tier AS from_tier,
			       CASE WHEN tier = 'active' THEN 'thread' ELSE 'stable' END AS to_tier,
			       access_count,
			       EXTRACT(EPOCH FROM (now() - last_accessed_at)) / 86400.0 AS days_idle
			FROM memories
			WHERE deleted_at IS NULL
			  AND ((tier = 'active' AND last_accessed_at < now() - $1::interval)
			    OR (tier = 'thread' AND last_accessed_at < now() - $2::interval))
			FOR UPDATE
		)
		UPDATE memories m
		SET tier = s.to_tier, tier_updated_at = now(), updated_at = now()
		FROM stale s
		WHERE m.id = s.id
		RETURNING m.id, s.from_tier, s.to_tier, s.access_count, s.days_idle`

	var out []models.TierChange
	if err := r.db.DB().SelectContext(ctx, &out, query, activeAfter, threadAfter); err != nil {
		return nil, fmt.Errorf("decay tiers: %w", err)
	}
	return out, nil
}

// DecayResonance multiplies resonance by factor for memories above
// minPhi that have been idle longer than the window. Returns the number
// of rows decayed.
func (r *MemoryRepository) DecayResonance(ctx context.Context, idle string, minPhi, factor float64) (int64, error) {
	res, err := r.db.DB().ExecContext(ctx, `
		UPDATE memories
		SET resonance_phi = GREATEST(resonance_phi * $1, 0), updated_at = now()
		WHERE deleted_at IS NULL
		  AND resonance_phi > $2
		  AND last_accessed_at < now() - $3::interval`,
		factor, minPhi, idle)
	if err != nil {
		return 0, fmt.Errorf("decay resonance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// WithTx runs fn inside a database transaction.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return r.db.Tx(ctx, fn)
}
