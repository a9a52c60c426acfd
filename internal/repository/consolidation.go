package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/models"
)

// ConsolidationRepository owns the vector-similarity reads and the merge
// write used by the semantic consolidator.
type ConsolidationRepository struct {
	db *database.Database
}

// NewConsolidationRepository creates the repository.
func NewConsolidationRepository(db *database.Database) *ConsolidationRepository {
	return &ConsolidationRepository{db: db}
}

// FindDuplicate returns the live memory most similar to the embedding, at
// or above the threshold, or nil when none qualifies. excludeID skips one
// row, so a freshly inserted memory is never its own duplicate.
func (r *ConsolidationRepository) FindDuplicate(ctx context.Context, embedding models.Vector, excludeID string, threshold float64) (*models.DuplicateMatch, error) {
	// The exclusion is applied through CASE because SQL OR does not
	// short-circuit: ''::uuid would fail before the guard is checked.
	query := `
		SELECT id, 1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE deleted_at IS NULL
		  AND 1 - (embedding <=> $1::vector) >= $3
		  AND CASE WHEN $2 = '' THEN TRUE ELSE id::text <> $2 END
		ORDER BY embedding <=> $1::vector ASC
		LIMIT 1`

	var m models.DuplicateMatch
	if err := r.db.DB().GetContext(ctx, &m, query, embedding, excludeID, threshold); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find semantic duplicate: %w", err)
	}
	return &m, nil
}

// Cluster returns live memories within the similarity radius that carry at
// least minPhi resonance, strongest resonance first.
func (r *ConsolidationRepository) Cluster(ctx context.Context, embedding models.Vector, minSimilarity, minPhi float64, limit int) ([]models.RankedMemory, error) {
	query := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE deleted_at IS NULL
		  AND 1 - (embedding <=> $1::vector) >= $2
		  AND resonance_phi >= $3
		ORDER BY resonance_phi DESC, similarity DESC
		LIMIT $4`, memoryColumns)

	var out []models.RankedMemory
	if err := r.db.DB().SelectContext(ctx, &out, query, embedding, minSimilarity, minPhi, limit); err != nil {
		return nil, fmt.Errorf("semantic cluster: %w", err)
	}
	return out, nil
}

// FragmentationPairs returns every pair of live memories whose pairwise
// similarity is at or above the threshold, heaviest combined resonance
// first. The self-join is deliberate: fragmentation analysis wants exact
// pairwise results, not approximate index scans.
func (r *ConsolidationRepository) FragmentationPairs(ctx context.Context, threshold float64, limit int) ([]models.FragmentPair, error) {
	query := `
		SELECT a.id AS memory_a, b.id AS memory_b,
		       1 - (a.embedding <=> b.embedding) AS similarity,
		       a.resonance_phi + b.resonance_phi AS total_phi
		FROM memories a
		JOIN memories b ON a.id < b.id
		WHERE a.deleted_at IS NULL AND b.deleted_at IS NULL
		  AND 1 - (a.embedding <=> b.embedding) >= $1
		ORDER BY total_phi DESC, similarity DESC
		LIMIT $2`

	var out []models.FragmentPair
	if err := r.db.DB().SelectContext(ctx, &out, query, threshold, limit); err != nil {
		return nil, fmt.Errorf("detect fragmentation: %w", err)
	}
	return out, nil
}

// EmbeddingsByIDs loads id, resonance and embedding for centroid math.
// Missing or soft-deleted ids are silently absent from the result.
func (r *ConsolidationRepository) EmbeddingsByIDs(ctx context.Context, ids []string) ([]models.MemoryEmbedding, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, resonance_phi, embedding FROM memories WHERE id IN (?) AND deleted_at IS NULL`, ids)
	if err != nil {
		return nil, fmt.Errorf("build embeddings query: %w", err)
	}
	query = r.db.DB().Rebind(query)

	var out []models.MemoryEmbedding
	if err := r.db.DB().SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	return out, nil
}

// MergeParams describes one merge of incoming content into an existing
// target memory.
type MergeParams struct {
	TargetID       string
	Content        string
	Similarity     float64
	WasCatalyst    bool
	ConversationID string
}

// PhiContribution is the resonance added by one merge before clamping:
// 1.0 for catalyst content, 0.1 otherwise, scaled down 10% unless the
// match is near-exact.
func PhiContribution(wasCatalyst bool, similarity float64) float64 {
	base := 0.1
	if wasCatalyst {
		base = 1.0
	}
	scale := 0.9
	if similarity >= 0.98 {
		scale = 1.0
	}
	return base * scale
}

// ApplyMerge folds incoming content into the target memory inside one
// transaction: the variant lands in metadata.semantic_variants, resonance
// grows by the contribution (clamped), catalyst only ever upgrades, and
// access bookkeeping advances. Returns the updated row and the
// contribution, or nil when the target is gone.
func (r *ConsolidationRepository) ApplyMerge(ctx context.Context, p MergeParams) (*models.Memory, float64, error) {
	contribution := PhiContribution(p.WasCatalyst, p.Similarity)

	var merged *models.Memory
	err := r.db.Tx(ctx, func(tx *sqlx.Tx) error {
		lockQuery := fmt.Sprintf(
			`SELECT %s FROM memories WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, memoryColumns)

		var target models.Memory
		if err := tx.GetContext(ctx, &target, lockQuery, p.TargetID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("lock merge target %s: %w", p.TargetID, err)
		}

		meta := target.Metadata
		if meta == nil {
			meta = models.JSONMap{}
		}
		variants, _ := meta["semantic_variants"].([]any)
		variants = append(variants, models.SemanticVariant{
			Content:        p.Content,
			MergedAt:       time.Now().UTC(),
			Similarity:     p.Similarity,
			PhiContributed: contribution,
			WasCatalyst:    p.WasCatalyst,
		})
		meta["semantic_variants"] = variants

		newPhi := models.ClampPhi(target.ResonancePhi + contribution)
		isCatalyst := target.IsCatalyst || p.WasCatalyst

		updateQuery := fmt.Sprintf(`
			UPDATE memories
			SET resonance_phi = $2,
			    is_catalyst = $3,
			    metadata = $4,
			    access_count = access_count + 1,
			    last_accessed_at = now(),
			    updated_at = now(),
			    conversation_ids = CASE
			        WHEN $5 <> '' AND NOT ($5 = ANY(conversation_ids))
			        THEN array_append(conversation_ids, $5)
			        ELSE conversation_ids
			    END
			WHERE id = $1
			RETURNING %s`, memoryColumns)

		var out models.Memory
		if err := tx.GetContext(ctx, &out, updateQuery,
			p.TargetID, newPhi, isCatalyst, meta, p.ConversationID); err != nil {
			return fmt.Errorf("apply merge to %s: %w", p.TargetID, err)
		}
		merged = &out
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if merged == nil {
		return nil, 0, nil
	}
	return merged, contribution, nil
}

// SoftDelete marks a live memory deleted. Reports whether a row changed.
func (r *ConsolidationRepository) SoftDelete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.DB().ExecContext(ctx,
		`UPDATE memories SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("soft delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
