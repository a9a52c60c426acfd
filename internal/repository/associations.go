package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/models"
)

// AssociationRepository owns the co-occurrence edge table.
type AssociationRepository struct {
	db *database.Database
}

// NewAssociationRepository creates the repository.
func NewAssociationRepository(db *database.Database) *AssociationRepository {
	return &AssociationRepository{db: db}
}

// UpsertChunk records one co-occurrence for every pair in a single
// statement. New edges start at count 1 with strength ln(2)/10; existing
// edges increment and recompute strength as ln(1+count)/10 capped at 1.
// The conversation id, when present, is appended to each edge's contexts
// once. Pairs must be ordered (A < B) and at most MaxBatchRows long.
func (r *AssociationRepository) UpsertChunk(ctx context.Context, pairs []models.PairKey, conversationID string) error {
	if len(pairs) == 0 {
		return nil
	}
	if len(pairs) > database.MaxBatchRows {
		return fmt.Errorf("upsert chunk of %d pairs exceeds batch cap %d", len(pairs), database.MaxBatchRows)
	}

	// One shared placeholder carries the conversation id; each pair
	// contributes two more.
	convPos := len(pairs)*2 + 1
	var b strings.Builder
	b.WriteString(`
		INSERT INTO memory_associations AS ma
		    (memory_a, memory_b, co_occurrence_count, strength, conversation_contexts)
		VALUES `)
	args := make([]any, 0, convPos)
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `($%d, $%d, 1, LN(2) / 10.0,
		     CASE WHEN $%d <> '' THEN ARRAY[$%d] ELSE ARRAY[]::text[] END)`,
			i*2+1, i*2+2, convPos, convPos)
		args = append(args, p.A, p.B)
	}
	args = append(args, conversationID)
	b.WriteString(`
		ON CONFLICT (memory_a, memory_b) DO UPDATE SET
		    co_occurrence_count = ma.co_occurrence_count + 1,
		    strength = LEAST(LN(1 + ma.co_occurrence_count + 1) / 10.0, 1.0),
		    last_co_occurred_at = now(),
		    conversation_contexts = CASE
		        WHEN EXCLUDED.conversation_contexts <> '{}'
		         AND NOT (EXCLUDED.conversation_contexts[1] = ANY(ma.conversation_contexts))
		        THEN array_append(ma.conversation_contexts, EXCLUDED.conversation_contexts[1])
		        ELSE ma.conversation_contexts
		    END`)

	if _, err := r.db.DB().ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("upsert %d associations: %w", len(pairs), err)
	}
	return nil
}

// ForMemory returns the memory's edges joined with each live partner,
// strongest first.
func (r *AssociationRepository) ForMemory(ctx context.Context, memoryID string, minStrength float64, limit int) ([]models.MemoryAssociation, error) {
	query := `
		SELECT CASE WHEN ma.memory_a = $1 THEN ma.memory_b ELSE ma.memory_a END AS memory_id,
		       m.content, m.tier, m.resonance_phi,
		       ma.co_occurrence_count, ma.strength, ma.last_co_occurred_at,
		       ma.conversation_contexts
		FROM memory_associations ma
		JOIN memories m
		  ON m.id = CASE WHEN ma.memory_a = $1 THEN ma.memory_b ELSE ma.memory_a END
		WHERE (ma.memory_a = $1 OR ma.memory_b = $1)
		  AND ma.strength >= $2
		  AND m.deleted_at IS NULL
		ORDER BY ma.strength DESC, ma.last_co_occurred_at DESC
		LIMIT $3`

	var out []models.MemoryAssociation
	if err := r.db.DB().SelectContext(ctx, &out, query, memoryID, minStrength, limit); err != nil {
		return nil, fmt.Errorf("associations for %s: %w", memoryID, err)
	}
	return out, nil
}

// Hubs returns the most connected live memories in the graph.
func (r *AssociationRepository) Hubs(ctx context.Context, minConnections, limit int) ([]models.Hub, error) {
	query := `
		SELECT m.id AS memory_id, m.content, m.tier, m.resonance_phi,
		       COUNT(*) AS connections,
		       SUM(ma.strength) AS total_strength,
		       AVG(ma.strength) AS avg_strength
		FROM memories m
		JOIN memory_associations ma
		  ON ma.memory_a = m.id OR ma.memory_b = m.id
		WHERE m.deleted_at IS NULL
		GROUP BY m.id, m.content, m.tier, m.resonance_phi
		HAVING COUNT(*) >= $1
		ORDER BY connections DESC, total_strength DESC
		LIMIT $2`

	var out []models.Hub
	if err := r.db.DB().SelectContext(ctx, &out, query, minConnections, limit); err != nil {
		return nil, fmt.Errorf("association hubs: %w", err)
	}
	return out, nil
}

// Stats summarises one memory's position in the graph. A memory with no
// edges yields zeroed stats, not an error.
func (r *AssociationRepository) Stats(ctx context.Context, memoryID string) (*models.NetworkStats, error) {
	query := `
		WITH edges AS (
		    SELECT CASE WHEN memory_a = $1 THEN memory_b ELSE memory_a END AS partner,
		           strength, last_co_occurred_at
		    FROM memory_associations
		    WHERE memory_a = $1 OR memory_b = $1
		)
		SELECT COUNT(*) AS connections,
		       COALESCE(SUM(strength), 0) AS total_strength,
		       COALESCE(AVG(strength), 0) AS avg_strength,
		       COALESCE(MAX(strength), 0) AS max_strength,
		       (SELECT partner::text FROM edges
		        ORDER BY strength DESC, last_co_occurred_at DESC
		        LIMIT 1) AS strongest_partner
		FROM edges`

	var out models.NetworkStats
	if err := r.db.DB().GetContext(ctx, &out, query, memoryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NetworkStats{MemoryID: memoryID}, nil
		}
		return nil, fmt.Errorf("network stats for %s: %w", memoryID, err)
	}
	out.MemoryID = memoryID
	return &out, nil
}
