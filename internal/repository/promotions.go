package repository

import (
	"context"
	"fmt"

	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/models"
)

// PromotionRepository appends to the tier transition audit trail.
type PromotionRepository struct {
	db *database.Database
}

// NewPromotionRepository creates the repository.
func NewPromotionRepository(db *database.Database) *PromotionRepository {
	return &PromotionRepository{db: db}
}

const promotionInsert = `
	INSERT INTO tier_promotions
	    (id, memory_id, from_tier, to_tier, reason,
	     access_count_at_promotion, days_since_last_access)
	VALUES `

// Insert records a single tier transition.
func (r *PromotionRepository) Insert(ctx context.Context, p *models.TierPromotion) error {
	query := promotionInsert + `($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.DB().ExecContext(ctx, query,
		p.ID, p.MemoryID, p.FromTier, p.ToTier, p.Reason,
		p.AccessCountAtPromotion, p.DaysSinceLastAccess)
	if err != nil {
		return fmt.Errorf("insert tier promotion: %w", err)
	}
	return nil
}

// InsertBatch records many transitions, chunked under the batch cap.
func (r *PromotionRepository) InsertBatch(ctx context.Context, rows []models.TierPromotion) error {
	for _, chunk := range database.Chunk(rows, database.MaxBatchRows/7) {
		query := promotionInsert + database.ValuesClause(1, len(chunk), 7)
		args := make([]any, 0, len(chunk)*7)
		for _, p := range chunk {
			args = append(args,
				p.ID, p.MemoryID, p.FromTier, p.ToTier, p.Reason,
				p.AccessCountAtPromotion, p.DaysSinceLastAccess)
		}
		if _, err := r.db.DB().ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %d tier promotions: %w", len(chunk), err)
		}
	}
	return nil
}
