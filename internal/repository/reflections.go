package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/anima-ai/anima/internal/database"
	"github.com/anima-ai/anima/internal/models"
)

// ReflectionRepository owns the meta_reflections table.
type ReflectionRepository struct {
	db *database.Database
}

// NewReflectionRepository creates the repository.
func NewReflectionRepository(db *database.Database) *ReflectionRepository {
	return &ReflectionRepository{db: db}
}

// Insert stores a reflection and returns the persisted row.
func (r *ReflectionRepository) Insert(ctx context.Context, ref *models.Reflection) (*models.Reflection, error) {
	query := `
		INSERT INTO meta_reflections
		    (id, reflection_type, conversation_id, metrics, insights, recommendations)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, reflection_type, conversation_id, metrics, insights,
		          recommendations, created_at`

	var out models.Reflection
	err := r.db.DB().GetContext(ctx, &out, query,
		ref.ID, ref.ReflectionType, ref.ConversationID, ref.Metrics,
		ref.Insights, ref.Recommendations)
	if err != nil {
		return nil, fmt.Errorf("insert reflection: %w", err)
	}
	return &out, nil
}

// ListParams filters reflection reads; empty fields mean no filter.
type ListParams struct {
	ConversationID string
	ReflectionType models.ReflectionType
	Limit          int
}

// List returns reflections newest first.
func (r *ReflectionRepository) List(ctx context.Context, p ListParams) ([]models.Reflection, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT id, reflection_type, conversation_id, metrics, insights,
		       recommendations, created_at
		FROM meta_reflections
		WHERE 1=1`)

	args := []any{}
	if p.ConversationID != "" {
		args = append(args, p.ConversationID)
		fmt.Fprintf(&b, ` AND conversation_id = $%d`, len(args))
	}
	if p.ReflectionType != "" {
		args = append(args, p.ReflectionType)
		fmt.Fprintf(&b, ` AND reflection_type = $%d`, len(args))
	}
	args = append(args, p.Limit)
	fmt.Fprintf(&b, `
		ORDER BY created_at DESC
		LIMIT $%d`, len(args))

	var out []models.Reflection
	if err := r.db.DB().SelectContext(ctx, &out, b.String(), args...); err != nil {
		return nil, fmt.Errorf("list reflections: %w", err)
	}
	return out, nil
}
