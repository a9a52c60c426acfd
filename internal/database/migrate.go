package database

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunMigrations applies all pending schema migrations and then verifies
// the embedding column matches the configured dimension.
func (d *Database) RunMigrations(ctx context.Context, dim int) error {
	m, err := d.newMigrator()
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			d.logger.Warn("closing migrator", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return d.ensureEmbeddingDim(ctx, dim)
}

// MigrateDown rolls back n migrations (all of them when n <= 0).
func (d *Database) MigrateDown(n int) error {
	m, err := d.newMigrator()
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	if n <= 0 {
		err = m.Down()
	} else {
		err = m.Steps(-n)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the current schema version.
func (d *Database) MigrationVersion() (uint, bool, error) {
	m, err := d.newMigrator()
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (d *Database) newMigrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}
	driver, err := postgres.WithInstance(d.db.DB, &postgres.Config{
		SchemaName: d.cfg.Schema,
	})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// ensureEmbeddingDim reconciles the memories.embedding column with the
// configured dimension. The migration ships with the default dimension;
// a deployment that picked the other one is converted here, but only
// while the table is still empty. A populated table with the wrong
// dimension is an operator error and refuses to start.
func (d *Database) ensureEmbeddingDim(ctx context.Context, dim int) error {
	var current int
	err := d.db.GetContext(ctx, &current,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'memories'::regclass AND attname = 'embedding'`)
	if err != nil {
		return fmt.Errorf("inspect embedding column: %w", err)
	}
	if current == dim {
		return nil
	}

	var hasRows bool
	if err := d.db.GetContext(ctx, &hasRows, `SELECT EXISTS (SELECT 1 FROM memories)`); err != nil {
		return fmt.Errorf("inspect memories table: %w", err)
	}
	if hasRows {
		return fmt.Errorf("embedding column has dimension %d but EMBEDDING_DIM=%d; refusing to alter a populated table", current, dim)
	}

	d.logger.Info("adjusting embedding dimension",
		zap.Int("from", current), zap.Int("to", dim))

	return d.Tx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_memories_embedding_hnsw`); err != nil {
			return fmt.Errorf("drop vector index: %w", err)
		}
		alter := fmt.Sprintf(`ALTER TABLE memories ALTER COLUMN embedding TYPE vector(%d)`, dim)
		if _, err := tx.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("alter embedding column: %w", err)
		}
		recreate := `CREATE INDEX idx_memories_embedding_hnsw
			ON memories USING hnsw (embedding vector_cosine_ops)
			WITH (m = 16, ef_construction = 64)`
		if _, err := tx.ExecContext(ctx, recreate); err != nil {
			return fmt.Errorf("recreate vector index: %w", err)
		}
		return nil
	})
}
