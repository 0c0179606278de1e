package sync

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// runMigrations brings the state database up to the newest embedded schema.
// A freshly created database and one left by an older build take the same path.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	sqlFiles, err := fs.Sub(schemaFS, "migrations")
	if err != nil {
		return fmt.Errorf("sync: opening embedded schema: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sqlFiles)
	if err != nil {
		return fmt.Errorf("sync: preparing schema migration: %w", err)
	}

	applied, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sync: migrating state schema: %w", err)
	}

	if len(applied) == 0 {
		return nil
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("sync: reading schema version: %w", err)
	}

	logger.Info("state schema migrated",
		slog.Int("applied", len(applied)),
		slog.Int64("version", version),
	)

	return nil
}
