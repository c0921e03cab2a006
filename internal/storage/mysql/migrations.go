package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"ChainChat/deploy/migrations"
	"ChainChat/pkg/logger"
)

// runMigrations 使用 goose 执行 deploy/migrations 中内嵌的 SQL 文件。
func runMigrations(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectMySQL, db, migrations.Files)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		logger.Named("storage").Info("migration applied",
			"version", res.Source.Version,
			"path", res.Source.Path,
			"duration", res.Duration,
		)
	}
	return nil
}
