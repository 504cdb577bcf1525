package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/workgraph/pkg/config"
	"github.com/Mindburn-Labs/workgraph/pkg/versioning"

	_ "modernc.org/sqlite"
)

// openDatabase connects to Postgres, or falls back to a SQLite file under
// DATA_DIR when DATABASE_URL is not set.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, versioning.Dialect, error) {
	if cfg.LiteMode() {
		return setupLiteMode(cfg.DataDir, logger)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("DB ping failed: %w", err)
	}
	logger.Info("postgres: connected")
	return db, versioning.DialectPostgres, nil
}

func setupLiteMode(dataDir string, logger *slog.Logger) (*sql.DB, versioning.Dialect, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, "", fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "workgraph.db")
	logger.Info("lite mode: using sqlite", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transactions from
	// tripping over "database is locked".
	db.SetMaxOpenConns(1)
	return db, versioning.DialectSQLite, nil
}
