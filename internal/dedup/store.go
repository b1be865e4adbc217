// Package dedup implements the processed-event set that keeps replies
// idempotent under at-least-once delivery.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"poetbot/internal/config"
	"poetbot/internal/domain"
)

var (
	_ domain.ProcessedStore = (*MemoryStore)(nil)
	_ domain.ProcessedStore = (*SQLiteStore)(nil)
	_ domain.ProcessedStore = (*PostgresStore)(nil)
)

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DedupConfig, logger *slog.Logger) (domain.ProcessedStore, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(time.Duration(cfg.RetentionHours) * time.Hour), nil
	case "sqlite":
		return NewSQLiteStore(config.ExpandPath(cfg.DBPath), logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("%w: unknown dedup driver %q", domain.ErrConfiguration, cfg.Driver)
	}
}
