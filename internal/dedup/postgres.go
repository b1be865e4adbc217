package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PostgresStore shares the processed-event set across hosts.
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

type processedEventModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	ProcessedAt time.Time `gorm:"column:processed_at;index"`
}

func (processedEventModel) TableName() string {
	return "poetbot_processed_events"
}

// NewPostgresStore connects, pings and migrates the processed-events table.
func NewPostgresStore(ctx context.Context, dsn string, log *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&processedEventModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate processed events: %w", err)
	}
	return &PostgresStore{db: db, logger: log}, nil
}

func (s *PostgresStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&processedEventModel{}).
		Where("event_id = ?", eventID).
		Count(&n).Error
	if err != nil {
		return false, s.logError("dedup_seen_failed", err, "event_id", eventID)
	}
	return n > 0, nil
}

func (s *PostgresStore) Mark(ctx context.Context, eventID string) (bool, error) {
	row := processedEventModel{
		EventID:     eventID,
		ProcessedAt: time.Now().UTC(),
	}
	create := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		if isUniqueViolation(create.Error) {
			return false, nil
		}
		return false, s.logError("dedup_mark_failed", create.Error, "event_id", eventID)
	}
	return create.RowsAffected > 0, nil
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("processed_at < ?", before.UTC()).
		Delete(&processedEventModel{})
	if res.Error != nil {
		return 0, s.logError("dedup_prune_failed", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+4)
	fields = append(fields, "event", event, "error", err.Error())
	fields = append(fields, attrs...)
	s.logger.Error("processed-event store operation failed", fields...)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
