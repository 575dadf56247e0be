package ingest

import (
	"context"

	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/pkg/db/models"
)

// Repository exposes persistence helpers for log entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	InsertBatch(ctx context.Context, entries []models.LogEntry) error
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a log entry repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) InsertBatch(ctx context.Context, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&entries).Error
}
