package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(tx *gorm.DB, event models.OutboxEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Create(&event).Error
}

// ClaimBatch atomically moves up to limit due pending rows to processing and
// returns them. Concurrent dispatchers skip rows already locked by a peer, so
// no event is claimed twice.
func (r *Repository) ClaimBatch(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var rows []models.OutboxEvent
	err := r.db.WithContext(ctx).Raw(`
		UPDATE outbox_events
		SET status = ?, claimed_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = ?
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		enums.OutboxProcessing, enums.OutboxPending, limit,
	).Scan(&rows).Error
	return rows, err
}

// MarkCompleted finalizes a delivered event.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       enums.OutboxCompleted,
			"processed_at": time.Now(),
			"claimed_at":   nil,
		}).Error
}

// MarkForRetry returns the event to pending with an incremented retry count
// and the supplied backoff deadline.
func (r *Repository) MarkForRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, cause error) error {
	return r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        enums.OutboxPending,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"next_retry_at": nextRetryAt,
			"claimed_at":    nil,
			"last_error":    errorText(cause),
		}).Error
}

// MarkFailed parks the event terminally. Failed rows are never reclaimed.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	return r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      enums.OutboxFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"claimed_at":  nil,
			"last_error":  errorText(cause),
		}).Error
}

// ReleaseExpiredClaims returns rows stuck in processing longer than maxAge to
// pending. Covers dispatchers that died mid-batch.
func (r *Repository) ReleaseExpiredClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ? AND claimed_at < ?", enums.OutboxProcessing, cutoff).
		Updates(map[string]any{
			"status":     enums.OutboxPending,
			"claimed_at": nil,
		})
	return res.RowsAffected, res.Error
}

// DeleteCompletedBefore removes completed rows older than the cutoff.
func (r *Repository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", enums.OutboxCompleted, cutoff).
		Delete(&models.OutboxEvent{})
	return res.RowsAffected, res.Error
}

// StatusCounts reports row counts per outbox status.
func (r *Repository) StatusCounts(ctx context.Context) (map[enums.OutboxStatus]int64, error) {
	type row struct {
		Status enums.OutboxStatus
		Total  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[enums.OutboxStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// ExistsTx reports whether a matching event is already queued in this transaction.
func (r *Repository) ExistsTx(tx *gorm.DB, eventType enums.OutboxEventType, aggregateType enums.OutboxAggregateType, aggregateID uuid.UUID) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	var count int64
	err := tx.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_type = ? AND aggregate_id = ? AND status = ?",
			eventType, aggregateType, aggregateID, enums.OutboxPending).
		Count(&count).Error
	return count > 0, err
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
