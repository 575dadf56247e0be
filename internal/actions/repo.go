package actions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// Repository exposes persistence helpers for action executions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, action *models.ActionExecution) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ActionExecution, error)
	List(ctx context.Context, params ListParams) ([]models.ActionExecution, error)
	ListPending(ctx context.Context, limit int) ([]models.ActionExecution, error)
	ReserveSlot(ctx context.Context, id uuid.UUID, limit int, risk enums.RiskLevel, now time.Time) (bool, error)
	Reject(ctx context.Context, id uuid.UUID, risk enums.RiskLevel, reason string, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, message string, now time.Time) (bool, error)
	FailStaleRunning(ctx context.Context, maxAge time.Duration, message string) (int64, error)
	CountRunning(ctx context.Context) (int64, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns an action repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

// ListParams filters and bounds action listings. Results are newest first.
type ListParams struct {
	Status     *enums.ActionStatus
	IncidentID *uuid.UUID
	Limit      int
}

// Stats aggregates action counts and execution timing over a window.
type Stats struct {
	Total              int64                        `json:"total"`
	ByStatus           map[enums.ActionStatus]int64 `json:"by_status"`
	AvgDurationSeconds *float64                     `json:"avg_duration_seconds,omitempty"`
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Insert(ctx context.Context, action *models.ActionExecution) error {
	return r.db.WithContext(ctx).Create(action).Error
}

func (r *repositoryImpl) GetByID(ctx context.Context, id uuid.UUID) (*models.ActionExecution, error) {
	var action models.ActionExecution
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&action).Error; err != nil {
		return nil, err
	}
	return &action, nil
}

func (r *repositoryImpl) List(ctx context.Context, params ListParams) ([]models.ActionExecution, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query := r.db.WithContext(ctx).Model(&models.ActionExecution{})
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.IncidentID != nil {
		query = query.Where("incident_id = ?", *params.IncidentID)
	}

	var actions []models.ActionExecution
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&actions).Error; err != nil {
		return nil, err
	}
	return actions, nil
}

// ListPending returns the oldest pending actions first so the executor
// drains them in request order.
func (r *repositoryImpl) ListPending(ctx context.Context, limit int) ([]models.ActionExecution, error) {
	if limit <= 0 {
		limit = 10
	}
	var actions []models.ActionExecution
	err := r.db.WithContext(ctx).
		Where("status = ?", enums.ActionPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&actions).Error
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// ReserveSlot flips a pending action to running, but only while fewer
// than limit actions are running. The count subquery and the flip land
// in one statement, and on Postgres a transaction-scoped advisory lock
// serializes reservations: under READ COMMITTED two workers could
// otherwise read the same running count before either commit lands and
// both take the last slot.
func (r *repositoryImpl) ReserveSlot(ctx context.Context, id uuid.UUID, limit int, risk enums.RiskLevel, now time.Time) (bool, error) {
	reserved := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext('action_execution_slots'))`).Error; err != nil {
				return err
			}
		}
		result := tx.Exec(`
UPDATE action_executions
SET status = ?, risk_level = ?, started_at = ?, updated_at = ?
WHERE id = ?
  AND status = ?
  AND (SELECT COUNT(*) FROM action_executions WHERE status = ?) < ?`,
			enums.ActionRunning, risk, now, now,
			id, enums.ActionPending,
			enums.ActionRunning, limit,
		)
		if result.Error != nil {
			return result.Error
		}
		reserved = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

// Reject closes a pending action without ever running it.
func (r *repositoryImpl) Reject(ctx context.Context, id uuid.UUID, risk enums.RiskLevel, reason string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ActionExecution{}).
		Where("id = ? AND status = ?", id, enums.ActionPending).
		Updates(map[string]any{
			"status":           enums.ActionRejected,
			"risk_level":       risk,
			"rejection_reason": reason,
			"finished_at":      now,
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) MarkCompleted(ctx context.Context, id uuid.UUID, result string, now time.Time) (bool, error) {
	update := r.db.WithContext(ctx).
		Model(&models.ActionExecution{}).
		Where("id = ? AND status = ?", id, enums.ActionRunning).
		Updates(map[string]any{
			"status":      enums.ActionCompleted,
			"result":      result,
			"finished_at": now,
			"updated_at":  now,
		})
	if update.Error != nil {
		return false, update.Error
	}
	return update.RowsAffected > 0, nil
}

func (r *repositoryImpl) MarkFailed(ctx context.Context, id uuid.UUID, message string, now time.Time) (bool, error) {
	update := r.db.WithContext(ctx).
		Model(&models.ActionExecution{}).
		Where("id = ? AND status = ?", id, enums.ActionRunning).
		Updates(map[string]any{
			"status":        enums.ActionFailed,
			"error_message": message,
			"finished_at":   now,
			"updated_at":    now,
		})
	if update.Error != nil {
		return false, update.Error
	}
	return update.RowsAffected > 0, nil
}

// FailStaleRunning fails running actions whose started_at fell behind
// the cutoff. A runner that crashed after ReserveSlot would otherwise
// hold its concurrency slot forever.
func (r *repositoryImpl) FailStaleRunning(ctx context.Context, maxAge time.Duration, message string) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-maxAge)
	res := r.db.WithContext(ctx).
		Model(&models.ActionExecution{}).
		Where("status = ? AND started_at < ?", enums.ActionRunning, cutoff).
		Updates(map[string]any{
			"status":        enums.ActionFailed,
			"error_message": message,
			"finished_at":   now,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

func (r *repositoryImpl) CountRunning(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ActionExecution{}).
		Where("status = ?", enums.ActionRunning).
		Count(&count).Error
	return count, err
}

type actionStatusCountRow struct {
	Status enums.ActionStatus
	Count  int64
}

func (r *repositoryImpl) Stats(ctx context.Context, since time.Time) (Stats, error) {
	stats := Stats{ByStatus: make(map[enums.ActionStatus]int64)}

	var rows []actionStatusCountRow
	if err := r.db.WithContext(ctx).
		Model(&models.ActionExecution{}).
		Select("status, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&rows).Error; err != nil {
		return Stats{}, err
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	// Average duration is computed in Go so the query stays portable
	// across Postgres and the SQLite used in tests.
	var finished []models.ActionExecution
	if err := r.db.WithContext(ctx).
		Select("started_at", "finished_at").
		Where("created_at >= ? AND started_at IS NOT NULL AND finished_at IS NOT NULL", since).
		Find(&finished).Error; err != nil {
		return Stats{}, err
	}
	if len(finished) > 0 {
		var total float64
		for _, action := range finished {
			if secs := action.DurationSeconds(); secs != nil {
				total += *secs
			}
		}
		avg := total / float64(len(finished))
		stats.AvgDurationSeconds = &avg
	}
	return stats, nil
}
