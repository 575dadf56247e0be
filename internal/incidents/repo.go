package incidents

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// Repository exposes persistence helpers for incidents.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, incident *models.Incident) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Incident, error)
	List(ctx context.Context, params ListParams) ([]models.Incident, error)
	MarkNotified(ctx context.Context, id uuid.UUID, now time.Time) (transitionResult, error)
	Acknowledge(ctx context.Context, id uuid.UUID, actor *string, now time.Time) (transitionResult, error)
	StartInvestigating(ctx context.Context, id uuid.UUID, now time.Time) (transitionResult, error)
	Resolve(ctx context.Context, id uuid.UUID, res Resolution, now time.Time) (transitionResult, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

// Resolution carries how and by whom an incident was closed.
type Resolution struct {
	Method enums.ResolutionMethod
	By     *string
	Notes  *string
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns an incidents repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

// ListParams filters and bounds incident listings. Results are newest first.
type ListParams struct {
	Status   *enums.IncidentStatus
	Severity *enums.Severity
	Source   *enums.LogSource
	Limit    int
}

type transitionResult struct {
	Updated bool
	Found   bool
}

// Stats aggregates incident counts and resolution timing over a window.
type Stats struct {
	Total          int64                    `json:"total"`
	ByStatus       map[enums.IncidentStatus]int64 `json:"by_status"`
	BySeverity     map[enums.Severity]int64 `json:"by_severity"`
	AvgMTTRMinutes *float64                 `json:"avg_mttr_minutes,omitempty"`
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Insert(ctx context.Context, incident *models.Incident) error {
	return r.db.WithContext(ctx).Create(incident).Error
}

func (r *repositoryImpl) GetByID(ctx context.Context, id uuid.UUID) (*models.Incident, error) {
	var incident models.Incident
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&incident).Error; err != nil {
		return nil, err
	}
	return &incident, nil
}

func (r *repositoryImpl) List(ctx context.Context, params ListParams) ([]models.Incident, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query := r.db.WithContext(ctx).Model(&models.Incident{})
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Severity != nil {
		query = query.Where("severity = ?", *params.Severity)
	}
	if params.Source != nil {
		query = query.Where("source = ?", *params.Source)
	}

	var incidents []models.Incident
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&incidents).Error; err != nil {
		return nil, err
	}
	return incidents, nil
}

// MarkNotified flips a freshly detected incident to notified once its
// detection event went out on the bus. The status guard in the WHERE
// clause keeps the transition monotone under concurrent callers.
func (r *repositoryImpl) MarkNotified(ctx context.Context, id uuid.UUID, now time.Time) (transitionResult, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Incident{}).
		Where("id = ? AND status = ?", id, enums.IncidentDetected).
		Updates(map[string]any{
			"status":      enums.IncidentNotified,
			"notified_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return transitionResult{}, result.Error
	}
	return r.transitionOutcome(ctx, id, result.RowsAffected)
}

// Acknowledge moves a detected or notified incident to acknowledged,
// recording who picked it up.
func (r *repositoryImpl) Acknowledge(ctx context.Context, id uuid.UUID, actor *string, now time.Time) (transitionResult, error) {
	updates := map[string]any{
		"status":          enums.IncidentAcknowledged,
		"acknowledged_at": now,
		"updated_at":      now,
	}
	if actor != nil {
		updates["acknowledged_by"] = *actor
	}
	result := r.db.WithContext(ctx).
		Model(&models.Incident{}).
		Where("id = ? AND status IN ?", id, []enums.IncidentStatus{enums.IncidentDetected, enums.IncidentNotified}).
		Updates(updates)
	if result.Error != nil {
		return transitionResult{}, result.Error
	}
	return r.transitionOutcome(ctx, id, result.RowsAffected)
}

// StartInvestigating moves an acknowledged incident to investigating.
func (r *repositoryImpl) StartInvestigating(ctx context.Context, id uuid.UUID, now time.Time) (transitionResult, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Incident{}).
		Where("id = ? AND status = ?", id, enums.IncidentAcknowledged).
		Updates(map[string]any{
			"status":     enums.IncidentInvestigating,
			"updated_at": now,
		})
	if result.Error != nil {
		return transitionResult{}, result.Error
	}
	return r.transitionOutcome(ctx, id, result.RowsAffected)
}

// Resolve closes an incident from any active status. Resolved is
// terminal; a second resolve reports Found without Updated.
func (r *repositoryImpl) Resolve(ctx context.Context, id uuid.UUID, res Resolution, now time.Time) (transitionResult, error) {
	updates := map[string]any{
		"status":            enums.IncidentResolved,
		"resolution_method": res.Method,
		"resolved_at":       now,
		"updated_at":        now,
	}
	if res.By != nil {
		updates["resolved_by"] = *res.By
	}
	if res.Notes != nil {
		updates["resolution_notes"] = *res.Notes
	}
	result := r.db.WithContext(ctx).
		Model(&models.Incident{}).
		Where("id = ? AND status IN ?", id, enums.ActiveIncidentStatuses()).
		Updates(updates)
	if result.Error != nil {
		return transitionResult{}, result.Error
	}
	return r.transitionOutcome(ctx, id, result.RowsAffected)
}

func (r *repositoryImpl) transitionOutcome(ctx context.Context, id uuid.UUID, affected int64) (transitionResult, error) {
	outcome := transitionResult{Updated: affected > 0}
	if affected > 0 {
		outcome.Found = true
		return outcome, nil
	}
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Incident{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return transitionResult{}, err
	}
	outcome.Found = count > 0
	return outcome, nil
}

type statusCountRow struct {
	Status enums.IncidentStatus
	Count  int64
}

type severityCountRow struct {
	Severity enums.Severity
	Count    int64
}

func (r *repositoryImpl) Stats(ctx context.Context, since time.Time) (Stats, error) {
	stats := Stats{
		ByStatus:   make(map[enums.IncidentStatus]int64),
		BySeverity: make(map[enums.Severity]int64),
	}

	var statusRows []statusCountRow
	if err := r.db.WithContext(ctx).
		Model(&models.Incident{}).
		Select("status, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("status").
		Scan(&statusRows).Error; err != nil {
		return Stats{}, err
	}
	for _, row := range statusRows {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	var severityRows []severityCountRow
	if err := r.db.WithContext(ctx).
		Model(&models.Incident{}).
		Select("severity, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("severity").
		Scan(&severityRows).Error; err != nil {
		return Stats{}, err
	}
	for _, row := range severityRows {
		stats.BySeverity[row.Severity] = row.Count
	}

	// Average MTTR is computed in Go so the query stays portable across
	// Postgres and the SQLite used in tests.
	var resolved []models.Incident
	if err := r.db.WithContext(ctx).
		Select("created_at", "resolved_at").
		Where("created_at >= ? AND resolved_at IS NOT NULL", since).
		Find(&resolved).Error; err != nil {
		return Stats{}, err
	}
	if len(resolved) > 0 {
		var totalMinutes float64
		for _, incident := range resolved {
			totalMinutes += incident.ResolvedAt.Sub(incident.CreatedAt).Minutes()
		}
		avg := totalMinutes / float64(len(resolved))
		stats.AvgMTTRMinutes = &avg
	}
	return stats, nil
}
