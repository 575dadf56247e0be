package incidents

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/pkg/db"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
	"github.com/opswatch/opswatch-backend/pkg/logger"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
	"github.com/opswatch/opswatch-backend/pkg/outbox/payloads"
)

// Service coordinates incident lifecycle transitions and queries.
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Incident, error)
	List(ctx context.Context, params ListParams) ([]models.Incident, error)
	MarkNotified(ctx context.Context, id uuid.UUID) error
	Acknowledge(ctx context.Context, id uuid.UUID, actor *string) (*models.Incident, error)
	Investigate(ctx context.Context, id uuid.UUID) (*models.Incident, error)
	Resolve(ctx context.Context, id uuid.UUID, res Resolution) (*models.Incident, error)
	ResolveTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, res Resolution) (*models.Incident, error)
	Stats(ctx context.Context, window time.Duration) (Stats, error)
}

// ServiceParams carries the dependencies for NewService.
type ServiceParams struct {
	Repo   Repository
	DB     *db.Client
	Outbox *outbox.Service
	Logger *logger.Logger
}

type service struct {
	repo   Repository
	db     *db.Client
	outbox *outbox.Service
	logg   *logger.Logger
}

// NewService wires an incident service from its dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "incident repository required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "database client required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "outbox service required")
	}
	return &service{
		repo:   params.Repo,
		db:     params.DB,
		outbox: params.Outbox,
		logg:   params.Logger,
	}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Incident, error) {
	incident, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load incident")
	}
	return incident, nil
}

func (s *service) List(ctx context.Context, params ListParams) ([]models.Incident, error) {
	if params.Status != nil && !params.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	if params.Severity != nil && !params.Severity.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid severity filter")
	}
	if params.Source != nil && !params.Source.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid source filter")
	}
	incidents, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list incidents")
	}
	return incidents, nil
}

// MarkNotified advances detected incidents after their detection event
// reached the bus. An incident that already moved past detected is left
// alone; only a missing incident is an error.
func (s *service) MarkNotified(ctx context.Context, id uuid.UUID) error {
	outcome, err := s.repo.MarkNotified(ctx, id, time.Now())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark incident notified")
	}
	if !outcome.Found {
		return pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
	}
	return nil
}

func (s *service) Acknowledge(ctx context.Context, id uuid.UUID, actor *string) (*models.Incident, error) {
	outcome, err := s.repo.Acknowledge(ctx, id, actor, time.Now())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acknowledge incident")
	}
	if !outcome.Found {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
	}
	if !outcome.Updated {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "incident already acknowledged or resolved")
	}
	return s.Get(ctx, id)
}

func (s *service) Investigate(ctx context.Context, id uuid.UUID) (*models.Incident, error) {
	outcome, err := s.repo.StartInvestigating(ctx, id, time.Now())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "start investigating incident")
	}
	if !outcome.Found {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
	}
	if !outcome.Updated {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "incident is not acknowledged")
	}
	return s.Get(ctx, id)
}

// Resolve closes the incident in its own transaction and queues the
// resolution event alongside the status change.
func (s *service) Resolve(ctx context.Context, id uuid.UUID, res Resolution) (*models.Incident, error) {
	var resolved *models.Incident
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		incident, txErr := s.ResolveTx(ctx, tx, id, res)
		if txErr != nil {
			return txErr
		}
		resolved = incident
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// ResolveTx performs the resolution inside the caller's transaction. The
// executor uses it so the action result and the incident close commit
// together.
func (s *service) ResolveTx(ctx context.Context, tx *gorm.DB, id uuid.UUID, res Resolution) (*models.Incident, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required")
	}
	if !res.Method.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid resolution method")
	}
	now := time.Now()
	repo := s.repo.WithTx(tx)
	outcome, err := repo.Resolve(ctx, id, res, now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve incident")
	}
	if !outcome.Found {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
	}
	if !outcome.Updated {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "incident already resolved")
	}

	incident, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload incident")
	}

	mttr := incident.MTTRMinutes()
	event := payloads.IncidentResolvedEvent{
		IncidentID:       incident.ID,
		ResolutionMethod: res.Method,
		JobName:          incident.JobName,
		DetectedAt:       incident.CreatedAt,
		ResolvedBy:       incident.ResolvedBy,
		ResolvedAt:       now,
	}
	if mttr != nil {
		event.MTTRMinutes = *mttr
	}
	domainEvent := outbox.DomainEvent{
		EventType:     enums.EventIncidentResolved,
		AggregateType: enums.AggregateIncident,
		AggregateID:   incident.ID,
		Data:          event,
		Version:       1,
	}
	if err := s.outbox.Emit(ctx, tx, domainEvent); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue resolution event")
	}

	if s.logg != nil {
		logCtx := s.logg.WithIncidentID(ctx, incident.ID.String())
		s.logg.Info(logCtx, "incident resolved")
	}
	return incident, nil
}

func (s *service) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	stats, err := s.repo.Stats(ctx, time.Now().Add(-window))
	if err != nil {
		return Stats{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "incident stats")
	}
	return stats, nil
}
