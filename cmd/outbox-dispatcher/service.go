package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	"github.com/opswatch/opswatch-backend/pkg/logger"
	"github.com/opswatch/opswatch-backend/pkg/metrics"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
	"github.com/opswatch/opswatch-backend/pkg/outbox/registry"
	"github.com/opswatch/opswatch-backend/pkg/sink"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 2 * time.Second
	defaultRetryBackoff   = 5 * time.Second
	defaultPublishTimeout = 15 * time.Second
	maxLoopBackoff        = 10 * time.Second
	maxRetryBackoff       = 5 * time.Minute
	jitterWindow          = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// Dispatcher lifecycle states. Transitions only move forward within a
// single Run and reset to stopped when the loop exits.
const (
	stateStopped int32 = iota
	stateStarting
	stateRunning
	stateStopping
)

type dbClient interface {
	Ping(context.Context) error
}

type outboxRepository interface {
	ClaimBatch(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkForRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, cause error) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// incidentNotifier advances incidents to notified once their detection
// event has been published. Optional; nil skips the transition.
type incidentNotifier interface {
	MarkNotified(ctx context.Context, id uuid.UUID) error
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         dbClient
	Repository outboxRepository
	Registry   registryResolver
	Sink       sink.Sink
	Notifier   incidentNotifier
	Metrics    *metrics.PipelineMetrics
}

type Service struct {
	cfg            *config.Config
	logg           *logger.Logger
	db             dbClient
	repo           outboxRepository
	registry       registryResolver
	sink           sink.Sink
	notifier       incidentNotifier
	metrics        *metrics.PipelineMetrics
	batchSize      int
	pollInterval   time.Duration
	retryBackoff   time.Duration
	publishTimeout time.Duration

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.Sink == nil {
		return nil, errors.New("event sink is required")
	}

	batch := params.Config.Outbox.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollInterval := params.Config.Outbox.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	retryBackoff := params.Config.Outbox.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	publishTimeout := params.Config.Eventing.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}

	return &Service{
		cfg:            params.Config,
		logg:           params.Logger,
		db:             params.DB,
		repo:           params.Repository,
		registry:       params.Registry,
		sink:           params.Sink,
		notifier:       params.Notifier,
		metrics:        params.Metrics,
		batchSize:      batch,
		pollInterval:   pollInterval,
		retryBackoff:   retryBackoff,
		publishTimeout: publishTimeout,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	return pingDependency(ctx, s.logg, "sink", s.sink.Ping)
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run polls the outbox until the context is canceled or Stop is
// called. Poll errors back off exponentially; a drained queue just
// waits one interval. A second Run while the loop is alive returns
// immediately without starting another loop.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.state.CompareAndSwap(stateStopped, stateStarting) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		s.state.Store(stateStopped)
	}()

	if err := s.ensureReadiness(runCtx); err != nil {
		return err
	}
	s.state.Store(stateRunning)

	ctx = runCtx
	backoff := s.pollInterval
	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox dispatcher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.ProcessOnce(ctx)
		if err != nil {
			s.logg.Error(ctx, "outbox dispatcher batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxLoopBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = s.pollInterval
		if processed > 0 {
			continue
		}
		if err := s.sleep(ctx, withJitter(s.pollInterval)); err != nil {
			return err
		}
	}
}

// Stop asks a running loop to exit. Safe to call at any time and from
// any goroutine; repeated calls are no-ops.
func (s *Service) Stop() {
	if !s.state.CompareAndSwap(stateRunning, stateStopping) {
		return
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

// ProcessOnce claims one batch and walks every claimed event to a new
// state: completed, scheduled for retry, or failed for good.
func (s *Service) ProcessOnce(ctx context.Context) (int, error) {
	events, err := s.repo.ClaimBatch(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	for _, event := range events {
		if err := s.dispatch(ctx, event); err != nil {
			return 0, err
		}
	}
	return len(events), nil
}

// dispatch moves one claimed event forward. Only bookkeeping errors
// are returned; publish failures are absorbed into retry state.
func (s *Service) dispatch(ctx context.Context, event models.OutboxEvent) error {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return s.handleTerminal(ctx, event, "", err)
	}

	fields := s.eventFields(event, resolved.Envelope, resolved.Descriptor.Topic)
	started := time.Now()
	if err := s.publishResolved(ctx, event, resolved); err != nil {
		if s.metrics != nil {
			s.metrics.IncEventFailed(string(event.EventType))
		}

		var nonRetry registry.NonRetryableError
		if errors.As(err, &nonRetry) {
			return s.handleTerminal(ctx, event, resolved.Descriptor.Topic, err)
		}

		nextRetry := event.RetryCount + 1
		fields["retry_count"] = nextRetry
		if nextRetry >= event.MaxRetries {
			fields["terminal_reason"] = "max_retries"
			terminalErr := fmt.Errorf("max publish retries reached: %w", err)
			return s.handleTerminal(ctx, event, resolved.Descriptor.Topic, terminalErr)
		}

		nextRetryAt := time.Now().Add(retryDelay(s.retryBackoff, event.RetryCount))
		fields["next_retry_at"] = nextRetryAt.Format(time.RFC3339)
		logCtx := s.logg.WithFields(ctx, fields)
		logCtx = s.logg.WithField(logCtx, "error", err.Error())
		s.logg.Warn(logCtx, "outbox publish failed, scheduling retry")
		if markErr := s.repo.MarkForRetry(ctx, event.ID, nextRetryAt, err); markErr != nil {
			return fmt.Errorf("mark retry %s: %w", event.ID, markErr)
		}
		return nil
	}

	if markErr := s.repo.MarkCompleted(ctx, event.ID); markErr != nil {
		return fmt.Errorf("mark completed %s: %w", event.ID, markErr)
	}
	s.markIncidentNotified(ctx, event)
	if s.metrics != nil {
		s.metrics.IncEventPublished(string(event.EventType))
		s.metrics.ObservePublishLatency(string(event.EventType), time.Since(started))
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event published")
	return nil
}

// markIncidentNotified flips the incident behind a published detection
// event to notified. The event already left the outbox, so a failed
// flip only logs; the next detection pass will not re-publish it.
func (s *Service) markIncidentNotified(ctx context.Context, event models.OutboxEvent) {
	if s.notifier == nil || event.EventType != enums.EventIncidentDetected {
		return
	}
	if err := s.notifier.MarkNotified(ctx, event.AggregateID); err != nil {
		logCtx := s.logg.WithField(ctx, "incident_id", event.AggregateID.String())
		s.logg.Error(logCtx, "failed to mark incident notified", err)
	}
}

func (s *Service) handleTerminal(ctx context.Context, event models.OutboxEvent, topic string, err error) error {
	fields := s.eventFields(event, outbox.PayloadEnvelope{}, topic)
	logCtx := s.logg.WithFields(ctx, fields)
	logCtx = s.logg.WithField(logCtx, "error", err.Error())
	s.logg.Warn(logCtx, "outbox event will not be retried")

	if markErr := s.repo.MarkFailed(ctx, event.ID, err); markErr != nil {
		return fmt.Errorf("mark failed %s: %w", event.ID, markErr)
	}
	return nil
}

func (s *Service) publishResolved(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	return s.sink.Publish(publishCtx, sink.Message{
		Topic:      resolved.Descriptor.Topic,
		RoutingKey: resolved.Descriptor.RoutingKey,
		EventID:    resolved.Envelope.EventID,
		Data:       event.Payload,
		Attributes: map[string]string{
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID.String(),
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	})
}

func (s *Service) eventFields(event models.OutboxEvent, envelope outbox.PayloadEnvelope, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"retry_count":    event.RetryCount,
	}
	if envelope.EventID != "" {
		fields["event_id"] = envelope.EventID
		fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryDelay doubles the base backoff per attempt, capped so a stuck
// event keeps retrying at a sane cadence.
func retryDelay(base time.Duration, retryCount int) time.Duration {
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
