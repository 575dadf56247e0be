package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	"github.com/opswatch/opswatch-backend/pkg/logger"
	"github.com/opswatch/opswatch-backend/pkg/outbox"
	"github.com/opswatch/opswatch-backend/pkg/outbox/idempotency"
	"github.com/opswatch/opswatch-backend/pkg/outbox/payloads"
)

const actionRunnerConsumer = "action-runner"

// ErrNoSlot signals that every execution slot is taken. The message is
// redelivered so the action is re-evaluated once a slot frees up.
var ErrNoSlot = errors.New("no execution slot available")

// Executor runs one claimed action through guard, remote call, and
// terminal bookkeeping.
type Executor interface {
	Execute(ctx context.Context, action *models.ActionExecution) error
}

type repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ActionExecution, error)
}

// Consumer watches the actions subscription and hands requested
// remediations to the executor.
type Consumer struct {
	repo         repository
	executor     Executor
	subscription *pubsub.Subscriber
	idempotency  *idempotency.Manager
	logg         *logger.Logger
}

// NewConsumer builds an action request consumer.
func NewConsumer(repo repository, executor Executor, subscription *pubsub.Subscriber, manager *idempotency.Manager, logg *logger.Logger) (*Consumer, error) {
	if repo == nil {
		return nil, fmt.Errorf("action repository required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("actions subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		repo:         repo,
		executor:     executor,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": eventType,
	})

	if eventType != string(enums.EventActionRequested) {
		c.logg.Info(logCtx, "skipping non-action event")
		return processResult{ack: true}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{ack: true}
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "invalid event id", err)
		return processResult{ack: true}
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, actionRunnerConsumer, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	var payload payloads.ActionRequestedEvent
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		c.logg.Error(logCtx, "failed to parse payload", err)
		_ = c.idempotency.Delete(ctx, actionRunnerConsumer, eventID)
		return processResult{nack: true}
	}

	logCtx = c.logg.WithActionID(logCtx, payload.ActionID.String())

	action, err := c.repo.GetByID(ctx, payload.ActionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Poison message: the action row never existed and a
			// redelivery cannot change that.
			c.logg.Warn(logCtx, "action not found, dropping message")
			return processResult{ack: true}
		}
		c.logg.Error(logCtx, "failed to load action", err)
		_ = c.idempotency.Delete(ctx, actionRunnerConsumer, eventID)
		return processResult{nack: true}
	}

	if action.Status.IsTerminal() {
		c.logg.Info(logCtx, "action already finished")
		return processResult{ack: true}
	}

	if err := c.executor.Execute(ctx, action); err != nil {
		_ = c.idempotency.Delete(ctx, actionRunnerConsumer, eventID)
		if errors.Is(err, ErrNoSlot) {
			c.logg.Info(logCtx, "all execution slots busy, requeueing")
		} else {
			c.logg.Error(logCtx, "action execution failed", err)
		}
		return processResult{nack: true}
	}
	return processResult{ack: true}
}
