package sink

import (
	"context"

	"github.com/opswatch/opswatch-backend/pkg/logger"
)

// ConsoleSink logs events instead of publishing them. Used in dev when no
// Pub/Sub emulator is running.
type ConsoleSink struct {
	logg *logger.Logger
}

// NewConsoleSink builds a Sink that writes every message to the logger.
func NewConsoleSink(logg *logger.Logger) *ConsoleSink {
	return &ConsoleSink{logg: logg}
}

func (s *ConsoleSink) Publish(ctx context.Context, msg Message) error {
	if s.logg == nil {
		return nil
	}
	fields := map[string]any{
		"topic":       msg.Topic,
		"routing_key": msg.RoutingKey,
		"event_id":    msg.EventID,
		"bytes":       len(msg.Data),
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "event published to console sink")
	return nil
}

func (s *ConsoleSink) Ping(context.Context) error {
	return nil
}

func (s *ConsoleSink) Close() error {
	return nil
}
