package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/opswatch/opswatch-backend/pkg/pubsub"
)

// PubSubSink publishes messages to Google Cloud Pub/Sub topics.
type PubSubSink struct {
	client *pubsub.Client

	mtx        sync.Mutex
	publishers map[string]*gcppubsub.Publisher
}

// NewPubSubSink wraps the shared Pub/Sub client as a Sink.
func NewPubSubSink(client *pubsub.Client) (*PubSubSink, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	return &PubSubSink{
		client:     client,
		publishers: make(map[string]*gcppubsub.Publisher),
	}, nil
}

// Publish sends the message and blocks until the server acknowledges it.
func (s *PubSubSink) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return errors.New("topic is required")
	}
	pub := s.publisherFor(msg.Topic)
	if pub == nil {
		return fmt.Errorf("publisher not configured for topic %s", msg.Topic)
	}

	attrs := map[string]string{
		"event_id":    msg.EventID,
		"routing_key": msg.RoutingKey,
	}
	for k, v := range msg.Attributes {
		attrs[k] = v
	}

	result := pub.Publish(ctx, &gcppubsub.Message{
		Data:       msg.Data,
		Attributes: attrs,
	})
	if result == nil {
		return fmt.Errorf("publish result is nil for topic %s", msg.Topic)
	}
	if _, err := result.Get(ctx); err != nil {
		return err
	}
	return nil
}

// Ping verifies the underlying Pub/Sub connectivity.
func (s *PubSubSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close stops the cached publishers and releases the client.
func (s *PubSubSink) Close() error {
	s.mtx.Lock()
	for _, pub := range s.publishers {
		pub.Stop()
	}
	s.publishers = make(map[string]*gcppubsub.Publisher)
	s.mtx.Unlock()
	return nil
}

func (s *PubSubSink) publisherFor(topic string) *gcppubsub.Publisher {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if pub, ok := s.publishers[topic]; ok {
		return pub
	}
	pub := s.client.Publisher(topic)
	if pub != nil {
		s.publishers[topic] = pub
	}
	return pub
}
