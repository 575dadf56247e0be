package sink

import "context"

// Message is one event bound for the bus. RoutingKey travels as an
// attribute so consumers can filter without decoding the body.
type Message struct {
	Topic      string
	RoutingKey string
	EventID    string
	Data       []byte
	Attributes map[string]string
}

// Sink delivers events to the configured bus. Implementations must be
// safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, msg Message) error
	Ping(ctx context.Context) error
	Close() error
}
