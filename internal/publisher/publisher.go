// Package publisher sends call state mirrors to a message broker.
package publisher

import "context"

// Publisher defines the interface for publishing messages.
type Publisher interface {
	// Publish sends payload to topic. Retained messages are kept by the
	// broker and replayed to late subscribers.
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Close() error
}
