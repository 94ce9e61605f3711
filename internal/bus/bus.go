// Package bus decouples ingestion from detection: ingest publishes accepted
// batches to the raw-event topic, the detection engine consumes them and
// publishes alerts. Two backends exist, Kafka and an embedded in-process bus
// for single-binary deployments.
package bus

import "context"

// Handler processes one message from a subscribed topic. A non-nil error
// marks the message failed; the bus logs it and moves on.
type Handler func(ctx context.Context, payload []byte) error

// Bus is a topic-based publish/subscribe transport.
type Bus interface {
	// Publish delivers the payload to the topic. Delivery to subscribers is
	// at-least-once and ordered per topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a standing handler for the topic. Messages are
	// dispatched sequentially per subscriber.
	Subscribe(topic string, handler Handler) error

	// Close stops subscribers and releases connections.
	Close() error
}
