// Package bus defines the cluster-wide publish/subscribe channel used for
// session-lifecycle signaling and permission-cache invalidation. Delivery is
// at-least-once and preserves publish order for a single publisher; handlers
// must tolerate duplicates.
package bus

import (
	"context"
)

// Handler receives one published payload. Handlers should return quickly;
// long-running work belongs in the handler's own goroutine.
type Handler func(ctx context.Context, payload []byte)

// Bus is the cluster-wide publish/subscribe channel.
type Bus interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers h for topic and returns an unsubscribe func. The
	// unsubscribe func is idempotent.
	Subscribe(ctx context.Context, topic string, h Handler) (func(), error)

	// Close tears down all subscriptions and the backend connection.
	Close() error
}
