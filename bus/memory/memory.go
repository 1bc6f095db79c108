// Package memory provides an in-process implementation of bus.Bus. Handlers
// run synchronously on the publisher's goroutine, which keeps single-node
// deployments and tests deterministic. Not suitable for multi-node use.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/collabkit/collab-server-go/bus"
)

// Bus implements bus.Bus with per-topic subscriber sets.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	handler bus.Handler
}

func New() *Bus {
	return &Bus{topics: make(map[string]map[*subscriber]struct{})}
}

// Publish implements bus.Bus. Handlers are invoked inline, in registration
// order snapshot, without holding the bus lock.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	subs := make([]*subscriber, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		data := make([]byte, len(payload))
		copy(data, payload)
		sub.handler(ctx, data)
	}

	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, h bus.Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &subscriber{handler: h}
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.topics[topic]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.topics, topic)
				}
			}
		})
	}

	return unsubscribe, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.topics = make(map[string]map[*subscriber]struct{})
	b.mu.Unlock()
	return nil
}

var _ bus.Bus = (*Bus)(nil)
