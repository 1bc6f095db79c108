// Package bustest provides a reusable conformance suite for bus.Bus
// implementations.
package bustest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/collabkit/collab-server-go/bus"
)

// RunBusTests exercises the Bus contract against a fresh instance per subtest.
func RunBusTests(t *testing.T, factory func(t *testing.T) bus.Bus) {
	t.Helper()

	recv := func() (bus.Handler, func(timeout time.Duration) ([]byte, bool)) {
		ch := make(chan []byte, 16)
		handler := func(ctx context.Context, payload []byte) {
			ch <- payload
		}
		wait := func(timeout time.Duration) ([]byte, bool) {
			select {
			case p := <-ch:
				return p, true
			case <-time.After(timeout):
				return nil, false
			}
		}
		return handler, wait
	}

	t.Run("PublishReachesSubscriber", func(t *testing.T) {
		b := factory(t)
		defer b.Close()
		ctx := context.Background()
		topic := uuid.NewString()

		handler, wait := recv()
		unsub, err := b.Subscribe(ctx, topic, handler)
		if err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}
		defer unsub()

		if err := b.Publish(ctx, topic, []byte("hello")); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}

		payload, ok := wait(2 * time.Second)
		if !ok {
			t.Fatal("message not delivered")
		}
		if string(payload) != "hello" {
			t.Fatalf("payload = %q, want %q", payload, "hello")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		b := factory(t)
		defer b.Close()
		ctx := context.Background()

		handler, wait := recv()
		unsub, err := b.Subscribe(ctx, uuid.NewString(), handler)
		if err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}
		defer unsub()

		if err := b.Publish(ctx, uuid.NewString(), []byte("elsewhere")); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}

		if _, ok := wait(100 * time.Millisecond); ok {
			t.Fatal("received message published to a different topic")
		}
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		b := factory(t)
		defer b.Close()
		ctx := context.Background()
		topic := uuid.NewString()

		handler, wait := recv()
		unsub, err := b.Subscribe(ctx, topic, handler)
		if err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}

		unsub()
		unsub() // idempotent

		if err := b.Publish(ctx, topic, []byte("late")); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}

		if _, ok := wait(100 * time.Millisecond); ok {
			t.Fatal("received message after unsubscribe")
		}
	})

	t.Run("PublisherOrderPreserved", func(t *testing.T) {
		b := factory(t)
		defer b.Close()
		ctx := context.Background()
		topic := uuid.NewString()

		var mu sync.Mutex
		var got []string
		done := make(chan struct{})

		unsub, err := b.Subscribe(ctx, topic, func(ctx context.Context, payload []byte) {
			mu.Lock()
			got = append(got, string(payload))
			if len(got) == 3 {
				close(done)
			}
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Subscribe() failed: %v", err)
		}
		defer unsub()

		for _, msg := range []string{"a", "b", "c"} {
			if err := b.Publish(ctx, topic, []byte(msg)); err != nil {
				t.Fatalf("Publish(%s) failed: %v", msg, err)
			}
		}

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("not all messages delivered")
		}

		mu.Lock()
		defer mu.Unlock()
		for i, want := range []string{"a", "b", "c"} {
			if got[i] != want {
				t.Fatalf("order broken: got %v", got)
			}
		}
	})
}
