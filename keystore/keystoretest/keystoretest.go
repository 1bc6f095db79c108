// Package keystoretest provides a reusable conformance suite for
// keystore.Store implementations.
package keystoretest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/collabkit/collab-server-go/keystore"
)

// RunStoreTests exercises the Store contract against a fresh instance per
// subtest. Session ids are randomized so the suite can run against shared
// backends.
func RunStoreTests(t *testing.T, factory func(t *testing.T) keystore.Store) {
	t.Helper()

	t.Run("RoundTrip", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()
		id := uuid.NewString()

		err := s.Update(ctx, id, func(tx keystore.Tx) error {
			return tx.Set("collection", "articles")
		})
		if err != nil {
			t.Fatalf("Update() failed: %v", err)
		}

		var got string
		err = s.Update(ctx, id, func(tx keystore.Tx) error {
			ok, err := tx.Get("collection", &got)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("field missing")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("read transaction failed: %v", err)
		}
		if got != "articles" {
			t.Fatalf("Get() = %q, want %q", got, "articles")
		}
	})

	t.Run("HasAndDelete", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()
		id := uuid.NewString()

		err := s.Update(ctx, id, func(tx keystore.Tx) error {
			if err := tx.Set("changes", map[string]any{"title": "draft"}); err != nil {
				return err
			}
			ok, err := tx.Has("changes")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("Has() = false after Set")
			}
			if err := tx.Delete("changes"); err != nil {
				return err
			}
			ok, err = tx.Has("changes")
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("Has() = true after Delete")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
	})

	t.Run("IdIsolation", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		a := uuid.NewString()
		b := uuid.NewString()
		for _, id := range []string{a, b} {
			id := id
			err := s.Update(ctx, id, func(tx keystore.Tx) error {
				return tx.Set("owner", id)
			})
			if err != nil {
				t.Fatalf("Update(%s) failed: %v", id, err)
			}
		}

		var got string
		err := s.Update(ctx, a, func(tx keystore.Tx) error {
			_, err := tx.Get("owner", &got)
			return err
		})
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if got != a {
			t.Fatalf("session ids not isolated: got %q", got)
		}
	})

	t.Run("SerializedReadModifyWrite", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()
		id := uuid.NewString()

		const writers = 16
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Update(ctx, id, func(tx keystore.Tx) error {
					var n int
					if _, err := tx.Get("n", &n); err != nil {
						return err
					}
					return tx.Set("n", n+1)
				})
				if err != nil {
					t.Errorf("Update() failed: %v", err)
				}
			}()
		}
		wg.Wait()

		var n int
		err := s.Update(ctx, id, func(tx keystore.Tx) error {
			_, err := tx.Get("n", &n)
			return err
		})
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if n != writers {
			t.Fatalf("lost update: n = %d, want %d", n, writers)
		}
	})

	t.Run("FailedTransactionNotApplied", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()
		id := uuid.NewString()

		wantErr := fmt.Errorf("boom")
		err := s.Update(ctx, id, func(tx keystore.Tx) error {
			if err := tx.Set("x", 1); err != nil {
				return err
			}
			return wantErr
		})
		if err == nil {
			t.Fatal("Update() should propagate fn error")
		}

		err = s.Update(ctx, id, func(tx keystore.Tx) error {
			ok, err := tx.Has("x")
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("write from failed transaction leaked")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
	})
}
