package permissions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/collabkit/collab-server-go/identity"
)

type evalFunc func(ctx context.Context, id identity.Identity, collection, item string, action Action) (Decision, error)

func (f evalFunc) Evaluate(ctx context.Context, id identity.Identity, collection, item string, action Action) (Decision, error) {
	return f(ctx, id, collection, item, action)
}

func newTestVerifier(t *testing.T, eval Evaluator) *Verifier {
	t.Helper()
	return NewVerifier(eval, newTestCache(t, 16), &VerifierConfig{TTLCeiling: time.Hour}, nil)
}

func TestAllowedFieldsAdminBypass(t *testing.T) {
	calls := 0
	v := newTestVerifier(t, evalFunc(func(ctx context.Context, id identity.Identity, collection, item string, action Action) (Decision, error) {
		calls++
		return Decision{}, nil
	}))

	fields := v.AllowedFields(context.Background(), identity.Identity{User: "root", Admin: true}, "articles", "1", ActionUpdate)
	if len(fields) != 1 || fields[0] != "*" {
		t.Fatalf("expected wildcard for admin, got %v", fields)
	}
	if calls != 0 {
		t.Error("admin lookups must not reach the evaluator")
	}
}

func TestAllowedFieldsCachesDecision(t *testing.T) {
	calls := 0
	v := newTestVerifier(t, evalFunc(func(ctx context.Context, id identity.Identity, collection, item string, action Action) (Decision, error) {
		calls++
		return Decision{Fields: []string{"title"}}, nil
	}))
	id := identity.Identity{User: "u1"}

	for i := 0; i < 3; i++ {
		fields := v.AllowedFields(context.Background(), id, "articles", "1", ActionUpdate)
		if len(fields) != 1 || fields[0] != "title" {
			t.Fatalf("unexpected fields: %v", fields)
		}
	}
	if calls != 1 {
		t.Errorf("expected a single evaluation, got %d", calls)
	}
}

func TestAllowedFieldsFailsClosed(t *testing.T) {
	fail := true
	v := newTestVerifier(t, evalFunc(func(ctx context.Context, id identity.Identity, collection, item string, action Action) (Decision, error) {
		if fail {
			return Decision{}, errors.New("policy store unavailable")
		}
		return Decision{Fields: []string{"title"}}, nil
	}))
	id := identity.Identity{User: "u1"}

	if fields := v.AllowedFields(context.Background(), id, "articles", "1", ActionUpdate); fields != nil {
		t.Fatalf("expected denial on evaluator error, got %v", fields)
	}

	// Errors are not cached; a recovered evaluator is consulted again.
	fail = false
	fields := v.AllowedFields(context.Background(), id, "articles", "1", ActionUpdate)
	if len(fields) != 1 || fields[0] != "title" {
		t.Fatalf("expected recovery after evaluator error, got %v", fields)
	}
}

func TestAllowedFieldsSkipsCachingOnStaleGeneration(t *testing.T) {
	var v *Verifier
	v = newTestVerifier(t, evalFunc(func(ctx context.Context, id identity.Identity, collection, item string, action Action) (Decision, error) {
		// An invalidation lands while the evaluation is in flight.
		v.cache.Invalidate(Event{Collection: "articles", Action: "update"})
		return Decision{Fields: []string{"title"}}, nil
	}))
	id := identity.Identity{User: "u1"}

	fields := v.AllowedFields(context.Background(), id, "articles", "1", ActionUpdate)
	if len(fields) != 1 || fields[0] != "title" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := v.cache.Get(id, "articles", "1", ActionUpdate); ok {
		t.Error("decision evaluated across an invalidation must not be cached")
	}
}

func TestTTLFromBoundaries(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, evalFunc(func(ctx context.Context, id identity.Identity, collection, item string, action Action) (Decision, error) {
		return Decision{}, nil
	}))
	v.now = func() time.Time { return now }

	cases := []struct {
		name       string
		boundaries []time.Time
		want       time.Duration
	}{
		{"none", nil, 0},
		{"past only", []time.Time{now.Add(-time.Minute)}, 0},
		{"nearest wins", []time.Time{now.Add(30 * time.Minute), now.Add(10 * time.Minute)}, 10 * time.Minute},
		{"past ignored", []time.Time{now.Add(-time.Hour), now.Add(5 * time.Minute)}, 5 * time.Minute},
		{"capped at ceiling", []time.Time{now.Add(48 * time.Hour)}, time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := v.ttlFor(tc.boundaries); got != tc.want {
				t.Errorf("ttlFor(%v) = %v, want %v", tc.boundaries, got, tc.want)
			}
		})
	}
}

func TestBoundaryTTLExpiresCacheEntry(t *testing.T) {
	now := time.Now()
	calls := 0
	v := newTestVerifier(t, evalFunc(func(ctx context.Context, id identity.Identity, collection, item string, action Action) (Decision, error) {
		calls++
		return Decision{Fields: []string{"title"}, Boundaries: []time.Time{now.Add(10 * time.Minute)}}, nil
	}))
	v.now = func() time.Time { return now }
	v.cache.now = func() time.Time { return now }
	id := identity.Identity{User: "u1"}

	v.AllowedFields(context.Background(), id, "articles", "1", ActionUpdate)
	v.AllowedFields(context.Background(), id, "articles", "1", ActionUpdate)
	if calls != 1 {
		t.Fatalf("expected cached decision before the boundary, got %d calls", calls)
	}

	now = now.Add(11 * time.Minute)
	v.AllowedFields(context.Background(), id, "articles", "1", ActionUpdate)
	if calls != 2 {
		t.Errorf("expected re-evaluation after the boundary, got %d calls", calls)
	}
}
