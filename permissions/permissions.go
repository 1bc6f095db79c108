// Package permissions caches and serves field-level access decisions for the
// collaborative-editing core. Policy evaluation itself is delegated to an
// Evaluator supplied by the host application; this package adds the LRU cache,
// the event-driven invalidation, and the fail-closed verify flow in front of
// it.
package permissions

import (
	"context"
	"slices"
	"time"

	"github.com/collabkit/collab-server-go/identity"
)

// Action is an access-control verb.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	// Fields an identity may touch. The single element "*" grants all fields.
	Fields []string

	// Dependencies tags records that, when mutated, invalidate this decision.
	// A bare "collection" tag matches any event on that collection; a
	// "collection:key" tag matches events naming that key.
	Dependencies []string

	// Boundaries are future instants at which time-conditioned policy rules
	// flip, bounding how long the decision may be cached.
	Boundaries []time.Time
}

// Evaluator computes access decisions. Implementations are expected to be
// safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, id identity.Identity, collection, item string, action Action) (Decision, error)
}

// IsFieldAllowed reports whether fields grants access to field, honoring the
// "*" wildcard.
func IsFieldAllowed(fields []string, field string) bool {
	for _, f := range fields {
		if f == "*" || f == field {
			return true
		}
	}
	return false
}

// IntersectFields returns the fields present in both sets, honoring the "*"
// wildcard on either side.
func IntersectFields(read, update []string) []string {
	if slices.Contains(read, "*") {
		return slices.Clone(update)
	}
	if slices.Contains(update, "*") {
		return slices.Clone(read)
	}
	var out []string
	for _, f := range read {
		if slices.Contains(update, f) && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}
