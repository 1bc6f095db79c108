// Package permtest provides a canned permissions.Evaluator for tests.
package permtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/collabkit/collab-server-go/identity"
	"github.com/collabkit/collab-server-go/permissions"
)

// StaticEvaluator answers from a fixed rule table. Rules registered for a
// specific user take precedence over collection-wide rules; unmatched lookups
// yield an empty decision.
type StaticEvaluator struct {
	mu    sync.Mutex
	rules map[string]permissions.Decision
	err   error
	calls int
}

func NewStaticEvaluator() *StaticEvaluator {
	return &StaticEvaluator{rules: make(map[string]permissions.Decision)}
}

func ruleKey(user, collection string, action permissions.Action) string {
	return strings.Join([]string{user, collection, string(action)}, "\x1f")
}

// Allow registers a collection-wide decision for an action.
func (e *StaticEvaluator) Allow(collection string, action permissions.Action, d permissions.Decision) {
	e.mu.Lock()
	e.rules[ruleKey("", collection, action)] = d
	e.mu.Unlock()
}

// AllowFields registers a collection-wide decision granting just the fields.
func (e *StaticEvaluator) AllowFields(collection string, action permissions.Action, fields ...string) {
	e.Allow(collection, action, permissions.Decision{Fields: fields})
}

// AllowUser registers a decision for one user, overriding collection-wide
// rules.
func (e *StaticEvaluator) AllowUser(user, collection string, action permissions.Action, d permissions.Decision) {
	e.mu.Lock()
	e.rules[ruleKey(user, collection, action)] = d
	e.mu.Unlock()
}

// Fail makes every subsequent evaluation return err. Pass nil to recover.
func (e *StaticEvaluator) Fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// Calls returns how many evaluations were performed.
func (e *StaticEvaluator) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *StaticEvaluator) Evaluate(ctx context.Context, id identity.Identity, collection, item string, action permissions.Action) (permissions.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls++
	if e.err != nil {
		return permissions.Decision{}, e.err
	}
	if d, ok := e.rules[ruleKey(id.User, collection, action)]; ok {
		return d, nil
	}
	if d, ok := e.rules[ruleKey("", collection, action)]; ok {
		return d, nil
	}
	return permissions.Decision{}, nil
}

var _ permissions.Evaluator = (*StaticEvaluator)(nil)

// Verifier builds a small cache-backed verifier around eval, suitable for
// wiring into higher-level tests.
func Verifier(eval permissions.Evaluator) *permissions.Verifier {
	cache, err := permissions.NewCache(&permissions.CacheConfig{Capacity: 64})
	if err != nil {
		panic(err)
	}
	return permissions.NewVerifier(eval, cache, &permissions.VerifierConfig{TTLCeiling: time.Hour}, nil)
}
