// Package memory provides an in-process implementation of keystore.Store.
// Suitable for single-node deployments and tests; state is not shared across
// instances.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/collabkit/collab-server-go/keystore"
)

// Store implements keystore.Store with one mutex per session id.
type Store struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	data  map[string]map[string][]byte
}

func New() *Store {
	return &Store{
		locks: make(map[string]*sync.Mutex),
		data:  make(map[string]map[string][]byte),
	}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Update implements keystore.Store. The per-id mutex serializes transactions;
// writes are buffered and applied only when fn succeeds.
func (s *Store) Update(ctx context.Context, id string, fn func(tx keystore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	base := s.data[id]
	snapshot := make(map[string][]byte, len(base))
	for k, v := range base {
		snapshot[k] = v
	}
	s.mu.Unlock()

	tx := &tx{fields: snapshot}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	if len(tx.fields) == 0 {
		// The mutex stays: waiters may already be queued on it, and handing a
		// later caller a fresh one would let two transactions for the same id
		// run concurrently. The lock map is bounded by the set of ids ever
		// touched, which the callers bound by active sessions.
		delete(s.data, id)
	} else {
		s.data[id] = tx.fields
	}
	s.mu.Unlock()

	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.data = make(map[string]map[string][]byte)
	s.mu.Unlock()
	return nil
}

type tx struct {
	fields map[string][]byte
}

func (t *tx) Has(field string) (bool, error) {
	_, ok := t.fields[field]
	return ok, nil
}

func (t *tx) Get(field string, dest any) (bool, error) {
	raw, ok := t.fields[field]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (t *tx) Set(field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	t.fields[field] = raw
	return nil
}

func (t *tx) Delete(field string) error {
	delete(t.fields, field)
	return nil
}

var (
	_ keystore.Store = (*Store)(nil)
	_ keystore.Tx    = (*tx)(nil)
)
