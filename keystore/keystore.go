// Package keystore defines the shared keyed store the collaborative-editing
// core replicates session state through. Each session id owns an isolated set
// of named fields; all reads and writes for one id happen inside an atomic
// transaction so concurrent mutators never interleave a read-modify-write.
package keystore

import (
	"context"
	"errors"
)

// ErrConflict is returned by Update when the store's optimistic transaction
// could not be committed after retries. Callers must treat the mutation as
// not-applied.
var ErrConflict = errors.New("keystore: transaction conflict")

// Tx provides field-level access inside one transaction. Values are
// JSON-serialized; Get unmarshals into dest and reports whether the field was
// present.
type Tx interface {
	Has(field string) (bool, error)
	Get(field string, dest any) (bool, error)
	Set(field string, value any) error
	Delete(field string) error
}

// Store is the process-external key/value store keyed by session id.
type Store interface {
	// Update runs fn inside a read-modify-write transaction scoped to id.
	// Transactions for the same id are serialized: two concurrent Updates for
	// one id never observe each other's intermediate state. The transaction's
	// writes are applied only if fn returns nil.
	Update(ctx context.Context, id string, fn func(tx Tx) error) error

	// Close releases the backend connection.
	Close() error
}
