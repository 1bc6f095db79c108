// Package items declares the data-access contract the collaborative-editing
// core consumes to fetch just-persisted records during save reconciliation.
// The query layer behind it is external.
package items

import "context"

// Reader reads single records as generic field maps.
type Reader interface {
	// ReadOne fetches one item of a collection by primary key.
	ReadOne(ctx context.Context, collection string, key string) (map[string]any, error)

	// ReadSingleton fetches the single row of a singleton collection.
	ReadSingleton(ctx context.Context, collection string) (map[string]any, error)
}
