// Package schema holds the in-memory schema graph consumed by the
// collaborative-editing core. The graph is produced by an external
// introspection service and is read-only here: collections, their fields, and
// the relation edges between them.
package schema

import (
	"fmt"
)

// RelationKind is a closed enumeration of the relation shapes the core
// understands. Consumers must match it exhaustively so that an unhandled kind
// fails visibly instead of being skipped.
type RelationKind uint8

const (
	// KindToOne is a many-to-one edge: a field on the owning collection holds
	// the primary key of (or a nested object for) one related item.
	KindToOne RelationKind = iota
	// KindToMany is a one-to-many edge: the related collection holds a foreign
	// key back to the owning collection.
	KindToMany
	// KindToManyJunction is a many-to-many edge routed through a junction
	// collection.
	KindToManyJunction
	// KindAnyToOne is a polymorphic edge whose target collection varies per
	// row, named by a discriminator field on the enclosing object.
	KindAnyToOne
)

var kindNames = map[RelationKind]string{
	KindToOne:          "to-one",
	KindToMany:         "to-many",
	KindToManyJunction: "to-many-junction",
	KindAnyToOne:       "any-to-one",
}

func (k RelationKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("relation-kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler so relation kinds survive the
// JSON snapshot format used by schema providers.
func (k RelationKind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown relation kind %d", uint8(k))
	}
	return []byte(name), nil
}

func (k *RelationKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown relation kind %q", string(text))
}

// Field describes one column-backed or virtual field of a collection.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`

	// Concealed marks hash-classified fields whose values must never be echoed
	// back to a client, regardless of permissions.
	Concealed bool `json:"concealed,omitempty"`
}

// Collection describes one collection of the schema graph.
type Collection struct {
	Name      string           `json:"name"`
	Primary   string           `json:"primary"`
	Singleton bool             `json:"singleton,omitempty"`
	Fields    map[string]Field `json:"fields"`
}

// Relation is one edge of the schema graph, attached to a field of the owning
// collection. Which members are populated depends on Kind.
type Relation struct {
	Kind       RelationKind `json:"kind"`
	Collection string       `json:"collection"`
	Field      string       `json:"field"`

	// Related is the target collection. Empty for KindAnyToOne.
	Related string `json:"related,omitempty"`

	// ForeignKey is the field on the related collection holding the key back
	// to the owning collection (KindToMany).
	ForeignKey string `json:"foreign_key,omitempty"`

	// Junction members (KindToManyJunction): the junction collection and the
	// field on it that points at the far side.
	Junction      string `json:"junction,omitempty"`
	JunctionField string `json:"junction_field,omitempty"`

	// Polymorphic members (KindAnyToOne): the collections a row may target and
	// the sibling field naming the target per row.
	AllowedCollections []string `json:"allowed_collections,omitempty"`
	Discriminator      string   `json:"discriminator,omitempty"`

	// SortField optionally orders many-valued entries.
	SortField string `json:"sort_field,omitempty"`
}

// Schema is one immutable snapshot of the graph. Callers must treat it as
// read-only; a provider swaps in a fresh snapshot wholesale on change.
type Schema struct {
	Collections map[string]Collection `json:"collections"`
	Relations   []Relation            `json:"relations"`
}

// CollectionByName returns the named collection, reporting whether it exists.
func (s *Schema) CollectionByName(name string) (Collection, bool) {
	col, ok := s.Collections[name]
	return col, ok
}

// RelationAt returns the relation edge attached to a field of a collection, if
// any.
func (s *Schema) RelationAt(collection, field string) (Relation, bool) {
	for _, rel := range s.Relations {
		if rel.Collection == collection && rel.Field == field {
			return rel, true
		}
	}
	return Relation{}, false
}

// Provider yields the current schema snapshot. Implementations must return a
// snapshot that is safe to read without further synchronization.
type Provider interface {
	Snapshot() *Schema
}

// Static wraps a fixed schema in a Provider. Used by tests and by callers that
// fetch the graph once up front.
type Static struct{ Schema *Schema }

func (s Static) Snapshot() *Schema { return s.Schema }

var _ Provider = Static{}
