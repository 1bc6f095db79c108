// Package schematest provides a small fluent builder for assembling schema
// snapshots in tests without hand-writing every relation edge.
package schematest

import (
	"github.com/collabkit/collab-server-go/schema"
)

// Builder accumulates collections and relations and produces a *schema.Schema.
type Builder struct {
	collections map[string]schema.Collection
	relations   []schema.Relation
}

func New() *Builder {
	return &Builder{collections: make(map[string]schema.Collection)}
}

// CollectionBuilder configures one collection.
type CollectionBuilder struct {
	b   *Builder
	col schema.Collection
}

// Collection declares a collection and configures it through fn.
func (b *Builder) Collection(name string, fn func(c *CollectionBuilder)) *Builder {
	cb := &CollectionBuilder{
		b: b,
		col: schema.Collection{
			Name:    name,
			Primary: "id",
			Fields:  make(map[string]schema.Field),
		},
	}
	cb.Field("id", "integer")
	fn(cb)
	b.collections[name] = cb.col
	return b
}

// Singleton marks the collection as a single-row collection.
func (c *CollectionBuilder) Singleton() *CollectionBuilder {
	c.col.Singleton = true
	return c
}

// Primary overrides the primary key field name.
func (c *CollectionBuilder) Primary(name string) *CollectionBuilder {
	delete(c.col.Fields, c.col.Primary)
	c.col.Primary = name
	c.Field(name, "integer")
	return c
}

// Field adds a plain field.
func (c *CollectionBuilder) Field(name, typ string) *CollectionBuilder {
	c.col.Fields[name] = schema.Field{Name: name, Type: typ}
	return c
}

// Hash adds a concealed (hash-classified) field.
func (c *CollectionBuilder) Hash(name string) *CollectionBuilder {
	c.col.Fields[name] = schema.Field{Name: name, Type: "hash", Concealed: true}
	return c
}

// ManyToOne adds a to-one edge to the related collection.
func (c *CollectionBuilder) ManyToOne(field, related string) *CollectionBuilder {
	c.Field(field, "integer")
	c.b.relations = append(c.b.relations, schema.Relation{
		Kind:       schema.KindToOne,
		Collection: c.col.Name,
		Field:      field,
		Related:    related,
	})
	return c
}

// OneToMany adds a to-many edge; foreignKey is the field on the related
// collection holding the key back to this one.
func (c *CollectionBuilder) OneToMany(field, related, foreignKey string) *CollectionBuilder {
	c.Field(field, "alias")
	c.b.relations = append(c.b.relations, schema.Relation{
		Kind:       schema.KindToMany,
		Collection: c.col.Name,
		Field:      field,
		Related:    related,
		ForeignKey: foreignKey,
	})
	return c
}

// ManyToMany adds a junction-routed edge and declares the junction collection
// with the conventional <owner>_id / <related>_id key pair plus a to-one edge
// from the junction to the far side.
func (c *CollectionBuilder) ManyToMany(field, related, junction string) *CollectionBuilder {
	owner := c.col.Name
	junctionField := related + "_id"

	c.Field(field, "alias")

	c.b.relations = append(c.b.relations, schema.Relation{
		Kind:          schema.KindToManyJunction,
		Collection:    owner,
		Field:         field,
		Related:       related,
		Junction:      junction,
		JunctionField: junctionField,
	})

	if _, exists := c.b.collections[junction]; !exists {
		c.b.collections[junction] = schema.Collection{
			Name:    junction,
			Primary: "id",
			Fields: map[string]schema.Field{
				"id":          {Name: "id", Type: "integer"},
				owner + "_id": {Name: owner + "_id", Type: "integer"},
				junctionField: {Name: junctionField, Type: "integer"},
			},
		}
	}

	c.b.relations = append(c.b.relations, schema.Relation{
		Kind:       schema.KindToOne,
		Collection: junction,
		Field:      junctionField,
		Related:    related,
	})

	return c
}

// AnyToMany adds a polymorphic edge routed through a junction whose rows name
// their target collection in a discriminator field.
func (c *CollectionBuilder) AnyToMany(field string, allowed []string, junction string) *CollectionBuilder {
	owner := c.col.Name

	c.Field(field, "alias")

	c.b.relations = append(c.b.relations, schema.Relation{
		Kind:          schema.KindToManyJunction,
		Collection:    owner,
		Field:         field,
		Junction:      junction,
		JunctionField: "item",
	})

	if _, exists := c.b.collections[junction]; !exists {
		c.b.collections[junction] = schema.Collection{
			Name:    junction,
			Primary: "id",
			Fields: map[string]schema.Field{
				"id":          {Name: "id", Type: "integer"},
				owner + "_id": {Name: owner + "_id", Type: "integer"},
				"collection":  {Name: "collection", Type: "string"},
				"item":        {Name: "item", Type: "string"},
			},
		}
	}

	c.b.relations = append(c.b.relations, schema.Relation{
		Kind:               schema.KindAnyToOne,
		Collection:         junction,
		Field:              "item",
		AllowedCollections: allowed,
		Discriminator:      "collection",
	})

	return c
}

// Build assembles the snapshot.
func (b *Builder) Build() *schema.Schema {
	return &schema.Schema{Collections: b.collections, Relations: b.relations}
}

// Provider builds the snapshot and wraps it in a schema.Provider.
func (b *Builder) Provider() schema.Provider {
	return schema.Static{Schema: b.Build()}
}
