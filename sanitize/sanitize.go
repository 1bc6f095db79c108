// Package sanitize filters change payloads down to what one identity is
// allowed to see. Payloads mirror the write API shape: plain leaves, nested
// relational objects, arrays of items or keys, and the detailed
// create/update/delete syntax for to-many edges. The walk is schema-driven so
// an unexpected payload shape can only ever drop data, never leak it.
package sanitize

import (
	"context"
	"fmt"
	"slices"

	"github.com/collabkit/collab-server-go/identity"
	"github.com/collabkit/collab-server-go/permissions"
	"github.com/collabkit/collab-server-go/schema"
)

// FieldResolver returns the fields id may touch on a record. An empty result
// means no access. permissions.(*Verifier).AllowedFields satisfies this.
type FieldResolver func(ctx context.Context, id identity.Identity, collection, item string, action permissions.Action) []string

// Options shapes one sanitization pass.
type Options struct {
	Identity identity.Identity
	Schema   *schema.Schema

	// Action the payload is filtered for. Defaults to read. For write actions
	// the effective action of each object is refined by primary-key presence:
	// keyed objects resolve as update, unkeyed ones as create.
	Action permissions.Action

	// Whitelist optionally narrows the top-level fields further than the
	// resolver grants; "*" leaves the grant unnarrowed. Fields unknown to the
	// schema survive only when listed here by exact name, never via "*".
	// Nil means no narrowing.
	Whitelist []string

	// ControlField names a payload key carried through untouched, bypassing
	// both schema and permission checks.
	ControlField string
}

// Payload filters payload for the identity in opts. The result is nil when
// nothing survives. Errors indicate an inconsistency between payload and
// schema, never a permission denial.
func Payload(ctx context.Context, resolve FieldResolver, collection string, payload map[string]any, opts Options) (map[string]any, error) {
	if payload == nil {
		return nil, nil
	}
	action := opts.Action
	if action == "" {
		action = permissions.ActionRead
	}
	w := &walker{
		resolve: resolve,
		schema:  opts.Schema,
		id:      opts.Identity,
		control: opts.ControlField,
	}
	out, err := w.object(ctx, collection, payload, action, opts.Whitelist)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

type walker struct {
	resolve FieldResolver
	schema  *schema.Schema
	id      identity.Identity
	control string
}

func (w *walker) object(ctx context.Context, collection string, obj map[string]any, action permissions.Action, whitelist []string) (map[string]any, error) {
	coll, ok := w.schema.CollectionByName(collection)
	if !ok {
		return nil, fmt.Errorf("payload references unknown collection %q", collection)
	}

	var item string
	if coll.Primary != "" {
		if pk, ok := obj[coll.Primary]; ok && pk != nil {
			item = fmt.Sprint(pk)
		}
	}

	effective := action
	if action != permissions.ActionRead {
		if item != "" {
			effective = permissions.ActionUpdate
		} else {
			effective = permissions.ActionCreate
		}
	}

	allowed := w.resolve(ctx, w.id, collection, item, effective)
	if len(allowed) == 0 && effective == permissions.ActionUpdate {
		// A keyed object in a write context may still be creatable, e.g. a
		// client-generated key.
		allowed = w.resolve(ctx, w.id, collection, "", permissions.ActionCreate)
	}
	if whitelist != nil {
		allowed = permissions.IntersectFields(allowed, whitelist)
	}
	if len(allowed) == 0 {
		return nil, nil
	}

	out := make(map[string]any)
	for name, value := range obj {
		if name == w.control {
			out[name] = value
			continue
		}

		field, knownField := coll.Fields[name]
		rel, hasRel := w.schema.RelationAt(collection, name)
		if !knownField && !hasRel {
			// Fields the schema does not know survive only by explicit
			// whitelisting.
			if slices.Contains(whitelist, name) {
				out[name] = value
			}
			continue
		}
		if knownField && field.Concealed {
			continue
		}
		if name == coll.Primary {
			// Key of a record the identity has some access to.
			out[name] = value
			continue
		}
		if !permissions.IsFieldAllowed(allowed, name) {
			continue
		}
		if !hasRel || value == nil {
			out[name] = value
			continue
		}

		filtered, err := w.relation(ctx, obj, rel, value, action)
		if err != nil {
			return nil, err
		}
		if filtered != nil {
			out[name] = filtered
		}
	}

	// A polymorphic item that did not survive takes its discriminator with it;
	// one that did keeps the discriminator alongside, permissioned or not.
	for _, rel := range w.schema.Relations {
		if rel.Kind != schema.KindAnyToOne || rel.Collection != collection || rel.Discriminator == "" {
			continue
		}
		if _, inPayload := obj[rel.Field]; !inPayload {
			continue
		}
		if _, survived := out[rel.Field]; survived {
			out[rel.Discriminator] = obj[rel.Discriminator]
		} else {
			delete(out, rel.Discriminator)
		}
	}

	return out, nil
}

func (w *walker) relation(ctx context.Context, obj map[string]any, rel schema.Relation, value any, action permissions.Action) (any, error) {
	switch rel.Kind {
	case schema.KindToOne:
		return w.toOne(ctx, rel.Related, value, action)

	case schema.KindToMany:
		return w.toMany(ctx, rel.Related, value, action)

	case schema.KindToManyJunction:
		return w.toMany(ctx, rel.Junction, value, action)

	case schema.KindAnyToOne:
		disc, _ := obj[rel.Discriminator].(string)
		if disc == "" {
			return nil, nil
		}
		for _, allowed := range rel.AllowedCollections {
			if allowed == disc {
				return w.toOne(ctx, disc, value, action)
			}
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unhandled relation kind %s on %s.%s", rel.Kind, rel.Collection, rel.Field)
}

// toOne filters a single related value: a nested object is walked, anything
// else is a link by key that survives only with some read access to the
// target.
func (w *walker) toOne(ctx context.Context, target string, value any, action permissions.Action) (any, error) {
	if _, ok := w.schema.CollectionByName(target); !ok {
		return nil, fmt.Errorf("relation targets unknown collection %q", target)
	}
	if nested, ok := value.(map[string]any); ok {
		res, err := w.object(ctx, target, nested, action, nil)
		if err != nil {
			return nil, err
		}
		if len(res) == 0 {
			return nil, nil
		}
		return res, nil
	}
	if len(w.resolve(ctx, w.id, target, fmt.Sprint(value), permissions.ActionRead)) == 0 {
		return nil, nil
	}
	return value, nil
}

func (w *walker) toMany(ctx context.Context, target string, value any, action permissions.Action) (any, error) {
	switch v := value.(type) {
	case []any:
		out, err := w.manyItems(ctx, target, v, action)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil

	case map[string]any:
		return w.detailed(ctx, target, v, action)
	}
	return nil, nil
}

func (w *walker) manyItems(ctx context.Context, target string, items []any, action permissions.Action) ([]any, error) {
	var out []any
	for _, el := range items {
		filtered, err := w.toOne(ctx, target, el, action)
		if err != nil {
			return nil, err
		}
		if filtered != nil {
			out = append(out, filtered)
		}
	}
	return out, nil
}

// detailed handles the create/update/delete bucket syntax. Surviving buckets
// keep their keys even when empty; the relation as a whole is dropped only
// when every bucket filtered down to nothing. Delete buckets hold bare keys
// of records the client already references and pass through unchanged.
func (w *walker) detailed(ctx context.Context, target string, buckets map[string]any, action permissions.Action) (any, error) {
	out := make(map[string]any, len(buckets))
	empty := true
	for _, bucket := range []string{"create", "update", "delete"} {
		raw, ok := buckets[bucket]
		if !ok {
			continue
		}
		items, ok := raw.([]any)
		if !ok {
			out[bucket] = []any{}
			continue
		}
		if bucket == "delete" {
			out[bucket] = items
			if len(items) > 0 {
				empty = false
			}
			continue
		}
		filtered, err := w.manyItems(ctx, target, items, action)
		if err != nil {
			return nil, err
		}
		if filtered == nil {
			filtered = []any{}
		}
		out[bucket] = filtered
		if len(filtered) > 0 {
			empty = false
		}
	}
	if empty {
		return nil, nil
	}
	return out, nil
}
