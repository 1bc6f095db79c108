package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"slices"
	"strings"

	"github.com/collabkit/collab-server-go/identity"
	"github.com/collabkit/collab-server-go/internal/logctx"
	"github.com/collabkit/collab-server-go/items"
	"github.com/collabkit/collab-server-go/keystore"
	"github.com/collabkit/collab-server-go/permissions"
	"github.com/collabkit/collab-server-go/sanitize"
	"github.com/collabkit/collab-server-go/schema"
)

// deps bundles the collaborators shared by every room of a registry.
type deps struct {
	store     keystore.Store
	messenger *Messenger
	verifier  *permissions.Verifier
	schema    schema.Provider
	reader    items.Reader
	log       *slog.Logger

	versionsCollection string
	deltaField         string
}

// Room is the shared editing context for one record, or one draft version of
// it. All mutable state (participants, pending changes, focus map) lives in
// the shared store under the room id; every mutation runs inside the store's
// per-id transaction so instances never interleave read-modify-write cycles.
type Room struct {
	ID         string
	Collection string

	// Item is the record's primary key, empty for singleton collections.
	Item string

	// Version is the alternate-draft id, empty when editing the main record.
	Version string

	initialChanges map[string]any
	deps
}

func newRoom(id, collection, item, version string, initialChanges map[string]any, d deps) *Room {
	return &Room{
		ID:             id,
		Collection:     collection,
		Item:           item,
		Version:        version,
		initialChanges: initialChanges,
		deps:           d,
	}
}

// EnsureInitialized persists the room's foundational state into the shared
// store. Idempotent: a room that already exists is left untouched, so
// restarts and concurrent instances converge on the same record.
func (r *Room) EnsureInitialized(ctx context.Context) error {
	return r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		if ok, err := tx.Has("uid"); err != nil || ok {
			return err
		}
		changes := r.initialChanges
		if changes == nil {
			changes = map[string]any{}
		}
		for field, value := range map[string]any{
			"uid":        r.ID,
			"collection": r.Collection,
			"item":       r.Item,
			"version":    r.Version,
			"changes":    changes,
			"clients":    []Client{},
			"focuses":    map[string]string{},
		} {
			if err := tx.Set(field, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// DisplayName renders the room's logical identity for logs.
func (r *Room) DisplayName() string {
	parts := []string{r.Collection}
	if r.Item != "" {
		parts = append(parts, r.Item)
	}
	if r.Version != "" {
		parts = append(parts, r.Version)
	}
	return strings.Join(parts, ":")
}

func txClients(tx keystore.Tx) ([]Client, error) {
	var clients []Client
	if _, err := tx.Get("clients", &clients); err != nil {
		return nil, err
	}
	return clients, nil
}

func txFocuses(tx keystore.Tx) (map[string]string, error) {
	focuses := make(map[string]string)
	if _, err := tx.Get("focuses", &focuses); err != nil {
		return nil, err
	}
	return focuses, nil
}

func txChanges(tx keystore.Tx) (map[string]any, error) {
	changes := make(map[string]any)
	if _, err := tx.Get("changes", &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// Clients returns the current participant roster.
func (r *Room) Clients(ctx context.Context) ([]Client, error) {
	var clients []Client
	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		var err error
		clients, err = txClients(tx)
		return err
	})
	return clients, err
}

// Focuses returns the connection-to-field focus map.
func (r *Room) Focuses(ctx context.Context) (map[string]string, error) {
	var focuses map[string]string
	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		var err error
		focuses, err = txFocuses(tx)
		return err
	})
	return focuses, err
}

// Changes returns the pending change buffer.
func (r *Room) Changes(ctx context.Context) (map[string]any, error) {
	var changes map[string]any
	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		var err error
		changes, err = txChanges(tx)
		return err
	})
	return changes, err
}

// HasClient reports whether the connection participates in the room.
func (r *Room) HasClient(ctx context.Context, connection string) (bool, error) {
	clients, err := r.Clients(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(clients, func(c Client) bool { return c.Connection == connection }), nil
}

// FocusOf returns the field the connection currently focuses, if any.
func (r *Room) FocusOf(ctx context.Context, connection string) (string, error) {
	focuses, err := r.Focuses(ctx)
	if err != nil {
		return "", err
	}
	return focuses[connection], nil
}

// FocuserOf returns the connection currently focusing the field, if any.
func (r *Room) FocuserOf(ctx context.Context, field string) (string, error) {
	focuses, err := r.Focuses(ctx)
	if err != nil {
		return "", err
	}
	for connection, f := range focuses {
		if f == field {
			return connection, nil
		}
	}
	return "", nil
}

func pickColor(clients []Client, preferred Color) Color {
	available := slices.Clone(Colors)
	available = slices.DeleteFunc(available, func(color Color) bool {
		return slices.ContainsFunc(clients, func(c Client) bool { return c.Color == color })
	})
	if len(available) == 0 {
		available = slices.Clone(Colors)
	}
	if preferred != "" && slices.Contains(available, preferred) {
		return preferred
	}
	return available[rand.Intn(len(available))]
}

// Join adds the connection as a participant, assigning a color, and announces
// it to everyone else. Idempotent: a re-join skips the append and the JOIN
// broadcast but always answers with a fresh INIT snapshot filtered to the
// joiner's read permissions.
func (r *Room) Join(ctx context.Context, connection string, id identity.Identity, preferred Color) error {
	var added bool
	var assigned Color
	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		clients, err := txClients(tx)
		if err != nil {
			return err
		}
		// Membership is decided inside the transaction so concurrent joins of
		// the same connection cannot both append.
		if slices.ContainsFunc(clients, func(c Client) bool { return c.Connection == connection }) {
			return nil
		}
		assigned = pickColor(clients, preferred)
		clients = append(clients, Client{Connection: connection, Identity: id, Color: assigned})
		added = true
		return tx.Set("clients", clients)
	})
	if err != nil {
		return err
	}

	if added {
		r.sendExcluding(ctx, connection, Message{
			Action:     ServerJoin,
			User:       id.User,
			Connection: connection,
			Color:      assigned,
		})
	}

	var changes map[string]any
	var focuses map[string]string
	var clients []Client
	err = r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		var err error
		if changes, err = txChanges(tx); err != nil {
			return err
		}
		if focuses, err = txFocuses(tx); err != nil {
			return err
		}
		clients, err = txClients(tx)
		return err
	})
	if err != nil {
		return err
	}

	allowed := r.verifier.AllowedFields(ctx, id, r.Collection, r.Item, permissions.ActionRead)

	sanitized, err := sanitize.Payload(ctx, r.verifier.AllowedFields, r.Collection, changes, sanitize.Options{
		Identity: id,
		Schema:   r.schema.Snapshot(),
	})
	if err != nil {
		return err
	}

	visibleFocuses := make(map[string]string)
	for conn, field := range focuses {
		if permissions.IsFieldAllowed(allowed, field) {
			visibleFocuses[conn] = field
		}
	}

	users := make([]Presence, 0, len(clients))
	for _, c := range clients {
		users = append(users, Presence{User: c.Identity.User, Connection: c.Connection, Color: c.Color})
	}

	r.send(ctx, connection, Message{
		Action:     ServerInit,
		Collection: r.Collection,
		Item:       r.Item,
		Version:    r.Version,
		Changes:    sanitized,
		Focuses:    visibleFocuses,
		Connection: connection,
		Users:      users,
	})
	return nil
}

// Leave removes the participant, releases any focus they held, and clears the
// pending changes when the room empties.
func (r *Room) Leave(ctx context.Context, connection string) error {
	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		clients, err := txClients(tx)
		if err != nil {
			return err
		}
		clients = slices.DeleteFunc(clients, func(c Client) bool { return c.Connection == connection })
		if err := tx.Set("clients", clients); err != nil {
			return err
		}

		focuses, err := txFocuses(tx)
		if err != nil {
			return err
		}
		if _, held := focuses[connection]; held {
			delete(focuses, connection)
			if err := tx.Set("focuses", focuses); err != nil {
				return err
			}
		}

		if len(clients) == 0 {
			return tx.Set("changes", map[string]any{})
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.sendAll(ctx, Message{Action: ServerLeave, Connection: connection})
	return nil
}

// Update merges changes into the pending buffer (last writer wins per field)
// and fans the changed fields out to every other participant, filtered per
// recipient: a field the recipient cannot read is dropped for them alone.
func (r *Room) Update(ctx context.Context, sender string, changes map[string]any) error {
	var clients []Client
	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		existing, err := txChanges(tx)
		if err != nil {
			return err
		}
		for field, value := range changes {
			existing[field] = value
		}
		if err := tx.Set("changes", existing); err != nil {
			return err
		}
		clients, err = txClients(tx)
		return err
	})
	if err != nil {
		return err
	}

	snapshot := r.schema.Snapshot()
	for _, c := range clients {
		if c.Connection == sender {
			continue
		}

		sanitized, err := sanitize.Payload(ctx, r.verifier.AllowedFields, r.Collection, changes, sanitize.Options{
			Identity: c.Identity,
			Schema:   snapshot,
		})
		if err != nil {
			return err
		}

		for field := range changes {
			if value, visible := sanitized[field]; visible {
				r.send(ctx, c.Connection, Message{Action: ServerUpdate, Field: field, Changes: value})
			}
		}
	}
	return nil
}

// Unset removes one field from the pending buffer and tells the participants
// who may read it to discard their local copy.
func (r *Room) Unset(ctx context.Context, sender string, field string) error {
	var clients []Client
	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		changes, err := txChanges(tx)
		if err != nil {
			return err
		}
		delete(changes, field)
		if err := tx.Set("changes", changes); err != nil {
			return err
		}
		clients, err = txClients(tx)
		return err
	})
	if err != nil {
		return err
	}

	for _, c := range clients {
		if c.Connection == sender {
			continue
		}
		allowed := r.verifier.AllowedFields(ctx, c.Identity, r.Collection, r.Item, permissions.ActionRead)
		if !permissions.IsFieldAllowed(allowed, field) {
			continue
		}
		r.send(ctx, c.Connection, Message{Action: ServerDiscard, Fields: []string{field}})
	}
	return nil
}

// Discard clears the listed fields from the pending buffer, or all of them
// when the list contains the "*" wildcard, and tells each participant about
// the subset they are permitted to see.
func (r *Room) Discard(ctx context.Context, fields []string) error {
	if len(fields) == 0 {
		return nil
	}

	wildcard := slices.Contains(fields, "*")

	var clients []Client
	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		changes, err := txChanges(tx)
		if err != nil {
			return err
		}
		if wildcard {
			changes = map[string]any{}
		} else {
			for _, field := range fields {
				delete(changes, field)
			}
		}
		if err := tx.Set("changes", changes); err != nil {
			return err
		}
		clients, err = txClients(tx)
		return err
	})
	if err != nil {
		return err
	}

	for _, c := range clients {
		allowed := r.verifier.AllowedFields(ctx, c.Identity, r.Collection, r.Item, permissions.ActionRead)

		var sendFields []string
		if wildcard {
			sendFields = slices.Clone(allowed)
		} else {
			for _, field := range fields {
				if permissions.IsFieldAllowed(allowed, field) && !slices.Contains(sendFields, field) {
					sendFields = append(sendFields, field)
				}
			}
		}

		r.send(ctx, c.Connection, Message{Action: ServerDiscard, Fields: sendFields})
	}
	return nil
}

// Focus atomically acquires or releases a field focus. An empty field
// releases the sender's focus and always succeeds; acquiring a field focused
// by another participant fails with no state change. Successful transitions
// are broadcast to the participants permitted to see the field.
func (r *Room) Focus(ctx context.Context, sender string, field string) (bool, error) {
	success := true
	var focusedField string
	var clients []Client

	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		focuses, err := txFocuses(tx)
		if err != nil {
			return err
		}

		if field == "" {
			focusedField = focuses[sender]
			delete(focuses, sender)
			if err := tx.Set("focuses", focuses); err != nil {
				return err
			}
		} else {
			for connection, f := range focuses {
				if f == field && connection != sender {
					success = false
					return nil
				}
			}
			focuses[sender] = field
			focusedField = field
			if err := tx.Set("focuses", focuses); err != nil {
				return err
			}
		}

		clients, err = txClients(tx)
		return err
	})
	if err != nil {
		return false, err
	}
	if !success {
		return false, nil
	}

	for _, c := range clients {
		if c.Connection == sender {
			continue
		}
		if focusedField != "" {
			allowed := r.verifier.AllowedFields(ctx, c.Identity, r.Collection, r.Item, permissions.ActionRead)
			if !permissions.IsFieldAllowed(allowed, focusedField) {
				continue
			}
		}
		r.send(ctx, c.Connection, Message{Action: ServerFocus, Connection: sender, Field: field})
	}
	return true, nil
}

// isDetailedSyntax reports whether a pending value uses the to-many bucket
// shape.
func isDetailedSyntax(value any) bool {
	m, ok := value.(map[string]any)
	if !ok || len(m) == 0 {
		return false
	}
	for key := range m {
		switch key {
		case "create", "update", "delete":
		default:
			return false
		}
	}
	return true
}

// looseEqual compares two values through their JSON encoding, so numbers that
// round-tripped through the store still match their in-memory counterparts.
func looseEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// HandleSave reconciles the pending buffer against the just-persisted record
// after the data layer commits a save, then signals every participant. A
// pending field is cleared when the saved value matches it, when a to-one
// relation's saved key matches the pending object's key, or when it uses the
// detailed to-many shape (always cleared post-save so the next edit cannot
// re-create rows).
func (r *Room) HandleSave(ctx context.Context, keys []string) error {
	target := r.Version
	if target == "" {
		target = r.Item
	}
	if target != "" && !slices.Contains(keys, target) {
		return nil
	}

	var result map[string]any
	var err error
	switch {
	case r.Version != "":
		var record map[string]any
		if record, err = r.reader.ReadOne(ctx, r.versionsCollection, r.Version); err == nil {
			// Versions carry a partial delta rather than the full record.
			result, _ = record[r.deltaField].(map[string]any)
		}
	case r.Item != "":
		result, err = r.reader.ReadOne(ctx, r.Collection, r.Item)
	default:
		result, err = r.reader.ReadSingleton(ctx, r.Collection)
	}
	if err != nil {
		return err
	}

	snapshot := r.schema.Snapshot()

	var clients []Client
	err = r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		changes, err := txChanges(tx)
		if err != nil {
			return err
		}

		kept := make(map[string]any)
		for field, pending := range changes {
			if isDetailedSyntax(pending) {
				continue
			}
			saved, present := result[field]
			if !present {
				// A partial version delta says nothing about absent fields.
				if r.Version != "" {
					kept[field] = pending
				}
				continue
			}
			if looseEqual(pending, saved) {
				continue
			}
			if obj, ok := pending.(map[string]any); ok {
				if rel, ok := snapshot.RelationAt(r.Collection, field); ok && rel.Kind == schema.KindToOne {
					if related, ok := snapshot.CollectionByName(rel.Related); ok && related.Primary != "" {
						if looseEqual(obj[related.Primary], saved) {
							continue
						}
					}
				}
			}
			kept[field] = pending
		}

		if err := tx.Set("changes", kept); err != nil {
			return err
		}
		clients, err = txClients(tx)
		return err
	})
	if err != nil {
		return err
	}

	for _, c := range clients {
		r.send(ctx, c.Connection, Message{Action: ServerSave})
	}
	return nil
}

// HandleDelete reacts to the data layer deleting the underlying record or
// draft version: every participant is told and the room is force-closed.
// Deletions of other records are ignored.
func (r *Room) HandleDelete(ctx context.Context, collection string, keys []string) error {
	versionMatch := r.Version != "" && collection == r.versionsCollection && slices.Contains(keys, r.Version)
	itemMatch := collection == r.Collection && (r.Item == "" || slices.Contains(keys, r.Item))
	if !versionMatch && !itemMatch {
		return nil
	}

	r.sendAll(ctx, Message{Action: ServerDelete})

	_, err := r.Close(ctx, CloseOptions{Force: true})
	return err
}

// CloseOptions shapes a room closure.
type CloseOptions struct {
	// Force closes even with participants present, notifying them first.
	Force bool

	// Code and Reason, when set, are sent to participants as an error message
	// before a forced closure.
	Code   string
	Reason string

	// Terminate additionally disconnects every participant.
	Terminate bool
}

// Close tears the room down: without force only when no participants remain,
// with force unconditionally. All persisted keys are removed, the room is
// deregistered, and a close signal reaches every instance holding it. It
// reports whether closure actually happened.
func (r *Room) Close(ctx context.Context, opts CloseOptions) (bool, error) {
	var roomClients []Client
	if opts.Force {
		var err error
		if roomClients, err = r.Clients(ctx); err != nil {
			return false, err
		}
		for _, c := range roomClients {
			if r.messenger.HasLocal(c.Connection) {
				r.notifyClosure(ctx, c.Connection, opts)
			}
		}
	}

	closed := false
	err := r.store.Update(ctx, r.ID, func(tx keystore.Tx) error {
		if !opts.Force {
			clients, err := txClients(tx)
			if err != nil {
				return err
			}
			if len(clients) > 0 {
				return nil
			}
		}
		if ok, err := tx.Has("uid"); err != nil || !ok {
			return err
		}
		for _, field := range []string{"uid", "collection", "item", "version", "changes", "clients", "focuses"} {
			if err := tx.Delete(field); err != nil {
				return err
			}
		}
		closed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if closed {
		if err := r.messenger.UnregisterRoom(ctx, r.ID); err != nil {
			return false, err
		}
		if err := r.messenger.SendRoom(ctx, r.ID, "close"); err != nil {
			return false, err
		}
		if opts.Force {
			for _, c := range roomClients {
				if !r.messenger.HasLocal(c.Connection) {
					r.notifyClosure(ctx, c.Connection, opts)
				}
			}
		}
	}

	if closed || opts.Force {
		r.Dispose()
	}
	return closed, nil
}

func (r *Room) notifyClosure(ctx context.Context, connection string, opts CloseOptions) {
	if opts.Code != "" || opts.Reason != "" {
		if err := r.messenger.SendError(ctx, connection, r.ID, opts.Code, opts.Reason); err != nil {
			r.log.WarnContext(ctx, "failed to notify client of room closure",
				slog.String("room", r.DisplayName()), slog.String("connection", connection),
				slog.String("err", err.Error()))
		}
	}
	if opts.Terminate {
		if err := r.messenger.Terminate(ctx, connection); err != nil {
			r.log.WarnContext(ctx, "failed to terminate client connection",
				slog.String("connection", connection), slog.String("err", err.Error()))
		}
	}
}

// Dispose removes the cross-instance listener so a dropped room cannot leak.
func (r *Room) Dispose() {
	r.messenger.RemoveRoomListener(r.ID)
}

func (r *Room) sendAll(ctx context.Context, msg Message) {
	clients, err := r.Clients(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "failed to read room roster", slog.String("room", r.DisplayName()), slog.String("err", err.Error()))
		return
	}
	for _, c := range clients {
		r.send(ctx, c.Connection, msg)
	}
}

func (r *Room) sendExcluding(ctx context.Context, exclude string, msg Message) {
	clients, err := r.Clients(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "failed to read room roster", slog.String("room", r.DisplayName()), slog.String("err", err.Error()))
		return
	}
	for _, c := range clients {
		if c.Connection != exclude {
			r.send(ctx, c.Connection, msg)
		}
	}
}

func (r *Room) send(ctx context.Context, connection string, msg Message) {
	msg.Type = MessageType
	msg.Room = r.ID
	ctx = logctx.WithRoomData(ctx, &logctx.RoomData{
		RoomID:     r.ID,
		Collection: r.Collection,
		Item:       r.Item,
		Version:    r.Version,
	})
	if err := r.messenger.SendClient(ctx, connection, msg); err != nil {
		r.log.WarnContext(ctx, "failed to deliver room message",
			slog.String("room", r.DisplayName()), slog.String("connection", connection),
			slog.String("err", err.Error()))
	}
}
