package collab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"

	"github.com/collabkit/collab-server-go/items"
	"github.com/collabkit/collab-server-go/keystore"
	"github.com/collabkit/collab-server-go/permissions"
	"github.com/collabkit/collab-server-go/schema"
)

// RoomID derives the deterministic room id for a logical resource. Clients
// editing the same record on any instance converge on the same id, which is
// also the shared-store key.
func RoomID(collection, item, version string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{collection, item, version}, "-")))
	return hex.EncodeToString(sum[:])
}

// Registry creates, finds, and evicts rooms, bridging local room objects to
// the shared store and the messenger so any instance can reach a room it does
// not hold.
type Registry struct {
	deps deps

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry wires a registry to its collaborators. A nil log uses
// slog.Default; versionsCollection and deltaField name where draft versions
// live and which of their fields holds the partial delta.
func NewRegistry(store keystore.Store, messenger *Messenger, verifier *permissions.Verifier, provider schema.Provider, reader items.Reader, log *slog.Logger, versionsCollection, deltaField string) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if versionsCollection == "" {
		versionsCollection = "versions"
	}
	if deltaField == "" {
		deltaField = "delta"
	}
	return &Registry{
		deps: deps{
			store:              store,
			messenger:          messenger,
			verifier:           verifier,
			schema:             provider,
			reader:             reader,
			log:                log,
			versionsCollection: versionsCollection,
			deltaField:         deltaField,
		},
		rooms: make(map[string]*Room),
	}
}

// CreateOrGet returns the room for a logical resource, constructing and
// persisting it on first use. The cross-instance close listener is installed
// on every call so a rehydrated holder reacts to remote closure.
func (g *Registry) CreateOrGet(ctx context.Context, collection, item, version string, initialChanges map[string]any) (*Room, error) {
	id := RoomID(collection, item, version)

	g.mu.Lock()
	room, ok := g.rooms[id]
	if !ok {
		room = newRoom(id, collection, item, version, initialChanges, g.deps)
		g.rooms[id] = room
	}
	g.mu.Unlock()

	if !ok {
		if err := room.EnsureInitialized(ctx); err != nil {
			g.Remove(id)
			return nil, err
		}
		if err := g.deps.messenger.RegisterRoom(ctx, id); err != nil {
			g.Remove(id)
			return nil, err
		}
	}

	g.deps.messenger.SetRoomListener(id, func(sig RoomSignal) {
		if sig.Action == "close" {
			g.mu.Lock()
			held, ok := g.rooms[id]
			delete(g.rooms, id)
			g.mu.Unlock()
			if ok {
				held.Dispose()
			}
		}
	})

	return room, nil
}

// Get resolves a room that may be held by another instance. A room absent
// locally is rehydrated from the shared store when the store holds a valid
// record, but is not retained in local memory, keeping memory bounded to
// rooms with a local listener. Returns nil when the room does not exist
// anywhere.
func (g *Registry) Get(ctx context.Context, id string) (*Room, error) {
	g.mu.Lock()
	room := g.rooms[id]
	g.mu.Unlock()

	if room == nil {
		err := g.deps.store.Update(ctx, id, func(tx keystore.Tx) error {
			if ok, err := tx.Has("uid"); err != nil || !ok {
				return err
			}
			var collection, item, version string
			if _, err := tx.Get("collection", &collection); err != nil {
				return err
			}
			if _, err := tx.Get("item", &item); err != nil {
				return err
			}
			if _, err := tx.Get("version", &version); err != nil {
				return err
			}
			changes, err := txChanges(tx)
			if err != nil {
				return err
			}
			room = newRoom(id, collection, item, version, changes, g.deps)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if room == nil {
		return nil, nil
	}
	if err := room.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	return room, nil
}

// ClientRooms returns every globally-registered room the connection
// participates in. Used to clean a connection up on disconnect.
func (g *Registry) ClientRooms(ctx context.Context, connection string) ([]*Room, error) {
	ids, err := g.deps.messenger.GlobalRooms(ctx)
	if err != nil {
		return nil, err
	}

	var rooms []*Room
	for _, id := range ids {
		room, err := g.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if room == nil {
			continue
		}
		has, err := room.HasClient(ctx, connection)
		if err != nil {
			return nil, err
		}
		if has {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

// LocalClients returns the participants of every locally-held room.
func (g *Registry) LocalClients(ctx context.Context) ([]Client, error) {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	var clients []Client
	for _, room := range rooms {
		roomClients, err := room.Clients(ctx)
		if err != nil {
			return nil, err
		}
		clients = append(clients, roomClients...)
	}
	return clients, nil
}

// Cleanup closes rooms that have no participants left. With ids it considers
// only those rooms; without, every locally-held room.
func (g *Registry) Cleanup(ctx context.Context, ids ...string) error {
	g.mu.Lock()
	var rooms []*Room
	if len(ids) > 0 {
		for _, id := range ids {
			if room, ok := g.rooms[id]; ok {
				rooms = append(rooms, room)
			}
		}
	} else {
		for _, room := range g.rooms {
			rooms = append(rooms, room)
		}
	}
	g.mu.Unlock()

	for _, room := range rooms {
		closed, err := room.Close(ctx, CloseOptions{})
		if err != nil {
			return err
		}
		if closed {
			g.Remove(room.ID)
			g.deps.log.InfoContext(ctx, "closed inactive room", slog.String("room", room.DisplayName()))
		}
	}
	return nil
}

func (g *Registry) locals() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Remove drops a room from local memory without touching shared state.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	delete(g.rooms, id)
	g.mu.Unlock()
}

// TerminateAll force-closes every locally-held room, notifying and
// disconnecting all participants. Used on shutdown and when collaborative
// editing gets disabled.
func (g *Registry) TerminateAll(ctx context.Context) error {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	for _, room := range rooms {
		_, err := room.Close(ctx, CloseOptions{
			Force:     true,
			Code:      "service_unavailable",
			Reason:    "collaborative editing is disabled",
			Terminate: true,
		})
		if err != nil {
			return err
		}
		g.Remove(room.ID)
	}

	g.deps.log.InfoContext(ctx, "forcefully closed all active rooms", slog.Int("count", len(rooms)))
	return nil
}
