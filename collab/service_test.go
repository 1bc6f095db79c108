package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/collabkit/collab-server-go/identity"
	"github.com/collabkit/collab-server-go/keystore"
	"github.com/collabkit/collab-server-go/permissions"
)

func newService(t *testing.T, f *fixture) *Service {
	t.Helper()
	f.reader.singletons["settings"] = map[string]any{"collaborative_editing_enabled": true}
	svc := NewService(&ServiceConfig{
		CleanupInterval:       time.Minute,
		EventsTopic:           "collab.events",
		IrrelevantCollections: []string{"activity"},
	}, f.registry, f.messenger, f.verifier, f.provider, f.reader, f.bus, f.log)
	if err := svc.Start(f.ctx); err != nil {
		t.Fatalf("failed to start service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func (f *fixture) publishEvent(t *testing.T, ev Event) {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("encoding event: %v", err)
	}
	if err := f.bus.Publish(f.ctx, "collab.events", payload); err != nil {
		t.Fatalf("publishing event: %v", err)
	}
}

func TestServiceJoinRequiresAccess(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")

	if _, err := svc.Join(f.ctx, "c1", f.charlie, "articles", "1", "", nil, ""); !errors.Is(err, ErrItemAccess) {
		t.Errorf("expected ErrItemAccess for identity without read access, got %v", err)
	}

	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if room == nil {
		t.Fatal("expected a room")
	}
	msgs := f.tr.Decoded(t, "c1")
	if len(msgs) != 1 || msgs[0]["action"] != "init" {
		t.Errorf("expected an init snapshot, got %v", actionsOf(msgs))
	}
}

func TestServiceJoinVersionRequiresVersionRead(t *testing.T) {
	f := newFixture(t)
	f.eval.AllowFields("versions", permissions.ActionRead, "*")
	f.eval.AllowUser("dave", "versions", permissions.ActionRead, permissions.Decision{})
	svc := newService(t, f)
	f.connect(t, "c1")
	dave := identity.Identity{User: "dave"}

	if _, err := svc.Join(f.ctx, "c1", dave, "articles", "1", "v1", nil, ""); !errors.Is(err, ErrItemAccess) {
		t.Errorf("expected ErrItemAccess without read access to the version, got %v", err)
	}
	if _, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "v1", nil, ""); err != nil {
		t.Errorf("join with version access failed: %v", err)
	}
}

func TestServiceJoinFiltersInitialChanges(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")

	room, err := svc.Join(f.ctx, "c1", f.bob, "articles", "1", "", map[string]any{
		"title": "t",
		"body":  "b",
	}, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	changes, err := room.Changes(f.ctx)
	if err != nil {
		t.Fatalf("reading changes: %v", err)
	}
	if changes["title"] != "t" {
		t.Errorf("writable field should survive, got %v", changes)
	}
	if _, ok := changes["body"]; ok {
		t.Error("field the identity cannot write must be dropped")
	}
}

func TestServiceDisableTerminatesRooms(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	if _, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	f.tr.Reset()

	f.reader.singletons["settings"]["collaborative_editing_enabled"] = false
	f.publishEvent(t, Event{
		Collection: "settings",
		Action:     "update",
		Payload:    map[string]any{"collaborative_editing_enabled": false},
	})

	if svc.Enabled() {
		t.Fatal("service should be disabled after the settings toggle")
	}
	if _, err := svc.Join(f.ctx, "c1", f.alice, "articles", "2", "", nil, ""); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}

	msgs := f.tr.Decoded(t, "c1")
	if len(msgs) != 1 || msgs[0]["action"] != "error" || msgs[0]["code"] != "service_unavailable" {
		t.Errorf("expected a closure notification, got %v", msgs)
	}
	if disconnected := f.tr.Disconnected(); len(disconnected) != 1 || disconnected[0] != "c1" {
		t.Errorf("expected c1 disconnected, got %v", disconnected)
	}

	f.reader.singletons["settings"]["collaborative_editing_enabled"] = true
	f.publishEvent(t, Event{
		Collection: "settings",
		Action:     "update",
		Payload:    map[string]any{"collaborative_editing_enabled": true},
	})
	if !svc.Enabled() {
		t.Error("service should come back when the toggle flips again")
	}
}

func TestServiceUpdateFocusHandshake(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	f.connect(t, "c2")
	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := svc.Join(f.ctx, "c2", f.carol, "articles", "1", "", nil, ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := svc.Focus(f.ctx, "c2", f.carol, room.ID, "title"); err != nil {
		t.Fatalf("focus failed: %v", err)
	}

	if err := svc.Update(f.ctx, "c1", f.alice, room.ID, "title", "x"); !errors.Is(err, ErrFocusConflict) {
		t.Errorf("expected ErrFocusConflict on a field held by another participant, got %v", err)
	}

	if err := svc.Update(f.ctx, "c1", f.alice, room.ID, "body", "y"); err != nil {
		t.Fatalf("update of a free field failed: %v", err)
	}
	if focus, _ := room.FocusOf(f.ctx, "c1"); focus != "body" {
		t.Errorf("update should implicitly acquire focus, got %q", focus)
	}

	if err := svc.Focus(f.ctx, "c2", f.carol, room.ID, ""); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := svc.Update(f.ctx, "c1", f.alice, room.ID, "title", "x"); err != nil {
		t.Errorf("update after release failed: %v", err)
	}
}

func TestServiceUnsetRespectsFocus(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	f.connect(t, "c2")
	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := svc.Join(f.ctx, "c2", f.carol, "articles", "1", "", nil, ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := svc.Update(f.ctx, "c2", f.carol, room.ID, "title", "x"); err != nil {
		t.Fatalf("seeding update failed: %v", err)
	}

	if err := svc.Unset(f.ctx, "c1", f.alice, room.ID, "title"); !errors.Is(err, ErrFocusConflict) {
		t.Errorf("expected ErrFocusConflict unsetting a field held by another, got %v", err)
	}
	if err := svc.Unset(f.ctx, "c2", f.carol, room.ID, "title"); err != nil {
		t.Errorf("holder should be able to unset their own field: %v", err)
	}

	changes, _ := room.Changes(f.ctx)
	if _, ok := changes["title"]; ok {
		t.Error("title should be removed from the pending buffer")
	}
}

func TestServiceUpdateAllSkipsFocusedFields(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	f.connect(t, "c2")
	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := svc.Join(f.ctx, "c2", f.carol, "articles", "1", "", nil, ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := svc.Focus(f.ctx, "c2", f.carol, room.ID, "title"); err != nil {
		t.Fatalf("focus failed: %v", err)
	}

	err = svc.UpdateAll(f.ctx, "c1", f.alice, room.ID, map[string]any{"title": "a", "body": "b"})
	if err != nil {
		t.Fatalf("update all failed: %v", err)
	}

	changes, _ := room.Changes(f.ctx)
	if _, ok := changes["title"]; ok {
		t.Error("field focused by another participant must be skipped")
	}
	if changes["body"] != "b" {
		t.Errorf("free field should be applied, got %v", changes)
	}
}

func TestServiceFieldAccess(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	f.connect(t, "c2")
	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := svc.Join(f.ctx, "c2", f.bob, "articles", "1", "", nil, ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := svc.Update(f.ctx, "c1", f.alice, room.ID, "missing", "x"); !errors.Is(err, ErrFieldAccess) {
		t.Errorf("expected ErrFieldAccess for a field not in the schema, got %v", err)
	}
	if err := svc.Update(f.ctx, "c2", f.bob, room.ID, "body", "x"); !errors.Is(err, ErrFieldAccess) {
		t.Errorf("expected ErrFieldAccess for a field the identity cannot edit, got %v", err)
	}
	if err := svc.Update(f.ctx, "c2", f.bob, room.ID, "title", "x"); err != nil {
		t.Errorf("editable field should pass: %v", err)
	}
}

func TestServiceDiscardScopedToEditable(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	f.connect(t, "c2")
	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := svc.Join(f.ctx, "c2", f.bob, "articles", "1", "", nil, ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := svc.UpdateAll(f.ctx, "c1", f.alice, room.ID, map[string]any{"title": "a", "body": "b"}); err != nil {
		t.Fatalf("seeding changes: %v", err)
	}
	f.tr.Reset()

	if err := svc.Discard(f.ctx, "c1", f.charlie, room.ID); !errors.Is(err, ErrFieldAccess) {
		t.Errorf("expected ErrFieldAccess without any editable fields, got %v", err)
	}

	if err := svc.Discard(f.ctx, "c2", f.bob, room.ID); err != nil {
		t.Fatalf("discard failed: %v", err)
	}

	changes, _ := room.Changes(f.ctx)
	if _, ok := changes["title"]; ok {
		t.Error("editable field should be discarded")
	}
	if changes["body"] != "b" {
		t.Errorf("field outside the identity's edit scope must survive, got %v", changes)
	}

	msgs := f.tr.Decoded(t, "c1")
	if len(msgs) != 1 || msgs[0]["action"] != "discard" {
		t.Errorf("expected a discard notification for c1, got %v", actionsOf(msgs))
	}
}

func TestServiceEventRouting(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	f.reader.set("articles", "1", map[string]any{"id": 1, "title": "x"})
	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := svc.Update(f.ctx, "c1", f.alice, room.ID, "title", "x"); err != nil {
		t.Fatalf("seeding update failed: %v", err)
	}
	f.tr.Reset()

	// Creations and irrelevant collections never reach rooms.
	f.publishEvent(t, Event{Collection: "articles", Action: "create", Keys: []string{"1"}})
	f.publishEvent(t, Event{Collection: "activity", Action: "update", Keys: []string{"1"}})
	if msgs := f.tr.Decoded(t, "c1"); len(msgs) != 0 {
		t.Fatalf("expected no room traffic, got %v", actionsOf(msgs))
	}

	f.publishEvent(t, Event{Collection: "articles", Action: "update", Keys: []string{"1"}})
	msgs := f.tr.Decoded(t, "c1")
	if len(msgs) != 1 || msgs[0]["action"] != "save" {
		t.Fatalf("expected a save signal, got %v", actionsOf(msgs))
	}
	changes, _ := room.Changes(f.ctx)
	if len(changes) != 0 {
		t.Errorf("matching save should reconcile the pending title, got %v", changes)
	}

	f.publishEvent(t, Event{Collection: "articles", Action: "delete", Keys: []string{"1"}})
	msgs = f.tr.Decoded(t, "c1")
	if len(msgs) != 2 || msgs[1]["action"] != "delete" {
		t.Fatalf("expected a delete signal, got %v", actionsOf(msgs))
	}
	if got, _ := f.registry.Get(f.ctx, room.ID); got != nil {
		t.Error("room should be closed after its record is deleted")
	}
}

func TestServiceRoomAccess(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	f.connect(t, "c9")
	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := svc.Update(f.ctx, "c1", f.alice, RoomID("articles", "404", ""), "title", "x"); !errors.Is(err, ErrRoomAccess) {
		t.Errorf("expected ErrRoomAccess for an unknown room, got %v", err)
	}
	if err := svc.Update(f.ctx, "c9", f.carol, room.ID, "title", "x"); !errors.Is(err, ErrRoomAccess) {
		t.Errorf("expected ErrRoomAccess for a connection outside the room, got %v", err)
	}
}

func TestServiceLeaveAllRooms(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	one, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	two, err := svc.Join(f.ctx, "c1", f.alice, "articles", "2", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := svc.Leave(f.ctx, "c1", ""); err != nil {
		t.Fatalf("leave all failed: %v", err)
	}
	for _, room := range []*Room{one, two} {
		if has, _ := room.HasClient(f.ctx, "c1"); has {
			t.Errorf("c1 should have left room %s", room.DisplayName())
		}
	}
}

func TestServiceCleanupLocal(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// The connection dropping off the global registry stands in for a
	// transport disconnect this instance never saw.
	if err := f.messenger.RemoveConnection(f.ctx, "c1"); err != nil {
		t.Fatalf("deregistering connection: %v", err)
	}

	if err := svc.CleanupLocal(f.ctx); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if got, _ := f.registry.Get(f.ctx, room.ID); got != nil {
		t.Error("room abandoned by its last connection should be closed")
	}
}

func TestServiceCleanupCluster(t *testing.T) {
	f := newFixture(t)
	svc := newService(t, f)
	f.connect(t, "c1")
	room, err := svc.Join(f.ctx, "c1", f.alice, "articles", "1", "", nil, "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	// A participant owned by an instance that crashed.
	if err := room.Join(f.ctx, "cz", f.carol, ""); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	err = f.store.Update(f.ctx, registryStoreID, func(tx keystore.Tx) error {
		instances, err := readInstances(tx)
		if err != nil {
			return err
		}
		instances["dead"] = instanceRecord{Clients: []string{"cz"}, Rooms: []string{room.ID}}
		return tx.Set(instancesField, instances)
	})
	if err != nil {
		t.Fatalf("seeding dead instance: %v", err)
	}

	if err := svc.CleanupCluster(f.ctx); err != nil {
		t.Fatalf("cluster cleanup failed: %v", err)
	}

	if has, _ := room.HasClient(f.ctx, "cz"); has {
		t.Error("dead instance's connection should be removed from the room")
	}
	if has, _ := room.HasClient(f.ctx, "c1"); !has {
		t.Error("live participant must survive the sweep")
	}
	connections, _ := f.messenger.GlobalConnections(f.ctx)
	for _, c := range connections {
		if c == "cz" {
			t.Error("dead connection should be gone from the global registry")
		}
	}
}
