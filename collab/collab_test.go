package collab

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	busmem "github.com/collabkit/collab-server-go/bus/memory"
	"github.com/collabkit/collab-server-go/identity"
	"github.com/collabkit/collab-server-go/items"
	storemem "github.com/collabkit/collab-server-go/keystore/memory"
	"github.com/collabkit/collab-server-go/permissions"
	"github.com/collabkit/collab-server-go/permissions/permtest"
	"github.com/collabkit/collab-server-go/schema"
	"github.com/collabkit/collab-server-go/schema/schematest"
	"github.com/collabkit/collab-server-go/transport/transporttest"
)

// fakeReader serves canned records for HandleSave reconciliation and the
// settings singleton.
type fakeReader struct {
	records    map[string]map[string]map[string]any
	singletons map[string]map[string]any
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		records:    make(map[string]map[string]map[string]any),
		singletons: make(map[string]map[string]any),
	}
}

func (f *fakeReader) set(collection, key string, record map[string]any) {
	if f.records[collection] == nil {
		f.records[collection] = make(map[string]map[string]any)
	}
	f.records[collection][key] = record
}

func (f *fakeReader) ReadOne(ctx context.Context, collection, key string) (map[string]any, error) {
	if record, ok := f.records[collection][key]; ok {
		return record, nil
	}
	return nil, fmt.Errorf("record %s/%s does not exist", collection, key)
}

func (f *fakeReader) ReadSingleton(ctx context.Context, collection string) (map[string]any, error) {
	if record, ok := f.singletons[collection]; ok {
		return record, nil
	}
	return nil, fmt.Errorf("singleton %s does not exist", collection)
}

var _ items.Reader = (*fakeReader)(nil)

func testProvider() schema.Provider {
	return schematest.New().
		Collection("articles", func(c *schematest.CollectionBuilder) {
			c.Field("title", "string").
				Field("body", "text").
				ManyToOne("author", "authors").
				ManyToMany("tags", "tags", "articles_tags")
		}).
		Collection("authors", func(c *schematest.CollectionBuilder) {
			c.Field("name", "string")
		}).
		Collection("tags", func(c *schematest.CollectionBuilder) {
			c.Field("name", "string")
		}).
		Collection("notices", func(c *schematest.CollectionBuilder) {
			c.Singleton().Field("text", "string")
		}).
		Provider()
}

type fixture struct {
	ctx      context.Context
	tr       *transporttest.Recorder
	bus      *busmem.Bus
	store    *storemem.Store
	eval     *permtest.StaticEvaluator
	verifier *permissions.Verifier
	reader   *fakeReader
	provider schema.Provider
	log      *slog.Logger

	messenger *Messenger
	registry  *Registry

	// alice and carol have full access; bob reads id+title and edits title;
	// charlie has nothing.
	alice, bob, carol, charlie identity.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctx:      context.Background(),
		tr:       transporttest.NewRecorder(),
		bus:      busmem.New(),
		store:    storemem.New(),
		eval:     permtest.NewStaticEvaluator(),
		reader:   newFakeReader(),
		provider: testProvider(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		alice:    identity.Identity{User: "alice", Role: "editor"},
		bob:      identity.Identity{User: "bob", Role: "viewer"},
		carol:    identity.Identity{User: "carol", Role: "editor"},
		charlie:  identity.Identity{User: "charlie"},
	}
	f.verifier = permtest.Verifier(f.eval)
	f.messenger = NewMessenger(&MessengerConfig{
		BusTopic:        "collab.bus",
		InstanceTimeout: 100 * time.Millisecond,
	}, f.tr, f.bus, f.store, f.log)
	f.registry = NewRegistry(f.store, f.messenger, f.verifier, f.provider, f.reader, f.log, "versions", "delta")

	f.eval.AllowFields("articles", permissions.ActionRead, "*")
	f.eval.AllowFields("articles", permissions.ActionUpdate, "*")
	f.eval.AllowFields("articles", permissions.ActionCreate, "*")
	f.eval.AllowUser("bob", "articles", permissions.ActionRead, permissions.Decision{Fields: []string{"id", "title"}})
	f.eval.AllowUser("bob", "articles", permissions.ActionUpdate, permissions.Decision{Fields: []string{"title"}})
	f.eval.AllowUser("bob", "articles", permissions.ActionCreate, permissions.Decision{Fields: []string{"title"}})
	f.eval.AllowUser("charlie", "articles", permissions.ActionRead, permissions.Decision{})
	f.eval.AllowUser("charlie", "articles", permissions.ActionUpdate, permissions.Decision{})

	return f
}

// start brings the messenger up for tests that drive rooms directly rather
// than through a Service, which starts it itself.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.messenger.Start(f.ctx); err != nil {
		t.Fatalf("failed to start messenger: %v", err)
	}
	t.Cleanup(func() { _ = f.messenger.Close(context.Background()) })
}

func (f *fixture) connect(t *testing.T, connection string) {
	t.Helper()
	f.tr.Connect(connection)
	if err := f.messenger.AddConnection(f.ctx, connection); err != nil {
		t.Fatalf("failed to register connection %s: %v", connection, err)
	}
}

func (f *fixture) room(t *testing.T, collection, item, version string) *Room {
	t.Helper()
	room, err := f.registry.CreateOrGet(f.ctx, collection, item, version, nil)
	if err != nil {
		t.Fatalf("failed to create room: %v", err)
	}
	return room
}

func (f *fixture) join(t *testing.T, room *Room, connection string, id identity.Identity) {
	t.Helper()
	f.connect(t, connection)
	if err := room.Join(f.ctx, connection, id, ""); err != nil {
		t.Fatalf("join failed for %s: %v", connection, err)
	}
}

func actionsOf(msgs []map[string]any) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		action, _ := m["action"].(string)
		out = append(out, action)
	}
	return out
}
