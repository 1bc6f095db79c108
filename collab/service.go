package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/collabkit/collab-server-go/bus"
	"github.com/collabkit/collab-server-go/identity"
	"github.com/collabkit/collab-server-go/internal/logctx"
	"github.com/collabkit/collab-server-go/items"
	"github.com/collabkit/collab-server-go/permissions"
	"github.com/collabkit/collab-server-go/sanitize"
	"github.com/collabkit/collab-server-go/schema"
)

var (
	// ErrDisabled is returned when collaborative editing is switched off.
	ErrDisabled = errors.New("collaborative editing is disabled")

	// ErrRoomAccess is returned for operations against a room the connection
	// is not part of, or that does not exist.
	ErrRoomAccess = errors.New("no access to room or it does not exist")

	// ErrItemAccess is returned when joining without read access to the
	// underlying record.
	ErrItemAccess = errors.New("no permission to access item or it does not exist")

	// ErrFieldAccess is returned for operations on fields the identity cannot
	// edit, or that do not exist.
	ErrFieldAccess = errors.New("no permission for field or field does not exist")

	// ErrFocusConflict is returned when a field is already focused by another
	// participant.
	ErrFocusConflict = errors.New("field is already focused by another participant")
)

// ServiceConfig controls the collaborative-editing service.
type ServiceConfig struct {
	// CleanupInterval paces the local sweep that evicts empty rooms and
	// connections no longer present in the global registry.
	CleanupInterval time.Duration `env:"COLLAB_CLEANUP_INTERVAL,default=1m"`

	// EventsTopic carries data-layer mutation events (saves, deletes,
	// settings changes) into the service.
	EventsTopic string `env:"COLLAB_EVENTS_TOPIC,default=collab.events"`

	// SettingsCollection and EnabledField locate the toggle that switches
	// collaborative editing on and off at runtime.
	SettingsCollection string `env:"COLLAB_SETTINGS_COLLECTION,default=settings"`
	EnabledField       string `env:"COLLAB_ENABLED_FIELD,default=collaborative_editing_enabled"`

	// VersionsCollection and DeltaField name where draft versions live and
	// which of their fields holds the partial delta.
	VersionsCollection string `env:"COLLAB_VERSIONS_COLLECTION,default=versions"`
	DeltaField         string `env:"COLLAB_VERSION_DELTA_FIELD,default=delta"`

	// IrrelevantCollections are skipped entirely during event routing.
	IrrelevantCollections []string `env:"COLLAB_IRRELEVANT_COLLECTIONS"`
}

// NewServiceConfigFromEnv loads service configuration from the environment.
func NewServiceConfigFromEnv() *ServiceConfig {
	cfg := &ServiceConfig{}
	_ = envdecode.Decode(cfg)
	return cfg
}

// Service is the entry point for client actions and data-layer events. It
// enforces the enablement toggle and field-level permissions before handing
// work to rooms, and runs the background sweeps that keep the cluster
// registry honest.
type Service struct {
	cfg       ServiceConfig
	registry  *Registry
	messenger *Messenger
	verifier  *permissions.Verifier
	schema    schema.Provider
	reader    items.Reader
	bus       bus.Bus
	log       *slog.Logger

	mu          sync.Mutex
	enabled     bool
	unsubscribe func()
}

// NewService wires the service. A nil cfg loads configuration from the
// environment; a nil log uses slog.Default. Collaborative editing starts
// enabled until the settings record says otherwise.
func NewService(cfg *ServiceConfig, registry *Registry, messenger *Messenger, verifier *permissions.Verifier, provider schema.Provider, reader items.Reader, b bus.Bus, log *slog.Logger) *Service {
	if cfg == nil {
		cfg = NewServiceConfigFromEnv()
	}
	if log == nil {
		log = slog.Default()
	}
	resolved := *cfg
	if resolved.CleanupInterval <= 0 {
		resolved.CleanupInterval = time.Minute
	}
	if resolved.EventsTopic == "" {
		resolved.EventsTopic = "collab.events"
	}
	if resolved.SettingsCollection == "" {
		resolved.SettingsCollection = "settings"
	}
	if resolved.EnabledField == "" {
		resolved.EnabledField = "collaborative_editing_enabled"
	}
	if resolved.VersionsCollection == "" {
		resolved.VersionsCollection = "versions"
	}
	if resolved.DeltaField == "" {
		resolved.DeltaField = "delta"
	}
	return &Service{
		cfg:       resolved,
		registry:  registry,
		messenger: messenger,
		verifier:  verifier,
		schema:    provider,
		reader:    reader,
		bus:       b,
		log:       log,
		enabled:   true,
	}
}

// Start connects the service to the cluster: registers the instance,
// subscribes to data-layer events, and loads the enablement toggle.
func (s *Service) Start(ctx context.Context) error {
	if err := s.messenger.Start(ctx); err != nil {
		return err
	}

	unsubscribe, err := s.bus.Subscribe(ctx, s.cfg.EventsTopic, func(ctx context.Context, payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.log.WarnContext(ctx, "dropping malformed event", slog.String("err", err.Error()))
			return
		}
		if err := s.HandleEvent(ctx, ev); err != nil {
			s.log.ErrorContext(ctx, "event handling failed",
				slog.String("collection", ev.Collection), slog.String("action", ev.Action),
				slog.String("err", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.EventsTopic, err)
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.refreshEnabled(ctx)
	return nil
}

// Close stops event consumption and deregisters the instance.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()
	return s.messenger.Close(ctx)
}

// Enabled reports whether collaborative editing is currently switched on.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// EnsureEnabled returns ErrDisabled when collaborative editing is off.
func (s *Service) EnsureEnabled() error {
	if !s.Enabled() {
		return ErrDisabled
	}
	return nil
}

func (s *Service) refreshEnabled(ctx context.Context) {
	settings, err := s.reader.ReadSingleton(ctx, s.cfg.SettingsCollection)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to load collaborative editing settings", slog.String("err", err.Error()))
		return
	}
	enabled := true
	if v, ok := settings[s.cfg.EnabledField].(bool); ok {
		enabled = v
	}
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// HandleEvent routes one data-layer mutation event: settings toggles flip the
// enablement state, saves reconcile matching rooms, deletions close them.
func (s *Service) HandleEvent(ctx context.Context, ev Event) error {
	ctx = logctx.WithEventData(ctx, &logctx.EventData{Collection: ev.Collection, Action: ev.Action})

	if ev.Collection == s.cfg.SettingsCollection && ev.Action == "update" {
		if _, toggled := ev.Payload[s.cfg.EnabledField]; toggled {
			s.refreshEnabled(ctx)
			if !s.Enabled() {
				s.log.InfoContext(ctx, "collaborative editing disabled, terminating all rooms")
				return s.registry.TerminateAll(ctx)
			}
			return nil
		}
	}

	if ev.Action == "create" || slices.Contains(s.cfg.IrrelevantCollections, ev.Collection) {
		return nil
	}
	if ev.Action != "update" && ev.Action != "delete" {
		return nil
	}

	var errs []error
	for _, room := range s.registry.locals() {
		var relevant []string
		switch {
		case room.Version != "":
			if ev.Collection != s.cfg.VersionsCollection || !slices.Contains(ev.Keys, room.Version) {
				continue
			}
			relevant = []string{room.Version}
		case room.Collection != ev.Collection || ev.Collection == s.cfg.VersionsCollection:
			continue
		case room.Item != "":
			if !slices.Contains(ev.Keys, room.Item) {
				continue
			}
			relevant = []string{room.Item}
		default:
			// Singleton rooms match any keys of their collection.
			relevant = ev.Keys
		}

		var err error
		if ev.Action == "delete" {
			err = room.HandleDelete(ctx, ev.Collection, relevant)
		} else {
			err = room.HandleSave(ctx, relevant)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", room.DisplayName(), err))
		}
	}
	return errors.Join(errs...)
}

// Join admits a connection into the room for a logical resource, creating the
// room on first use. Requires read access to the record (or, when the record
// does not resolve, to the collection) and to the draft version if one is
// named. Initial changes are filtered to what the identity may write.
func (s *Service) Join(ctx context.Context, connection string, id identity.Identity, collection, item, version string, initialChanges map[string]any, preferred Color) (*Room, error) {
	if err := s.EnsureEnabled(); err != nil {
		return nil, err
	}
	ctx = logctx.WithConnectionData(ctx, &logctx.ConnectionData{Connection: connection, User: id.User, Role: id.Role})

	read := s.verifier.AllowedFields(ctx, id, collection, item, permissions.ActionRead)
	if len(read) == 0 {
		read = s.verifier.AllowedFields(ctx, id, collection, "", permissions.ActionRead)
	}
	if len(read) == 0 {
		return nil, ErrItemAccess
	}

	if version != "" {
		if len(s.verifier.AllowedFields(ctx, id, s.cfg.VersionsCollection, version, permissions.ActionRead)) == 0 {
			return nil, ErrItemAccess
		}
	}

	if initialChanges != nil {
		sanitized, err := sanitize.Payload(ctx, s.verifier.AllowedFields, collection, initialChanges, sanitize.Options{
			Identity: id,
			Schema:   s.schema.Snapshot(),
			Action:   permissions.ActionUpdate,
		})
		if err != nil {
			return nil, err
		}
		initialChanges = sanitized
	}

	room, err := s.registry.CreateOrGet(ctx, collection, item, version, initialChanges)
	if err != nil {
		return nil, err
	}
	if err := room.Join(ctx, connection, id, preferred); err != nil {
		return nil, err
	}
	return room, nil
}

// Leave removes the connection from one room, or from every room it is in
// when roomID is empty.
func (s *Service) Leave(ctx context.Context, connection, roomID string) error {
	if roomID != "" {
		room, err := s.roomFor(ctx, connection, roomID)
		if err != nil {
			return err
		}
		return room.Leave(ctx, connection)
	}

	rooms, err := s.registry.ClientRooms(ctx, connection)
	if err != nil {
		return err
	}
	var errs []error
	for _, room := range rooms {
		if err := room.Leave(ctx, connection); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Update sets one pending field value. The sender must hold focus on the
// field; focus is acquired implicitly when free, and the update is refused
// when another participant holds it.
func (s *Service) Update(ctx context.Context, connection string, id identity.Identity, roomID, field string, value any) error {
	room, err := s.roomFor(ctx, connection, roomID)
	if err != nil {
		return err
	}
	if err := s.checkFieldAccess(ctx, id, room, field); err != nil {
		return err
	}

	focus, err := room.FocusOf(ctx, connection)
	if err != nil {
		return err
	}
	if focus != field {
		if _, err := room.Focus(ctx, connection, field); err != nil {
			return err
		}
		if focus, err = room.FocusOf(ctx, connection); err != nil {
			return err
		}
	}
	if focus != field {
		return fmt.Errorf("cannot update field %s: %w", field, ErrFocusConflict)
	}

	return room.Update(ctx, connection, map[string]any{field: value})
}

// Unset removes one pending field value without acquiring focus, refused only
// when another participant holds the field.
func (s *Service) Unset(ctx context.Context, connection string, id identity.Identity, roomID, field string) error {
	room, err := s.roomFor(ctx, connection, roomID)
	if err != nil {
		return err
	}
	if err := s.checkFieldAccess(ctx, id, room, field); err != nil {
		return err
	}

	focuser, err := room.FocuserOf(ctx, field)
	if err != nil {
		return err
	}
	if focuser != "" && focuser != connection {
		return fmt.Errorf("cannot unset field %s: %w", field, ErrFocusConflict)
	}

	return room.Unset(ctx, connection, field)
}

// UpdateAll applies a bulk change set, silently dropping fields focused by
// other participants.
func (s *Service) UpdateAll(ctx context.Context, connection string, id identity.Identity, roomID string, changes map[string]any) error {
	if len(changes) == 0 {
		return nil
	}
	room, err := s.roomFor(ctx, connection, roomID)
	if err != nil {
		return err
	}

	filtered := make(map[string]any, len(changes))
	for field, value := range changes {
		focuser, err := room.FocuserOf(ctx, field)
		if err != nil {
			return err
		}
		if focuser != "" && focuser != connection {
			continue
		}
		filtered[field] = value
	}
	if len(filtered) == 0 {
		return nil
	}

	for field := range filtered {
		if err := s.checkFieldAccess(ctx, id, room, field); err != nil {
			return err
		}
	}
	return room.Update(ctx, connection, filtered)
}

// Focus acquires or releases a field focus for the connection. An empty field
// releases.
func (s *Service) Focus(ctx context.Context, connection string, id identity.Identity, roomID, field string) error {
	room, err := s.roomFor(ctx, connection, roomID)
	if err != nil {
		return err
	}
	if field != "" {
		if err := s.checkFieldAccess(ctx, id, room, field); err != nil {
			return err
		}
	}

	ok, err := room.Focus(ctx, connection, field)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cannot focus field %s: %w", field, ErrFocusConflict)
	}
	return nil
}

// Discard clears every pending field the identity may edit and tells each
// participant about the subset they can see.
func (s *Service) Discard(ctx context.Context, connection string, id identity.Identity, roomID string) error {
	room, err := s.roomFor(ctx, connection, roomID)
	if err != nil {
		return err
	}

	allowed := s.editableFields(ctx, id, room)
	if len(allowed) == 0 {
		return ErrFieldAccess
	}
	return room.Discard(ctx, allowed)
}

func (s *Service) roomFor(ctx context.Context, connection, roomID string) (*Room, error) {
	room, err := s.registry.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomAccess
	}
	has, err := room.HasClient(ctx, connection)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrRoomAccess
	}
	return room, nil
}

// editableFields intersects read and update permissions: a field must be both
// readable and writable to be edited collaboratively.
func (s *Service) editableFields(ctx context.Context, id identity.Identity, room *Room) []string {
	read := s.verifier.AllowedFields(ctx, id, room.Collection, room.Item, permissions.ActionRead)
	update := s.verifier.AllowedFields(ctx, id, room.Collection, room.Item, permissions.ActionUpdate)
	return permissions.IntersectFields(read, update)
}

func (s *Service) checkFieldAccess(ctx context.Context, id identity.Identity, room *Room, field string) error {
	coll, ok := s.schema.Snapshot().CollectionByName(room.Collection)
	if !ok {
		return fmt.Errorf("field %s: %w", field, ErrFieldAccess)
	}
	if _, exists := coll.Fields[field]; !exists {
		return fmt.Errorf("field %s: %w", field, ErrFieldAccess)
	}
	if !permissions.IsFieldAllowed(s.editableFields(ctx, id, room), field) {
		return fmt.Errorf("field %s: %w", field, ErrFieldAccess)
	}
	return nil
}

// Run drives the local cleanup sweep until ctx is canceled: connections that
// vanished from the global registry are removed from their rooms, then empty
// rooms are closed.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.CleanupLocal(ctx); err != nil {
				s.log.ErrorContext(ctx, "local cleanup failed", slog.String("err", err.Error()))
			}
		}
	}
}

// CleanupLocal evicts connections that are no longer globally registered and
// closes rooms left without participants.
func (s *Service) CleanupLocal(ctx context.Context) error {
	global, err := s.messenger.GlobalConnections(ctx)
	if err != nil {
		return err
	}
	local, err := s.registry.LocalClients(ctx)
	if err != nil {
		return err
	}

	for _, c := range local {
		if slices.Contains(global, c.Connection) {
			continue
		}
		rooms, err := s.registry.ClientRooms(ctx, c.Connection)
		if err != nil {
			return err
		}
		for _, room := range rooms {
			s.log.DebugContext(ctx, "removing stale connection from room",
				slog.String("connection", c.Connection), slog.String("room", room.DisplayName()))
			if err := room.Leave(ctx, c.Connection); err != nil {
				return err
			}
		}
	}

	return s.registry.Cleanup(ctx)
}

// CleanupCluster sweeps instances that stopped answering liveness pings,
// removing their connections from rooms and closing rooms they abandoned.
// Intended to run on a cluster-wide schedule, not per instance.
func (s *Service) CleanupCluster(ctx context.Context) error {
	pruned, err := s.messenger.PruneDeadInstances(ctx)
	if err != nil {
		return err
	}

	for _, roomID := range pruned.InactiveRooms {
		room, err := s.registry.Get(ctx, roomID)
		if err != nil {
			return err
		}
		if room == nil {
			continue
		}

		for _, connection := range pruned.InactiveConnections {
			has, err := room.HasClient(ctx, connection)
			if err != nil {
				return err
			}
			if has {
				s.log.DebugContext(ctx, "removing dead connection from room",
					slog.String("connection", connection), slog.String("room", room.DisplayName()))
				if err := room.Leave(ctx, connection); err != nil {
					return err
				}
			}
		}

		closed, err := room.Close(ctx, CloseOptions{})
		if err != nil {
			return err
		}
		if closed {
			s.registry.Remove(room.ID)
		}
	}
	return nil
}
