package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/collabkit/collab-server-go/bus"
	"github.com/collabkit/collab-server-go/keystore"
	"github.com/collabkit/collab-server-go/transport"
)

// MessengerConfig controls cross-instance message routing.
type MessengerConfig struct {
	// BusTopic is the shared channel instances use to reach each other.
	BusTopic string `env:"COLLAB_BUS_TOPIC,default=collab.bus"`

	// InstanceTimeout is how long a liveness ping waits for a pong before an
	// instance is considered dead.
	InstanceTimeout time.Duration `env:"COLLAB_INSTANCE_TIMEOUT,default=10s"`
}

// NewMessengerConfigFromEnv loads messenger configuration from the
// environment.
func NewMessengerConfigFromEnv() *MessengerConfig {
	cfg := &MessengerConfig{}
	_ = envdecode.Decode(cfg)
	return cfg
}

// The instance registry lives in the shared store under a fixed id so every
// instance converges on the same record.
const (
	registryStoreID = "registry"
	instancesField  = "instances"
)

type instanceRecord struct {
	Clients []string `json:"clients"`
	Rooms   []string `json:"rooms"`
}

// RoomSignal is a cross-instance control signal addressed to a room rather
// than a client.
type RoomSignal struct {
	Room   string `json:"room"`
	Action string `json:"action"`
}

// envelope is the bus wire format between instances.
type envelope struct {
	Type     string          `json:"type"`
	Client   string          `json:"client,omitempty"`
	Room     string          `json:"room,omitempty"`
	Action   string          `json:"action,omitempty"`
	Instance string          `json:"instance,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Messenger routes messages to clients wherever their connection lives:
// locally held connections go straight to the transport, everything else is
// published on the bus for the owning instance to deliver. It also maintains
// the shared instance registry that maps instances to their connections and
// rooms.
type Messenger struct {
	ID string

	transport transport.Transport
	bus       bus.Bus
	store     keystore.Store
	log       *slog.Logger
	topic     string
	timeout   time.Duration

	mu          sync.Mutex
	listeners   map[string]func(RoomSignal)
	pongs       chan string
	unsubscribe func()
}

// NewMessenger creates a messenger for this instance. A nil cfg loads
// configuration from the environment; a nil log uses slog.Default.
func NewMessenger(cfg *MessengerConfig, tr transport.Transport, b bus.Bus, store keystore.Store, log *slog.Logger) *Messenger {
	if cfg == nil {
		cfg = NewMessengerConfigFromEnv()
	}
	if log == nil {
		log = slog.Default()
	}
	topic := cfg.BusTopic
	if topic == "" {
		topic = "collab.bus"
	}
	timeout := cfg.InstanceTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Messenger{
		ID:        uuid.NewString(),
		transport: tr,
		bus:       b,
		store:     store,
		log:       log,
		topic:     topic,
		timeout:   timeout,
		listeners: make(map[string]func(RoomSignal)),
	}
}

// Start subscribes to the shared channel and registers this instance in the
// shared registry.
func (m *Messenger) Start(ctx context.Context) error {
	unsubscribe, err := m.bus.Subscribe(ctx, m.topic, m.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", m.topic, err)
	}
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	return m.store.Update(ctx, registryStoreID, func(tx keystore.Tx) error {
		instances, err := readInstances(tx)
		if err != nil {
			return err
		}
		if _, ok := instances[m.ID]; !ok {
			instances[m.ID] = instanceRecord{Clients: []string{}, Rooms: []string{}}
		}
		return tx.Set(instancesField, instances)
	})
}

// Close deregisters this instance and stops consuming the shared channel.
func (m *Messenger) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.mu.Unlock()

	return m.store.Update(ctx, registryStoreID, func(tx keystore.Tx) error {
		instances, err := readInstances(tx)
		if err != nil {
			return err
		}
		delete(instances, m.ID)
		return tx.Set(instancesField, instances)
	})
}

func readInstances(tx keystore.Tx) (map[string]instanceRecord, error) {
	instances := make(map[string]instanceRecord)
	if _, err := tx.Get(instancesField, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

func (m *Messenger) updateOwnRecord(ctx context.Context, fn func(rec *instanceRecord)) error {
	return m.store.Update(ctx, registryStoreID, func(tx keystore.Tx) error {
		instances, err := readInstances(tx)
		if err != nil {
			return err
		}
		rec := instances[m.ID]
		fn(&rec)
		instances[m.ID] = rec
		return tx.Set(instancesField, instances)
	})
}

// AddConnection records a locally-held connection in the shared registry.
// Duplicate registration is a no-op.
func (m *Messenger) AddConnection(ctx context.Context, connection string) error {
	return m.updateOwnRecord(ctx, func(rec *instanceRecord) {
		if !slices.Contains(rec.Clients, connection) {
			rec.Clients = append(rec.Clients, connection)
		}
	})
}

// RemoveConnection drops a connection from the shared registry.
func (m *Messenger) RemoveConnection(ctx context.Context, connection string) error {
	return m.updateOwnRecord(ctx, func(rec *instanceRecord) {
		rec.Clients = slices.DeleteFunc(rec.Clients, func(c string) bool { return c == connection })
	})
}

// RegisterRoom records that this instance holds the room locally.
func (m *Messenger) RegisterRoom(ctx context.Context, room string) error {
	return m.updateOwnRecord(ctx, func(rec *instanceRecord) {
		if !slices.Contains(rec.Rooms, room) {
			rec.Rooms = append(rec.Rooms, room)
		}
	})
}

// UnregisterRoom drops a room from this instance's registry record.
func (m *Messenger) UnregisterRoom(ctx context.Context, room string) error {
	return m.updateOwnRecord(ctx, func(rec *instanceRecord) {
		rec.Rooms = slices.DeleteFunc(rec.Rooms, func(r string) bool { return r == room })
	})
}

// GlobalRooms returns every room registered by any live instance.
func (m *Messenger) GlobalRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	err := m.store.Update(ctx, registryStoreID, func(tx keystore.Tx) error {
		instances, err := readInstances(tx)
		if err != nil {
			return err
		}
		for _, rec := range instances {
			for _, room := range rec.Rooms {
				if !slices.Contains(rooms, room) {
					rooms = append(rooms, room)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// GlobalConnections returns every connection registered by any live instance.
func (m *Messenger) GlobalConnections(ctx context.Context) ([]string, error) {
	var connections []string
	err := m.store.Update(ctx, registryStoreID, func(tx keystore.Tx) error {
		instances, err := readInstances(tx)
		if err != nil {
			return err
		}
		for _, rec := range instances {
			for _, c := range rec.Clients {
				if !slices.Contains(connections, c) {
					connections = append(connections, c)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return connections, nil
}

// HasLocal reports whether this instance holds the connection.
func (m *Messenger) HasLocal(connection string) bool {
	return m.transport.Has(connection)
}

// SendClient delivers a message to a connection, bypassing the bus when the
// connection is held locally.
func (m *Messenger) SendClient(ctx context.Context, connection string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if m.transport.Has(connection) {
		return m.transport.Send(ctx, connection, data)
	}
	return m.publish(ctx, envelope{Type: "send", Client: connection, Data: data})
}

// SendError delivers an error message to a connection.
func (m *Messenger) SendError(ctx context.Context, connection string, room string, code, reason string) error {
	return m.SendClient(ctx, connection, Message{
		Type:   MessageType,
		Room:   room,
		Action: ServerError,
		Code:   code,
		Reason: reason,
	})
}

// Terminate forcefully disconnects a connection wherever it lives.
func (m *Messenger) Terminate(ctx context.Context, connection string) error {
	if m.transport.Has(connection) {
		return m.transport.Disconnect(connection)
	}
	return m.publish(ctx, envelope{Type: "terminate", Client: connection})
}

// SendRoom broadcasts a control signal to the room's listener on every
// instance, including this one.
func (m *Messenger) SendRoom(ctx context.Context, room, action string) error {
	return m.publish(ctx, envelope{Type: "room", Room: room, Action: action})
}

// SetRoomListener installs the handler invoked for control signals addressed
// to the room. At most one listener per room.
func (m *Messenger) SetRoomListener(room string, fn func(RoomSignal)) {
	m.mu.Lock()
	m.listeners[room] = fn
	m.mu.Unlock()
}

// RemoveRoomListener uninstalls the room's control-signal handler.
func (m *Messenger) RemoveRoomListener(room string) {
	m.mu.Lock()
	delete(m.listeners, room)
	m.mu.Unlock()
}

func (m *Messenger) publish(ctx context.Context, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return m.bus.Publish(ctx, m.topic, payload)
}

func (m *Messenger) handle(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.log.WarnContext(ctx, "dropping malformed bus envelope", slog.String("err", err.Error()))
		return
	}

	switch env.Type {
	case "send":
		if m.transport.Has(env.Client) {
			if err := m.transport.Send(ctx, env.Client, env.Data); err != nil {
				m.log.WarnContext(ctx, "failed to deliver relayed message",
					slog.String("connection", env.Client), slog.String("err", err.Error()))
			}
		}

	case "terminate":
		if m.transport.Has(env.Client) {
			_ = m.transport.Disconnect(env.Client)
		}

	case "room":
		m.mu.Lock()
		fn := m.listeners[env.Room]
		m.mu.Unlock()
		if fn != nil {
			fn(RoomSignal{Room: env.Room, Action: env.Action})
		}

	case "ping":
		if env.Instance == m.ID {
			_ = m.publish(ctx, envelope{Type: "pong", Instance: m.ID})
		}

	case "pong":
		m.mu.Lock()
		pongs := m.pongs
		m.mu.Unlock()
		if pongs != nil {
			select {
			case pongs <- env.Instance:
			default:
			}
		}
	}
}

// PruneResult reports the outcome of a dead-instance sweep.
type PruneResult struct {
	// InactiveConnections and InactiveRooms belonged to instances that did not
	// answer the liveness ping and were removed from the registry.
	InactiveConnections []string
	InactiveRooms       []string

	// ActiveConnections are the connections of instances that remain.
	ActiveConnections []string
}

// PruneDeadInstances pings every other registered instance and removes those
// that do not answer within the instance timeout. Registry updates made by
// other instances while the sweep is waiting are preserved.
func (m *Messenger) PruneDeadInstances(ctx context.Context) (PruneResult, error) {
	var snapshot map[string]instanceRecord
	err := m.store.Update(ctx, registryStoreID, func(tx keystore.Tx) error {
		var err error
		snapshot, err = readInstances(tx)
		return err
	})
	if err != nil {
		return PruneResult{}, err
	}

	var others []string
	for id := range snapshot {
		if id != m.ID {
			others = append(others, id)
		}
	}

	alive := map[string]bool{m.ID: true}
	if len(others) > 0 {
		pongs := make(chan string, len(others))
		m.mu.Lock()
		m.pongs = pongs
		m.mu.Unlock()

		for _, id := range others {
			if err := m.publish(ctx, envelope{Type: "ping", Instance: id}); err != nil {
				return PruneResult{}, err
			}
		}

		deadline := time.NewTimer(m.timeout)
		defer deadline.Stop()
	wait:
		for len(alive) < len(snapshot) {
			select {
			case id := <-pongs:
				alive[id] = true
			case <-deadline.C:
				break wait
			case <-ctx.Done():
				break wait
			}
		}

		m.mu.Lock()
		m.pongs = nil
		m.mu.Unlock()
	}

	var result PruneResult
	err = m.store.Update(ctx, registryStoreID, func(tx keystore.Tx) error {
		result = PruneResult{}
		instances, err := readInstances(tx)
		if err != nil {
			return err
		}
		for id, rec := range instances {
			// Instances registered after the snapshot count as alive.
			if _, known := snapshot[id]; known && !alive[id] {
				result.InactiveConnections = append(result.InactiveConnections, rec.Clients...)
				result.InactiveRooms = append(result.InactiveRooms, rec.Rooms...)
				delete(instances, id)
				continue
			}
			result.ActiveConnections = append(result.ActiveConnections, rec.Clients...)
		}
		return tx.Set(instancesField, instances)
	})
	if err != nil {
		return PruneResult{}, err
	}

	if len(result.InactiveConnections) > 0 || len(result.InactiveRooms) > 0 {
		m.log.InfoContext(ctx, "pruned dead instances",
			slog.Int("connections", len(result.InactiveConnections)),
			slog.Int("rooms", len(result.InactiveRooms)))
	}
	return result, nil
}
