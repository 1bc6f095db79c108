package collab

import (
	"github.com/collabkit/collab-server-go/identity"
)

// MessageType tags every payload delivered to clients by this package.
const MessageType = "collab"

// ServerAction enumerates the message kinds a session sends to clients.
type ServerAction string

const (
	ServerJoin    ServerAction = "join"
	ServerInit    ServerAction = "init"
	ServerLeave   ServerAction = "leave"
	ServerUpdate  ServerAction = "update"
	ServerDiscard ServerAction = "discard"
	ServerFocus   ServerAction = "focus"
	ServerSave    ServerAction = "save"
	ServerDelete  ServerAction = "delete"
	ServerError   ServerAction = "error"
)

// Color identifies a participant visually. Assigned once at join time and
// stable for the connection's lifetime.
type Color string

// Colors is the palette drawn from at join time. Colors already in use in a
// room are avoided; once the palette is exhausted it is reused.
var Colors = []Color{"purple", "blue", "green", "yellow", "orange", "red", "pink", "teal"}

// Client is one participant of a room.
type Client struct {
	Connection string            `json:"connection"`
	Identity   identity.Identity `json:"identity"`
	Color      Color             `json:"color"`
}

// Presence is the roster entry sent to clients in INIT messages.
type Presence struct {
	User       string `json:"user"`
	Connection string `json:"connection"`
	Color      Color  `json:"color"`
}

// Message is the wire shape for everything a session sends to a client. Which
// members are populated depends on Action.
type Message struct {
	Type   string       `json:"type"`
	Room   string       `json:"room,omitempty"`
	Action ServerAction `json:"action"`

	// Init members.
	Collection string            `json:"collection,omitempty"`
	Item       string            `json:"item,omitempty"`
	Version    string            `json:"version,omitempty"`
	Focuses    map[string]string `json:"focuses,omitempty"`
	Users      []Presence        `json:"users,omitempty"`

	// Update/discard/focus members.
	Changes any      `json:"changes,omitempty"`
	Field   string   `json:"field,omitempty"`
	Fields  []string `json:"fields,omitempty"`

	// Join/leave/focus attribution.
	User       string `json:"user,omitempty"`
	Connection string `json:"connection,omitempty"`
	Color      Color  `json:"color,omitempty"`

	// Error members.
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Event is a data-layer mutation notification routed to sessions.
type Event struct {
	Collection string         `json:"collection"`
	Action     string         `json:"action"`
	Keys       []string       `json:"keys,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}
