// Package transporttest provides a recording transport.Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/collabkit/collab-server-go/transport"
)

// Recorder implements transport.Transport, capturing everything sent.
type Recorder struct {
	mu           sync.Mutex
	connections  map[string]bool
	sent         map[string][][]byte
	disconnected []string
}

func NewRecorder() *Recorder {
	return &Recorder{
		connections: make(map[string]bool),
		sent:        make(map[string][][]byte),
	}
}

// Connect registers a connection as locally held.
func (r *Recorder) Connect(connection string) {
	r.mu.Lock()
	r.connections[connection] = true
	r.mu.Unlock()
}

func (r *Recorder) Send(ctx context.Context, connection string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.sent[connection] = append(r.sent[connection], cp)
	return nil
}

func (r *Recorder) Has(connection string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections[connection]
}

func (r *Recorder) Disconnect(connection string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, connection)
	r.disconnected = append(r.disconnected, connection)
	return nil
}

// Sent returns all raw payloads sent to a connection.
func (r *Recorder) Sent(connection string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent[connection]))
	copy(out, r.sent[connection])
	return out
}

// Decoded unmarshals every payload sent to a connection into dest-shaped maps.
func (r *Recorder) Decoded(t *testing.T, connection string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range r.Sent(connection) {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("sent payload is not valid JSON: %v", err)
		}
		out = append(out, m)
	}
	return out
}

// Disconnected returns connections that were forcefully terminated.
func (r *Recorder) Disconnected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.disconnected))
	copy(out, r.disconnected)
	return out
}

// Reset clears recorded sends without dropping connections.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = make(map[string][][]byte)
	r.mu.Unlock()
}

var _ transport.Transport = (*Recorder)(nil)
