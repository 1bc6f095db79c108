// Package fileprovider loads a schema snapshot from a JSON file on disk and
// hot-reloads it when the file changes. Deployments that receive their schema
// graph out-of-band (rather than introspecting a live database) point this at
// the exported snapshot; subscribers are told about every reload so they can
// flush schema-derived caches.
package fileprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/collabkit/collab-server-go/schema"
)

// Provider implements schema.Provider backed by a JSON file.
type Provider struct {
	path string
	log  *slog.Logger

	mu       sync.RWMutex
	snapshot *schema.Schema
	subs     []func(*schema.Schema)
}

// New reads the snapshot at path. The file must exist and parse.
func New(path string, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{path: path, log: log}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Snapshot returns the current schema. The returned value is immutable; a
// reload swaps the pointer rather than mutating in place.
func (p *Provider) Snapshot() *schema.Schema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe registers fn to run after every successful reload.
func (p *Provider) Subscribe(fn func(*schema.Schema)) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// Reload re-reads the snapshot file and notifies subscribers. A parse failure
// leaves the previous snapshot in place.
func (p *Provider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read schema snapshot: %w", err)
	}

	var next schema.Schema
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse schema snapshot %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.snapshot = &next
	subs := make([]func(*schema.Schema), len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(&next)
	}

	return nil
}

// Watch blocks until ctx ends, reloading the snapshot whenever the file is
// written. Reload failures are logged and do not stop the watch.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.path); err != nil {
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.log.Error("schema snapshot reload failed", "path", p.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.log.Error("schema snapshot watch error", "path", p.path, "error", err)
		}
	}
}

var _ schema.Provider = (*Provider)(nil)
