package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/joeshaw/envdecode"

	"github.com/collabkit/collab-server-go/bus"
	"github.com/collabkit/collab-server-go/identity"
)

// CacheConfig controls the decision cache.
type CacheConfig struct {
	// Capacity is the maximum number of cached decisions before LRU eviction.
	Capacity int `env:"COLLAB_PERMISSIONS_CACHE_CAPACITY,default=500"`

	// UsersCollection names the collection whose mutations invalidate cached
	// decisions of the affected identities.
	UsersCollection string `env:"COLLAB_PERMISSIONS_USERS_COLLECTION,default=users"`

	// MetadataCollections are the policy-bearing collections whose mutations
	// wipe the whole cache.
	MetadataCollections []string `env:"COLLAB_PERMISSIONS_METADATA_COLLECTIONS,default=permissions;roles;policies"`
}

// NewCacheConfigFromEnv loads cache configuration from the environment.
func NewCacheConfigFromEnv() *CacheConfig {
	cfg := &CacheConfig{}
	_ = envdecode.Decode(cfg)
	return cfg
}

// Event is a mutation notification consumed for cache invalidation.
type Event struct {
	Collection string   `json:"collection"`
	Action     string   `json:"action,omitempty"`
	Keys       []string `json:"keys,omitempty"`
}

type cacheEntry struct {
	user       string
	collection string
	item       string
	action     Action
	fields     []string
	deps       []string
	expiresAt  time.Time
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a capacity-bounded, TTL-aware decision cache. Every invalidation
// advances a generation counter so in-flight evaluations that started before
// the invalidation cannot write stale decisions back.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, *cacheEntry]
	gen      uint64
	users    string
	metadata map[string]struct{}
	now      func() time.Time
}

// NewCache creates a decision cache. A nil cfg loads configuration from the
// environment.
func NewCache(cfg *CacheConfig) (*Cache, error) {
	if cfg == nil {
		cfg = NewCacheConfigFromEnv()
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 500
	}
	users := cfg.UsersCollection
	if users == "" {
		users = "users"
	}
	metadata := cfg.MetadataCollections
	if len(metadata) == 0 {
		metadata = []string{"permissions", "roles", "policies"}
	}

	entries, err := lru.New[string, *cacheEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}

	c := &Cache{
		entries:  entries,
		gen:      1,
		users:    users,
		metadata: make(map[string]struct{}, len(metadata)),
		now:      time.Now,
	}
	for _, m := range metadata {
		c.metadata[m] = struct{}{}
	}
	return c, nil
}

func cacheKey(id identity.Identity, collection, item string, action Action) string {
	return strings.Join([]string{id.Fingerprint(), collection, item, string(action)}, "\x1f")
}

// Get returns the cached field set for the lookup, if present and unexpired.
func (c *Cache) Get(id identity.Identity, collection, item string, action Action) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(id, collection, item, action)
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if e.isExpired(c.now()) {
		c.entries.Remove(key)
		return nil, false
	}
	return slices.Clone(e.fields), true
}

// Set stores a decision. A ttl of zero or less means the entry never expires
// on its own.
func (c *Cache) Set(id identity.Identity, collection, item string, action Action, fields, deps []string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(id, collection, item, action, fields, deps, ttl)
}

// SetIfGeneration stores a decision only if no invalidation happened since the
// generation snapshot was taken. It reports whether the entry was stored.
func (c *Cache) SetIfGeneration(gen uint64, id identity.Identity, collection, item string, action Action, fields, deps []string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.set(id, collection, item, action, fields, deps, ttl)
	return true
}

func (c *Cache) set(id identity.Identity, collection, item string, action Action, fields, deps []string, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.entries.Add(cacheKey(id, collection, item, action), &cacheEntry{
		user:       id.User,
		collection: collection,
		item:       item,
		action:     action,
		fields:     slices.Clone(fields),
		deps:       slices.Clone(deps),
		expiresAt:  expiresAt,
	})
}

// Generation returns the current invalidation generation.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Len returns the number of cached decisions, including unexpired ones only
// as far as the LRU tracks them.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Clear drops every cached decision and advances the generation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.bumpGen()
}

// Invalidate drops cached decisions affected by a mutation event and advances
// the generation. Mutations of metadata collections wipe the whole cache;
// mutations of the users collection additionally drop every decision cached
// for the affected identities; dependency tags widen the blast radius to
// decisions that referenced the mutated records.
func (c *Cache) Invalidate(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.metadata[ev.Collection]; ok {
		c.entries.Purge()
		c.bumpGen()
		return
	}

	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if c.entryMatches(e, ev) {
			c.entries.Remove(key)
		}
	}
	c.bumpGen()
}

func (c *Cache) entryMatches(e *cacheEntry, ev Event) bool {
	if ev.Collection == c.users {
		if len(ev.Keys) == 0 || slices.Contains(ev.Keys, e.user) {
			return true
		}
	}
	if e.collection == ev.Collection {
		if len(ev.Keys) == 0 || e.item == "" || slices.Contains(ev.Keys, e.item) {
			return true
		}
	}
	for _, dep := range e.deps {
		coll, key, tagged := strings.Cut(dep, ":")
		if coll != ev.Collection {
			continue
		}
		if !tagged || len(ev.Keys) == 0 || slices.Contains(ev.Keys, key) {
			return true
		}
	}
	return false
}

// Generation zero is reserved for "no snapshot taken".
func (c *Cache) bumpGen() {
	c.gen++
	if c.gen == 0 {
		c.gen = 1
	}
}

// Bind subscribes the cache to mutation events published on topic. The
// returned function cancels the subscription.
func (c *Cache) Bind(ctx context.Context, b bus.Bus, topic string) (func(), error) {
	return b.Subscribe(ctx, topic, func(ctx context.Context, payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		c.Invalidate(ev)
	})
}
