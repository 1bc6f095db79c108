// Package redis provides a Redis-backed implementation of keystore.Store.
// Each session id maps to one Redis hash; transactions use optimistic WATCH
// so read-modify-write sequences for the same id never interleave.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/collabkit/collab-server-go/keystore"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: COLLAB_STORE_KEY_PREFIX
	KeyPrefix string `env:"COLLAB_STORE_KEY_PREFIX,default=collab:store:"`
	// MaxRetries bounds optimistic transaction retries before giving up.
	// ENV: COLLAB_STORE_MAX_RETRIES
	MaxRetries int `env:"COLLAB_STORE_MAX_RETRIES,default=64"`
}

// Store implements keystore.Store on a Redis hash per session id.
type Store struct {
	client     *redis.Client
	keyPrefix  string
	maxRetries int
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "collab:store:"
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 64
	}
	return &Store{client: cl, keyPrefix: prefix, maxRetries: retries}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client, for callers that share one
// connection pool across subsystems.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "collab:store:"
	}
	return &Store{client: client, keyPrefix: keyPrefix, maxRetries: 64}
}

func (s *Store) key(id string) string { return s.keyPrefix + id }

// Update implements keystore.Store via WATCH/MULTI/EXEC. The whole
// transaction is retried when another writer touches the hash mid-flight.
func (s *Store) Update(ctx context.Context, id string, fn func(tx keystore.Tx) error) error {
	key := s.key(id)

	txf := func(rtx *redis.Tx) error {
		fields, err := rtx.HGetAll(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}

		t := &tx{base: fields, writes: make(map[string][]byte), deletes: make(map[string]struct{})}
		if err := fn(t); err != nil {
			return err
		}

		if len(t.writes) == 0 && len(t.deletes) == 0 {
			return nil
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if sets := t.pendingSets(); len(sets) > 0 {
				pipe.HSet(ctx, key, sets)
			}
			if dels := t.pendingDeletes(); len(dels) > 0 {
				pipe.HDel(ctx, key, dels...)
			}
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return keystore.ErrConflict
}

func (s *Store) Close() error { return s.client.Close() }

// tx buffers reads against the watched snapshot and writes for the pipeline.
type tx struct {
	base    map[string]string
	writes  map[string][]byte
	deletes map[string]struct{}
}

func (t *tx) current(field string) ([]byte, bool) {
	if _, gone := t.deletes[field]; gone {
		return nil, false
	}
	if raw, ok := t.writes[field]; ok {
		return raw, true
	}
	raw, ok := t.base[field]
	if !ok {
		return nil, false
	}
	return []byte(raw), true
}

func (t *tx) Has(field string) (bool, error) {
	_, ok := t.current(field)
	return ok, nil
}

func (t *tx) Get(field string, dest any) (bool, error) {
	raw, ok := t.current(field)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (t *tx) Set(field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	delete(t.deletes, field)
	t.writes[field] = raw
	return nil
}

func (t *tx) Delete(field string) error {
	delete(t.writes, field)
	t.deletes[field] = struct{}{}
	return nil
}

func (t *tx) pendingSets() map[string]any {
	if len(t.writes) == 0 {
		return nil
	}
	sets := make(map[string]any, len(t.writes))
	for k, v := range t.writes {
		sets[k] = v
	}
	return sets
}

func (t *tx) pendingDeletes() []string {
	if len(t.deletes) == 0 {
		return nil
	}
	dels := make([]string, 0, len(t.deletes))
	for k := range t.deletes {
		dels = append(dels, k)
	}
	return dels
}

var (
	_ keystore.Store = (*Store)(nil)
	_ keystore.Tx    = (*tx)(nil)
)
