package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"zapbot/pkg/jsonfile"
)

// FileBackend keeps every entry in <dir>/lightningIdcache.json.
type FileBackend struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

// NewFileBackend loads the cache file under dir if present.
func NewFileBackend(dir string) (*FileBackend, error) {
	b := &FileBackend{path: filepath.Join(dir, "lightningIdcache.json"), entries: make(map[string]Entry)}
	if _, err := jsonfile.Load(b.path, &b.entries); err != nil {
		return nil, err
	}
	if b.entries == nil {
		b.entries = make(map[string]Entry)
	}
	return b, nil
}

func (b *FileBackend) Get(_ context.Context, pubkey string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[pubkey]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (b *FileBackend) Put(_ context.Context, pubkey string, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[pubkey] = e
	return jsonfile.Save(b.path, b.entries)
}

// RedisClient is the subset of the go-redis client the backend uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// RedisBackend stores entries as JSON under prefix+pubkey with a TTL.
type RedisBackend struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedisBackend(client RedisClient, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "zapbot:lightningid:"
	}
	if ttl <= 0 {
		ttl = DefaultFreshness
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

func (b *RedisBackend) Get(ctx context.Context, pubkey string) (*Entry, error) {
	raw, err := b.client.Get(ctx, b.prefix+pubkey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode cached entry: %w", err)
	}
	return &e, nil
}

func (b *RedisBackend) Put(ctx context.Context, pubkey string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.prefix+pubkey, raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
