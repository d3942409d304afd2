package cache

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProvider keeps each store in a Redis hash named after the cache.
// Entry bytes and store times live in two sibling hashes.
type RedisProvider struct {
	client *redis.Client
	prefix string
}

// RedisProviderConfig holds configuration for the Redis provider.
type RedisProviderConfig struct {
	Addr      string // Redis address (e.g. "localhost:6379")
	Password  string // Redis password
	DB        int    // Redis database number
	KeyPrefix string // Key prefix for namespacing (default: "precache:")
}

func NewRedisProvider(cfg RedisProviderConfig) *RedisProvider {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisProviderFromClient(client, cfg.KeyPrefix)
}

// NewRedisProviderFromClient creates a provider using an existing client.
func NewRedisProviderFromClient(client *redis.Client, prefix string) *RedisProvider {
	if prefix == "" {
		prefix = "precache:"
	}
	return &RedisProvider{
		client: client,
		prefix: prefix,
	}
}

func (p *RedisProvider) Open(ctx context.Context, name string) (Store, error) {
	if err := p.client.Ping(ctx).Err(); err != nil {
		if err == redis.ErrClosed {
			return nil, ErrClosed
		}
		return nil, err
	}
	return RedisStore{
		client:   p.client,
		bytesKey: p.prefix + name,
		timesKey: p.prefix + name + ":stored-at",
	}, nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}

type RedisStore struct {
	client   *redis.Client
	bytesKey string
	timesKey string
}

// scanCount is the COUNT hint for HSCAN.
const scanCount = 100

// All scans the hash for fields matching the prefix instead of loading it whole.
// Store times come back in a single HMGET.
func (s RedisStore) All(ctx context.Context, prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	seen := make(map[string]bool)
	iter := s.client.HScan(ctx, s.bytesKey, 0, matchPrefix(prefix), scanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		// HSCAN may return a field more than once
		if !strings.HasPrefix(key, prefix) || seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, CacheEntry{Key: key, Bytes: []byte(iter.Val())})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}

	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	times, err := s.client.HMGet(ctx, s.timesKey, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, val := range times {
		if str, ok := val.(string); ok {
			if unix, err := strconv.ParseInt(str, 10, 64); err == nil {
				entries[i].StoredAt = time.Unix(unix, 0)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// matchPrefix returns the SCAN MATCH pattern for fields starting with prefix.
func matchPrefix(prefix string) string {
	var b strings.Builder
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '\\', '*', '?', '[', ']':
			b.WriteByte('\\')
		}
		b.WriteByte(prefix[i])
	}
	b.WriteByte('*')
	return b.String()
}

func (s RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.HGet(ctx, s.bytesKey, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s RedisStore) Put(ctx context.Context, ce CacheEntry) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.bytesKey, ce.Key, ce.Bytes)
		pipe.HSet(ctx, s.timesKey, ce.Key, strconv.FormatInt(ce.StoredAt.Unix(), 10))
		return nil
	})
	return err
}

func (s RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.bytesKey, key)
		pipe.HDel(ctx, s.timesKey, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.bytesKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
