package precache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"
	serializer "github.com/always-cache/precache/pkg/response-serializer"
	"github.com/always-cache/precache/rfc9211"
)

// Cache is an opened cache generation: a store addressed by request identity.
type Cache struct {
	store cache.Store
	keyer cachekey.CacheKeyer
}

// OpenCache opens (creating if absent) the cache generation with the given name.
func OpenCache(ctx context.Context, provider cache.Provider, name string, keyer cachekey.CacheKeyer) (*Cache, error) {
	store, err := provider.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	return NewCache(store, keyer), nil
}

func NewCache(store cache.Store, keyer cachekey.CacheKeyer) *Cache {
	return &Cache{store: store, keyer: keyer}
}

// Match returns the stored response for the request, if any.
// Only GET requests ever match. On a miss the reason tells whether nothing
// is stored for the URL (uri-miss) or only responses for other values of
// their Vary fields are (vary-miss).
func (c *Cache) Match(ctx context.Context, r *http.Request) (*http.Response, rfc9211.FwdReason, error) {
	if r.Method != http.MethodGet {
		return nil, rfc9211.FwdReasonMethod, nil
	}
	prefix := c.keyer.GetKeyPrefix(r)

	// a response without Vary is stored under the prefix itself
	bts, ok, err := c.store.Get(ctx, prefix)
	if err != nil {
		return nil, rfc9211.FwdReasonMiss, err
	}
	if ok {
		res, err := serializer.BytesToResponse(bts, r)
		if err != nil {
			return nil, rfc9211.FwdReasonMiss, fmt.Errorf("read stored response %q: %w", prefix, err)
		}
		return res, "", nil
	}

	entries, err := c.store.All(ctx, prefix)
	if err != nil {
		return nil, rfc9211.FwdReasonMiss, err
	}
	for _, ce := range entries {
		if !c.keyer.VaryMatches(ce.Key, r) {
			continue
		}
		res, err := serializer.BytesToResponse(ce.Bytes, r)
		if err != nil {
			return nil, rfc9211.FwdReasonMiss, fmt.Errorf("read stored response %q: %w", ce.Key, err)
		}
		return res, "", nil
	}
	if len(entries) > 0 {
		return nil, rfc9211.FwdReasonVaryMiss, nil
	}
	return nil, rfc9211.FwdReasonUriMiss, nil
}

// Put stores a snapshot of the response under the request's identity,
// replacing any previous entry. res.Body remains readable by the caller.
func (c *Cache) Put(ctx context.Context, r *http.Request, res *http.Response) error {
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		return err
	}
	key := c.keyer.AddVaryKeys(c.keyer.GetKeyPrefix(r), r, res)
	return c.store.Put(ctx, cache.CacheEntry{
		Key:      key,
		StoredAt: time.Now(),
		Bytes:    bts,
	})
}

// Keys lists the identity of every stored entry.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	return c.store.Keys(ctx)
}

// Delete removes the entry with the given key.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	return c.store.Delete(ctx, key)
}

// KeyURL returns the URL a key was stored for.
func (c *Cache) KeyURL(key string) (string, error) {
	return c.keyer.GetKeyURL(key)
}

// storable reports whether a network response may be stored.
// Only successful, complete responses that can be matched again are kept.
func storable(res *http.Response) bool {
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return false
	}
	if res.StatusCode == http.StatusPartialContent {
		return false
	}
	return !cachekey.VaryAll(res.Header)
}
