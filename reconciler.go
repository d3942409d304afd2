package precache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Reconcile removes every entry whose URL does not end with some manifest entry.
// Matching is by suffix, not equality: a manifest entry "/" keeps every URL
// ending in a slash. Deletions run concurrently and Reconcile returns once all
// of them finished. The returned error is a *ReconcileError.
func Reconcile(ctx context.Context, c *Cache, manifest []string) error {
	log := zerolog.Ctx(ctx)

	keys, err := c.Keys(ctx)
	if err != nil {
		return &ReconcileError{Err: fmt.Errorf("list keys: %w", err)}
	}

	var (
		mu     sync.Mutex
		failed []string
	)
	p := pool.New().WithErrors().WithContext(ctx)
	for _, key := range keys {
		url, err := c.KeyURL(key)
		if err == nil && inManifest(url, manifest) {
			log.Trace().Str("key", key).Msg("Keeping manifest entry")
			continue
		}
		p.Go(func(ctx context.Context) error {
			if _, err := c.Delete(ctx, key); err != nil {
				mu.Lock()
				failed = append(failed, key)
				mu.Unlock()
				return fmt.Errorf("delete %q: %w", key, err)
			}
			log.Trace().Str("key", key).Msg("Deleted stale entry")
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return &ReconcileError{Keys: failed, Err: err}
	}
	return nil
}

func inManifest(url string, manifest []string) bool {
	for _, entry := range manifest {
		if strings.HasSuffix(url, entry) {
			return true
		}
	}
	return false
}
