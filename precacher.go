package precache

import (
	"context"
	"fmt"
	"net/http"

	serializer "github.com/always-cache/precache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// DefaultConcurrency bounds the number of simultaneous precache fetches.
const DefaultConcurrency = 8

type precached struct {
	entry string
	req   *http.Request
	res   *http.Response
}

// Populate fetches every manifest entry and stores the responses.
// It is all or nothing: nothing is written unless every fetch succeeded
// with a storable response. The returned error is a *PrecacheError.
func Populate(ctx context.Context, c *Cache, f Fetcher, manifest []string) error {
	return populate(ctx, c, f, manifest, DefaultConcurrency)
}

func populate(ctx context.Context, c *Cache, f Fetcher, manifest []string, concurrency int) error {
	log := zerolog.Ctx(ctx)
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	p := pool.NewWithResults[precached]().
		WithMaxGoroutines(concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for _, entry := range manifest {
		p.Go(func(ctx context.Context) (precached, error) {
			return fetchEntry(ctx, c, f, entry)
		})
	}
	fetched, err := p.Wait()
	if err != nil {
		closeAll(fetched)
		return err
	}

	for i, pc := range fetched {
		if err := c.Put(ctx, pc.req, pc.res); err != nil {
			closeAll(fetched[i:])
			return &PrecacheError{Entry: pc.entry, Err: fmt.Errorf("store: %w", err)}
		}
		pc.res.Body.Close()
		log.Trace().Str("entry", pc.entry).Str("url", pc.req.URL.String()).Msg("Precached")
	}
	return nil
}

func fetchEntry(ctx context.Context, c *Cache, f Fetcher, entry string) (precached, error) {
	req, err := c.keyer.NewRequest(ctx, http.MethodGet, entry)
	if err != nil {
		return precached{}, &PrecacheError{Entry: entry, Err: err}
	}
	req.Header.Set("Sec-Fetch-Mode", ModeCORS)

	var res *http.Response
	if mf, ok := f.(ManifestFetcher); ok {
		res, err = mf.FetchManifestEntry(ctx, req)
	} else {
		res, err = f.Fetch(ctx, req)
	}
	if err != nil {
		return precached{}, &PrecacheError{Entry: entry, Err: err}
	}
	if res.Body == nil {
		res.Body = http.NoBody
	}
	if !storable(res) {
		res.Body.Close()
		return precached{}, &PrecacheError{
			Entry: entry,
			Err:   fmt.Errorf("response not storable (status %d)", res.StatusCode),
		}
	}
	// the pool context ends with Wait, so the body is read here
	if res, err = serializer.Clone(res); err != nil {
		return precached{}, &PrecacheError{Entry: entry, Err: err}
	}
	return precached{entry: entry, req: req, res: res}, nil
}

func closeAll(fetched []precached) {
	for _, pc := range fetched {
		if pc.res != nil && pc.res.Body != nil {
			pc.res.Body.Close()
		}
	}
}
