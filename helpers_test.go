package precache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network unreachable")

// network is a fake network serving fixed bodies by path.
type network struct {
	mu      sync.Mutex
	bodies  map[string]string
	header  map[string]http.Header
	calls   map[string]int
	modes   map[string]string
	offline bool
	failing map[string]bool
}

func newNetwork(bodies map[string]string) *network {
	return &network{
		bodies:  bodies,
		header:  make(map[string]http.Header),
		calls:   make(map[string]int),
		modes:   make(map[string]string),
		failing: make(map[string]bool),
	}
}

func (n *network) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	path := r.URL.Path
	n.calls[path]++
	n.modes[path] = r.Header.Get("Sec-Fetch-Mode")
	if n.offline || n.failing[path] {
		return nil, errOffline
	}
	body, ok := n.bodies[path]
	res := &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Request:    r,
	}
	if !ok {
		res.StatusCode, res.Status, body = http.StatusNotFound, "404 Not Found", "not found"
	}
	for k, vv := range n.header[path] {
		res.Header[k] = vv
	}
	res.Body = io.NopCloser(strings.NewReader(body))
	res.ContentLength = int64(len(body))
	return res, nil
}

func (n *network) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *network) fail(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[path] = true
}

func (n *network) callCount(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *network) mode(path string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.modes[path]
}

func (n *network) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

var testScope = &url.URL{Scheme: "https", Host: "example.com", Path: "/"}

func testContext() context.Context {
	log := zerolog.Nop()
	return log.WithContext(context.Background())
}

func newTestCache(t *testing.T, provider cache.Provider, name string) *Cache {
	t.Helper()
	c, err := OpenCache(context.Background(), provider, name, cachekey.NewCacheKeyer(testScope))
	require.NoError(t, err)
	return c
}

func newTestWorker(t *testing.T, provider cache.Provider, name string, manifest []string, f Fetcher) *Worker {
	t.Helper()
	log := zerolog.Nop()
	w, err := New(Config{
		CacheName: name,
		Manifest:  manifest,
		Provider:  provider,
		Fetcher:   f,
		Scope:     testScope,
		Logger:    &log,
	})
	require.NoError(t, err)
	return w
}

func get(path string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, path, nil)
	return r
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func urlsOf(t *testing.T, c *Cache) []string {
	t.Helper()
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		u, err := c.KeyURL(key)
		require.NoError(t, err)
		urls = append(urls, u)
	}
	return urls
}
