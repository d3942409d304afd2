package precache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	tee "github.com/always-cache/precache/pkg/response-writer-tee"
)

// ModeCORS is the cross-origin-safe request mode used for precache fetches.
// It is sent to the network as the Sec-Fetch-Mode header.
const ModeCORS = "cors"

// Fetcher performs network fetches.
// An error means the network could not be reached at all; any HTTP status,
// including errors, is a completed fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// ManifestFetcher is implemented by fetchers that can reach hosts other than
// their own. Populate uses it for manifest entries, so absolute manifest URLs
// may point at e.g. a CDN. Intercepted requests never go through it.
type ManifestFetcher interface {
	FetchManifestEntry(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// OriginFetcher fetches from a remote origin server.
// Fetch always sends to the origin, whatever host the request names.
type OriginFetcher struct {
	originURL  url.URL
	hostHeader string
	// originClient talks to the origin, with the configured TLS server name.
	originClient *http.Client
	// client talks to any other host named by a manifest entry.
	client *http.Client
}

// NewOriginFetcher creates a fetcher for the origin.
// originHost is the hostname to use for HTTP requests and TLS negotiation,
// needed if e.g. the origin URL is just an IP address.
func NewOriginFetcher(originURL url.URL, originHost string) *OriginFetcher {
	f := &OriginFetcher{
		originURL:    originURL,
		hostHeader:   originURL.Host,
		originClient: newClient(newTransport()),
		client:       newClient(newTransport()),
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		f.hostHeader = originHost
		transport := newTransport()
		transport.TLSClientConfig = &tls.Config{
			ServerName: originHost,
		}
		f.originClient = newClient(transport)
	}
	return f
}

func newTransport() *http.Transport {
	return http.DefaultTransport.(*http.Transport).Clone()
}

func newClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Fetch sends the request to the origin. The incoming request is not modified.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	target := *r.URL
	target.Scheme = f.originURL.Scheme
	target.Host = f.originURL.Host
	target.User = nil

	req, err := f.newRequest(ctx, r, target)
	if err != nil {
		return nil, err
	}
	req.Host = f.hostHeader
	return f.originClient.Do(req)
}

// FetchManifestEntry sends the request to the host it names. Relative
// requests and requests for the origin host are sent to the origin.
func (f *OriginFetcher) FetchManifestEntry(ctx context.Context, r *http.Request) (*http.Response, error) {
	if !r.URL.IsAbs() || r.URL.Host == f.originURL.Host {
		return f.Fetch(ctx, r)
	}
	req, err := f.newRequest(ctx, r, *r.URL)
	if err != nil {
		return nil, err
	}
	return f.client.Do(req)
}

func (f *OriginFetcher) newRequest(ctx context.Context, r *http.Request, target url.URL) (*http.Request, error) {
	target.Fragment, target.RawFragment = "", ""
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, fmt.Errorf("create origin request: %w", err)
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	return req, nil
}

// HandlerFetcher treats an http.Handler as the network.
// This is what Worker.Middleware uses.
type HandlerFetcher struct {
	Handler http.Handler
}

// Fetch runs the handler and returns its recorded response.
// A panicking handler counts as a network failure.
func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (res *http.Response, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if v := recover(); v != nil {
			res, err = nil, fmt.Errorf("handler panic: %v", v)
		}
	}()
	rw := tee.NewResponseSaver()
	f.Handler.ServeHTTP(rw, r.Clone(ctx))
	return rw.Result(r), nil
}

// hopHeaders are not forwarded in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	// some servers do not like the presence of these headers in the downstream request
	"X-Forwarded-For":   true,
	"X-Forwarded-Proto": true,
	"X-Forwarded-Host":  true,
}

// copyHeader copies end-to-end headers: hop-by-hop headers and the headers
// named in Connection are left out.
func copyHeader(dst, src http.Header) {
	connection := make(map[string]bool)
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connection[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for k, vv := range src {
		k = http.CanonicalHeaderKey(k)
		if hopHeaders[k] || connection[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
