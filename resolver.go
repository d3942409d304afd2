package precache

import (
	"context"
	"fmt"
	"net/http"

	serializer "github.com/always-cache/precache/pkg/response-serializer"
	"github.com/always-cache/precache/rfc9211"

	"github.com/rs/zerolog"
)

// detailNetworkError marks degraded responses in Cache-Status.
const detailNetworkError = "network-error"

// Resolve answers one intercepted request.
//
// GET requests are served from the cache when a stored response matches.
// Otherwise the network is asked and a successful response is stored before
// it is returned. If the network cannot be reached the result is the degraded
// response (503, empty body), which is never stored.
//
// Other methods go to the network untouched and never see the cache. A network
// failure for them is the only error Resolve returns.
func Resolve(ctx context.Context, c *Cache, f Fetcher, r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	log := zerolog.Ctx(ctx)
	var cs rfc9211.CacheStatus

	if r.Method != http.MethodGet {
		cs.Forward(rfc9211.FwdReasonMethod)
		res, err := f.Fetch(ctx, r)
		if err != nil {
			return nil, cs, fmt.Errorf("fetch %s %s: %w", r.Method, r.URL, err)
		}
		cs.FwdStatus = res.StatusCode
		return res, cs, nil
	}

	// lookup completes before the network is touched
	res, reason, err := c.Match(ctx, r)
	if err != nil {
		log.Error().Err(err).Msg("Could not read from cache")
	} else if res != nil {
		cs.Hit()
		return res, cs, nil
	}

	cs.Forward(reason)
	res, err = f.Fetch(ctx, r)
	if err == nil && res.Body == nil {
		res.Body = http.NoBody
	}
	if err == nil && storable(res) {
		// a body that cannot be read is as good as no response
		res, err = serializer.Clone(res)
	}
	if err != nil {
		log.Debug().Err(err).Msg("Network unavailable, sending degraded response")
		cs.Detail = detailNetworkError
		return DegradedResponse(r), cs, nil
	}
	cs.FwdStatus = res.StatusCode

	if !storable(res) {
		log.Trace().Int("status", res.StatusCode).Msg("Non-storable response")
		return res, cs, nil
	}
	if err := c.Put(ctx, r, res); err != nil {
		log.Error().Err(err).Msg("Could not write to cache")
		return res, cs, nil
	}
	cs.Stored = true
	return res, cs, nil
}

// DegradedResponse is the answer when neither cache nor network can serve a request.
func DegradedResponse(r *http.Request) *http.Response {
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       r,
	}
}
