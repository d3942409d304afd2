package cachekey

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrMalformedKey = errors.New("malformed cache key")

const (
	methodSeparator = ":"
	varySeparator   = "\t"
	varyLine        = "\n"
	varyValue       = ": "
)

// CacheKeyer builds request identities.
// A key is the request method, the absolute request URL and, for responses
// that vary, the request values of every field named by the response's
// Vary header:
//
//	GET:https://example.com/app.js\t\naccept-encoding: gzip
type CacheKeyer struct {
	// Scope resolves relative request URLs.
	// Proxied requests only carry a path, so the origin URL goes here.
	Scope *url.URL
}

func NewCacheKeyer(scope *url.URL) CacheKeyer {
	return CacheKeyer{Scope: scope}
}

// URL returns the absolute URL of the request as used in keys.
// Without a scope, a relative request URL is used as is.
func (c CacheKeyer) URL(r *http.Request) string {
	u := r.URL
	if !u.IsAbs() && c.Scope != nil {
		u = c.Scope.ResolveReference(u)
	}
	u = stripFragment(u)
	return u.String()
}

// NewRequest creates a request for a resource reference (a path or an
// absolute URL), resolved against the scope.
func (c CacheKeyer) NewRequest(ctx context.Context, method, ref string) (*http.Request, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	if !u.IsAbs() && c.Scope != nil {
		u = c.Scope.ResolveReference(u)
	}
	return http.NewRequestWithContext(ctx, method, u.String(), nil)
}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	return r.Method + methodSeparator + c.URL(r) + varySeparator
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
// A field absent from the request is recorded with an empty value.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) string {
	key := prefix
	for _, name := range VaryFields(res.Header) {
		key = key + varyLine + strings.ToLower(name) + varyValue + req.Header.Get(name)
	}
	return key
}

// VaryMatches reports whether the request has the same values as the ones
// recorded in the key for every varying field.
func (c CacheKeyer) VaryMatches(key string, req *http.Request) bool {
	_, vary, found := strings.Cut(key, varySeparator)
	if !found {
		return false
	}
	for _, line := range strings.Split(vary, varyLine) {
		if line == "" {
			continue
		}
		name, value, _ := strings.Cut(line, varyValue)
		if req.Header.Get(name) != value {
			return false
		}
	}
	return true
}

// GetKeyURL returns the URL part of a key.
func (c CacheKeyer) GetKeyURL(key string) (string, error) {
	keyNoVary, _, found := strings.Cut(key, varySeparator)
	if !found {
		return "", fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	_, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return "", fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return uri, nil
}

// VaryFields returns the field names listed in the Vary header(s).
func VaryFields(header http.Header) []string {
	fields := make([]string, 0)
	for _, line := range header.Values("Vary") {
		for _, field := range strings.Split(line, ",") {
			if field = strings.TrimSpace(field); field != "" {
				fields = append(fields, field)
			}
		}
	}
	return fields
}

// VaryAll reports whether the response varies on everything ("Vary: *").
// Such a response can never be matched, so it is never stored.
func VaryAll(header http.Header) bool {
	for _, field := range VaryFields(header) {
		if field == "*" {
			return true
		}
	}
	return false
}

func stripFragment(u *url.URL) *url.URL {
	if u.Fragment == "" && u.RawFragment == "" {
		return u
	}
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	return &cp
}
