package cachekey

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
)

func mustScope(t *testing.T) *url.URL {
	scope, err := url.Parse("http://dev.localhost")
	if err != nil {
		t.Fatal(err)
	}
	return scope
}

func TestKeyPrefixUsesAbsoluteURL(t *testing.T) {
	keygen := NewCacheKeyer(mustScope(t))
	relative, _ := http.NewRequest("GET", "/app.js?v=1#top", nil)
	absolute, _ := http.NewRequest("GET", "http://dev.localhost/app.js?v=1", nil)
	if a, b := keygen.GetKeyPrefix(relative), keygen.GetKeyPrefix(absolute); a != b {
		t.Fatalf("Keys differ: %q %q", a, b)
	}
	if key := keygen.GetKeyPrefix(absolute); key != "GET:http://dev.localhost/app.js?v=1\t" {
		t.Fatalf("Key is %q", key)
	}
}

func TestKeyWithoutScope(t *testing.T) {
	keygen := NewCacheKeyer(nil)
	r, _ := http.NewRequest("GET", "/page", nil)
	if key := keygen.GetKeyPrefix(r); key != "GET:/page\t" {
		t.Fatalf("Key is %q", key)
	}
}

func TestVaryKeys(t *testing.T) {
	keygen := NewCacheKeyer(mustScope(t))
	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	res := &http.Response{Header: http.Header{"Vary": {"Accept-Encoding, Accept-Language"}}}

	key := keygen.AddVaryKeys(keygen.GetKeyPrefix(req), req, res)
	want := "GET:http://dev.localhost/\t\naccept-encoding: gzip\naccept-language: "
	if key != want {
		t.Fatalf("Key is %q", key)
	}
	if !keygen.VaryMatches(key, req) {
		t.Fatal("Key should match its own request")
	}

	other, _ := http.NewRequest("GET", "/", nil)
	if keygen.VaryMatches(key, other) {
		t.Fatal("Key should not match request without accept-encoding")
	}
	other.Header.Set("Accept-Encoding", "gzip")
	other.Header.Set("Accept-Language", "fi")
	if keygen.VaryMatches(key, other) {
		t.Fatal("Key should not match request with accept-language")
	}
}

func TestKeyURL(t *testing.T) {
	keygen := NewCacheKeyer(mustScope(t))
	u, err := keygen.GetKeyURL("GET:http://dev.localhost/a/\t\naccept: x")
	if err != nil || u != "http://dev.localhost/a/" {
		t.Fatalf("URL is %q (%v)", u, err)
	}
	if _, err := keygen.GetKeyURL("garbage"); !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("Error is %v", err)
	}
	if _, err := keygen.GetKeyURL("no-method\t"); !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("Error is %v", err)
	}
}

func TestVaryAll(t *testing.T) {
	if !VaryAll(http.Header{"Vary": {"Accept, *"}}) {
		t.Fatal("Vary * not detected")
	}
	if VaryAll(http.Header{"Vary": {"Accept"}}) {
		t.Fatal("Vary * detected")
	}
}
