package precache

import (
	"errors"
	"net/http"
	"testing"

	"github.com/always-cache/precache/cache"
	"github.com/always-cache/precache/rfc9211"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveServesStoredResponseFirst(t *testing.T) {
	ctx := testContext()
	n := newNetwork(map[string]string{"/a": "a"})
	c := newTestCache(t, cache.NewMemProvider(), "v1")
	require.NoError(t, Populate(ctx, c, n, []string{"/a"}))

	n.bodies["/a"] = "changed"
	res, cs, err := Resolve(ctx, c, n, get("/a"))
	require.NoError(t, err)

	assert.Equal(t, rfc9211.StatusHit, cs.Status)
	assert.Equal(t, "a", readBody(t, res))
	assert.Equal(t, 1, n.callCount("/a"), "network consulted on a hit")
}

func TestResolveFillsCacheOnMiss(t *testing.T) {
	ctx := testContext()
	n := newNetwork(map[string]string{"/b": "b"})
	c := newTestCache(t, cache.NewMemProvider(), "v1")

	res, cs, err := Resolve(ctx, c, n, get("/b"))
	require.NoError(t, err)
	assert.Equal(t, "b", readBody(t, res))
	assert.Equal(t, rfc9211.FwdReasonUriMiss, cs.FwdReason)
	assert.Equal(t, http.StatusOK, cs.FwdStatus)
	assert.True(t, cs.Stored)
	assert.Equal(t, []string{"https://example.com/b"}, urlsOf(t, c))

	n.setOffline(true)
	res, cs, err = Resolve(ctx, c, n, get("/b"))
	require.NoError(t, err)
	assert.Equal(t, rfc9211.StatusHit, cs.Status)
	assert.Equal(t, "b", readBody(t, res))
	assert.Equal(t, 1, n.callCount("/b"))
}

func TestResolveDegradedWhenOffline(t *testing.T) {
	ctx := testContext()
	n := newNetwork(map[string]string{"/c": "c"})
	n.setOffline(true)
	c := newTestCache(t, cache.NewMemProvider(), "v1")

	res, cs, err := Resolve(ctx, c, n, get("/c"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "Service Unavailable", http.StatusText(res.StatusCode))
	assert.Empty(t, readBody(t, res))
	assert.Equal(t, detailNetworkError, cs.Detail)
	assert.False(t, cs.Stored)
	assert.Empty(t, urlsOf(t, c), "degraded response stored")
}

func TestResolveOfflineStillServesStored(t *testing.T) {
	ctx := testContext()
	n := newNetwork(map[string]string{"/a": "a"})
	c := newTestCache(t, cache.NewMemProvider(), "v1")
	require.NoError(t, Populate(ctx, c, n, []string{"/a"}))
	n.setOffline(true)

	res, _, err := Resolve(ctx, c, n, get("/a"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "a", readBody(t, res))
}

func TestResolveBypassesCacheForOtherMethods(t *testing.T) {
	ctx := testContext()
	n := newNetwork(map[string]string{"/a": "a"})
	c := newTestCache(t, cache.NewMemProvider(), "v1")
	require.NoError(t, Populate(ctx, c, n, []string{"/a"}))

	post, _ := http.NewRequest(http.MethodPost, "/a", nil)
	res, cs, err := Resolve(ctx, c, n, post)
	require.NoError(t, err)
	readBody(t, res)
	assert.Equal(t, rfc9211.FwdReasonMethod, cs.FwdReason)
	assert.False(t, cs.Stored)
	assert.Equal(t, 2, n.callCount("/a"), "POST not sent to network")
	assert.Len(t, urlsOf(t, c), 1)

	n.setOffline(true)
	_, _, err = Resolve(ctx, c, n, post)
	assert.ErrorIs(t, err, errOffline)
}

func TestResolveDoesNotStoreErrors(t *testing.T) {
	ctx := testContext()
	n := newNetwork(nil)
	c := newTestCache(t, cache.NewMemProvider(), "v1")

	res, cs, err := Resolve(ctx, c, n, get("/missing"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not found", readBody(t, res))
	assert.Equal(t, http.StatusNotFound, cs.FwdStatus)
	assert.False(t, cs.Stored)
	assert.Empty(t, urlsOf(t, c))
}

func TestResolveHonorsVary(t *testing.T) {
	ctx := testContext()
	n := newNetwork(map[string]string{"/v": "v"})
	n.header["/v"] = http.Header{"Vary": {"Accept-Language"}}
	c := newTestCache(t, cache.NewMemProvider(), "v1")

	en := get("/v")
	en.Header.Set("Accept-Language", "en")
	_, cs, err := Resolve(ctx, c, n, en)
	require.NoError(t, err)
	assert.True(t, cs.Stored)

	_, cs, err = Resolve(ctx, c, n, en)
	require.NoError(t, err)
	assert.Equal(t, rfc9211.StatusHit, cs.Status)

	fi := get("/v")
	fi.Header.Set("Accept-Language", "fi")
	_, cs, err = Resolve(ctx, c, n, fi)
	require.NoError(t, err)
	assert.Equal(t, rfc9211.StatusFwd, cs.Status)
	assert.Equal(t, rfc9211.FwdReasonVaryMiss, cs.FwdReason)
	assert.Equal(t, "Precache; fwd=vary-miss; fwd-status=200; stored", cs.String())
	assert.Equal(t, 2, n.callCount("/v"))
}

func TestResolveReportsStoreFailureAsMiss(t *testing.T) {
	ctx := testContext()
	n := newNetwork(map[string]string{"/s": "s"})
	base := newTestCache(t, cache.NewMemProvider(), "v1")
	c := NewCache(&failingStore{Store: base.store, getErr: errors.New("disk gone")}, base.keyer)

	res, cs, err := Resolve(ctx, c, n, get("/s"))
	require.NoError(t, err)
	assert.Equal(t, "s", readBody(t, res))
	assert.Equal(t, rfc9211.FwdReasonMiss, cs.FwdReason)
	assert.Equal(t, 1, n.callCount("/s"))
}

func TestResolveNeverStoresVaryAll(t *testing.T) {
	ctx := testContext()
	n := newNetwork(map[string]string{"/star": "star"})
	n.header["/star"] = http.Header{"Vary": {"*"}}
	c := newTestCache(t, cache.NewMemProvider(), "v1")

	res, cs, err := Resolve(ctx, c, n, get("/star"))
	require.NoError(t, err)
	assert.Equal(t, "star", readBody(t, res))
	assert.False(t, cs.Stored)
	assert.Empty(t, urlsOf(t, c))
}

func TestDegradedResponse(t *testing.T) {
	r := get("/x")
	res := DegradedResponse(r)
	assert.Equal(t, 503, res.StatusCode)
	assert.Equal(t, "503 Service Unavailable", res.Status)
	assert.Equal(t, http.NoBody, res.Body)
	assert.Same(t, r, res.Request)
}
