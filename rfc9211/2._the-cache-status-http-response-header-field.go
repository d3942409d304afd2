// Package rfc9211 builds Cache-Status header values (RFC 9211).
package rfc9211

import (
	"strconv"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches'
// §     handling of the request corresponding to the response it occurs
// §     within.
// §
// §     Its value is a List (Section 3.1 of [STRUCTURED-FIELDS]):
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member represents the cache closest to the origin
// §     server, and the last member represents the cache closest to the user
// §     (possibly including the user agent's cache itself, if it appends a
// §     value).

// CacheName identifies this cache in Cache-Status values.
const CacheName = "Precache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin and
// §     why.
// §
// §     The following parameter values are defined to explain why the request
// §     went forward, from most specific to least:

type FwdReason string

const (
	// §     bypass:  The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// §     method:  The request method's semantics require the request to be
	// §        forwarded.
	FwdReasonMethod FwdReason = "method"
	// §     uri-miss:  The cache did not contain any responses that matched the
	// §        request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// §     vary-miss:  The cache contained a response that matched the request
	// §        URI, but it could not select a response based upon this request's
	// §        header fields and stored Vary header fields.
	FwdReasonVaryMiss FwdReason = "vary-miss"
	// §     miss:  The cache did not contain any responses that could be used to
	// §        satisfy this request (to be used when an implementation cannot
	// §        distinguish between uri-miss and vary-miss).
	FwdReasonMiss FwdReason = "miss"
)

// CacheStatus describes how the cache handled one request.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// §  2.3.  The fwd-status Parameter
	// §
	// §     "fwd-status" indicates what status code the next hop server returned
	// §     in response to the forwarded request.
	FwdStatus int
	// §  2.5.  The stored Parameter
	// §
	// §     "stored" indicates whether the cache stored the response (Section 3
	// §     of [HTTP-CACHING]); a true value indicates that it did.
	Stored bool
	// §  2.8.  The detail Parameter
	// §
	// §     "detail" allows implementations to convey additional information not
	// §     captured in other parameters, such as implementation-specific states
	// §     or other caching-related metrics.
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the header value, e.g. `Precache; fwd=uri-miss; fwd-status=200; stored`.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(CacheName)
	if cs.Status == StatusHit {
		b.WriteString("; hit")
	} else if cs.FwdReason != "" {
		b.WriteString("; fwd=" + string(cs.FwdReason))
	}
	if cs.FwdStatus != 0 {
		b.WriteString("; fwd-status=" + strconv.Itoa(cs.FwdStatus))
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Detail != "" {
		b.WriteString("; detail=" + cs.Detail)
	}
	return b.String()
}
