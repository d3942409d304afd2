package rfc9211

import "testing"

func TestCacheStatusString(t *testing.T) {
	tests := []struct {
		cs   func() CacheStatus
		want string
	}{
		{func() CacheStatus { cs := CacheStatus{}; cs.Hit(); return cs }, "Precache; hit"},
		{func() CacheStatus { cs := CacheStatus{}; cs.Forward(FwdReasonMethod); return cs }, "Precache; fwd=method"},
		{func() CacheStatus {
			cs := CacheStatus{FwdStatus: 200, Stored: true}
			cs.Forward(FwdReasonUriMiss)
			return cs
		}, "Precache; fwd=uri-miss; fwd-status=200; stored"},
		{func() CacheStatus {
			cs := CacheStatus{Detail: "network-error"}
			cs.Forward(FwdReasonUriMiss)
			return cs
		}, "Precache; fwd=uri-miss; detail=network-error"},
	}
	for _, tt := range tests {
		if got := tt.cs().String(); got != tt.want {
			t.Fatalf("Cache-Status is %q, want %q", got, tt.want)
		}
	}
}
