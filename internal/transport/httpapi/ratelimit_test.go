package httpapi

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIPRateLimiter_PerIPBuckets(t *testing.T) {
	start := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	current := start
	l := newIPRateLimiter(1, 2)
	l.now = func() time.Time { return current }

	require.True(t, l.allow("10.0.0.1"))
	require.True(t, l.allow("10.0.0.1"))
	require.False(t, l.allow("10.0.0.1"), "burst exhausted")
	require.True(t, l.allow("10.0.0.2"), "other ip has its own bucket")

	current = current.Add(time.Second)
	require.True(t, l.allow("10.0.0.1"), "one token refilled")
	require.False(t, l.allow("10.0.0.1"))
}

func TestIPRateLimiter_SweepsIdleVisitors(t *testing.T) {
	current := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	l := newIPRateLimiter(10, 0)
	l.now = func() time.Time { return current }
	require.Equal(t, 10, l.burst)

	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
	require.Len(t, l.visitors, 2)

	current = current.Add(2 * time.Minute)
	l.allow("10.0.0.2")
	require.Len(t, l.visitors, 2, "10.0.0.1 is idle but not expired yet")

	current = current.Add(4 * time.Minute)
	l.allow("10.0.0.3")
	require.Len(t, l.visitors, 1)
	require.Contains(t, l.visitors, "10.0.0.3")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{remote: "192.0.2.9", want: "192.0.2.9"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ipn", nil)
		r.RemoteAddr = tt.remote
		require.Equal(t, tt.want, clientIP(r))
	}
}
