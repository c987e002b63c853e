package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "900", retryAfterString(15*time.Minute))
	assert.Equal(t, "2", retryAfterString(1100*time.Millisecond), "rounds up")
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(-time.Second))
}

func TestWriteRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	writeRateLimited(rec, 90*time.Second)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"error"`)
}

func TestParseTrustedProxies(t *testing.T) {
	prefixes, err := ParseTrustedProxies([]string{"10.1.2.3/8", " 192.0.2.7 ", "", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String(), "masked")
	assert.Equal(t, "192.0.2.7/32", prefixes[1].String(), "bare address is a single host")
	assert.Equal(t, "2001:db8::/32", prefixes[2].String())

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestWithTrustedProxies(t *testing.T) {
	opt, err := WithTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	a := &API{}
	opt(a)
	require.Len(t, a.trustedProxies, 1)

	_, err = WithTrustedProxies([]string{"bogus/8"})
	assert.Error(t, err)
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		proxies    []netip.Prefix
		want       string
	}{
		{
			name:       "remote ipv4",
			remoteAddr: "192.0.2.10:5555",
			want:       "192.0.2.10",
		},
		{
			name:       "remote ipv6",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "ipv4-mapped remote is unmapped",
			remoteAddr: "[::ffff:192.0.2.10]:5555",
			want:       "192.0.2.10",
		},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted proxy yields rightmost XFF entry",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "garbage, 198.51.100.25, 203.0.113.9"},
			proxies:    trusted,
			want:       "203.0.113.9",
		},
		{
			name:       "client-supplied XFF prefix is ignored",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "6.6.6.1, 203.0.113.9"},
			proxies:    trusted,
			want:       "203.0.113.9",
		},
		{
			name:       "trusted hops are skipped from the right",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "6.6.6.1, 203.0.113.9, 10.0.0.7, 10.0.0.2"},
			proxies:    trusted,
			want:       "203.0.113.9",
		},
		{
			name:       "all hops trusted yields the furthest",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.2"},
			proxies:    trusted,
			want:       "10.0.0.9",
		},
		{
			name:       "garbage stops the walk at the nearest trusted hop",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "6.6.6.1, garbage, 10.0.0.2"},
			proxies:    trusted,
			want:       "10.0.0.2",
		},
		{
			name:       "forwarded uses rightmost untrusted for",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": "for=6.6.6.1, for=198.51.100.4;proto=https, for=10.0.0.3"},
			proxies:    trusted,
			want:       "198.51.100.4",
		},
		{
			name:       "untrusted peer cannot spoof XFF",
			remoteAddr: "192.0.2.50:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			proxies:    trusted,
			want:       "192.0.2.50",
		},
		{
			name:       "forwarded header with quoted ipv6",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::7]:4711";proto=https`},
			proxies:    trusted,
			want:       "2001:db8::7",
		},
		{
			name:       "x-real-ip last",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.77"},
			proxies:    trusted,
			want:       "203.0.113.77",
		},
		{
			name:       "xff preferred over x-real-ip",
			remoteAddr: "10.0.0.1:80",
			headers: map[string]string{
				"X-Forwarded-For": "198.51.100.1",
				"X-Real-IP":       "203.0.113.77",
			},
			proxies: trusted,
			want:    "198.51.100.1",
		},
		{
			name:       "no usable header falls back to peer",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown"},
			proxies:    trusted,
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, (&API{trustedProxies: tt.proxies}).extractClientIP(r))
		})
	}
}

func TestRotatingForwardedPrefixKeepsOneKey(t *testing.T) {
	a := &API{trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}
	for i := range 5 {
		r := httptest.NewRequest(http.MethodPost, "/admin/verify", nil)
		r.RemoteAddr = "10.0.0.1:443"
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("6.6.6.%d, 203.0.113.9", i))
		assert.Equal(t, "203.0.113.9", a.extractClientIP(r))
	}
}
