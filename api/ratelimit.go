package api

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/goldencompasses/lodge/auth"
)

// writeRateLimited sends a 429 Too Many Requests response. The message is
// the same for every guarded surface.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, auth.ErrRateLimited.Error())
}

// retryAfterString rounds up to whole seconds, minimum one.
func retryAfterString(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ParseTrustedProxies parses CIDRs or bare addresses. A bare address is
// treated as a single-host prefix.
func ParseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// extractClientIP returns the client IP used for rate limiting and audit
// records.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. When trustedProxies is empty, proxy
// headers are never consulted and RemoteAddr is returned. Operators opt in
// with --trusted-proxies.
//
// Each proxy appends the address it received from, so only the right-hand
// end of a hop list is trustworthy. Lists are walked from the right,
// skipping trusted proxies, and the first untrusted hop is the client.
// Entries further left were supplied by that client and are ignored.
//
// Priority when proxy headers are trusted:
// 1. X-Forwarded-For
// 2. "for=" values in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip, ok := clientFromHops(strings.Split(xff, ","), trustedProxies); ok {
			return ip
		}
	}

	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		var hops []string
		for _, elem := range strings.Split(fwd, ",") {
			for _, param := range strings.Split(elem, ";") {
				param = strings.TrimSpace(param)
				if strings.HasPrefix(strings.ToLower(param), "for=") {
					hops = append(hops, param[4:])
				}
			}
		}
		if ip, ok := clientFromHops(hops, trustedProxies); ok {
			return ip
		}
	}

	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		if ip, ok := parseIPCandidate(xrip); ok {
			return ip
		}
	}

	return remoteIP
}

// clientFromHops returns the rightmost hop outside trustedProxies. An
// unparsable hop ends the walk; the nearest trusted hop seen so far is
// returned instead.
func clientFromHops(hops []string, trustedProxies []netip.Prefix) (string, bool) {
	nearest := ""
	for i := len(hops) - 1; i >= 0; i-- {
		ip, ok := parseIPCandidate(hops[i])
		if !ok {
			break
		}
		if !isTrustedProxy(ip, trustedProxies) {
			return ip, true
		}
		nearest = ip
	}
	return nearest, nearest != ""
}

func isTrustedProxy(ip string, trustedProxies []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseIPCandidate normalises one address from a header or RemoteAddr.
// IPv4-mapped IPv6 addresses are unmapped so both spellings share one
// rate-limit key.
func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.WithZone("").Unmap().String(), true
}
