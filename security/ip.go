package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address used for rate limiting and
// audit logging. X-Forwarded-For and X-Real-IP are only consulted when
// trustProxy is set; otherwise anyone could spoof their way past per-IP
// limits. trustedProxyCount is how many proxies at the right end of
// X-Forwarded-For are ours.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromXFF picks the client entry out of an X-Forwarded-For list.
// The header reads "client, proxy1, proxy2, ..."; the rightmost entries are
// the proxies we control, so the client sits trustedProxyCount+1 from the
// end. An unconfigured count trusts exactly one proxy.
func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	idx := len(ips) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
