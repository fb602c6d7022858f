package openmemory

import (
	"net"
	"net/url"
	"strings"
)

// ValidateFetchTarget rejects URLs that must never be fetched on behalf
// of stored instructions: non-HTTP schemes, loopback and unspecified
// addresses, private and link-local ranges, and well-known internal
// hostnames. The check runs before any network activity.
func ValidateFetchTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &SecurityError{Target: raw, Reason: "unparseable URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &SecurityError{Target: raw, Reason: "scheme " + u.Scheme + " is not allowed"}
	}
	host := u.Hostname()
	if host == "" {
		return &SecurityError{Target: raw, Reason: "missing host"}
	}

	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return &SecurityError{Target: raw, Reason: "loopback address"}
		case ip.IsUnspecified():
			return &SecurityError{Target: raw, Reason: "unspecified address"}
		case ip.IsPrivate():
			return &SecurityError{Target: raw, Reason: "private address"}
		case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
			return &SecurityError{Target: raw, Reason: "link-local address"}
		}
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return &SecurityError{Target: raw, Reason: "localhost is not allowed"}
	}
	if strings.HasSuffix(lower, ".internal") || strings.HasSuffix(lower, ".local") {
		return &SecurityError{Target: raw, Reason: "internal hostname"}
	}
	return nil
}
