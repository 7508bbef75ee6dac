// Package whitelist decides whether an origin may submit to an organization's forms.
package whitelist

import "strings"

const localhostMarker = "localhost"

// IsAllowed reports whether origin passes the organization's domain list.
//
// An empty list allows every origin. Otherwise the origin must contain one of
// the domains as a substring, or contain "localhost". Matching is substring
// based, not host based: "https://example.com.evil.net" matches "example.com".
// That looseness is kept for compatibility with existing tenant data and is
// pinned by tests.
func IsAllowed(origin string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	if strings.Contains(origin, localhostMarker) {
		return true
	}
	for _, d := range domains {
		if d != "" && strings.Contains(origin, d) {
			return true
		}
	}
	return false
}
