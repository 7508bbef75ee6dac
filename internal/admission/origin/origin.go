// Package origin resolves the effective origin of a submission request.
package origin

import (
	"net/http"
	"net/url"
)

// Resolve returns the request origin. The Origin header wins and is returned
// verbatim. When refererFallback is set, a Referer (or the misspelled
// Referrer) header is parsed and reduced to scheme://host[:port]. The boolean
// is false when no origin can be determined.
func Resolve(h http.Header, refererFallback bool) (string, bool) {
	if o := h.Get("Origin"); o != "" {
		return o, true
	}
	if !refererFallback {
		return "", false
	}

	ref := h.Get("Referer")
	if ref == "" {
		ref = h.Get("Referrer")
	}
	if ref == "" {
		return "", false
	}
	return fromURL(ref)
}

func fromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}
