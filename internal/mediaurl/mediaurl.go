package mediaurl

import (
	"net/url"
	"strings"
)

// Clean returns raw trimmed, or "" when it is one of the placeholder strings
// older clients persisted for a missing image.
func Clean(raw string) string {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "null", "undefined", "none":
		return ""
	}
	return raw
}

// Resolve makes a relative media path absolute against baseURL. Absolute URLs
// and empty values are returned as-is after Clean.
func Resolve(baseURL, raw string) string {
	raw = Clean(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return raw
	}

	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return raw
	}
	return baseURL + "/" + strings.TrimLeft(raw, "/")
}
