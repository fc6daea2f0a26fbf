package rp

import (
	"net/url"
	"strings"
)

// SafeReturnURL returns raw when it is a path on this application and
// fallback otherwise, preventing open redirects through returnUrl.
func SafeReturnURL(raw, fallback string) string {
	if isLocalURL(raw) {
		return raw
	}
	return fallback
}

func isLocalURL(raw string) bool {
	if raw == "" || raw[0] != '/' {
		return false
	}
	// Protocol-relative and backslash variants are treated as hosts by browsers.
	if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
		return false
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f || r == '\\' {
			return false
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == "" && u.User == nil && !strings.HasPrefix(u.Path, "//")
}
