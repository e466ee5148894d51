// Package urlutil canonicalizes crawl targets into stable work-queue keys.
package urlutil

import "strings"

// Normalize canonicalizes rawURL relative to baseURL into a stable queue
// key: the baseURL prefix is stripped, surrounding whitespace is trimmed,
// doubled slashes collapse to one, a trailing slash is dropped, and the
// result always begins with "/". Normalize never fails; invalid or empty
// input yields "/". It is idempotent: Normalize(base, Normalize(base, u))
// == Normalize(base, u).
func Normalize(baseURL, rawURL string) string {
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return "/"
	}

	if baseURL != "" && strings.HasPrefix(u, baseURL) {
		u = u[len(baseURL):]
	}

	u = collapseSlashes(u)

	if len(u) > 1 && strings.HasSuffix(u, "/") {
		u = strings.TrimSuffix(u, "/")
	}

	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}

	if u == "" {
		u = "/"
	}

	return u
}

// collapseSlashes replaces every run of consecutive slashes with a single
// slash. When a scheme separator ("://") is still present (a caller that
// didn't strip baseURL, or passed an absolute URL), the scheme and host
// are dropped first and only the path after them is kept.
func collapseSlashes(s string) string {
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+len("://"):]
		if slash := strings.Index(s, "/"); slash >= 0 {
			s = s[slash:]
		} else {
			s = "/"
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	prevSlash := false
	for _, r := range s {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
