package chatws

import (
	"net/http"
	"net/url"
	"strings"
)

// AllowOrigins returns an upgrade origin check accepting the listed origins.
// "*" accepts any origin. Requests without an Origin header are not from a
// browser and are accepted. Invalid entries are ignored and returned so the
// caller can report them.
func AllowOrigins(origins []string) (check func(*http.Request) bool, invalid []string) {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
			continue
		case o == "*":
			allowAll = true
			continue
		}
		n, ok := normalizeOrigin(o)
		if !ok {
			invalid = append(invalid, o)
			continue
		}
		allowed[n] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		n, ok := normalizeOrigin(origin)
		if !ok {
			return false
		}
		_, ok = allowed[n]
		return ok
	}, invalid
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
