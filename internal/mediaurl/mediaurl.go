package mediaurl

import (
	"net/url"
	"path"
	"strings"
)

const PathPrefix = "/media/"

func Blob(baseURL, key string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return PathPrefix + key
	}
	return baseURL + PathPrefix + key
}

// ParseKey extracts the storage key from a URL produced by Blob.
func ParseKey(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	p := u.Path
	if p == "" {
		p = raw
	}

	if !strings.HasPrefix(p, PathPrefix) {
		return "", false
	}

	key := strings.TrimPrefix(p, PathPrefix)
	if key == "" || path.Clean("/"+key) != "/"+key {
		return "", false
	}

	return key, true
}
