package archive

import (
	"fmt"
	"net/url"
	"strings"
)

// MaxURLLength bounds accepted URLs.
const MaxURLLength = 2048

// NormalizeURL validates that raw is an absolute http(s) URL and returns it in
// canonical form: lowercase scheme and host, default ports and fragment removed.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", ErrValidation)
	}
	if len(raw) > MaxURLLength {
		return "", fmt.Errorf("%w: url exceeds %d characters", ErrValidation, MaxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %v", ErrValidation, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: url must be absolute http or https", ErrValidation)
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: url must include a host", ErrValidation)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: url must not embed credentials", ErrValidation)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// HostOf returns the lowercase hostname of rawURL or an empty string.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
