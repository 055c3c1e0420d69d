// Package utils holds small URL helpers shared by the tracker, scanner and
// server.
package utils

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Domain returns the normalized authority component of rawURL: lowercased,
// port stripped, internationalized hostnames folded to their ASCII
// (punycode) form so sessions key consistently.
func Domain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("couldn't parse url %s: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %s has no host", rawURL)
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Fall back to the raw lowercased host rather than dropping the event.
		return host, nil
	}
	return ascii, nil
}

// Trackable reports whether a URL belongs to a page worth tracking. Browser
// and extension internal schemes are skipped.
func Trackable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return u.Hostname() != ""
	default:
		return false
	}
}
