// Package safeurl decides which URLs the bridge will hand out or call.
package safeurl

import (
	"net/url"
	"strings"
)

// streamSchemes are the transports players accept from a portal link.
var streamSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"rtmp":  true,
	"rtsp":  true,
	"rtp":   true,
	"udp":   true,
}

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return s == "http" || s == "https"
}

// IsStreamURL reports whether u is an absolute network URL a player can open.
// file://, javascript: and other local or script schemes are rejected.
func IsStreamURL(u string) bool {
	parsed, err := url.Parse(strings.TrimSpace(u))
	if err != nil || parsed.Host == "" {
		return false
	}
	return streamSchemes[strings.ToLower(parsed.Scheme)]
}
