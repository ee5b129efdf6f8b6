package portal

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

const (
	loadPath      = "/server/load.php"
	stalkerPrefix = "/stalker_portal"
)

var schemePrefix = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// Canonicalize turns any portal URL a user may paste ("host", "host/stalker_portal/c/",
// "http://host/stalker_portal/server/load.php?x=y") into the canonical action
// endpoint. Canonicalize(Canonicalize(u)) == Canonicalize(u).
func Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrInvalidEndpoint)
	}
	if !schemePrefix.MatchString(raw) {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	host, err := asciiHost(u.Hostname())
	if err != nil {
		return "", fmt.Errorf("%w: host %q: %v", ErrInvalidEndpoint, u.Hostname(), err)
	}
	if port := u.Port(); port != "" {
		host += ":" + port
	}
	u.Host = host

	p := strings.TrimRight(u.Path, "/")
	switch {
	case strings.HasSuffix(p, loadPath):
	case strings.Contains(p, stalkerPrefix):
		p = p[:strings.Index(p, stalkerPrefix)+len(stalkerPrefix)] + loadPath
	default:
		p = loadPath
	}
	u.Path = p
	u.RawPath = ""
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

func asciiHost(h string) (string, error) {
	if h == "" {
		return "", fmt.Errorf("missing host")
	}
	if strings.Contains(h, ":") {
		// IPv6 literal
		return "[" + strings.ToLower(h) + "]", nil
	}
	return idna.Punycode.ToASCII(strings.ToLower(h))
}

// ResolveRedirect resolves a Location header against the endpoint that
// returned it and canonicalizes the result.
func ResolveRedirect(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", fmt.Errorf("%w: location %q: %v", ErrInvalidEndpoint, location, err)
	}
	return Canonicalize(base.ResolveReference(ref).String())
}
