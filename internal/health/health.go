package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snapetech/stalkerbridge/internal/portal"
	"github.com/snapetech/stalkerbridge/internal/safeurl"
)

// PortalReport is the result of CheckPortal, returned as-is by /api/test.
type PortalReport struct {
	OK        bool   `json:"ok"`
	Endpoint  string `json:"endpoint"`
	Handshake any    `json:"handshake"`
	Token     string `json:"token"`
	Channels  int    `json:"channels_count"`
}

// CheckPortal performs an uncached handshake and a channel listing against
// rawURL with id. Caches are not touched. A permanent redirect is still
// reported to the client's persister, which decides whether it applies.
func CheckPortal(ctx context.Context, c *portal.Client, rawURL string, id portal.Identity) (*PortalReport, error) {
	ep, err := portal.Canonicalize(rawURL)
	if err != nil {
		return nil, err
	}
	hs, err := c.Handshake(ctx, ep, id)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	// Some portals answer get_all_channels without a token; report what we got.
	tok, _ := portal.ExtractToken(hs)
	res, err := c.Do(ctx, portal.Call{
		Endpoint: ep,
		Identity: id,
		Action:   "get_all_channels",
		Token:    tok,
		Context:  portal.ContextITV,
	})
	if err != nil {
		return nil, fmt.Errorf("get_all_channels: %w", err)
	}
	return &PortalReport{
		OK:        true,
		Endpoint:  res.Endpoint,
		Handshake: hs,
		Token:     tok,
		Channels:  len(portal.ExtractList(res.Body, portal.ListOptions{})),
	}, nil
}

// CheckEndpoints hits healthz and manifest.json on a running bridge at baseURL
// and returns the first error or nil.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	if !safeurl.IsHTTPOrHTTPS(baseURL) {
		return fmt.Errorf("bridge URL %q: not http(s)", baseURL)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/healthz", "/manifest.json"} {
		url := baseURL + path
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}
