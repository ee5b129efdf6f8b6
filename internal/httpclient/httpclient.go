package httpclient

import (
	"errors"
	"net/http"
	"time"
)

const (
	// DefaultTimeout matches observed portal latency; some load.php hosts take
	// tens of seconds to answer get_all_channels.
	DefaultTimeout         = 60 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: MaxIdleConnsPerHost,
	IdleConnTimeout:     DefaultIdleConnTimeout,
	// Accept-Encoding is set by callers; bodies are decoded by them too.
	DisableCompression: true,
}

// Portal returns a client for portal calls: fixed timeout, redirects are
// surfaced to the caller instead of being followed.
func Portal(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// IsTimeout reports whether err came from a client deadline.
func IsTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
