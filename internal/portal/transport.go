package portal

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/snapetech/stalkerbridge/internal/httpclient"
	"github.com/snapetech/stalkerbridge/internal/metrics"
)

// ContextType selects the portal behavior variant (the "type" query parameter).
type ContextType string

const (
	ContextSTB ContextType = "stb"
	ContextITV ContextType = "itv"
)

const (
	protocolMarkerKey   = "JsHttpRequest"
	protocolMarkerValue = "1-xml"
	acceptEncoding      = "gzip, deflate"
	maxBodyBytes        = 64 << 20
)

// filterParams are the parameter names that make some portals reject GET.
var filterParams = map[string]bool{
	"genre":       true,
	"genre_id":    true,
	"tv_genre_id": true,
	"category":    true,
	"category_id": true,
	"cat_id":      true,
	"group":       true,
	"group_id":    true,
}

// Request is one portal call against a canonical endpoint.
type Request struct {
	Endpoint string
	Identity Identity
	Action   string
	Token    string
	Params   map[string]string
	Context  ContextType
}

// Redirect is returned instead of a body when the portal answered 3xx.
type Redirect struct {
	Target    string // canonical endpoint
	Permanent bool   // 301 or 308
	Status    int
}

// Response carries either the decoded body or a redirect.
type Response struct {
	Body     any
	Redirect *Redirect
}

// Doer sends a single portal call. *Transport is the production implementation.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportOptions configures NewTransport. Zero values get defaults.
type TransportOptions struct {
	Client          *http.Client  // default httpclient.Portal(Timeout)
	Timeout         time.Duration // default httpclient.DefaultTimeout
	RatePerSecond   float64       // per host; <= 0 disables limiting
	Burst           int           // default 10
	HostConcurrency int           // default 4
	Retry           *httpclient.RetryPolicy
	Metrics         *metrics.Metrics
	Log             *logrus.Entry
}

// Transport builds and sends portal requests. It never follows redirects.
type Transport struct {
	client  *http.Client
	retry   httpclient.RetryPolicy
	sem     *httpclient.HostSemaphore
	metrics *metrics.Metrics
	log     *logrus.Entry

	rate     rate.Limit
	burst    int
	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTransport(opts TransportOptions) *Transport {
	client := opts.Client
	if client == nil {
		client = httpclient.Portal(opts.Timeout)
	}
	retry := httpclient.PortalRetryPolicy
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.HostConcurrency <= 0 {
		opts.HostConcurrency = 4
	}
	lim := rate.Inf
	if opts.RatePerSecond > 0 {
		lim = rate.Limit(opts.RatePerSecond)
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		client:   client,
		retry:    retry,
		sem:      httpclient.NewHostSemaphore(opts.HostConcurrency),
		metrics:  opts.Metrics,
		log:      log,
		rate:     lim,
		burst:    opts.Burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Do sends req. 2xx yields the decoded body, 3xx with Location yields a
// Redirect; everything else is a *TransportError.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := t.do(ctx, req)
	outcome := "ok"
	switch {
	case err != nil && httpclient.IsTimeout(err):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	case resp.Redirect != nil:
		outcome = "redirect"
	}
	t.metrics.ObservePortal(req.Action, outcome, time.Since(start))
	t.log.WithFields(logrus.Fields{
		"action":   req.Action,
		"type":     string(req.Context),
		"endpoint": req.Endpoint,
		"outcome":  outcome,
		"ms":       time.Since(start).Milliseconds(),
	}).Debug("portal call")
	return resp, err
}

func (t *Transport) do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := t.build(ctx, req)
	if err != nil {
		return nil, &TransportError{Action: req.Action, Endpoint: req.Endpoint, Err: err}
	}
	if err := t.limiterFor(req.Endpoint).Wait(ctx); err != nil {
		return nil, &TransportError{Action: req.Action, Endpoint: req.Endpoint, Err: err}
	}
	release, err := t.sem.Acquire(ctx, req.Endpoint)
	if err != nil {
		return nil, &TransportError{Action: req.Action, Endpoint: req.Endpoint, Err: err}
	}
	defer release()

	resp, err := httpclient.DoWithRetry(ctx, t.client, httpReq, t.retry)
	if err != nil {
		return nil, &TransportError{Action: req.Action, Endpoint: req.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		body, err := decodeBody(resp)
		if err != nil {
			return nil, &TransportError{Action: req.Action, Endpoint: req.Endpoint, Status: code, Err: err}
		}
		return &Response{Body: body}, nil
	case code >= 300 && code < 400:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, &TransportError{Action: req.Action, Endpoint: req.Endpoint, Status: code, Err: errors.New("redirect without Location")}
		}
		target, err := ResolveRedirect(req.Endpoint, loc)
		if err != nil {
			return nil, &TransportError{Action: req.Action, Endpoint: req.Endpoint, Status: code, Err: err}
		}
		return &Response{Redirect: &Redirect{
			Target:    target,
			Permanent: code == http.StatusMovedPermanently || code == http.StatusPermanentRedirect,
			Status:    code,
		}}, nil
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &TransportError{Action: req.Action, Endpoint: req.Endpoint, Status: code}
	}
}

func (t *Transport) build(ctx context.Context, req Request) (*http.Request, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	ct := req.Context
	if ct == "" {
		ct = ContextSTB
	}
	q := url.Values{}
	q.Set("type", string(ct))
	q.Set("action", req.Action)
	q.Set("token", req.Token)
	if req.Identity.Prehash != "" {
		q.Set("prehash", req.Identity.Prehash)
	}
	q.Set(protocolMarkerKey, protocolMarkerValue)
	usePost := false
	for k, v := range req.Params {
		q.Set(k, v)
		if filterParams[strings.ToLower(k)] {
			usePost = true
		}
	}
	u.RawQuery = q.Encode()

	var httpReq *http.Request
	if usePost {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(q.Encode()))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return nil, err
	}
	auth := ""
	if req.Token != "" {
		auth = "Bearer " + req.Token
	}
	h := httpReq.Header
	h.Set("Accept", "*/*")
	h.Set("User-Agent", req.Identity.UserAgent)
	h.Set("Authorization", auth)
	h.Set("Accept-Language", req.Identity.AcceptLanguage)
	h.Set("Accept-Encoding", acceptEncoding)
	h.Set("Cookie", req.Identity.Cookie())
	return httpReq, nil
}

func (t *Transport) limiterFor(endpoint string) *rate.Limiter {
	host := httpclient.HostKey(endpoint)
	t.limitMu.Lock()
	defer t.limitMu.Unlock()
	l, ok := t.limiters[host]
	if !ok {
		l = rate.NewLimiter(t.rate, t.burst)
		t.limiters[host] = l
	}
	return l
}

// decodeBody undoes Content-Encoding and parses JSON. Bodies that are not
// JSON come back as a string; an empty body comes back as nil.
func decodeBody(resp *http.Response) (any, error) {
	r, err := contentReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw), nil
	}
	return v, nil
}

func contentReader(encoding string, body io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case "deflate":
		// Servers disagree on zlib-wrapped vs raw deflate.
		buf, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		if zr, err := zlib.NewReader(bytes.NewReader(buf)); err == nil {
			return zr, nil
		}
		return flate.NewReader(bytes.NewReader(buf)), nil
	case "br":
		return brotli.NewReader(body), nil
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding %q", encoding)
	}
}
