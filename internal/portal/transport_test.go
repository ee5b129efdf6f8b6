package portal

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/snapetech/stalkerbridge/internal/httpclient"
	"github.com/snapetech/stalkerbridge/internal/logging"
	"github.com/snapetech/stalkerbridge/internal/metrics"
)

func testIdentity() Identity {
	return Identity{
		MAC:            "00:1A:79:00:00:01",
		Locale:         "en_IN",
		Timezone:       "Asia/Kolkata",
		ClientID:       "abc123",
		UserAgent:      "test-agent/1.0",
		AcceptLanguage: "en-IN,en;q=0.8",
	}
}

func newTestTransport() *Transport {
	noRetry := httpclient.RetryPolicy{}
	return NewTransport(TransportOptions{
		Timeout: 5 * time.Second,
		Retry:   &noRetry,
		Log:     logging.Discard(),
	})
}

func mustCanon(t *testing.T, raw string) string {
	t.Helper()
	ep, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("Canonicalize(%q): %v", raw, err)
	}
	return ep
}

func TestTransport_headersAndQuery(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"js":{"token":"abc"}}`))
	}))
	defer srv.Close()

	id := testIdentity()
	id.Prehash = "ph1"
	resp, err := newTestTransport().Do(context.Background(), Request{
		Endpoint: mustCanon(t, srv.URL),
		Identity: id,
		Action:   "handshake",
		Context:  ContextSTB,
	})
	if err != nil {
		t.Fatal(err)
	}
	if tok, _ := ExtractToken(resp.Body); tok != "abc" {
		t.Errorf("token = %q", tok)
	}
	if got.Method != http.MethodGet {
		t.Errorf("method = %s, want GET", got.Method)
	}
	if got.URL.Path != "/server/load.php" {
		t.Errorf("path = %s", got.URL.Path)
	}
	q := got.URL.Query()
	for k, want := range map[string]string{
		"type": "stb", "action": "handshake", "token": "", "prehash": "ph1", "JsHttpRequest": "1-xml",
	} {
		if _, ok := q[k]; !ok {
			t.Errorf("query missing %s", k)
		}
		if q.Get(k) != want {
			t.Errorf("query %s = %q, want %q", k, q.Get(k), want)
		}
	}
	if a := got.Header.Get("Authorization"); a != "" {
		t.Errorf("Authorization = %q, want empty before handshake", a)
	}
	if ua := got.Header.Get("User-Agent"); ua != "test-agent/1.0" {
		t.Errorf("User-Agent = %q", ua)
	}
	if ae := got.Header.Get("Accept-Encoding"); ae != "gzip, deflate" {
		t.Errorf("Accept-Encoding = %q", ae)
	}
	wantCookie := "mac=00:1A:79:00:00:01; stb_lang=en_IN; timezone=Asia/Kolkata; __cfduid=abc123"
	if c := got.Header.Get("Cookie"); c != wantCookie {
		t.Errorf("Cookie = %q\nwant     %q", c, wantCookie)
	}
}

func TestTransport_bearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte(`{"js":[]}`))
	}))
	defer srv.Close()

	_, err := newTestTransport().Do(context.Background(), Request{
		Endpoint: mustCanon(t, srv.URL),
		Identity: testIdentity(),
		Action:   "get_all_channels",
		Token:    "tok-1",
		Context:  ContextITV,
	})
	if err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestTransport_filterParamUsesPost(t *testing.T) {
	var method, formGenre, queryGenre, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		queryGenre = r.URL.Query().Get("genre")
		_ = r.ParseForm()
		formGenre = r.PostForm.Get("genre")
		w.Write([]byte(`{"js":{"data":[]}}`))
	}))
	defer srv.Close()

	_, err := newTestTransport().Do(context.Background(), Request{
		Endpoint: mustCanon(t, srv.URL),
		Identity: testIdentity(),
		Action:   "get_channels",
		Token:    "t",
		Params:   map[string]string{"genre": "7"},
		Context:  ContextITV,
	})
	if err != nil {
		t.Fatal(err)
	}
	if method != http.MethodPost {
		t.Errorf("method = %s, want POST", method)
	}
	if contentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if formGenre != "7" || queryGenre != "7" {
		t.Errorf("genre form=%q query=%q", formGenre, queryGenre)
	}
}

func TestTransport_redirect(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusMovedPermanently, true},
		{http.StatusFound, false},
		{http.StatusTemporaryRedirect, false},
		{http.StatusPermanentRedirect, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Location", "http://new.example.com/stalker_portal/c/")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resp, err := newTestTransport().Do(context.Background(), Request{
				Endpoint: mustCanon(t, srv.URL),
				Identity: testIdentity(),
				Action:   "handshake",
			})
			if err != nil {
				t.Fatal(err)
			}
			if resp.Redirect == nil {
				t.Fatal("expected redirect")
			}
			if resp.Redirect.Target != "http://new.example.com/stalker_portal/server/load.php" {
				t.Errorf("target = %q", resp.Redirect.Target)
			}
			if resp.Redirect.Permanent != tt.permanent {
				t.Errorf("permanent = %v, want %v", resp.Redirect.Permanent, tt.permanent)
			}
		})
	}
}

func TestTransport_redirectWithoutLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	_, err := newTestTransport().Do(context.Background(), Request{
		Endpoint: mustCanon(t, srv.URL),
		Identity: testIdentity(),
		Action:   "handshake",
	})
	var te *TransportError
	if !errors.As(err, &te) || te.Status != http.StatusFound {
		t.Fatalf("err = %v, want TransportError with status 302", err)
	}
}

func TestTransport_errorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestTransport().Do(context.Background(), Request{
		Endpoint: mustCanon(t, srv.URL),
		Identity: testIdentity(),
		Action:   "get_all_channels",
	})
	if !errors.Is(err, ErrPortalUnreachable) {
		t.Fatalf("err = %v, want ErrPortalUnreachable", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Status != http.StatusForbidden || te.Action != "get_all_channels" {
		t.Errorf("TransportError = %+v", te)
	}
}

func TestTransport_contentEncodings(t *testing.T) {
	const payload = `{"js":{"token":"zipped"}}`
	var gz, br bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(payload))
	zw.Close()
	bw := brotli.NewWriter(&br)
	bw.Write([]byte(payload))
	bw.Close()

	tests := []struct {
		encoding string
		body     []byte
	}{
		{"gzip", gz.Bytes()},
		{"br", br.Bytes()},
		{"", []byte(payload)},
	}
	for _, tt := range tests {
		t.Run("enc="+tt.encoding, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.encoding != "" {
					w.Header().Set("Content-Encoding", tt.encoding)
				}
				w.Write(tt.body)
			}))
			defer srv.Close()

			resp, err := newTestTransport().Do(context.Background(), Request{
				Endpoint: mustCanon(t, srv.URL),
				Identity: testIdentity(),
				Action:   "handshake",
			})
			if err != nil {
				t.Fatal(err)
			}
			if tok, _ := ExtractToken(resp.Body); tok != "zipped" {
				t.Errorf("token = %q", tok)
			}
		})
	}
}

func TestTransport_nonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("  plain text  "))
	}))
	defer srv.Close()

	resp, err := newTestTransport().Do(context.Background(), Request{
		Endpoint: mustCanon(t, srv.URL),
		Identity: testIdentity(),
		Action:   "handshake",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := resp.Body.(string); !ok || s != "plain text" {
		t.Errorf("body = %#v", resp.Body)
	}
}

func TestTransport_contextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestTransport().Do(ctx, Request{
		Endpoint: mustCanon(t, srv.URL),
		Identity: testIdentity(),
		Action:   "handshake",
	})
	if err == nil || !strings.Contains(err.Error(), "handshake") {
		t.Fatalf("err = %v", err)
	}
}

func TestTransport_timeoutCountedSeparately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	noRetry := httpclient.RetryPolicy{}
	tr := NewTransport(TransportOptions{
		Timeout: 50 * time.Millisecond,
		Retry:   &noRetry,
		Metrics: m,
		Log:     logging.Discard(),
	})
	_, err := tr.Do(context.Background(), Request{
		Endpoint: mustCanon(t, srv.URL),
		Identity: testIdentity(),
		Action:   "handshake",
	})
	if !errors.Is(err, ErrPortalUnreachable) {
		t.Fatalf("err = %v", err)
	}
	if got := testutil.ToFloat64(m.PortalRequests.WithLabelValues("handshake", "timeout")); got != 1 {
		t.Errorf("timeout outcome = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PortalRequests.WithLabelValues("handshake", "error")); got != 0 {
		t.Errorf("error outcome = %v, want 0", got)
	}
}
