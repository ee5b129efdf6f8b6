package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_doubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on double registration")
		}
	}()
	New(reg)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePortal("handshake", "ok", time.Second)
	m.ObserveRedirect(true)
	m.ObserveHandshake(nil)
	m.ObserveRefresh("channels", 3, nil)
	m.SetManifestPatch(2)
	h := m.Middleware("/x", http.NotFoundHandler())
	if h == nil {
		t.Fatal("nil handler")
	}
}

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRedirect(true)
	m.ObserveRedirect(false)
	m.ObserveRedirect(false)
	if got := testutil.ToFloat64(m.Redirects.WithLabelValues("temporary")); got != 2 {
		t.Errorf("temporary = %v", got)
	}
	m.ObserveRefresh("channels", 42, nil)
	m.ObserveRefresh("channels", 7, errors.New("boom"))
	if got := testutil.ToFloat64(m.Channels); got != 42 {
		t.Errorf("channels gauge = %v, want 42 (failed refresh must not overwrite)", got)
	}
}

func TestHandlerAndMiddleware(t *testing.T) {
	m := New(prometheus.NewRegistry())
	h := m.Middleware("/manifest.json", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/manifest.json", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `stalker_bridge_http_requests_total{method="GET",route="/manifest.json",status="418"} 1`) {
		t.Errorf("metrics body missing request line:\n%s", body)
	}
}
