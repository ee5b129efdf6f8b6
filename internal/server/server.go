// Package server is the HTTP binding: the add-on protocol routes (manifest,
// catalog, meta, stream), the configuration page and API, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapetech/stalkerbridge/internal/addon"
	"github.com/snapetech/stalkerbridge/internal/health"
	"github.com/snapetech/stalkerbridge/internal/manifest"
	"github.com/snapetech/stalkerbridge/internal/metrics"
	"github.com/snapetech/stalkerbridge/internal/packedid"
	"github.com/snapetech/stalkerbridge/internal/portal"
	"github.com/snapetech/stalkerbridge/internal/settings"
)

// DefaultPageSize is how many catalog entries one request returns.
const DefaultPageSize = 100

const (
	streamTitle  = "Stalker Portal"
	maxBodyBytes = 64 << 10
)

// Addon is the engine behind the routes. *addon.Engine implements it.
type Addon interface {
	Settings() settings.Settings
	Manifest() *manifest.Publisher
	Stats() (channels, genres int, fetchedAt time.Time)
	LastRefresh() (time.Time, error)
	ListCatalog(ctx context.Context, genre string, skip, limit int) []addon.MetaPreview
	LookupMeta(ctx context.Context, id string) addon.Meta
	ResolveStream(ctx context.Context, id string) (string, bool)
	ApplySettings(ctx context.Context, u settings.Update) (settings.Settings, error)
	Test(ctx context.Context, portalURL, mac string) (*health.PortalReport, error)
}

// Options configures New.
type Options struct {
	Addr        string
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string // optional chain appended to the certificate
	PageSize    int    // default DefaultPageSize; < 0 returns whole catalogs
	Log         *logrus.Entry
	Metrics     *metrics.Metrics
}

// Server routes requests to an Addon.
type Server struct {
	addon    Addon
	opts     Options
	log      *logrus.Entry
	metrics  *metrics.Metrics
	mux      *http.ServeMux
	pageSize int
}

// New creates a Server and registers routes.
func New(a Addon, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ps := opts.PageSize
	switch {
	case ps == 0:
		ps = DefaultPageSize
	case ps < 0:
		ps = 0
	}
	s := &Server{
		addon:    a,
		opts:     opts,
		log:      log,
		metrics:  opts.Metrics,
		mux:      http.NewServeMux(),
		pageSize: ps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /{$}", "/", s.handleLanding)
	s.handle("GET /configure", "/configure", s.handleConfigure)
	s.handle("GET /api/config", "/api/config", s.handleGetConfig)
	s.handle("POST /api/config", "/api/config", s.handleSetConfig)
	s.handle("POST /api/test", "/api/test", s.handleTest)
	s.handle("GET /healthz", "/healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	s.handle("GET /manifest.json", "/manifest", s.handleManifest)
	s.handle("GET /catalog/{type}/{id}", "/catalog", s.handleCatalog)
	s.handle("GET /catalog/{type}/{id}/{extra}", "/catalog", s.handleCatalog)
	s.handle("GET /meta/{type}/{id}", "/meta", s.handleMeta)
	s.handle("GET /stream/{type}/{id}", "/stream", s.handleStream)
}

func (s *Server) handle(pattern, route string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.metrics.Middleware(route, h))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler is the full middleware chain served by Run.
func (s *Server) Handler() http.Handler {
	return withCORS(s.logRequests(s))
}

// Run listens on Options.Addr until ctx is done. HTTPS is used when a key and
// certificate are configured and load; otherwise plain HTTP.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	tlsCfg, err := s.tlsConfig()
	if err != nil {
		s.log.WithError(err).Error("TLS setup failed, falling back to HTTP")
		tlsCfg = nil
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
	}

	serverErr := make(chan error, 1)
	go func() {
		s.log.WithField("url", scheme+"://"+ln.Addr().String()+"/configure").Info("listening")
		if tlsCfg != nil {
			serverErr <- srv.ServeTLS(ln, "", "")
			return
		}
		serverErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("shutdown")
		}
		<-serverErr
		return nil
	}
}

// --- add-on protocol ---

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.addon.Manifest().Body())
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	metas := []addon.MetaPreview{}
	if trimJSON(r.PathValue("id")) != manifest.CatalogID {
		writeJSON(w, http.StatusOK, map[string]any{"metas": metas})
		return
	}
	extra := catalogExtra(r)
	skip, _ := strconv.Atoi(extra.Get("skip"))
	metas = s.addon.ListCatalog(r.Context(), extra.Get("genre"), skip, s.pageSize)
	writeJSON(w, http.StatusOK, map[string]any{"metas": metas})
}

// catalogExtra reads the extra segment (genre=News&skip=100.json) and any
// query parameters. The segment is parsed from the escaped path so encoded
// separators inside a genre title survive.
func catalogExtra(r *http.Request) url.Values {
	extra := url.Values{}
	if r.PathValue("extra") != "" {
		p := r.URL.EscapedPath()
		raw := trimJSON(p[strings.LastIndexByte(p, '/')+1:])
		if v, err := url.ParseQuery(raw); err == nil {
			extra = v
		}
	}
	for k, v := range r.URL.Query() {
		if _, ok := extra[k]; !ok {
			extra[k] = v
		}
	}
	return extra
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	id := trimJSON(r.PathValue("id"))
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{"meta": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meta": s.addon.LookupMeta(r.Context(), id)})
}

type stream struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	streams := []stream{}
	id := trimJSON(r.PathValue("id"))
	if strings.HasPrefix(id, packedid.Prefix) {
		if u, ok := s.addon.ResolveStream(r.Context(), id); ok {
			streams = append(streams, stream{URL: u, Title: streamTitle})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// --- configuration ---

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.addon.Settings())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if err := decodeBody(w, r, &u); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	next, err := s.addon.ApplySettings(r.Context(), u)
	switch {
	case errors.Is(err, settings.ErrMissingRequired):
		writeJSON(w, http.StatusBadRequest, apiError{Error: missingRequired})
		return
	case errors.Is(err, portal.ErrInvalidEndpoint):
		writeErr(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

type testRequest struct {
	PortalURL string `json:"portal_url"`
	MAC       string `json:"mac"`
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	rep, err := s.addon.Test(r.Context(), req.PortalURL, req.MAC)
	switch {
	case errors.Is(err, settings.ErrMissingRequired):
		writeJSON(w, http.StatusBadRequest, apiError{Error: missingRequired})
		return
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

const missingRequired = "Missing portal_url or mac"

// decodeBody accepts JSON or a urlencoded form.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return err
		}
		m := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			m[k] = r.PostForm.Get(k)
		}
		b, _ := json.Marshal(m)
		return json.Unmarshal(b, v)
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// --- health ---

type healthBody struct {
	Status          string `json:"status"`
	Configured      bool   `json:"configured"`
	Channels        int    `json:"channels"`
	Genres          int    `json:"genres"`
	ManifestVersion string `json:"manifest_version"`
	FetchedAt       string `json:"fetched_at,omitempty"`
	LastRefresh     string `json:"last_refresh,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

// handleHealth always answers 200 while the process is up; cache state is
// reported in the body.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	channels, genres, fetched := s.addon.Stats()
	body := healthBody{
		Status:          "ok",
		Configured:      s.addon.Settings().Configured(),
		Channels:        channels,
		Genres:          genres,
		ManifestVersion: s.addon.Manifest().Version(),
	}
	if !fetched.IsZero() {
		body.FetchedAt = fetched.UTC().Format(time.RFC3339)
	}
	last, err := s.addon.LastRefresh()
	if !last.IsZero() {
		body.LastRefresh = last.UTC().Format(time.RFC3339)
	}
	if err != nil {
		body.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

// --- helpers ---

func trimJSON(s string) string { return strings.TrimSuffix(s, ".json") }

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiError{Error: err.Error()})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
			"bytes":  lw.bytes,
			"ms":     time.Since(start).Milliseconds(),
			"remote": r.RemoteAddr,
		}).Debug("http")
	})
}
