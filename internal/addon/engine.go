// Package addon is what the HTTP layer talks to: catalog listing, meta
// lookup and stream resolution over the portal caches, plus settings changes
// and the background refresh. None of the inbound operations return errors;
// they log and degrade to an empty list, a placeholder meta or no stream.
package addon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/snapetech/stalkerbridge/internal/health"
	"github.com/snapetech/stalkerbridge/internal/manifest"
	"github.com/snapetech/stalkerbridge/internal/metrics"
	"github.com/snapetech/stalkerbridge/internal/packedid"
	"github.com/snapetech/stalkerbridge/internal/portal"
	"github.com/snapetech/stalkerbridge/internal/safeurl"
	"github.com/snapetech/stalkerbridge/internal/settings"
)

// ErrNotConfigured is returned by RefreshAll before a portal and MAC are set.
var ErrNotConfigured = errors.New("addon: portal_url and mac not configured")

const (
	metaType        = "tv"
	fallbackName    = "Live Channel"
	releaseInfo     = "Stalker IPTV"
	createLinkParam = "cmd"

	refreshTimeout = 5 * time.Minute
)

// MetaPreview is one catalog entry.
type MetaPreview struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Poster      string `json:"poster,omitempty"`
	Description string `json:"description,omitempty"`
}

// Meta is the detail record for one channel.
type Meta struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Poster      string `json:"poster,omitempty"`
	Description string `json:"description"`
	Logo        string `json:"logo,omitempty"`
	Background  string `json:"background,omitempty"`
	ReleaseInfo string `json:"releaseInfo,omitempty"`
}

// Options configures New.
type Options struct {
	RefreshInterval time.Duration // 0: refresh only on demand and after settings changes
	Log             *logrus.Entry
	Metrics         *metrics.Metrics
}

// Engine owns the genre index, channel cache and manifest for the configured
// portal. Construct with New; one per process.
type Engine struct {
	client    *portal.Client
	store     settings.Store
	genres    *portal.GenreIndex
	channels  *portal.ChannelCache
	manifest  *manifest.Publisher
	refresher *Refresher
	log       *logrus.Entry

	saveMu  sync.Mutex
	cur     atomic.Pointer[settings.Settings]
	gen     atomic.Uint64 // bumped by ApplySettings
	refresh singleflight.Group
}

// New builds an engine around client using the settings in initial. The
// engine registers itself as the client's redirect persister.
func New(client *portal.Client, store settings.Store, initial settings.Settings, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		client:   client,
		store:    store,
		genres:   portal.NewGenreIndex(log.WithField("cache", "genres"), opts.Metrics),
		channels: portal.NewChannelCache(log.WithField("cache", "channels"), opts.Metrics),
		manifest: manifest.NewPublisher(log, opts.Metrics),
		log:      log,
	}
	s := initial.WithDefaults()
	e.cur.Store(&s)
	e.refresher = NewRefresher(e.RefreshAll, opts.RefreshInterval, log.WithField("task", "refresh"))
	client.SetPersister(e)
	return e
}

// Settings returns the current settings.
func (e *Engine) Settings() settings.Settings { return *e.cur.Load() }

// Manifest is the publisher serving /manifest.json.
func (e *Engine) Manifest() *manifest.Publisher { return e.manifest }

// Refresher is the background refresh task; the caller runs it.
func (e *Engine) Refresher() *Refresher { return e.refresher }

// LastRefresh reports when the background refresh last finished and how.
func (e *Engine) LastRefresh() (time.Time, error) { return e.refresher.Last() }

// Stats reports cache sizes for /healthz.
func (e *Engine) Stats() (channels, genres int, fetchedAt time.Time) {
	return len(e.channels.Snapshot()), e.genres.Len(), e.channels.FetchedAt()
}

func (e *Engine) binding(endpoint string, id portal.Identity) portal.Binding {
	return portal.Binding{Client: e.client, Endpoint: endpoint, Identity: id}
}

// RefreshAll refreshes genres and channels for the configured portal and
// republishes the manifest when the genre set changed. Concurrent callers
// share one run, which outlives any single caller's ctx (bounded by
// refreshTimeout). A failed half keeps its previous data.
func (e *Engine) RefreshAll(ctx context.Context) error {
	ch := e.refresh.DoChan("all", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return nil, e.refreshAll(rctx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

func (e *Engine) refreshAll(ctx context.Context) error {
	s := e.Settings()
	if !s.Configured() {
		return ErrNotConfigured
	}
	gen := e.gen.Load()
	src := e.binding(s.PortalURL, s.Identity())

	var errs []error
	if _, err := e.genres.Refresh(ctx, src); err != nil {
		errs = append(errs, fmt.Errorf("genres: %w", err))
	} else {
		e.manifest.PublishIfChanged(e.genres.Titles())
	}
	if _, err := e.channels.Refresh(ctx, src); err != nil {
		errs = append(errs, fmt.Errorf("channels: %w", err))
	}
	if e.gen.Load() != gen {
		// Settings changed mid-run; what we stored belongs to the old portal.
		e.refresher.Trigger()
	}
	return errors.Join(errs...)
}

// ListCatalog returns channels for a genre selector, paged by skip and limit
// (limit <= 0 means no limit). It never fails; errors yield an empty list.
func (e *Engine) ListCatalog(ctx context.Context, genre string, skip, limit int) []MetaPreview {
	out := []MetaPreview{}
	s := e.Settings()
	if !s.Configured() {
		return out
	}
	endpoint, err := portal.Canonicalize(s.PortalURL)
	if err != nil {
		e.log.WithError(err).Warn("catalog: configured portal is invalid")
		return out
	}
	log := e.log.WithField("genre", genre)

	if !e.channels.Loaded() {
		if err := e.RefreshAll(ctx); err != nil {
			log.WithError(err).Warn("catalog: refresh failed")
		}
		if !e.channels.Loaded() {
			return out
		}
	}

	var list []portal.Channel
	if portal.IsAllSelector(genre) {
		list = e.channels.Snapshot()
	} else {
		if e.genres.Len() == 0 {
			if _, err := e.genres.Refresh(ctx, e.binding(endpoint, s.Identity())); err != nil {
				log.WithError(err).Warn("catalog: genre refresh failed")
			}
		}
		g, all, err := e.genres.Resolve(genre)
		switch {
		case err != nil:
			log.WithError(err).Warn("catalog: unknown genre")
			return out
		case all:
			list = e.channels.Snapshot()
		default:
			list = e.channels.FilterByGenre(g)
			if len(list) == 0 {
				list, err = e.channels.FetchByGenre(ctx, e.binding(endpoint, s.Identity()), g)
				if err != nil {
					log.WithError(err).Warn("catalog: per-genre fetch failed")
					return out
				}
			}
		}
	}

	list = page(list, skip, limit)
	for _, ch := range list {
		out = append(out, preview(endpoint, s.MAC, ch))
	}
	log.WithField("count", len(out)).Debug("catalog")
	return out
}

func page(list []portal.Channel, skip, limit int) []portal.Channel {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(list) {
		return nil
	}
	list = list[skip:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

func preview(endpoint, mac string, ch portal.Channel) MetaPreview {
	name := ch.Name
	if name == "" {
		name = "CH " + ch.ID
	}
	return MetaPreview{
		ID:          packedid.Pack(endpoint, mac, ch.Key()),
		Type:        metaType,
		Name:        name,
		Poster:      ch.Logo,
		Description: ch.Command,
	}
}

// LookupMeta describes a composite id. Unknown or undecodable ids get a
// placeholder named "Live Channel".
func (e *Engine) LookupMeta(ctx context.Context, rawID string) Meta {
	meta := Meta{ID: rawID, Type: metaType, Name: fallbackName}
	id, err := packedid.Parse(rawID)
	if err != nil {
		e.log.WithError(err).WithField("id", rawID).Warn("meta: bad id")
		return meta
	}
	meta.Description = id.Command
	meta.ReleaseInfo = releaseInfo

	ch, ok := e.findChannel(ctx, id)
	if !ok {
		return meta
	}
	if ch.Name != "" {
		meta.Name = ch.Name
	}
	meta.Poster, meta.Logo, meta.Background = ch.Logo, ch.Logo, ch.Logo
	if meta.Description == "" {
		meta.Description = ch.Command
	}
	return meta
}

// findChannel looks the id up in the snapshot when it belongs to the
// configured portal, otherwise asks its own portal.
func (e *Engine) findChannel(ctx context.Context, id packedid.ID) (portal.Channel, bool) {
	s := e.Settings()
	ours, _ := portal.Canonicalize(s.PortalURL)
	theirs, err := portal.Canonicalize(id.Endpoint)
	if err != nil {
		return portal.Channel{}, false
	}
	if theirs == ours && strings.EqualFold(id.MAC, s.MAC) && e.channels.Loaded() {
		return e.channels.Find(id.Command)
	}
	list, err := portal.FetchAll(ctx, e.binding(theirs, s.Identity().WithMAC(id.MAC)))
	if err != nil {
		e.log.WithError(err).WithField("endpoint", theirs).Warn("meta: enrichment failed")
		return portal.Channel{}, false
	}
	for _, ch := range list {
		if ch.Key() == id.Command {
			return ch, true
		}
	}
	return portal.Channel{}, false
}

// ResolveStream returns a playable URL for a composite id. The portal's
// create_link answer is preferred when it is a network URL; otherwise the
// id's own command is used. Portal failures yield ok == false.
func (e *Engine) ResolveStream(ctx context.Context, rawID string) (string, bool) {
	id, err := packedid.Parse(rawID)
	if err != nil {
		e.log.WithError(err).WithField("id", rawID).Warn("stream: bad id")
		return "", false
	}
	log := e.log.WithFields(logrus.Fields{"endpoint": id.Endpoint, "mac": id.MAC})
	if !id.ValidMAC() {
		log.Warn("stream: MAC looks odd")
	}
	src := e.binding(id.Endpoint, e.Settings().Identity().WithMAC(id.MAC))
	payload, err := src.Fetch(ctx, "create_link", portal.ContextITV, map[string]string{createLinkParam: id.BareCommand()})
	if err != nil {
		log.WithError(err).Warn("stream: create_link failed")
		return "", false
	}
	if link, ok := portal.ExtractLink(payload); ok {
		if u := packedid.BareCommand(link); safeurl.IsStreamURL(u) {
			return u, true
		}
	}
	u := id.BareCommand()
	if u == "" {
		return "", false
	}
	log.Debug("stream: create_link had no URL, using channel command")
	return u, true
}

// ApplySettings validates and persists a settings change, drops every cached
// session and snapshot, and schedules a background refresh.
func (e *Engine) ApplySettings(ctx context.Context, u settings.Update) (settings.Settings, error) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	next, err := e.Settings().Apply(u)
	if err != nil {
		return e.Settings(), err
	}
	if err := e.store.Save(ctx, next); err != nil {
		// Serve the new values anyway; the next save rewrites the file.
		e.log.WithError(err).Error("settings save failed")
	}
	e.cur.Store(&next)
	e.gen.Add(1)
	e.client.Sessions().Clear()
	e.genres.Clear()
	e.channels.Clear()
	e.log.WithFields(logrus.Fields{"endpoint": next.PortalURL, "mac": next.MAC}).Info("settings applied")
	e.refresher.Trigger()
	return next, nil
}

// PersistEndpoint stores a permanently relocated portal as the configured
// one. Relocations of any other portal (a /api/test target, a foreign
// stream id) are ignored. It implements portal.Persister.
func (e *Engine) PersistEndpoint(ctx context.Context, from, endpoint string) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	next := e.Settings()
	if next.PortalURL == endpoint {
		return nil
	}
	if cur, err := portal.Canonicalize(next.PortalURL); err != nil || cur != from {
		return nil
	}
	next.PortalURL = endpoint
	e.cur.Store(&next)
	if err := e.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist endpoint: %w", err)
	}
	return nil
}

// Test checks a portal and MAC without touching any cache.
func (e *Engine) Test(ctx context.Context, portalURL, mac string) (*health.PortalReport, error) {
	if strings.TrimSpace(portalURL) == "" || strings.TrimSpace(mac) == "" {
		return nil, settings.ErrMissingRequired
	}
	return health.CheckPortal(ctx, e.client, portalURL, e.Settings().Identity().WithMAC(strings.TrimSpace(mac)))
}
