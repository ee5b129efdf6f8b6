// Package manifest publishes the add-on descriptor served at /manifest.json.
// The body is serialized once per change and swapped atomically, so readers
// always get a complete document.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/snapetech/stalkerbridge/internal/metrics"
)

const (
	BaseID      = "org.stalker.iptv"
	BaseVersion = "1.9.1"
	CatalogID   = "stalker_live"
	CatalogType = "tv"
	IDPrefix    = "stalker"

	AllOption     = "All"
	LoadingOption = "Loading"
)

// Extra is a catalog extra property (genre filter, paging).
type Extra struct {
	Name       string   `json:"name"`
	Options    []string `json:"options,omitempty"`
	IsRequired bool     `json:"isRequired,omitempty"`
}

// Catalog is one catalog entry in the descriptor.
type Catalog struct {
	Type  string  `json:"type"`
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Extra []Extra `json:"extra"`
}

// BehaviorHints mirrors the hint object clients read from the descriptor.
type BehaviorHints struct {
	Configurable          bool `json:"configurable"`
	ConfigurationRequired bool `json:"configurationRequired"`
}

// Descriptor is the serialized manifest.
type Descriptor struct {
	ID            string        `json:"id"`
	Version       string        `json:"version"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Resources     []string      `json:"resources"`
	Types         []string      `json:"types"`
	Catalogs      []Catalog     `json:"catalogs"`
	IDPrefixes    []string      `json:"idPrefixes"`
	BehaviorHints BehaviorHints `json:"behaviorHints"`
}

type published struct {
	version string
	patch   int
	options []string
	body    []byte
}

// Publisher holds the current descriptor body. Readers never lock; writers
// serialize on mu so two refreshes cannot lose a version bump.
type Publisher struct {
	mu      sync.Mutex
	cur     atomic.Pointer[published]
	major   int
	minor   int
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// NewPublisher publishes the placeholder descriptor (All, Loading) at BaseVersion.
func NewPublisher(log *logrus.Entry, m *metrics.Metrics) *Publisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	major, minor, patch, err := parseVersion(BaseVersion)
	if err != nil {
		panic(err)
	}
	p := &Publisher{major: major, minor: minor, log: log, metrics: m}
	opts := []string{AllOption, LoadingOption}
	p.cur.Store(&published{
		version: BaseVersion,
		patch:   patch,
		options: opts,
		body:    mustRender(BaseVersion, opts),
	})
	m.SetManifestPatch(patch)
	return p
}

// Body returns the serialized descriptor. The slice must not be modified.
func (p *Publisher) Body() []byte { return p.cur.Load().body }

// Version returns the published semantic version.
func (p *Publisher) Version() string { return p.cur.Load().version }

// Options returns a copy of the genre options, "All" first.
func (p *Publisher) Options() []string {
	return append([]string(nil), p.cur.Load().options...)
}

// PublishIfChanged republishes when the genre option set differs from the
// current one and reports whether it did. Order is not significant: a portal
// returning the same genres shuffled does not bump the version.
func (p *Publisher) PublishIfChanged(titles []string) bool {
	opts := Options(titles)
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.cur.Load()
	if sameSet(cur.options, opts) {
		return false
	}
	patch := cur.patch + 1
	version := fmt.Sprintf("%d.%d.%d", p.major, p.minor, patch)
	p.cur.Store(&published{
		version: version,
		patch:   patch,
		options: opts,
		body:    mustRender(version, opts),
	})
	p.metrics.SetManifestPatch(patch)
	p.log.WithFields(logrus.Fields{"version": version, "genres": len(opts) - 1}).Info("manifest published")
	return true
}

// Options builds the option list: "All" then each distinct non-empty title.
func Options(titles []string) []string {
	out := []string{AllOption}
	seen := map[string]bool{strings.ToLower(AllOption): true}
	for _, t := range titles {
		t = strings.TrimSpace(t)
		k := strings.ToLower(t)
		if t == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func render(version string, options []string) ([]byte, error) {
	d := Descriptor{
		ID:          BaseID,
		Version:     version,
		Name:        "Stalker IPTV",
		Description: "Live TV from a Stalker/Ministra portal.",
		Resources:   []string{"catalog", "meta", "stream"},
		Types:       []string{CatalogType},
		Catalogs: []Catalog{{
			Type: CatalogType,
			ID:   CatalogID,
			Name: "Live TV (Stalker)",
			Extra: []Extra{
				{Name: "genre", Options: options},
				{Name: "skip"},
			},
		}},
		IDPrefixes:    []string{IDPrefix},
		BehaviorHints: BehaviorHints{Configurable: true},
	}
	return json.Marshal(d)
}

func mustRender(version string, options []string) []byte {
	b, err := render(version, options)
	if err != nil {
		panic(fmt.Sprintf("manifest: render: %v", err))
	}
	return b
}

func parseVersion(v string) (major, minor, patch int, err error) {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("manifest: version %q is not major.minor.patch", v)
	}
	n := make([]int, 3)
	for i, s := range parts {
		if n[i], err = strconv.Atoi(s); err != nil || n[i] < 0 {
			return 0, 0, 0, fmt.Errorf("manifest: version %q: bad component %q", v, s)
		}
	}
	return n[0], n[1], n[2], nil
}
