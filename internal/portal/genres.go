package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/snapetech/stalkerbridge/internal/metrics"
)

// Genre is a portal channel grouping.
type Genre struct {
	ID    string
	Title string
	Key   string // NormalizeTitle(Title)
}

type genreProbe struct {
	action string
	ct     ContextType
}

// Probed in this order; the first non-empty list wins.
var genreProbes = []genreProbe{
	{"get_tv_genres", ContextITV},
	{"get_tv_genres", ContextSTB},
	{"get_genres", ContextITV},
	{"get_genres", ContextSTB},
	{"get_categories", ContextITV},
	{"get_categories", ContextSTB},
}

var (
	idKeys    = []string{"id", "genre_id", "category_id", "tv_genre_id"}
	titleKeys = []string{"title", "name", "genre_title", "category_title", "category_name", "alias"}
)

// allSelectors disable filtering.
var allSelectors = map[string]bool{
	"all": true, "*": true, "none": true, "true": true,
	"false": true, "null": true, "undefined": true,
}

// IsAllSelector reports whether sel means "no genre filter".
func IsAllSelector(sel string) bool {
	sel = strings.TrimSpace(sel)
	return sel == "" || allSelectors[strings.ToLower(sel)]
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeTitle strips diacritics, lowercases, trims and collapses spaces.
func NormalizeTitle(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

type genreSnapshot struct {
	ordered []Genre
	byID    map[string]Genre
	byKey   map[string]Genre
}

// GenreIndex maps genre ids and normalized titles both ways. Refresh builds a
// new snapshot and swaps it in one step; readers never see a partial index.
type GenreIndex struct {
	snap    atomic.Pointer[genreSnapshot]
	log     *logrus.Entry
	metrics *metrics.Metrics
}

func NewGenreIndex(log *logrus.Entry, m *metrics.Metrics) *GenreIndex {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	g := &GenreIndex{log: log, metrics: m}
	g.snap.Store(&genreSnapshot{byID: map[string]Genre{}, byKey: map[string]Genre{}})
	return g
}

// Refresh probes the genre actions in order and rebuilds the index from the
// first non-empty answer. On failure the previous index stays in place.
func (g *GenreIndex) Refresh(ctx context.Context, src Source) (int, error) {
	var lastErr error
	for _, p := range genreProbes {
		payload, err := src.Fetch(ctx, p.action, p.ct, nil)
		if err != nil {
			if ctx.Err() != nil {
				g.metrics.ObserveRefresh("genres", 0, err)
				return 0, err
			}
			lastErr = err
			g.log.WithFields(logrus.Fields{"action": p.action, "type": p.ct}).WithError(err).Debug("genre probe failed")
			continue
		}
		snap := buildGenres(ExtractList(payload, ListOptions{PairObjects: true}))
		if len(snap.ordered) == 0 {
			continue
		}
		g.snap.Store(snap)
		g.metrics.ObserveRefresh("genres", len(snap.ordered), nil)
		g.log.WithFields(logrus.Fields{"action": p.action, "type": p.ct, "count": len(snap.ordered)}).Info("genres refreshed")
		return len(snap.ordered), nil
	}
	err := ErrEmptyUpstreamList
	if lastErr != nil {
		err = fmt.Errorf("%w (last error: %w)", ErrEmptyUpstreamList, lastErr)
	}
	g.metrics.ObserveRefresh("genres", 0, err)
	return 0, err
}

func buildGenres(records []map[string]any) *genreSnapshot {
	s := &genreSnapshot{
		byID:  make(map[string]Genre, len(records)),
		byKey: make(map[string]Genre, len(records)),
	}
	for _, r := range records {
		title, ok := firstString(r, titleKeys...)
		if !ok {
			continue
		}
		id, _ := firstString(r, idKeys...)
		key := NormalizeTitle(title)
		// The portal's own "All" entry duplicates the unfiltered view.
		if id == "*" || key == "all" || key == "" {
			continue
		}
		if _, dup := s.byKey[key]; dup {
			continue
		}
		gr := Genre{ID: id, Title: title, Key: key}
		s.ordered = append(s.ordered, gr)
		s.byKey[key] = gr
		if id != "" {
			s.byID[id] = gr
		}
	}
	return s
}

// Resolve matches a user-supplied selector. all is true when no filtering
// applies. Unknown selectors return ErrUnknownGenre.
func (g *GenreIndex) Resolve(selector string) (gr Genre, all bool, err error) {
	if IsAllSelector(selector) {
		return Genre{}, true, nil
	}
	snap := g.snap.Load()
	sel := strings.TrimSpace(selector)
	if gr, ok := snap.byKey[NormalizeTitle(sel)]; ok {
		return gr, false, nil
	}
	if byID, ok := snap.byID[sel]; ok {
		if gr, ok := snap.byKey[NormalizeTitle(byID.Title)]; ok {
			return gr, false, nil
		}
	}
	return Genre{}, false, fmt.Errorf("%w: %q", ErrUnknownGenre, selector)
}

// Titles returns genre titles in portal order.
func (g *GenreIndex) Titles() []string {
	snap := g.snap.Load()
	out := make([]string, len(snap.ordered))
	for i, gr := range snap.ordered {
		out[i] = gr.Title
	}
	return out
}

// Len is the number of indexed genres.
func (g *GenreIndex) Len() int { return len(g.snap.Load().ordered) }

// Clear empties the index.
func (g *GenreIndex) Clear() {
	g.snap.Store(&genreSnapshot{byID: map[string]Genre{}, byKey: map[string]Genre{}})
}

// IsUnknownGenre is a convenience for errors.Is(err, ErrUnknownGenre).
func IsUnknownGenre(err error) bool { return errors.Is(err, ErrUnknownGenre) }
