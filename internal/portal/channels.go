package portal

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snapetech/stalkerbridge/internal/metrics"
)

// Channel is one live channel from get_all_channels.
type Channel struct {
	ID      string
	Name    string
	Command string // playable-source descriptor, e.g. "ffmpeg http://host/ch/1"
	Logo    string
	Attrs   map[string]any // the raw record, for genre matching
}

// Key is the value packed into composite ids: the command, or the id when the
// portal sends no command.
func (c Channel) Key() string {
	if c.Command != "" {
		return c.Command
	}
	return c.ID
}

// Attribute names that carry a genre id or title. Deployments disagree on the
// field name, so a channel matches on any of them.
var (
	DefaultGenreIDAttrs    = []string{"tv_genre_id", "genre_id", "category_id", "cat_id", "genre", "group_id"}
	DefaultGenreTitleAttrs = []string{"genre_title", "genre_name", "category", "category_name", "group", "group_title", "tv_genre"}
)

var channelContexts = []ContextType{ContextITV, ContextSTB}

type channelSnapshot struct {
	channels  []Channel
	fetchedAt time.Time
}

// ChannelCache holds the full channel prefetch. The snapshot is replaced
// wholesale; a failed refresh leaves the previous one in place.
type ChannelCache struct {
	IDAttrs    []string
	TitleAttrs []string

	snap    atomic.Pointer[channelSnapshot]
	now     func() time.Time
	log     *logrus.Entry
	metrics *metrics.Metrics
}

func NewChannelCache(log *logrus.Entry, m *metrics.Metrics) *ChannelCache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ChannelCache{
		IDAttrs:    append([]string(nil), DefaultGenreIDAttrs...),
		TitleAttrs: append([]string(nil), DefaultGenreTitleAttrs...),
		now:        time.Now,
		log:        log,
		metrics:    m,
	}
}

// Refresh fetches get_all_channels (itv, then stb) and swaps in the first
// non-empty list.
func (c *ChannelCache) Refresh(ctx context.Context, src Source) (int, error) {
	list, err := fetchChannels(ctx, src, "get_all_channels", nil)
	if err != nil {
		c.metrics.ObserveRefresh("channels", 0, err)
		return 0, err
	}
	c.snap.Store(&channelSnapshot{channels: list, fetchedAt: c.now()})
	c.metrics.ObserveRefresh("channels", len(list), nil)
	c.log.WithField("count", len(list)).Info("channels refreshed")
	return len(list), nil
}

func fetchChannels(ctx context.Context, src Source, action string, params map[string]string) ([]Channel, error) {
	var lastErr error
	for _, ct := range channelContexts {
		payload, err := src.Fetch(ctx, action, ct, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}
		if list := channelsFrom(ExtractList(payload, ListOptions{})); len(list) > 0 {
			return list, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%s: %w (last error: %w)", action, ErrEmptyUpstreamList, lastErr)
	}
	return nil, fmt.Errorf("%s: %w", action, ErrEmptyUpstreamList)
}

func channelsFrom(records []map[string]any) []Channel {
	out := make([]Channel, 0, len(records))
	for _, r := range records {
		ch := Channel{Attrs: r}
		ch.ID, _ = firstString(r, "id")
		ch.Name, _ = firstString(r, "name")
		ch.Command, _ = firstString(r, "cmd")
		ch.Logo, _ = firstString(r, "logo")
		if ch.Key() == "" {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Loaded reports whether a snapshot has ever been stored.
func (c *ChannelCache) Loaded() bool { return c.snap.Load() != nil }

// FetchedAt is when the current snapshot was stored (zero if never).
func (c *ChannelCache) FetchedAt() time.Time {
	if s := c.snap.Load(); s != nil {
		return s.fetchedAt
	}
	return time.Time{}
}

// Snapshot returns a copy of the cached channels.
func (c *ChannelCache) Snapshot() []Channel {
	s := c.snap.Load()
	if s == nil {
		return nil
	}
	out := make([]Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// Find returns the cached channel whose Key (or id) equals key.
func (c *ChannelCache) Find(key string) (Channel, bool) {
	s := c.snap.Load()
	if s == nil {
		return Channel{}, false
	}
	return findChannel(s.channels, key)
}

func findChannel(list []Channel, key string) (Channel, bool) {
	for _, ch := range list {
		if ch.Key() == key {
			return ch, true
		}
	}
	for _, ch := range list {
		if ch.ID != "" && ch.ID == key {
			return ch, true
		}
	}
	return Channel{}, false
}

// FilterByGenre returns the cached channels belonging to g.
func (c *ChannelCache) FilterByGenre(g Genre) []Channel {
	s := c.snap.Load()
	if s == nil {
		return nil
	}
	var out []Channel
	for _, ch := range s.channels {
		if c.matches(ch, g) {
			out = append(out, ch)
		}
	}
	return out
}

func (c *ChannelCache) matches(ch Channel, g Genre) bool {
	if g.ID != "" {
		for _, attr := range c.IDAttrs {
			if v, ok := scalarString(ch.Attrs[attr]); ok && v == g.ID {
				return true
			}
		}
	}
	title := strings.TrimSpace(g.Title)
	if title == "" {
		return false
	}
	for _, attr := range c.TitleAttrs {
		if v, ok := scalarString(ch.Attrs[attr]); ok && strings.EqualFold(v, title) {
			return true
		}
	}
	return false
}

// FetchByGenre asks the portal for one genre (get_channels with genre=<id>).
// Used when the local filter finds nothing; the snapshot is not touched.
func (c *ChannelCache) FetchByGenre(ctx context.Context, src Source, g Genre) ([]Channel, error) {
	if g.ID == "" {
		return nil, fmt.Errorf("%w: %q has no id", ErrUnknownGenre, g.Title)
	}
	return fetchChannels(ctx, src, "get_channels", map[string]string{"genre": g.ID})
}

// FetchAll fetches the channel list without touching the snapshot.
func FetchAll(ctx context.Context, src Source) ([]Channel, error) {
	return fetchChannels(ctx, src, "get_all_channels", nil)
}

// Clear drops the snapshot.
func (c *ChannelCache) Clear() { c.snap.Store(nil) }
