// Package settings holds the portal settings edited from /configure and
// persisted between restarts: the portal URL, the MAC, and the header values
// sent with every portal call.
package settings

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/snapetech/stalkerbridge/internal/portal"
)

const (
	DefaultLocale         = "en_IN"
	DefaultTimezone       = "Asia/Kolkata"
	DefaultUserAgent      = "StalkerTV-Free/40304.13 CFNetwork/3860.200.31 Darwin/25.1.0"
	DefaultAcceptLanguage = "en-IN,en-GB;q=0.9,en;q=0.8"
)

// ErrMissingRequired is returned by Apply when portal_url or mac is empty.
var ErrMissingRequired = errors.New("settings: missing portal_url or mac")

// Settings is the persisted portal configuration. JSON names match the
// config file format users already have.
type Settings struct {
	PortalURL      string `json:"portal_url"`
	MAC            string `json:"mac"`
	Locale         string `json:"stb_lang"`
	Timezone       string `json:"timezone"`
	UserAgent      string `json:"user_agent"`
	AcceptLanguage string `json:"accept_language"`
	Prehash        string `json:"prehash"`
	ClientID       string `json:"__cfduid"`
}

// Defaults returns unconfigured settings with the stock header values.
func Defaults() Settings {
	return Settings{
		Locale:         DefaultLocale,
		Timezone:       DefaultTimezone,
		UserAgent:      DefaultUserAgent,
		AcceptLanguage: DefaultAcceptLanguage,
	}
}

// WithDefaults fills empty header fields from Defaults.
func (s Settings) WithDefaults() Settings {
	d := Defaults()
	if s.Locale == "" {
		s.Locale = d.Locale
	}
	if s.Timezone == "" {
		s.Timezone = d.Timezone
	}
	if s.UserAgent == "" {
		s.UserAgent = d.UserAgent
	}
	if s.AcceptLanguage == "" {
		s.AcceptLanguage = d.AcceptLanguage
	}
	return s
}

// Configured reports whether a portal and MAC are set.
func (s Settings) Configured() bool {
	return strings.TrimSpace(s.PortalURL) != "" && strings.TrimSpace(s.MAC) != ""
}

// Identity is the viewer identity portal calls are made with.
func (s Settings) Identity() portal.Identity {
	s = s.WithDefaults()
	return portal.Identity{
		MAC:            strings.TrimSpace(s.MAC),
		Locale:         s.Locale,
		Timezone:       s.Timezone,
		ClientID:       s.ClientID,
		UserAgent:      s.UserAgent,
		AcceptLanguage: s.AcceptLanguage,
		Prehash:        s.Prehash,
	}
}

// Update is a partial change from the config API. Empty strings leave the
// current value alone, except Prehash, which is applied whenever non-nil.
type Update struct {
	PortalURL      string  `json:"portal_url"`
	MAC            string  `json:"mac"`
	Prehash        *string `json:"prehash"`
	Locale         string  `json:"stb_lang"`
	Timezone       string  `json:"timezone"`
	UserAgent      string  `json:"user_agent"`
	AcceptLanguage string  `json:"accept_language"`
}

// Apply merges u into s. The portal URL is stored canonicalized.
func (s Settings) Apply(u Update) (Settings, error) {
	if strings.TrimSpace(u.PortalURL) == "" || strings.TrimSpace(u.MAC) == "" {
		return s, ErrMissingRequired
	}
	ep, err := portal.Canonicalize(u.PortalURL)
	if err != nil {
		return s, err
	}
	s.PortalURL = ep
	s.MAC = strings.TrimSpace(u.MAC)
	if u.Prehash != nil {
		s.Prehash = strings.TrimSpace(*u.Prehash)
	}
	if u.Locale != "" {
		s.Locale = u.Locale
	}
	if u.Timezone != "" {
		s.Timezone = u.Timezone
	}
	if u.UserAgent != "" {
		s.UserAgent = u.UserAgent
	}
	if u.AcceptLanguage != "" {
		s.AcceptLanguage = u.AcceptLanguage
	}
	return s, nil
}

// Store loads and saves Settings.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
	Close() error
}

// Open picks a store by extension: .db, .sqlite and .sqlite3 use SQLite,
// anything else is a JSON file.
func Open(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("settings: empty path")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path)
	default:
		return NewFileStore(path), nil
	}
}

// NewClientID returns a random 32-hex-digit client id.
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EnsureClientID loads settings and, when no client id was ever persisted,
// generates one and saves it straight away.
func EnsureClientID(ctx context.Context, st Store) (Settings, error) {
	s, err := st.Load(ctx)
	if err != nil {
		return s, err
	}
	if s.ClientID != "" {
		return s, nil
	}
	s.ClientID = NewClientID()
	if err := st.Save(ctx, s); err != nil {
		return s, fmt.Errorf("settings: save client id: %w", err)
	}
	return s, nil
}
