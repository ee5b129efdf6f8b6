package portal

import (
	"strings"
)

// DefaultClientIDName is the cookie name portals expect the persisted random id under.
const DefaultClientIDName = "__cfduid"

// Identity is everything about the viewer that ends up in request headers.
// Only MAC participates in session keys.
type Identity struct {
	MAC            string
	Locale         string // stb_lang cookie
	Timezone       string
	ClientIDName   string // cookie name for ClientID; DefaultClientIDName when empty
	ClientID       string
	UserAgent      string
	AcceptLanguage string
	Prehash        string // optional pre-shared hash sent as the prehash query parameter
}

// Cookie renders the Cookie header: mac; stb_lang; timezone; <client id>.
func (id Identity) Cookie() string {
	name := id.ClientIDName
	if name == "" {
		name = DefaultClientIDName
	}
	parts := []string{
		"mac=" + id.MAC,
		"stb_lang=" + id.Locale,
		"timezone=" + id.Timezone,
		name + "=" + id.ClientID,
	}
	return strings.Join(parts, "; ")
}

// WithMAC returns a copy of id for another MAC (composite ids carry their own).
func (id Identity) WithMAC(mac string) Identity {
	id.MAC = mac
	return id
}

// SessionKey is the case-insensitive cache key for (endpoint, identity).
func SessionKey(endpoint, mac string) string {
	return strings.ToLower(endpoint + "|" + mac)
}
