// Package portal talks to Stalker/Ministra style IPTV portals.
//
// Every protocol call goes to one canonical action endpoint
// (…/server/load.php) with an action name, a context type and a bearer token.
// Transport sends one call; Client follows redirects across at most three
// hops and owns the token cache; GenreIndex and ChannelCache hold the
// prefetched portal data and are replaced wholesale on refresh.
package portal
