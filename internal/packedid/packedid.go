// Package packedid encodes a channel reference into the opaque id handed to
// catalog clients and decodes it again on meta/stream requests.
//
//	stalker:<escaped endpoint>|<mac>|<escaped command>
package packedid

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Prefix starts every id this bridge issues.
const Prefix = "stalker:"

const ffmpegPrefix = "ffmpeg "

var (
	ErrEmpty  = errors.New("packedid: empty id")
	ErrFormat = errors.New("packedid: malformed id")
)

var (
	escapeRe = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	macRe    = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)
)

// ID is a decoded composite id.
type ID struct {
	Endpoint string
	MAC      string
	Command  string
}

// Pack builds the composite id for a channel.
func Pack(endpoint, mac, command string) string {
	return Prefix + escape(endpoint) + "|" + mac + "|" + escape(command)
}

// Parse decodes a composite id. The prefix is optional; the command segment
// may have been escaped once or twice.
func Parse(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ID{}, ErrEmpty
	}
	raw = strings.TrimPrefix(raw, Prefix)
	parts := strings.Split(raw, "|")
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("%w: want 3 segments, got %d", ErrFormat, len(parts))
	}
	id := ID{
		Endpoint: maybeDoubleDecode(parts[0]),
		MAC:      parts[1],
		Command:  maybeDoubleDecode(parts[2]),
	}
	if id.Endpoint == "" || id.Command == "" {
		return ID{}, fmt.Errorf("%w: empty endpoint or command", ErrFormat)
	}
	return id, nil
}

// BareCommand strips a leading "ffmpeg " from the command, leaving the URL.
func (id ID) BareCommand() string {
	return BareCommand(id.Command)
}

// BareCommand strips a leading "ffmpeg " from cmd.
func BareCommand(cmd string) string {
	return strings.TrimPrefix(cmd, ffmpegPrefix)
}

// ValidMAC reports whether the MAC looks like aa:bb:cc:dd:ee:ff. Callers only
// warn on false; some portals accept other identity strings.
func (id ID) ValidMAC() bool { return ValidMAC(id.MAC) }

func ValidMAC(mac string) bool { return macRe.MatchString(mac) }

// componentUnescaper restores the marks encodeURIComponent leaves alone and
// QueryEscape does not.
var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// escape percent-encodes s the way encodeURIComponent does: spaces as %20,
// and !'()* unescaped.
func escape(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

func decodeOnce(s string) string {
	out, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return out
}

// maybeDoubleDecode decodes once, and a second time only if the result still
// contains a %XX escape. Never more than twice.
func maybeDoubleDecode(s string) string {
	once := decodeOnce(s)
	if escapeRe.MatchString(once) {
		return decodeOnce(once)
	}
	return once
}
