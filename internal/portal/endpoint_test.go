package portal

import (
	"errors"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com/stalker_portal", "http://example.com/stalker_portal/server/load.php"},
		{"example.com", "http://example.com/server/load.php"},
		{"  http://Example.COM:8080/  ", "http://example.com:8080/server/load.php"},
		{"http://h/stalker_portal/c/", "http://h/stalker_portal/server/load.php"},
		{"http://h/stalker_portal/server/load.php?type=stb&action=handshake", "http://h/stalker_portal/server/load.php"},
		{"https://h/server/load.php/", "https://h/server/load.php"},
		{"http://h/portal.php", "http://h/server/load.php"},
		{"http://bücher.example/stalker_portal", "http://xn--bcher-kva.example/stalker_portal/server/load.php"},
		{"http://[::1]:88/x", "http://[::1]:88/server/load.php"},
		{"h.example/stalker_portal/c/?u=http://y", "http://h.example/stalker_portal/server/load.php"},
		{"h.example:8080/x?back=https://y/z", "http://h.example:8080/server/load.php"},
	}
	for _, tt := range tests {
		got, err := Canonicalize(tt.in)
		if err != nil {
			t.Errorf("Canonicalize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalize_idempotent(t *testing.T) {
	inputs := []string{
		"example.com/stalker_portal",
		"http://h:81/stalker_portal/c/index.html?x=1#frag",
		"HTTPS://Portal.Example/a/b/c",
		"portal.example/server/load.php",
		"http://bücher.example",
	}
	for _, in := range inputs {
		once, err := Canonicalize(in)
		if err != nil {
			t.Fatalf("Canonicalize(%q): %v", in, err)
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("Canonicalize(%q): %v", once, err)
		}
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestCanonicalize_invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "ftp://h/x", "file:///etc/passwd", "http://"} {
		if _, err := Canonicalize(in); !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("Canonicalize(%q) err = %v, want ErrInvalidEndpoint", in, err)
		}
	}
}

func TestResolveRedirect(t *testing.T) {
	cur := "http://old.example/stalker_portal/server/load.php"
	tests := []struct {
		loc, want string
	}{
		{"http://new.example/stalker_portal/server/load.php?type=stb", "http://new.example/stalker_portal/server/load.php"},
		{"/other/server/load.php", "http://old.example/other/server/load.php"},
		{"//cdn.example/stalker_portal/c/", "http://cdn.example/stalker_portal/server/load.php"},
	}
	for _, tt := range tests {
		got, err := ResolveRedirect(cur, tt.loc)
		if err != nil {
			t.Fatalf("ResolveRedirect(%q): %v", tt.loc, err)
		}
		if got != tt.want {
			t.Errorf("ResolveRedirect(%q) = %q, want %q", tt.loc, got, tt.want)
		}
	}
}

func TestIdentityCookie(t *testing.T) {
	id := Identity{MAC: "00:1A:79:00:00:01", Locale: "en_IN", Timezone: "Asia/Kolkata", ClientID: "abc"}
	want := "mac=00:1A:79:00:00:01; stb_lang=en_IN; timezone=Asia/Kolkata; __cfduid=abc"
	if got := id.Cookie(); got != want {
		t.Errorf("Cookie() = %q, want %q", got, want)
	}
	id.ClientIDName = "sid"
	if got := id.Cookie(); got != "mac=00:1A:79:00:00:01; stb_lang=en_IN; timezone=Asia/Kolkata; sid=abc" {
		t.Errorf("Cookie() = %q", got)
	}
}

func TestSessionKey_caseInsensitive(t *testing.T) {
	if SessionKey("http://H/server/load.php", "00:1a:2b:3c:4d:5e") != SessionKey("http://h/server/load.php", "00:1A:2B:3C:4D:5E") {
		t.Error("session keys should be case-insensitive")
	}
}
