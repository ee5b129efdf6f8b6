package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithOutput_json(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("portal", &buf, "", "")
	log.WithField("action", "handshake").Info("ok")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if line["component"] != "portal" || line["action"] != "handshake" || line["msg"] != "ok" {
		t.Errorf("line = %v", line)
	}
}

func TestNewWithOutput_textAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("server", &buf, "text", "warn")
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "component=server") {
		t.Errorf("out = %q", out)
	}
}
