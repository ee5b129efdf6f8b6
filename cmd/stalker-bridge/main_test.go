package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/snapetech/stalkerbridge/internal/metrics"
	"github.com/snapetech/stalkerbridge/internal/settings"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		args     []string
		wantCmd  string
		wantRest []string
	}{
		{nil, "serve", nil},
		{[]string{"-addr", ":1"}, "serve", []string{"-addr", ":1"}},
		{[]string{"probe", "-mac", "m"}, "probe", []string{"-mac", "m"}},
		{[]string{"config"}, "config", []string{}},
		{[]string{"--help"}, "help", nil},
		{[]string{"-h"}, "help", nil},
		{[]string{"help"}, "help", nil},
	}
	for _, tt := range tests {
		cmd, rest := splitCommand(tt.args)
		if cmd != tt.wantCmd || len(rest) != len(tt.wantRest) || (len(rest) > 0 && !reflect.DeepEqual(rest, tt.wantRest)) {
			t.Errorf("splitCommand(%q) = %q %q", tt.args, cmd, rest)
		}
	}
}

func TestLoadConfig_fileThenEnv(t *testing.T) {
	for _, k := range []string{"STALKER_BRIDGE_ADDR", "STALKER_BRIDGE_REFRESH", "HOST", "PORT", "STALKER_BRIDGE_HOST", "STALKER_BRIDGE_PORT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte("addr: \":9000\"\nportal:\n  refresh: 5m\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STALKER_BRIDGE_ADDR", ":9100")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Errorf("Addr = %q, env should win over file", cfg.Addr)
	}
	if cfg.RefreshInterval != 5*time.Minute {
		t.Errorf("RefreshInterval = %v", cfg.RefreshInterval)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cur := settings.Defaults()
	cur.PortalURL = "http://p.example.com/stalker_portal/server/load.php"
	cur.MAC = "00:1A:79:00:00:01"

	ph := "abc"
	next, err := applyDefaults(cur, settings.Update{Prehash: &ph, Timezone: "UTC"})
	if err != nil {
		t.Fatalf("applyDefaults: %v", err)
	}
	if next.PortalURL != cur.PortalURL || next.MAC != cur.MAC || next.Prehash != "abc" || next.Timezone != "UTC" {
		t.Errorf("next = %+v", next)
	}

	if _, err := applyDefaults(settings.Defaults(), settings.Update{MAC: "m"}); !errors.Is(err, settings.ErrMissingRequired) {
		t.Errorf("err = %v, want ErrMissingRequired", err)
	}
}

func TestCountRefreshErrors(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	errs := make(chan error)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		countRefreshErrors(ctx, errs, m)
		close(done)
	}()

	errs <- errors.New("portal down")
	errs <- errors.New("portal down")
	cancel()
	<-done

	if got := testutil.ToFloat64(m.Refreshes.WithLabelValues("background", "error")); got != 2 {
		t.Errorf("background refresh errors = %v, want 2", got)
	}
}
