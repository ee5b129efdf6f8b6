// Command stalker-bridge serves a Stalker/Ministra middleware portal as a
// live TV add-on: a manifest, a genre-filtered channel catalog, channel meta
// and playable stream links.
//
//	serve   Run the add-on HTTP server (default when no command is given)
//	probe   Handshake with a portal and count its channels, like /api/test
//	config  Write portal URL, MAC and header values to the settings store
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/snapetech/stalkerbridge/internal/addon"
	"github.com/snapetech/stalkerbridge/internal/config"
	"github.com/snapetech/stalkerbridge/internal/health"
	"github.com/snapetech/stalkerbridge/internal/logging"
	"github.com/snapetech/stalkerbridge/internal/metrics"
	"github.com/snapetech/stalkerbridge/internal/portal"
	"github.com/snapetech/stalkerbridge/internal/server"
	"github.com/snapetech/stalkerbridge/internal/settings"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [serve|probe|config] [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  serve   Run the add-on server (default)\n")
	fmt.Fprintf(os.Stderr, "  probe   Check a portal: handshake + channel count (-portal, -mac, optional -bridge)\n")
	fmt.Fprintf(os.Stderr, "  config  Save portal settings (-portal, -mac, -prehash, ...)\n")
}

func main() {
	_ = config.LoadEnvFile(".env")

	cmd, args := splitCommand(os.Args[1:])
	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "probe":
		err = runProbe(args)
	case "config":
		err = runConfig(args)
	case "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "stalker-bridge %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// splitCommand returns the subcommand and its flags. A leading flag (or no
// arguments at all) means serve.
func splitCommand(args []string) (string, []string) {
	if len(args) == 0 {
		return "serve", args
	}
	switch args[0] {
	case "-h", "-help", "--help", "help":
		return "help", nil
	}
	if strings.HasPrefix(args[0], "-") {
		return "serve", args
	}
	return args[0], args[1:]
}

// loadConfig layers defaults, the optional YAML file and the environment.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Entry {
	return logging.NewWithOutput("stalker-bridge", os.Stdout, cfg.LogFormat, cfg.LogLevel)
}

// newClient builds the portal transport and client. tokens may be nil.
func newClient(cfg *config.Config, tokens portal.TokenStore, log *logrus.Entry, m *metrics.Metrics) *portal.Client {
	tr := portal.NewTransport(portal.TransportOptions{
		Timeout:         cfg.PortalTimeout,
		RatePerSecond:   cfg.RatePerSecond,
		Burst:           cfg.RateBurst,
		HostConcurrency: cfg.HostConcurrency,
		Metrics:         m,
		Log:             log.WithField("component", "transport"),
	})
	return portal.NewClient(tr, portal.ClientOptions{
		Sessions: portal.SessionOptions{Store: tokens, TTL: cfg.SessionTTL},
		Log:      log.WithField("component", "portal"),
		Metrics:  m,
	})
}

// openTokenStore returns a Redis store when configured and reachable; nil
// means the in-memory default. The returned func closes the store.
func openTokenStore(ctx context.Context, cfg *config.Config, log *logrus.Entry) (portal.TokenStore, func()) {
	if cfg.RedisURL == "" {
		return nil, func() {}
	}
	rs, err := portal.NewRedisTokenStore(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Warn("redis token store disabled")
		return nil, func() {}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		log.WithError(err).Warn("redis unreachable, keeping tokens in memory")
		_ = rs.Close()
		return nil, func() {}
	}
	log.Info("sharing portal tokens through redis")
	return rs, func() { _ = rs.Close() }
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file; environment variables override it")
	addr := fs.String("addr", "", "Listen address (default: STALKER_BRIDGE_ADDR, HOST/PORT or :7100)")
	settingsPath := fs.String("settings", "", "Settings file, .json or .db (default: STALKER_BRIDGE_SETTINGS or ./config.json)")
	refresh := fs.Duration("refresh", -1, "Background refresh interval, 0 disables (default: STALKER_BRIDGE_REFRESH or 30m)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *settingsPath != "" {
		cfg.SettingsPath = *settingsPath
	}
	if *refresh >= 0 {
		cfg.RefreshInterval = *refresh
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		return err
	}
	defer store.Close()
	initial, err := settings.EnsureClientID(ctx, store)
	if err != nil {
		// Start unconfigured; saving from /configure rewrites the store.
		log.WithError(err).WithField("path", cfg.SettingsPath).Error("settings unreadable")
		initial = settings.Defaults()
		initial.ClientID = settings.NewClientID()
	}

	tokens, closeTokens := openTokenStore(ctx, cfg, log)
	defer closeTokens()

	client := newClient(cfg, tokens, log, m)
	engine := addon.New(client, store, initial, addon.Options{
		RefreshInterval: cfg.RefreshInterval,
		Log:             log.WithField("component", "addon"),
		Metrics:         m,
	})
	go engine.Refresher().Run(ctx)
	go countRefreshErrors(ctx, engine.Refresher().Errors(), m)

	log.WithFields(logrus.Fields{
		"settings":   cfg.SettingsPath,
		"configured": initial.Configured(),
		"portal":     initial.PortalURL,
		"refresh":    cfg.RefreshInterval.String(),
		"tls":        cfg.TLSEnabled(),
	}).Info("starting")

	srv := server.New(engine, server.Options{
		Addr:        cfg.Addr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
		TLSCAFile:   cfg.TLSCAFile,
		Log:         log.WithField("component", "http"),
		Metrics:     m,
	})
	return srv.Run(ctx)
}

// countRefreshErrors records failed background refresh runs under the
// "background" cache label until ctx is done.
func countRefreshErrors(ctx context.Context, errs <-chan error, m *metrics.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			m.ObserveRefresh("background", 0, err)
		}
	}
}

func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file; environment variables override it")
	portalURL := fs.String("portal", "", "Portal URL (default: the configured portal)")
	mac := fs.String("mac", "", "MAC address (default: the configured MAC)")
	bridge := fs.String("bridge", "", "Also check /healthz and /manifest.json on a running bridge at this base URL")
	timeout := fs.Duration("timeout", 60*time.Second, "Overall timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	s := settings.Defaults()
	if store, err := settings.Open(cfg.SettingsPath); err == nil {
		if loaded, err := store.Load(ctx); err == nil {
			s = loaded.WithDefaults()
		}
		_ = store.Close()
	}
	if *portalURL == "" {
		*portalURL = s.PortalURL
	}
	if *mac == "" {
		*mac = s.MAC
	}
	if *portalURL == "" || *mac == "" {
		return settings.ErrMissingRequired
	}

	client := newClient(cfg, nil, log, nil)
	rep, err := health.CheckPortal(ctx, client, *portalURL, s.Identity().WithMAC(*mac))
	if err != nil {
		return err
	}
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(rep); err != nil {
		return err
	}
	if *bridge != "" {
		if err := health.CheckEndpoints(ctx, strings.TrimRight(*bridge, "/")); err != nil {
			return fmt.Errorf("bridge %s: %w", *bridge, err)
		}
		fmt.Fprintf(os.Stderr, "bridge %s OK\n", *bridge)
	}
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file; environment variables override it")
	settingsPath := fs.String("settings", "", "Settings file, .json or .db (default: STALKER_BRIDGE_SETTINGS or ./config.json)")
	var u settings.Update
	fs.StringVar(&u.PortalURL, "portal", "", "Portal URL (default: keep current)")
	fs.StringVar(&u.MAC, "mac", "", "MAC address (default: keep current)")
	prehash := fs.String("prehash", "", "Prehash sent with every call; pass -prehash= to clear")
	fs.StringVar(&u.Locale, "stb-lang", "", "stb_lang cookie")
	fs.StringVar(&u.Timezone, "timezone", "", "timezone cookie")
	fs.StringVar(&u.UserAgent, "user-agent", "", "User-Agent header")
	fs.StringVar(&u.AcceptLanguage, "accept-language", "", "Accept-Language header")
	_ = fs.Parse(args)
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "prehash" {
			u.Prehash = prehash
		}
	})

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *settingsPath != "" {
		cfg.SettingsPath = *settingsPath
	}
	ctx := context.Background()

	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		return err
	}
	defer store.Close()
	cur, err := settings.EnsureClientID(ctx, store)
	if err != nil {
		return err
	}
	next, err := applyDefaults(cur, u)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, next); err != nil {
		return err
	}
	fmt.Printf("Saved settings to %s: portal=%s mac=%s\n", cfg.SettingsPath, next.PortalURL, next.MAC)
	return nil
}

// applyDefaults applies u on top of cur, keeping the current portal and MAC
// when the update leaves them out.
func applyDefaults(cur settings.Settings, u settings.Update) (settings.Settings, error) {
	if u.PortalURL == "" {
		u.PortalURL = cur.PortalURL
	}
	if u.MAC == "" {
		u.MAC = cur.MAC
	}
	return cur.Apply(u)
}
