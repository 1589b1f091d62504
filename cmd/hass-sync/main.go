package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"hass-sync/internal/entity"
	"hass-sync/internal/hass"
	"hass-sync/internal/hub"
	"hass-sync/internal/store"
	"hass-sync/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// EntityConfig is one entry of the entities list.
type EntityConfig struct {
	EntityID        string        `yaml:"entity_id"`
	Kind            string        `yaml:"kind"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type Config struct {
	HomeAssistant struct {
		URL     string        `yaml:"url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"homeassistant"`
	Polling struct {
		RefreshInterval time.Duration `yaml:"refresh_interval"`
		HistorySpan     time.Duration `yaml:"history_span"`
		MaxHistory      int           `yaml:"max_history"`
		SyntheticData   bool          `yaml:"synthetic_data"`
	} `yaml:"polling"`
	Entities []EntityConfig `yaml:"entities"`
	Web      struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.HomeAssistant.URL) == "" {
		return &hass.ConfigError{Field: "homeassistant.url", Reason: "is required"}
	}
	if strings.TrimSpace(c.HomeAssistant.Token) == "" {
		return &hass.ConfigError{Field: "homeassistant.token", Reason: "is required (or set HASS_TOKEN)"}
	}
	if c.HomeAssistant.Timeout < 0 {
		return fmt.Errorf("homeassistant.timeout must not be negative, got %s", c.HomeAssistant.Timeout)
	}
	if c.Polling.RefreshInterval < hub.MinRefreshInterval {
		return fmt.Errorf("polling.refresh_interval must be at least %s, got %s", hub.MinRefreshInterval, c.Polling.RefreshInterval)
	}
	if c.Polling.HistorySpan <= 0 {
		return fmt.Errorf("polling.history_span must be positive, got %s", c.Polling.HistorySpan)
	}
	if c.Polling.MaxHistory < 0 {
		return fmt.Errorf("polling.max_history must not be negative, got %d", c.Polling.MaxHistory)
	}
	seen := make(map[string]bool, len(c.Entities))
	for i, e := range c.Entities {
		if strings.TrimSpace(e.EntityID) == "" {
			return fmt.Errorf("entities[%d].entity_id is required", i)
		}
		if seen[e.EntityID] {
			return fmt.Errorf("entities[%d]: duplicate entity_id %q", i, e.EntityID)
		}
		seen[e.EntityID] = true
		if e.RefreshInterval != 0 && e.RefreshInterval < hub.MinRefreshInterval {
			return fmt.Errorf("entities[%d].refresh_interval must be at least %s, got %s", i, hub.MinRefreshInterval, e.RefreshInterval)
		}
		if _, err := entity.ParseKind(e.Kind); err != nil {
			return fmt.Errorf("entities[%d].kind: %w", i, err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// tracked converts the entities list for hub.Seed.
func (c *Config) tracked() []store.Tracked {
	out := make([]store.Tracked, 0, len(c.Entities))
	for _, e := range c.Entities {
		out = append(out, store.Tracked{
			EntityID:        strings.TrimSpace(e.EntityID),
			Kind:            e.Kind,
			RefreshInterval: e.RefreshInterval,
		})
	}
	return out
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		cfgPath     string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("hass-sync", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("hass-sync", version)
		return nil
	}
	// A bare positional argument is accepted as the config path.
	if rest := flagSet.Args(); len(rest) > 0 {
		if len(rest) > 1 || flagSet.Changed("config") {
			return fmt.Errorf("unexpected argument: %s", rest[len(rest)-1])
		}
		cfgPath = rest[0]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("hass-sync starting", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

// serve runs the service until ctx is cancelled.
func serve(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	client, err := hass.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token,
		hass.WithHTTPClient(&http.Client{Timeout: cfg.HomeAssistant.Timeout}),
		hass.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("home assistant client: %w", err)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	events := hub.NewEventBus(logger)
	h := hub.New(client, db, events, hub.Config{
		RefreshInterval: cfg.Polling.RefreshInterval,
		HistorySpan:     cfg.Polling.HistorySpan,
		MaxHistory:      cfg.Polling.MaxHistory,
		SyntheticData:   cfg.Polling.SyntheticData,
	}, logger)
	if err := h.Seed(cfg.tracked()); err != nil {
		return fmt.Errorf("seed entities: %w", err)
	}

	// Subscribers attach before Start so they see the initial load.
	auto, autoWebOpts := initAutomation(h, cfg, logger)
	mqtt := initMQTT(h, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(h, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := h.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("start hub", "err", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serveErr:
		logger.Error("http server", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	auto.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	h.Stop()
	mqtt.Stop()

	logger.Info("goodbye")
	return runErr
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if tok := os.Getenv("HASS_TOKEN"); tok != "" {
		cfg.HomeAssistant.Token = tok
	}
	if cfg.HomeAssistant.Timeout == 0 {
		cfg.HomeAssistant.Timeout = 30 * time.Second
	}
	if cfg.Polling.RefreshInterval == 0 {
		cfg.Polling.RefreshInterval = entity.DefaultRefreshInterval
	}
	if cfg.Polling.HistorySpan == 0 {
		cfg.Polling.HistorySpan = entity.DefaultHistorySpan
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "hass-sync.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "hass-sync"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
