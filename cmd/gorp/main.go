// ABOUTME: Entry point for the gorp agent gateway
// ABOUTME: Routes platform messages to agent backends over the message bus

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/gorp/internal/backends"
	"github.com/2389/gorp/internal/bus"
	"github.com/2389/gorp/internal/config"
	"github.com/2389/gorp/internal/dedupe"
	"github.com/2389/gorp/internal/dispatch"
	"github.com/2389/gorp/internal/gateway"
	"github.com/2389/gorp/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _  ___  _ __ _ __
 / _' |/ _ \| '__| '_ \
| (_| | (_) | |  | |_) |
 \__, |\___/|_|  | .__/
 |___/           |_|
`

// getConfigPath returns the path to the gorp config file.
// Priority: GORP_CONFIG env var > XDG_CONFIG_HOME/gorp/config.yaml > ~/.config/gorp/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("GORP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "gorp", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gorp <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway")
		fmt.Println("  init     Create a starter config file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Workspace: %s\n", cfg.Workspace)
	green.Print("    ▶ ")
	fmt.Printf("Backend:   %s\n", cfg.Defaults.Backend)
	if cfg.Gateways.Web.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Web:       ws://%s/ws\n", cfg.Gateways.Web.Addr)
	}
	fmt.Println()

	logger.Info("starting gorp",
		"config", configPath,
		"workspace", cfg.Workspace,
		"default_backend", cfg.Defaults.Backend,
	)

	store, err := session.NewSQLiteStore(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	// Only backends with a config section are registered; a config with no
	// backend sections gets the full built-in set.
	configured := make([]string, 0, len(cfg.Backends))
	for name := range cfg.Backends {
		configured = append(configured, name)
	}
	registry := backends.NewRegistry(backends.OptionsFor(configured))

	b := bus.New(cfg.Bus.Capacity, logger)
	defer b.Close()

	recent := dedupe.New(cfg.Bus.DedupeTTL, cfg.Bus.DedupeSize)
	defer recent.Close()

	handler := dispatch.NewHandler(store, b, cfg.Defaults.Backend, logger)
	router := bus.NewRouter(b, recent, registry, store, handler, cfg.RawFor, logger)

	adapters := gateway.NewRegistry(logger)
	if cfg.Gateways.Web.Enabled {
		web := gateway.NewWebAdapter(cfg.Gateways.Web.Addr, logger)
		if err := web.Start(ctx, b); err != nil {
			return fmt.Errorf("starting web gateway: %w", err)
		}
		adapters.Register(web)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return router.Run(gctx)
	})

	err = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	adapters.ShutdownAll(shutdownCtx)

	logger.Info("gorp stopped")
	return err
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	starter := `workspace: "${HOME}/.local/share/gorp"

backends:
  direct:
    binary: "claude"

defaults:
  backend: "direct"

gateways:
  web:
    enabled: true
    addr: "127.0.0.1:8130"

logging:
  level: "info"
  format: "text"
`
	if err := os.WriteFile(configPath, []byte(starter), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
