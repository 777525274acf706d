// ABOUTME: Entry point for the mailbridge server
// ABOUTME: Exposes provider-provisioned Gmail tools to MCP clients

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/mailbridge/internal/auth"
	"github.com/2389/mailbridge/internal/cache"
	"github.com/2389/mailbridge/internal/config"
	"github.com/2389/mailbridge/internal/gateway"
	"github.com/2389/mailbridge/internal/mcp"
	"github.com/2389/mailbridge/internal/provider"
	"github.com/2389/mailbridge/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _ _ _          _     _
 _ __ ___   __ _(_) | |__  _ __(_) __| | __ _  ___
| '_ ' _ \ / _' | | | '_ \| '__| |/ _' |/ _' |/ _ \
| | | | | | (_| | | | |_) | |  | | (_| | (_| |  __/
|_| |_| |_|\__,_|_|_|_.__/|_|  |_|\__,_|\__, |\___|
                                        |___/
`

// getConfigPath returns the path to the mailbridge config file.
// Priority: MAILBRIDGE_CONFIG env var > XDG_CONFIG_HOME/mailbridge/mailbridge.yaml > ~/.config/mailbridge/mailbridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MAILBRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mailbridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mailbridge", "mailbridge.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mailbridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the bridge server")
		fmt.Println("  init               Write a starter config file")
		fmt.Println("  token --user KEY   Mint an MCP access token for a user")
		fmt.Println("  health             Check bridge health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A .env next to the working directory is convenient in development;
	// absence is not an error.
	_ = godotenv.Load()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
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

	// Print banner
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
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s\n", cfg.Provider.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Cache TTL: %s\n", cfg.Cache.TTL)
	fmt.Println()

	logger.Info("starting mailbridge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"cache_ttl", cfg.Cache.TTL,
	)

	connStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer connStore.Close()

	httpClient := &http.Client{Timeout: provider.DefaultTimeout}
	if cfg.Provider.Timeout > 0 {
		httpClient.Timeout = cfg.Provider.Timeout
	}
	providerClient, err := provider.NewClient(provider.Config{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		Toolkit:    cfg.Provider.Toolkit,
		HTTPClient: httpClient,
		Logger:     logger.With("component", "provider"),
	})
	if err != nil {
		return fmt.Errorf("creating provider client: %w", err)
	}

	resources := cache.New(cfg.Cache.TTL, cache.WithLogger(logger.With("component", "cache")))
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	bridge, err := gateway.NewBridge(gateway.BridgeConfig{
		Cache:       resources,
		Provider:    providerClient,
		Store:       connStore,
		Tokens:      verifier,
		CallbackURL: strings.TrimRight(cfg.Server.BaseURL, "/") + "/oauth/callback",
		Logger:      logger.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Source:         bridge,
		Logger:         logger.With("component", "mcp"),
		TokenVerifier:  verifier,
		RequireAuth:    cfg.Auth.RequireAuth,
		DefaultUserKey: cfg.Auth.DefaultUserKey,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	mux := http.NewServeMux()
	mcpServer.RegisterRoutes(mux)
	gateway.NewAPIServer(bridge, logger.With("component", "api")).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}

	// Dispose every cached client handle before the process exits
	resources.InvalidateAll(shutdownCtx)

	logger.Info("mailbridge stopped")
	return nil
}

const sampleConfig = `server:
  http_addr: ":8080"
  # External URL of this server; the provider redirects here after OAuth.
  base_url: "http://localhost:8080"

provider:
  base_url: "https://api.provider.example"
  api_key: "${PROVIDER_API_KEY}"
  toolkit: "gmail"
  timeout: "30s"

auth:
  jwt_secret: "${MAILBRIDGE_JWT_SECRET}"
  require_auth: false
  default_user_key: "default"

cache:
  ttl: "5m"

database:
  path: "mailbridge.db"

logging:
  level: "info"
  format: "text"
`

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote starter config to %s\n", configPath)
	fmt.Println("Set PROVIDER_API_KEY and MAILBRIDGE_JWT_SECRET before running 'mailbridge serve'.")
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userKey := fs.String("user", "", "user key the token identifies")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userKey == "" {
		return fmt.Errorf("--user is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*userKey, *ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/healthz", addr)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("checking health: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	color.New(color.FgGreen).Println("healthy")
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

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
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
