package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/solodyne/chainsink/internal/destination"
	"github.com/solodyne/chainsink/internal/ingest"
	"github.com/solodyne/chainsink/internal/metadata"
	"github.com/solodyne/chainsink/internal/registrar"
	"github.com/solodyne/chainsink/internal/server"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the service configuration. Values come from an optional
// YAML file, overridden by flags and environment variables.
type Config struct {
	ListenAddr   string   `yaml:"listen_addr"`
	ServerURL    string   `yaml:"server_url"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	HeliusAPIKey      string `yaml:"helius_api_key"`
	HeliusBaseURL     string `yaml:"helius_base_url"`
	WebhookAuthHeader string `yaml:"webhook_auth_header"`

	AllowedOrigins        []string `yaml:"allowed_origins"`
	RecreateProgramTables bool     `yaml:"recreate_program_tables"`
	EventWriteTimeout     Duration `yaml:"event_write_timeout"`
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		ListenAddr:            ":3001",
		ServerURL:             "http://localhost:3001",
		ReadTimeout:           Duration(10 * time.Second),
		WriteTimeout:          Duration(10 * time.Second),
		RedisAddr:             "localhost:6379",
		RedisPrefix:           "chainsink:",
		WebhookAuthHeader:     "x-helius-token",
		RecreateProgramTables: true,
		EventWriteTimeout:     Duration(30 * time.Second),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// parseConfig layers defaults, the optional YAML file, environment
// variables and flags, in increasing precedence. Boolean flags only
// override the file when passed explicitly.
func parseConfig(args []string) (Config, error) {
	defaults := DefaultConfig()

	fs := flag.NewFlagSet("chainsink", flag.ContinueOnError)
	configPath := fs.String("config", envOrDefault("CONFIG_FILE", ""), "Path to YAML config file")
	listenAddr := fs.String("listen", "", "HTTP listen address")
	serverURL := fs.String("server-url", "", "Externally reachable base URL for callback URLs")
	redisAddr := fs.String("redis-addr", "", "Redis server address")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisDB := fs.Int("redis-db", -1, "Redis database number")
	heliusKey := fs.String("helius-api-key", "", "Helius API key")
	heliusBase := fs.String("helius-base-url", "", "Helius API base URL")
	authHeader := fs.String("webhook-auth-header", "", "Header marking outbound callback authenticity")
	origins := fs.String("cors-origins", "", "Comma-separated CORS allow-list, or '*' for all")
	recreate := fs.Bool("recreate-program-tables", defaults.RecreateProgramTables, "Drop and recreate program invocation tables per event (baseline behavior)")
	eventTimeout := fs.Duration("event-write-timeout", 0, "Per-event destination write timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaults
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	applyOverride(&cfg.ListenAddr, *listenAddr, os.Getenv("LISTEN_ADDR"))
	if v := os.Getenv("PORT"); v != "" && cfg.ListenAddr == defaults.ListenAddr {
		cfg.ListenAddr = ":" + v
	}
	applyOverride(&cfg.ServerURL, *serverURL, os.Getenv("SERVER_URL"))
	applyOverride(&cfg.RedisAddr, *redisAddr, os.Getenv("REDIS_ADDR"))
	applyOverride(&cfg.RedisPassword, *redisPassword, os.Getenv("REDIS_PASSWORD"))
	if *redisDB >= 0 {
		cfg.RedisDB = *redisDB
	} else if v := os.Getenv("REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = i
		}
	}
	applyOverride(&cfg.HeliusAPIKey, *heliusKey, os.Getenv("HELIUS_API_KEY"))
	applyOverride(&cfg.HeliusBaseURL, *heliusBase, os.Getenv("HELIUS_BASE_URL"))
	applyOverride(&cfg.WebhookAuthHeader, *authHeader, os.Getenv("WEBHOOK_AUTH_HEADER"))
	if originsVal := firstNonEmpty(*origins, os.Getenv("CLIENT_URL")); originsVal != "" {
		cfg.AllowedOrigins = parseOrigins(originsVal)
	}

	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	if setFlags["recreate-program-tables"] {
		cfg.RecreateProgramTables = *recreate
	}
	if *eventTimeout > 0 {
		cfg.EventWriteTimeout = Duration(*eventTimeout)
	}

	return cfg, nil
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.HeliusAPIKey == "" {
		logger.Warn("Helius API key not configured, webhook registration will fail")
	}

	store, err := metadata.NewRedisStore(metadata.RedisConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	defer store.Close()

	registry := destination.NewRegistry(nil, logger)
	defer registry.CloseAll()

	ingestor := ingest.NewRouter(store, registry, ingest.Config{
		RecreateProgramTables: cfg.RecreateProgramTables,
		WriteTimeout:          time.Duration(cfg.EventWriteTimeout),
	}, logger)

	client := registrar.NewClient(registrar.ClientConfig{
		BaseURL:    cfg.HeliusBaseURL,
		APIKey:     cfg.HeliusAPIKey,
		AuthHeader: cfg.WebhookAuthHeader,
	})
	orch := registrar.NewOrchestrator(store, client, registry, cfg.ServerURL, logger)

	srv := server.New(logger, store, ingestor, orch, registry, cfg.AllowedOrigins)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  time.Duration(cfg.ReadTimeout),
		WriteTimeout: time.Duration(cfg.WriteTimeout),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("starting chainsink", "addr", cfg.ListenAddr, "server_url", cfg.ServerURL)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

func applyOverride(dst *string, values ...string) {
	for _, v := range values {
		if v != "" {
			*dst = v
			return
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseOrigins(origins string) []string {
	origins = strings.TrimSpace(origins)
	if origins == "" || origins == "*" {
		return nil
	}

	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
