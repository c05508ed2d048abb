// Package main is the entry point for the mail relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-relay/internal/api"
	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/delivery"
	"github.com/shineum/mail-relay/internal/diagnostics"
	"github.com/shineum/mail-relay/internal/observability"
	"github.com/shineum/mail-relay/internal/probe"
	"github.com/shineum/mail-relay/internal/smtp"
	"github.com/shineum/mail-relay/internal/state"
	relaytls "github.com/shineum/mail-relay/internal/tls"
	"github.com/shineum/mail-relay/internal/transport"
	"github.com/shineum/mail-relay/internal/transport/graph"
	"github.com/shineum/mail-relay/internal/transport/mailgun"
	"github.com/shineum/mail-relay/internal/transport/ses"
	smtptransport "github.com/shineum/mail-relay/internal/transport/smtp"
	"github.com/shineum/mail-relay/internal/transport/stdout"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "path to a .env file loaded before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to load env file", "path", *envFile, "error", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("mail-relay stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("mail-relay stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store := config.NewStore(cfg.Options, cfg.OptionsFile)

	registry, err := buildRegistry(store)
	if err != nil {
		return err
	}
	if selected := registry.Selected(); selected != nil {
		if problems := selected.Validate(); len(problems) > 0 {
			slog.Warn("selected transport is not ready, mail will be refused",
				"transport", selected.Slug(), "problems", problems)
		}
	}
	active, err := registry.Active()
	if err != nil {
		return err
	}

	counters, integrations, err := buildCounters(ctx, cfg)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	integrations = append(integrations, "prometheus")

	dispatcher := delivery.New(registry, store, counters, metrics)
	collector := diagnostics.NewCollector(
		registry,
		store,
		counters,
		diagnostics.NewHostEnvironment(version, dispatcher, integrations...),
		probe.WithObserver(probe.TCP{}, metrics.ObserveProbe),
		cfg.Logging.Level,
	)

	tlsConfig, err := relaytls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Deliverer:      dispatcher,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	httpServer := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: api.NewRouter(api.Deps{
			Registry:      registry,
			Options:       store,
			Sender:        dispatcher,
			MailLog:       dispatcher.MailLog(),
			Diagnostics:   collector,
			Metrics:       metrics,
			AdminUsername: cfg.HTTP.AdminUsername,
			AdminPassword: cfg.HTTP.AdminPassword,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting mail-relay",
		"version", version,
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"transport", active.Slug(),
		"uri", registry.PublicTransportURI(active),
		"run_mode", store.Get().RunMode,
		"auth_enabled", cfg.AuthEnabled(),
		"admin_auth_enabled", cfg.AdminAuthEnabled(),
		"tls_mode", tlsMode,
	)
	if !cfg.AdminAuthEnabled() {
		slog.Warn("admin API is not protected; set ADMIN_USERNAME and ADMIN_PASSWORD")
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return smtpServer.ListenAndServe(ctx)
	})
	eg.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// buildRegistry registers every transport. There is no fallback: mail for a
// selected transport that is not configured is refused, never printed.
func buildRegistry(store *config.Store) (*transport.Registry, error) {
	registry := transport.NewRegistry(store, "")
	for _, t := range []transport.Transport{
		stdout.New(),
		smtptransport.New(store),
		mailgun.New(store),
		ses.New(store),
		graph.New(store),
	} {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("failed to register transport: %w", err)
		}
	}
	return registry, nil
}

// buildCounters keeps the delivery counters in Redis when a URL is
// configured and in memory otherwise.
func buildCounters(ctx context.Context, cfg *config.Config) (state.Counters, []string, error) {
	if cfg.Redis.URL == "" {
		return state.NewMemoryCounters(), nil, nil
	}
	client, err := state.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	counters, err := state.NewRedisCounters(client, "")
	if err != nil {
		return nil, nil, err
	}
	slog.Info("delivery counters stored in redis")
	return counters, []string{"redis"}, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
