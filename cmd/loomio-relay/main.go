// Package main is the entry point for the Loomio inbound mail relay.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/loomio-relay/internal/config"
	"github.com/shineum/loomio-relay/internal/forward"
	"github.com/shineum/loomio-relay/internal/forward/ses"
	"github.com/shineum/loomio-relay/internal/forward/stdout"
	"github.com/shineum/loomio-relay/internal/httpapi"
	"github.com/shineum/loomio-relay/internal/metrics"
	"github.com/shineum/loomio-relay/internal/relay"
	"github.com/shineum/loomio-relay/internal/smtp"
	smtptls "github.com/shineum/loomio-relay/internal/tls"
	"github.com/shineum/loomio-relay/internal/webhook"
)

// httpShutdownTimeout bounds the HTTP server's graceful shutdown.
const httpShutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "path to .env file (ignored if missing)")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "path", *envFile, "error", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	tlsConfig, err := smtptls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}
	tlsMode := "file"
	if smtptls.SelfSigned(tlsConfig) {
		tlsMode = "self-signed"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fwd, err := selectForwarder(ctx, cfg)
	if err != nil {
		slog.Error("failed to create forwarder", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	hook := webhook.New(webhook.Config{
		URL:         cfg.Webhook.URL,
		Token:       cfg.Webhook.Token,
		TokenScheme: cfg.Webhook.TokenScheme,
		Mode:        cfg.Webhook.Mode,
		Timeout:     cfg.Webhook.Timeout,
	})
	if cfg.Webhook.Token == "" {
		slog.Warn("EMAIL_PROCESSOR_TOKEN is empty; webhook requests are unauthenticated")
	}

	r := relay.New(relay.Config{
		Deliverer: hook,
		Forwarder: fwd,
		ForwardTo: cfg.Forward.Address,
		Metrics:   m,
		Logger:    slog.Default(),
	})

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Handler:        r,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnections: cfg.SMTP.MaxConnections,
	})

	slog.Info("starting loomio-relay",
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"webhook_url", hook.URL(),
		"webhook_mode", cfg.Webhook.Mode,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
		"forwarder", forwarderName(fwd),
	)

	var httpErr chan error
	if cfg.HTTPEnabled() {
		api := httpapi.New(httpapi.Config{
			Handler:        r,
			Metrics:        m,
			IngestToken:    cfg.HTTP.IngestToken,
			MaxMessageSize: cfg.SMTP.MaxMessageSize,
		})
		done, err := startHTTP(ctx, cfg.HTTP.Listen, api.Router())
		if err != nil {
			slog.Error("failed to start HTTP server", "addr", cfg.HTTP.Listen, "error", err)
			os.Exit(1)
		}
		// A failing HTTP server stops the SMTP side too.
		httpErr = make(chan error, 1)
		go func() {
			httpErr <- <-done
			cancel()
		}()
	}

	// Blocks until the context is cancelled.
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	if httpErr != nil {
		if err := <-httpErr; err != nil {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("loomio-relay stopped")
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

// selectForwarder builds the optional fallback forwarder. A nil Forwarder
// means forwarding is off.
func selectForwarder(ctx context.Context, cfg *config.Config) (forward.Forwarder, error) {
	switch cfg.Forward.Provider {
	case "ses":
		slog.Info("using AWS SES fallback forwarder",
			"region", cfg.Forward.SES.Region,
			"sender", cfg.Forward.SES.Sender,
		)
		f, err := ses.New(ctx, ses.Config{
			Region:          cfg.Forward.SES.Region,
			AccessKeyID:     cfg.Forward.SES.AccessKeyID,
			SecretAccessKey: cfg.Forward.SES.SecretAccessKey,
			Sender:          cfg.Forward.SES.Sender,
		})
		if err != nil {
			return nil, err
		}
		return f, nil

	case "stdout":
		slog.Info("using stdout fallback forwarder")
		return stdout.New(), nil

	default:
		return nil, nil
	}
}

func forwarderName(f forward.Forwarder) string {
	if f == nil {
		return "none"
	}
	return f.Name()
}

// startHTTP binds addr and serves handler until ctx is cancelled. Bind
// failures are returned directly; the channel yields the serve result once
// shutdown completes.
func startHTTP(ctx context.Context, addr string, handler http.Handler) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- serveHTTP(ctx, ln, handler)
	}()
	return done, nil
}

// serveHTTP serves on ln until ctx is cancelled.
func serveHTTP(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
		}
	}()

	slog.Info("HTTP server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
