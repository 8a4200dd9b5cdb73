// Package cli implements the loomio-admin commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/shineum/loomio-relay/internal/admin"
	"github.com/shineum/loomio-relay/internal/config"
	"github.com/shineum/loomio-relay/internal/sidekiq"
)

const (
	defaultEnvFile  = ".env"
	defaultRedisURL = "redis://localhost:6379/0"
)

// errReported marks failures whose message was already written to stderr.
var errReported = errors.New("reported")

// Deps opens the external systems used by the commands.
type Deps struct {
	// OpenUserStore returns the user store and a function releasing it.
	OpenUserStore func(ctx context.Context) (admin.UserStore, func(), error)
	// OpenRedis returns a Sidekiq Redis client and a function releasing it.
	OpenRedis func(ctx context.Context, redisURL string) (sidekiq.Redis, func(), error)
}

// DefaultDeps connects to PostgreSQL via DATABASE_URL and to Redis.
func DefaultDeps() Deps {
	return Deps{
		OpenUserStore: func(ctx context.Context) (admin.UserStore, func(), error) {
			conn, err := admin.Connect(ctx, os.Getenv("DATABASE_URL"))
			if err != nil {
				return nil, nil, err
			}
			return admin.NewPostgresStore(conn), func() { closeConn(conn) }, nil
		},
		OpenRedis: func(ctx context.Context, redisURL string) (sidekiq.Redis, func(), error) {
			client, err := sidekiq.NewClient(ctx, redisURL)
			if err != nil {
				return nil, nil, err
			}
			return client, func() { _ = client.Close() }, nil
		},
	}
}

// NewRootCommand builds the loomio-admin command tree.
func NewRootCommand(deps Deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "loomio-admin",
		Short:         "loomio-admin manages Loomio users and inspects background jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("env-file", defaultEnvFile, "path to .env file (ignored if missing)")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		path, err := cmd.Flags().GetString("env-file")
		if err != nil {
			return err
		}
		if err := config.LoadDotEnv(path); err != nil {
			return err
		}
		setupLogger(cmd.ErrOrStderr(), os.Getenv("LOG_LEVEL"))
		return nil
	}

	root.AddCommand(newCreateAdminCommand(deps))
	root.AddCommand(newQueueStatusCommand(deps))
	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand(DefaultDeps()).Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		}
		os.Exit(1)
	}
}

// fail writes an ERROR line, optionally followed by usage, to stderr.
func fail(cmd *cobra.Command, withUsage bool, format string, args ...any) error {
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "ERROR: "+format+"\n", args...)
	if withUsage {
		fmt.Fprintf(w, "Usage: %s\n", cmd.UseLine())
	}
	return errReported
}

// setupLogger installs a JSON logger on w. The commands print human output;
// the logger only carries diagnostics.
func setupLogger(w io.Writer, level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})))
}

func closeConn(conn *pgx.Conn) {
	if err := conn.Close(context.Background()); err != nil {
		slog.Debug("failed to close database connection", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
