package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/loomio-relay/internal/sidekiq"
)

func newQueueStatusCommand(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue-status",
		Short: "Show Sidekiq queues, dead jobs and retrying jobs",
		Args:  cobra.NoArgs,
	}
	noColor := cmd.Flags().Bool("no-color", false, "disable ANSI colors")
	redisURL := cmd.Flags().String("redis-url", "", "Redis URL (default $REDIS_URL or "+defaultRedisURL+")")
	namespace := cmd.Flags().String("namespace", "", "Sidekiq key namespace (default $SIDEKIQ_NAMESPACE)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		url := *redisURL
		if url == "" {
			url = envOr("REDIS_URL", defaultRedisURL)
		}
		ns := *namespace
		if ns == "" {
			ns = os.Getenv("SIDEKIQ_NAMESPACE")
		}

		ctx := cmd.Context()
		slog.Debug("reading sidekiq state", "namespace", ns)

		rdb, release, err := deps.OpenRedis(ctx, url)
		if err != nil {
			return fail(cmd, false, "%v", err)
		}
		defer release()

		snap, err := sidekiq.NewReader(rdb, ns).Snapshot(ctx)
		if err != nil {
			return fail(cmd, false, "%v", err)
		}
		return sidekiq.Render(cmd.OutOrStdout(), snap, sidekiq.RenderOptions{NoColor: *noColor})
	}
	return cmd
}
