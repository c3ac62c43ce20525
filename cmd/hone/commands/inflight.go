package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/hone/internal/bootstrap"
)

func (c *cli) inflightCommand() *cobra.Command {
	var (
		queueName string
		stale     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "inflight",
		Short: "Show messages being handled right now",
		Long: `Show how many messages of a queue are being handled by workers, and
list the in-flight markers older than --stale. A stale marker usually means a
worker died mid-message.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if queueName == "" {
					return c.printer.Error("--queue is required", "", []string{"Pass --queue <name>, e.g. --queue optimize"})
				}
				n, err := app.Tracking.CountProcessingMessages(ctx, queueName)
				if err != nil {
					return err
				}
				c.printer.Info("%s: %d in flight\n", queueName, n)

				markers, err := app.Tracking.StaleMarkers(ctx, queueName, stale)
				if err != nil {
					return err
				}
				if len(markers) == 0 {
					return nil
				}
				c.printer.Warning("%d marker(s) older than %s\n", len(markers), stale)
				rows := make([][]string, len(markers))
				for i, m := range markers {
					rows[i] = []string{m.ID, m.StartedAt.UTC().Format(time.RFC3339)}
				}
				c.printer.Table([]string{"MARKER", "STARTED"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue name")
	cmd.Flags().DurationVar(&stale, "stale", 15*time.Minute, "age after which a marker is reported as stale")
	return cmd
}
