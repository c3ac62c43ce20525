package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dyluth/hone/internal/bootstrap"
	"github.com/dyluth/hone/internal/queue"
)

// inFlightCounter is implemented by providers that can see delivered but
// unacknowledged messages.
type inFlightCounter interface {
	CountInFlightMessages(ctx context.Context) (int64, error)
}

func (c *cli) queueCommand() *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect, purge or probe a queue",
		Long: `Inspect, purge or probe a queue.

Examples:
  # Show every queue
  hone queue count

  # Drop everything waiting on the optimize queue
  hone queue purge --queue optimize

  # Round-trip a probe through next-points
  hone queue test --queue next-points`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&queueName, "queue", "q", "", "queue name")

	count := &cobra.Command{
		Use:   "count",
		Short: "Count queued (and in-flight) messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				return c.runCount(ctx, app, queueName)
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Drop every queued message of a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				p, err := c.provider(app, queueName)
				if err != nil {
					return err
				}
				if err := p.PurgeQueue(ctx); err != nil {
					if errors.Is(err, queue.ErrUnsupported) {
						return c.printer.ErrorWithContext("purge not supported", err.Error(),
							map[string]string{"Queue": queueName, "Provider": app.Config.Queue.Provider}, nil)
					}
					return fmt.Errorf("failed to purge %s: %w", queueName, err)
				}
				c.printer.Success("Purged queue %s\n", queueName)
				return nil
			})
		},
	}

	test := &cobra.Command{
		Use:   "test",
		Short: "Round-trip a probe message through a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				p, err := c.provider(app, queueName)
				if err != nil {
					return err
				}
				if err := p.Test(ctx); err != nil {
					return c.printer.ErrorWithContext("queue test failed", err.Error(),
						map[string]string{"Queue": queueName}, nil)
				}
				c.printer.Success("Queue %s round-tripped a probe\n", queueName)
				return nil
			})
		},
	}

	cmd.AddCommand(count, purge, test)
	return cmd
}

func (c *cli) runCount(ctx context.Context, app *bootstrap.App, queueName string) error {
	var providers []queue.Provider
	if queueName != "" {
		p, err := c.provider(app, queueName)
		if err != nil {
			return err
		}
		providers = []queue.Provider{p}
	} else {
		providers = app.Queue.Providers()
		sort.Slice(providers, func(i, j int) bool { return providers[i].Queue() < providers[j].Queue() })
	}

	rows := make([][]string, 0, len(providers))
	for _, p := range providers {
		queued, err := p.CountQueuedMessages(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrUnsupported) {
				rows = append(rows, []string{p.Queue(), "n/a", "n/a"})
				continue
			}
			return fmt.Errorf("failed to count %s: %w", p.Queue(), err)
		}
		inFlight := "n/a"
		if ifc, ok := p.(inFlightCounter); ok {
			n, err := ifc.CountInFlightMessages(ctx)
			if err != nil {
				return fmt.Errorf("failed to count in-flight messages of %s: %w", p.Queue(), err)
			}
			inFlight = strconv.FormatInt(n, 10)
		}
		rows = append(rows, []string{p.Queue(), strconv.FormatInt(queued, 10), inFlight})
	}
	c.printer.Table([]string{"QUEUE", "QUEUED", "IN FLIGHT"}, rows)
	return nil
}

func (c *cli) provider(app *bootstrap.App, queueName string) (queue.Provider, error) {
	if queueName == "" {
		return nil, c.printer.Error("--queue is required", "", []string{"Pass --queue <name>, e.g. --queue optimize"})
	}
	p, err := app.Queue.Provider(queueName)
	if err != nil {
		known := make([]string, 0)
		for _, p := range app.Queue.Providers() {
			known = append(known, p.Queue())
		}
		sort.Strings(known)
		return nil, c.printer.Error("unknown queue", err.Error(), []string{fmt.Sprintf("Known queues: %v", known)})
	}
	return p, nil
}

// withApp wires the components for one command and closes them afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := c.app(ctx)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}
