package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/hone/internal/bootstrap"
	"github.com/dyluth/hone/internal/optqueue"
	"github.com/dyluth/hone/internal/timespec"
	"github.com/dyluth/hone/pkg/experiment"
)

func (c *cli) recomputeCommand() *cobra.Command {
	var (
		experimentID int64
		at           string
		req          optqueue.Request
	)

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Enqueue background recomputation for an experiment",
		Long: `Enqueue NEXT_POINTS for an experiment, plus OPTIMIZE with --optimize and
IMPORTANCES when the importances policy says they are due (or always with
--force-importances).

--at delays delivery, either by a duration from now (e.g. 10m) or until an
RFC3339 timestamp.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if experimentID <= 0 {
				return c.printer.Error("--experiment is required", "", []string{"Pass --experiment <id>"})
			}
			notBefore, err := timespec.ParseAt(at, time.Now())
			if err != nil {
				return c.printer.Error("invalid --at", err.Error(), []string{"Use a duration like 10m or an RFC3339 timestamp"})
			}
			req.NotBefore = notBefore
			return c.withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				exp, err := app.Store.GetExperiment(ctx, experimentID)
				if err != nil {
					if experiment.IsNotFound(err) {
						return c.printer.Error("experiment not found", fmt.Sprintf("No experiment with id %d", experimentID), nil)
					}
					return err
				}
				types, err := app.OptQueue.EnqueueForExperiment(ctx, exp, req)
				if err != nil {
					return err
				}
				if len(types) == 0 {
					c.printer.Warning("Queueing is disabled; nothing enqueued\n")
					return nil
				}
				for _, t := range types {
					c.printer.Success("Enqueued %s for experiment %d on %s\n", t, exp.ID, app.Queue.QueueFor(t))
				}
				if !notBefore.IsZero() {
					c.printer.Info("Delivery deferred until %s\n", notBefore.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64VarP(&experimentID, "experiment", "e", 0, "experiment id")
	cmd.Flags().BoolVar(&req.Optimize, "optimize", false, "also refit model hyperparameters")
	cmd.Flags().StringVar(&at, "at", "", "deliver at a later time (duration from now or RFC3339)")
	cmd.Flags().BoolVar(&req.ForceImportances, "force-importances", false, "recompute importances even when they are fresh")
	return cmd
}
