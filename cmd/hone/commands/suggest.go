package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dyluth/hone/internal/bootstrap"
	"github.com/dyluth/hone/internal/broker"
	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/pkg/experiment"
)

func (c *cli) suggestCommand() *cobra.Command {
	var (
		experimentID int64
		data         map[string]string
	)

	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Serve the next suggestion of an experiment",
		Long: `Run the suggestion pipeline for an experiment and claim the result, the
same way an API client would. An open suggestion is served again once the
experiment's parallel bandwidth is used up.

--data attaches client data (key=value) to the claimed suggestion.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if experimentID <= 0 {
				return c.printer.Error("--experiment is required", "", []string{"Pass --experiment <id>"})
			}
			return c.withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				exp, err := app.Store.GetExperiment(ctx, experimentID)
				if err != nil {
					if experiment.IsNotFound(err) {
						return c.printer.Error("experiment not found", fmt.Sprintf("No experiment with id %d", experimentID), nil)
					}
					return err
				}

				optArgs, err := optimize.LoadArgs(ctx, app.Store, exp, 0)
				if err != nil {
					return fmt.Errorf("failed to load experiment state: %w", err)
				}

				s, err := app.Broker.NextSuggestion(ctx, exp, optArgs, broker.ProcessedMeta{ClientProvidedData: data})
				if err != nil {
					var race *experiment.SuggestionAlreadyProcessedError
					if errors.As(err, &race) {
						return c.printer.Error("suggestion already claimed", err.Error(), []string{"Run suggest again"})
					}
					return c.printer.Error("could not produce a suggestion", err.Error(), []string{
						"Check the compute service, or relax optimization.forbid_random_fallback",
					})
				}

				c.printer.Success("Suggestion %d for experiment %d (source: %s)\n", s.ID(), exp.ID, s.Unprocessed.Source)
				names := make([]string, 0, len(s.Unprocessed.Assignments))
				for name := range s.Unprocessed.Assignments {
					names = append(names, name)
				}
				sort.Strings(names)
				rows := make([][]string, len(names))
				for i, name := range names {
					rows[i] = []string{name, fmt.Sprint(s.Unprocessed.Assignments[name])}
				}
				c.printer.Table([]string{"PARAMETER", "VALUE"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().Int64VarP(&experimentID, "experiment", "e", 0, "experiment id")
	cmd.Flags().StringToStringVar(&data, "data", nil, "client data to attach (key=value)")
	return cmd
}
