// Package commands implements the hone operator CLI.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dyluth/hone/internal/bootstrap"
	"github.com/dyluth/hone/internal/config"
	"github.com/dyluth/hone/internal/printer"
)

var versionString = "dev"

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// Execute runs the CLI against the process's arguments and stdio.
func Execute() error {
	return NewRootCommand(os.Stdout, os.Stderr).Execute()
}

// cli is the state shared by every subcommand of one invocation.
type cli struct {
	configPath string
	viper      *viper.Viper
	printer    *printer.Printer
	logger     *slog.Logger
}

// NewRootCommand builds the command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &cli{
		viper:   config.NewViper(),
		printer: printer.New(out, errOut),
		logger:  slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}

	root := &cobra.Command{
		Use:   "hone",
		Short: "Hone - operate the suggestion pipeline's queues",
		Long: `Hone inspects and drives the background queues that precompute
suggestions, refit model hyperparameters and recompute parameter importances.

Configuration is read from hone.yml (--config) and HONE_* environment
variables; flags win over both.`,
		Version: versionString,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "path to hone.yml (optional)")
	pf.String("redis-addr", config.DefaultRedisAddr, "Redis address (host:port)")
	pf.String("key-prefix", config.DefaultKeyPrefix, "Redis key prefix")
	config.BindFlag(c.viper, "redis.addr", pf, "redis-addr")
	config.BindFlag(c.viper, "redis.key_prefix", pf, "key-prefix")

	root.AddCommand(c.queueCommand(), c.inflightCommand(), c.recomputeCommand(), c.suggestCommand())
	return root
}

// app loads the layered configuration and wires the components. The caller
// closes the returned app.
func (c *cli) app(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := config.LoadLayered(c.configPath, c.viper)
	if err != nil {
		return nil, c.printer.Error("invalid configuration", err.Error(), []string{
			"Check hone.yml and HONE_* environment variables",
		})
	}
	app, err := bootstrap.New(ctx, cfg, c.logger)
	if err != nil {
		return nil, c.printer.Error("failed to initialise hone", err.Error(), nil)
	}
	if err := app.Ping(ctx); err != nil {
		app.Close()
		return nil, c.printer.ErrorWithContext("Redis unreachable", err.Error(),
			map[string]string{"Address": cfg.Redis.Addr},
			[]string{"Start Redis", "Set --redis-addr or HONE_REDIS_ADDR"},
		)
	}
	return app, nil
}
