package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowc/internal/deploy"
	"github.com/rendis/flowc/internal/engine"
	"github.com/rendis/flowc/internal/store"
)

func newServeCmd(cfg *Config) *cobra.Command {
	var (
		command string
		workDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment trigger loop",
		Long: `Polls registered deployments and starts a run whenever a schedule
comes due. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			if workDir == "" {
				workDir, err = os.MkdirTemp("", "flowc-serve-*")
				if err != nil {
					return err
				}
			}

			logger := newLogger(cfg.LogLevel)
			runner := &deploymentRunner{
				store:   st,
				command: command,
				workDir: workDir,
				logger:  logger,
			}

			sched := deploy.NewScheduler(st, runner, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sched.Start(ctx); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "flowc serving deployments; press Ctrl+C to stop")
			<-ctx.Done()
			return sched.Stop()
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "Step command executed once per task instance (required)")
	cmd.Flags().StringVar(&workDir, "dir", "", "Working directory for step commands (default a temp dir)")
	cmd.MarkFlagRequired("command")

	return cmd
}

// deploymentRunner executes one run for a triggered deployment.
type deploymentRunner struct {
	store   store.Store
	command string
	workDir string
	logger  *slog.Logger
}

func (r *deploymentRunner) RunDeployment(ctx context.Context, dep *store.Deployment) error {
	tg, err := deploy.LoadGraph(dep)
	if err != nil {
		return err
	}

	runner := engine.NewSubprocessRunner(r.command, r.workDir)
	eng := engine.New(tg, r.store, runner, r.logger)
	// The graph's baked-in tags already land on the run; no extras here.
	_, err = eng.Execute(ctx, nil, nil)
	return err
}
