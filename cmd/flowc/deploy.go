package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/flowc/internal/compiler"
	"github.com/rendis/flowc/internal/deploy"
)

func newDeployCmd(cfg *Config) *cobra.Command {
	var (
		name          string
		workPool      string
		paused        bool
		maxWorkers    int
		timeoutSec    int
		metadataKind  string
		datastoreKind string
		tags          []string
		withSpecs     []string
	)

	cmd := &cobra.Command{
		Use:   "deploy PATH",
		Short: "Register a compiled flow as a scheduled deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := loadGraph(args[0], compiler.Options{
				MetadataKind:           pick(metadataKind, cfg.MetadataKind),
				DatastoreKind:          pick(datastoreKind, cfg.DatastoreKind),
				MaxWorkers:             pickInt(maxWorkers, cfg.MaxWorkers),
				WorkflowTimeoutSeconds: timeoutSec,
				Tags:                   tags,
				With:                   withSpecs,
				DeploymentName:         name,
			})
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			dep, err := deploy.Register(cmd.Context(), st, tg, name, workPool, paused)
			if err != nil {
				return err
			}

			if dep.ScheduleCron != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "deployed %s (schedule %q)\n", dep.Name, dep.ScheduleCron)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "deployed %s (no schedule)\n", dep.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Deployment name (default derived from the flow)")
	cmd.Flags().StringVar(&workPool, "work-pool", "", "Work pool label")
	cmd.Flags().BoolVar(&paused, "paused", false, "Register the deployment paused")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum concurrent task instances")
	cmd.Flags().IntVar(&timeoutSec, "workflow-timeout", 0, "Whole-run timeout in seconds")
	cmd.Flags().StringVar(&metadataKind, "metadata", "", "Metadata backend kind")
	cmd.Flags().StringVar(&datastoreKind, "datastore", "", "Datastore backend kind")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Run tag (repeatable)")
	cmd.Flags().StringArrayVar(&withSpecs, "with", nil, "Inject a policy into every step (repeatable)")

	return cmd
}
