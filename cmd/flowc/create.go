package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/flowc/internal/compiler"
)

func newCreateCmd(cfg *Config) *cobra.Command {
	var (
		output        string
		name          string
		maxWorkers    int
		timeoutSec    int
		metadataKind  string
		datastoreKind string
		tags          []string
		withSpecs     []string
	)

	cmd := &cobra.Command{
		Use:   "create DEFINITION",
		Short: "Compile a flow definition into a task graph artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := compiler.ReadDefinition(args[0])
			if err != nil {
				return err
			}

			tg, err := compiler.Compile(def, compiler.Options{
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

			if output == "" {
				output = strings.ReplaceAll(tg.DeploymentName, ".", "-") + ".graph.json"
			}
			if err := compiler.WriteArtifact(output, tg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "compiled %s (%d tasks) -> %s\n",
				tg.DeploymentName, len(tg.Tasks), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Artifact output path (default <deployment>.graph.json)")
	cmd.Flags().StringVar(&name, "name", "", "Override the derived deployment name")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum concurrent task instances")
	cmd.Flags().IntVar(&timeoutSec, "workflow-timeout", 0, "Whole-run timeout in seconds")
	cmd.Flags().StringVar(&metadataKind, "metadata", "", "Metadata backend kind")
	cmd.Flags().StringVar(&datastoreKind, "datastore", "", "Datastore backend kind")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Run tag (repeatable)")
	cmd.Flags().StringArrayVar(&withSpecs, "with", nil, "Inject a policy into every step, e.g. retry:times=3 (repeatable)")

	return cmd
}

func pick(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}

func pickInt(flag, fallback int) int {
	if flag != 0 {
		return flag
	}
	return fallback
}
