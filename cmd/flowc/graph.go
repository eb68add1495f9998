package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/flowc/internal/compiler"
	"github.com/rendis/flowc/internal/diagram"
)

func newGraphCmd(cfg *Config) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "graph PATH",
		Short: "Render a flow's task graph as a diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tg, err := loadGraph(args[0], compiler.Options{
				MetadataKind:  cfg.MetadataKind,
				DatastoreKind: cfg.DatastoreKind,
			})
			if err != nil {
				return err
			}

			model := diagram.FromTaskGraph(tg, nil)

			switch strings.ToLower(format) {
			case "mermaid":
				out := diagram.RenderMermaid(model)
				if output == "" {
					fmt.Fprint(cmd.OutOrStdout(), out)
					return nil
				}
				return os.WriteFile(output, []byte(out), 0o644)
			case "png":
				if output == "" {
					output = strings.ReplaceAll(tg.DeploymentName, ".", "-") + ".png"
				}
				png, err := diagram.RenderImage(model)
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, png, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
				return nil
			default:
				return fmt.Errorf("unknown format %q, expected mermaid or png", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "mermaid", "Output format (mermaid, png)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default stdout for mermaid)")

	return cmd
}
