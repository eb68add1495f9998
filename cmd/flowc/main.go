// flowc compiles declarative flow definitions into executable task graphs
// and runs them.
//
// Usage:
//
//	flowc [--db PATH] [--log-level LEVEL] <command> [flags]
//
// Commands:
//
//	create   Compile a flow definition into a task graph artifact
//	run      Execute a flow definition or compiled artifact
//	deploy   Register a compiled flow as a scheduled deployment
//	serve    Run the deployment trigger loop
//	graph    Render a flow's task graph as a diagram
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	cfg := loadConfig()

	rootCmd := &cobra.Command{
		Use:           "flowc",
		Short:         "flowc — flow definition compiler and runtime",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "libSQL database path")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newCreateCmd(&cfg),
		newRunCmd(&cfg),
		newDeployCmd(&cfg),
		newServeCmd(&cfg),
		newGraphCmd(&cfg),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
