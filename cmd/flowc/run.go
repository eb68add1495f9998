package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowc/internal/compiler"
	"github.com/rendis/flowc/internal/engine"
	"github.com/rendis/flowc/internal/store"
	"github.com/rendis/flowc/pkg/schema"
)

func newRunCmd(cfg *Config) *cobra.Command {
	var (
		command       string
		workDir       string
		ephemeral     bool
		maxWorkers    int
		timeoutSec    int
		metadataKind  string
		datastoreKind string
		params        []string
		tags          []string
		withSpecs     []string
	)

	cmd := &cobra.Command{
		Use:   "run PATH",
		Short: "Execute a flow definition or compiled artifact",
		Long: `Executes a flow. PATH may be a flow definition, which is compiled
first, or an already-compiled task graph artifact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Tags are not compiled in here: Execute appends them to the
			// graph's baked-in tags, so they must land exactly once.
			tg, err := loadGraph(args[0], compiler.Options{
				MetadataKind:           pick(metadataKind, cfg.MetadataKind),
				DatastoreKind:          pick(datastoreKind, cfg.DatastoreKind),
				MaxWorkers:             pickInt(maxWorkers, cfg.MaxWorkers),
				WorkflowTimeoutSeconds: timeoutSec,
				With:                   withSpecs,
			})
			if err != nil {
				return err
			}

			overrides, err := parseParams(params)
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context(), cfg, ephemeral)
			if err != nil {
				return err
			}
			defer st.Close()

			if workDir == "" {
				workDir, err = os.MkdirTemp("", "flowc-run-*")
				if err != nil {
					return err
				}
			}

			logger := newLogger(cfg.LogLevel)
			runner := engine.NewSubprocessRunner(command, workDir)
			eng := engine.New(tg, st, runner, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			run, execErr := eng.Execute(ctx, overrides, tags)
			if run != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s\n", run.ID, run.Status)
			}
			return execErr
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "Step command executed once per task instance (required)")
	cmd.Flags().StringVar(&workDir, "dir", "", "Working directory for step commands (default a temp dir)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Keep run state in memory instead of the database")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum concurrent task instances")
	cmd.Flags().IntVar(&timeoutSec, "workflow-timeout", 0, "Whole-run timeout in seconds")
	cmd.Flags().StringVar(&metadataKind, "metadata", "", "Metadata backend kind")
	cmd.Flags().StringVar(&datastoreKind, "datastore", "", "Datastore backend kind")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Parameter override NAME=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "Run tag (repeatable)")
	cmd.Flags().StringArrayVar(&withSpecs, "with", nil, "Inject a policy into every step (repeatable)")
	cmd.MarkFlagRequired("command")

	return cmd
}

// loadGraph reads PATH as a compiled artifact when it already holds tasks,
// otherwise compiles it as a flow definition.
func loadGraph(path string, opts compiler.Options) (*schema.TaskGraph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read %s", path).WithCause(err)
	}

	var peek struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &peek); err == nil && len(peek.Tasks) > 0 {
		return compiler.ReadArtifact(path)
	}

	def, err := compiler.ReadDefinition(path)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(def, opts)
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected NAME=VALUE", kv)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func openStore(ctx context.Context, cfg *Config, ephemeral bool) (store.Store, error) {
	if ephemeral {
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
