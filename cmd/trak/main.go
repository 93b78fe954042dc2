// Command trak is a local-first, git-synchronized task tracker and
// multi-agent orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/config"
	"github.com/trakhq/trak/internal/engine"
	"github.com/trakhq/trak/internal/storage"
)

var (
	rootCtx    context.Context
	jsonOutput bool

	// Opened lazily by mustEngine; nil for commands that run before init.
	store *storage.Store
	eng   *engine.Engine
)

var rootCmd = &cobra.Command{
	Use:   "trak",
	Short: "Local-first task tracker and agent orchestrator",
	Long: `trak tracks tasks in a per-project .trak/ directory: a SQLite store for
queries plus an append-only trak.jsonl event log that syncs through git.
Agents and humans share the same workflow; the orchestrator dispatches
ready auto-tasks to an agent gateway behind verification and budget gates.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := config.Initialize(); err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			config.Set("json", true)
		}
		if db, _ := cmd.Flags().GetString("db"); db != "" {
			os.Setenv("TRAK_DB", db)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
		}
	},
}

// mustEngine opens the store and engine, failing the command when the
// project has no .trak directory yet.
func mustEngine() *engine.Engine {
	if eng != nil {
		return eng
	}
	var err error
	store, err = storage.Open(rootCtx)
	if err != nil {
		FatalErrorRespectJSON("%v", err)
	}
	eng = engine.New(store)
	return eng
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("db", "", "Path to the trak database (overrides discovery)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
