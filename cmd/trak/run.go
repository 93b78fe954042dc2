package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/gateway"
	"github.com/trakhq/trak/internal/lock"
	"github.com/trakhq/trak/internal/orchestrator"
	"github.com/trakhq/trak/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Dispatch ready auto-tasks to the agent gateway",
	Long: `Pick ready auto-tasks (priority within run.min-priority, under budget,
dependencies done), lock the workspace, claim each one, and spawn an agent
per task through the gateway. With --watch, keep polling for new work until
interrupted.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		locks, err := lock.NewManager(e.Store().Dir())
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		cwd, err := os.Getwd()
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		var opts orchestrator.Options
		opts.Project, _ = cmd.Flags().GetString("project")
		opts.MaxAgents, _ = cmd.Flags().GetInt("max-agents")
		opts.Timeout, _ = cmd.Flags().GetString("timeout")
		opts.Model, _ = cmd.Flags().GetString("model")
		opts.Watch, _ = cmd.Flags().GetBool("watch")
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		opts.MinPriority = -1
		if cmd.Flags().Changed("min-priority") {
			opts.MinPriority, _ = cmd.Flags().GetInt("min-priority")
		}

		runner := orchestrator.NewRunner(e, locks, gateway.Discover(), cwd)
		if !jsonOutput {
			runner.Report = printDispatch
		}

		results, err := runner.Run(rootCtx, opts)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(results)
			return
		}
		if len(results) == 0 && !opts.Watch {
			fmt.Println("Nothing to dispatch.")
		}
	},
}

func printDispatch(d orchestrator.Dispatch) {
	switch {
	case d.SessionKey != "":
		Success("Dispatched %s: %s %s", d.Task.ID, d.Task.Title, ui.RenderMuted("("+d.SessionKey+")"))
	case d.Skipped != "":
		Warn("Skipped %s: %s", d.Task.ID, d.Skipped)
	default:
		fmt.Printf("%s would dispatch %s: %s\n", ui.RenderAccent("→"), d.Task.ID, d.Task.Title)
	}
}

func init() {
	runCmd.Flags().String("project", "", "Only dispatch tasks in this project")
	runCmd.Flags().Int("max-agents", 0, "Concurrent agent ceiling (default run.max-agents)")
	runCmd.Flags().Int("min-priority", 1, "Highest priority number to dispatch (default run.min-priority)")
	runCmd.Flags().String("timeout", "", "Agent timeout override (e.g. 30m, 900s)")
	runCmd.Flags().String("model", "", "Model for spawned agents")
	runCmd.Flags().BoolP("watch", "w", false, "Keep polling for newly ready tasks")
	runCmd.Flags().Bool("dry-run", false, "Show what would be dispatched without doing it")
	rootCmd.AddCommand(runCmd)
}
