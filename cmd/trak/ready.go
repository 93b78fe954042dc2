package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/graph"
	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
	"github.com/trakhq/trak/internal/ui"
)

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List tasks ready to start (open, unblocked, backoff elapsed)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()

		f := storage.ReadyFilter{MaxPriority: -1}
		f.Project, _ = cmd.Flags().GetString("project")
		if a, _ := cmd.Flags().GetString("autonomy"); a != "" {
			f.Autonomy = types.Autonomy(a)
		}

		tasks, err := e.Store().ReadyTasks(rootCtx, f)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(tasks)
			return
		}
		if len(tasks) == 0 {
			fmt.Println("Nothing ready.")
			return
		}
		for _, t := range tasks {
			printTaskLine(t)
		}
	},
}

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the next auto-task the orchestrator would pick",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()

		f := storage.ReadyFilter{Autonomy: types.AutonomyAuto, MaxPriority: -1, CheckBudget: true}
		f.Project, _ = cmd.Flags().GetString("project")

		tasks, err := e.Store().ReadyTasks(rootCtx, f)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if len(tasks) == 0 {
			if jsonOutput {
				outputJSON(nil)
				return
			}
			fmt.Println("No auto-task is ready.")
			return
		}
		if jsonOutput {
			outputJSON(tasks[0])
			return
		}
		printTaskLine(tasks[0])
	},
}

var heatCmd = &cobra.Command{
	Use:   "heat",
	Short: "Rank non-terminal tasks by heat (fan-out, age, activity, priority)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()

		var f storage.ListFilter
		f.Project, _ = cmd.Flags().GetString("project")

		scored, err := graph.HeatMap(rootCtx, e.Store(), f)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(scored)
			return
		}
		for _, s := range scored {
			fmt.Printf("%s  ", ui.RenderBold(fmt.Sprintf("%3d", s.Heat)))
			printTaskLine(s.Task)
		}
	},
}

var blockedCmd = &cobra.Command{
	Use:   "blocked <id>",
	Short: "Show what is blocking a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		st := e.Store()

		id, err := st.ResolveID(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		blocking, err := graph.BlockedReason(rootCtx, st, id)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]any{"id": id, "blocked_by": blocking})
			return
		}
		if len(blocking) == 0 {
			Success("%s is not blocked by dependencies", id)
			return
		}
		fmt.Printf("%s is blocked by:\n", id)
		for _, parent := range blocking {
			fmt.Printf("  %s\n", parent)
		}
	},
}

func init() {
	readyCmd.Flags().String("project", "", "Filter by project")
	readyCmd.Flags().String("autonomy", "", "Filter by autonomy level")
	nextCmd.Flags().String("project", "", "Filter by project")
	heatCmd.Flags().String("project", "", "Filter by project")
	rootCmd.AddCommand(readyCmd, nextCmd, heatCmd, blockedCmd)
}
