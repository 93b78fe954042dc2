package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
	"github.com/trakhq/trak/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()

		var f storage.ListFilter
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			f.Status = types.Status(s)
			if !types.IsValidStatus(f.Status) {
				FatalErrorRespectJSON("invalid status %q", s)
			}
		}
		f.Project, _ = cmd.Flags().GetString("project")
		f.Tag, _ = cmd.Flags().GetString("tag")
		f.AssignedTo, _ = cmd.Flags().GetString("assigned")
		f.EpicID, _ = cmd.Flags().GetString("epic")
		f.All, _ = cmd.Flags().GetBool("all")

		tasks, err := e.Store().ListTasks(rootCtx, f)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(tasks)
			return
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return
		}
		for _, t := range tasks {
			printTaskLine(t)
		}
	},
}

func printTaskLine(t *types.Task) {
	line := fmt.Sprintf("%s  %s P%d  %s", ui.RenderBold(t.ID), statusBadge(t.Status), t.Priority, t.Title)
	if t.Project != "" {
		line += "  " + ui.RenderAccent("["+t.Project+"]")
	}
	if t.AssignedTo != "" {
		line += "  " + ui.RenderMuted("@"+t.AssignedTo)
	}
	fmt.Println(line)
}

func init() {
	listCmd.Flags().StringP("status", "s", "", "Filter by status")
	listCmd.Flags().String("project", "", "Filter by project")
	listCmd.Flags().String("tag", "", "Filter by tag")
	listCmd.Flags().String("assigned", "", "Filter by assigned agent")
	listCmd.Flags().String("epic", "", "Filter by epic id")
	listCmd.Flags().BoolP("all", "a", false, "Include done and archived tasks")
	rootCmd.AddCommand(listCmd)
}
