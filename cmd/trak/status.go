package main

import (
	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Change a task's status",
	Long:  "Change a task's status. Valid: open, wip, blocked, review, done, archived, failed.\nEntering wip records the current git HEAD as the verification baseline.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		t, err := e.SetStatus(rootCtx, args[0], types.Status(args[1]))
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(t)
			return
		}
		Success("%s is now %s", t.ID, t.Status)
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign <id> [agent]",
	Short: "Assign a task to an agent (open/review tasks move to wip)",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		agent := ""
		if len(args) > 1 {
			agent = args[1]
		}
		t, err := e.Assign(rootCtx, args[0], agent)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(t)
			return
		}
		Success("%s assigned to %s (%s)", t.ID, t.AssignedTo, t.Status)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit task fields",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()

		updates := make(map[string]any)
		setIfChanged := func(flag, col string) {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetString(flag)
				updates[col] = v
			}
		}
		setIfChanged("title", "title")
		setIfChanged("description", "description")
		setIfChanged("project", "project")
		setIfChanged("tags", "tags")
		setIfChanged("autonomy", "autonomy")
		setIfChanged("verify-command", "verify_command")
		if cmd.Flags().Changed("priority") {
			p, _ := cmd.Flags().GetInt("priority")
			updates["priority"] = p
		}
		if cmd.Flags().Changed("budget") {
			b, _ := cmd.Flags().GetFloat64("budget")
			updates["budget_usd"] = b
		}
		if len(updates) == 0 {
			FatalErrorRespectJSON("nothing to change (see trak edit --help)")
		}

		t, err := e.Update(rootCtx, args[0], updates)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(t)
			return
		}
		Success("Updated %s", t.ID)
	},
}

func init() {
	editCmd.Flags().String("title", "", "New title")
	editCmd.Flags().StringP("description", "d", "", "New description")
	editCmd.Flags().IntP("priority", "p", 1, "New priority 0-3")
	editCmd.Flags().String("project", "", "New project")
	editCmd.Flags().String("tags", "", "New comma-joined tags")
	editCmd.Flags().String("autonomy", "", "New autonomy level")
	editCmd.Flags().Float64("budget", 0, "New USD budget ceiling")
	editCmd.Flags().String("verify-command", "", "New verify command")
	rootCmd.AddCommand(statusCmd, assignCmd, editCmd)
}
