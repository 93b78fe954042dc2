package main

import (
	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/engine"
	"github.com/trakhq/trak/internal/timeparsing"
)

var createCmd = &cobra.Command{
	Use:     "create <title>",
	Aliases: []string{"add", "new"},
	Short:   "Create a task",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()

		opts := engine.CreateOptions{}
		opts.Description, _ = cmd.Flags().GetString("description")
		opts.Priority, _ = cmd.Flags().GetInt("priority")
		opts.Project, _ = cmd.Flags().GetString("project")
		opts.Tags, _ = cmd.Flags().GetString("tags")
		opts.ParentID, _ = cmd.Flags().GetString("parent")
		opts.EpicID, _ = cmd.Flags().GetString("epic")
		opts.IsEpic, _ = cmd.Flags().GetBool("is-epic")
		opts.Autonomy, _ = cmd.Flags().GetString("autonomy")
		opts.BudgetUSD, _ = cmd.Flags().GetFloat64("budget")
		opts.VerifyCommand, _ = cmd.Flags().GetString("verify-command")
		opts.CreatedFrom, _ = cmd.Flags().GetString("from")
		opts.DependsOn, _ = cmd.Flags().GetStringSlice("depends-on")

		if timeout, _ := cmd.Flags().GetString("timeout"); timeout != "" {
			d, err := timeparsing.ParseDurationish(timeout)
			if err != nil {
				FatalErrorRespectJSON("invalid timeout %q: %v", timeout, err)
			}
			opts.TimeoutSecs = int(d.Seconds())
		}

		t, err := e.Create(rootCtx, args[0], opts)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(t)
			return
		}
		Success("Created %s: %s", t.ID, t.Title)
	},
}

func init() {
	createCmd.Flags().StringP("description", "d", "", "Task description")
	createCmd.Flags().IntP("priority", "p", 1, "Priority 0-3 (0 is highest)")
	createCmd.Flags().String("project", "", "Project grouping")
	createCmd.Flags().String("tags", "", "Comma-joined tags")
	createCmd.Flags().String("parent", "", "Parent task id")
	createCmd.Flags().String("epic", "", "Epic task id")
	createCmd.Flags().Bool("is-epic", false, "Mark this task as an epic")
	createCmd.Flags().String("autonomy", "", "Autonomy: manual, auto, review, approve")
	createCmd.Flags().Float64("budget", 0, "USD budget ceiling")
	createCmd.Flags().String("verify-command", "", "Shell command the close gate must pass")
	createCmd.Flags().String("timeout", "", "Per-task agent timeout (e.g. 30m, 900s)")
	createCmd.Flags().String("from", "", "Provenance note")
	createCmd.Flags().StringSlice("depends-on", nil, "Task ids this task depends on")
	rootCmd.AddCommand(createCmd)
}
