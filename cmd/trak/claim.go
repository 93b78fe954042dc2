package main

import (
	"github.com/spf13/cobra"
)

var claimCmd = &cobra.Command{
	Use:   "claim <id>",
	Short: "Record an advisory claim on a task",
	Long: `Record a soft claim. Claims are history and metrics only: a conflicting
claim warns and is not overwritten, and orchestration decisions rely on
status and workspace locks instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		agent, _ := cmd.Flags().GetString("agent")
		model, _ := cmd.Flags().GetString("model")

		result, err := e.Claim(rootCtx, args[0], agent, model)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(result)
			return
		}
		if !result.Claimed {
			Warn("%s is already claimed by %s (since %s); not overwritten",
				result.Task.ID, result.Existing.Agent, result.Existing.ClaimedAt)
			return
		}
		Success("Claimed %s", result.Task.ID)
	},
}

func init() {
	claimCmd.Flags().String("agent", "", "Claiming agent (default: TRAK_AGENT or hostname)")
	claimCmd.Flags().String("model", "", "Model the agent runs")
	rootCmd.AddCommand(claimCmd)
}
