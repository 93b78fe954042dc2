package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/engine"
	"github.com/trakhq/trak/internal/ui"
)

var closeCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a task through the verification gate",
	Long: `Close a task. Without --verify or --force the gate blocks: the task moves
to review and the command exits 1. --verify runs the checks (verify command,
commit existence, journal activity, git evidence, proof artifact); --force
overrides with a human journal trail.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()

		var opts engine.CloseOptions
		opts.Verify, _ = cmd.Flags().GetBool("verify")
		opts.Force, _ = cmd.Flags().GetBool("force")
		opts.Proof, _ = cmd.Flags().GetString("proof")
		opts.Commit, _ = cmd.Flags().GetString("commit")
		opts.TokensIn, _ = cmd.Flags().GetInt64("tokens-in")
		opts.TokensOut, _ = cmd.Flags().GetInt64("tokens-out")
		opts.CostUSD, _ = cmd.Flags().GetFloat64("cost")
		opts.Model, _ = cmd.Flags().GetString("model")
		opts.DurationSeconds, _ = cmd.Flags().GetFloat64("duration")

		result, err := e.Close(rootCtx, args[0], opts)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		if jsonOutput {
			outputJSON(result)
			if result.Blocked {
				os.Exit(1)
			}
			return
		}

		switch {
		case result.AlreadyDone:
			fmt.Printf("Already done: %s\n", result.Task.ID)
		case result.Blocked:
			for _, c := range result.Checks {
				printCheck(c)
			}
			fmt.Printf("%s Close blocked: verification required (%s is now in review)\n",
				ui.RenderFail("✗"), result.Task.ID)
			os.Exit(1)
		default:
			for _, c := range result.Checks {
				printCheck(c)
			}
			if result.Forced {
				Warn("[force] human override recorded")
			}
			Success("Closed %s: %s", result.Task.ID, result.Task.Title)
			for _, u := range result.Unblocked {
				fmt.Printf("  %s unblocked: %s (%s)\n", ui.RenderAccent("→"), u.ID, u.Title)
			}
		}
	},
}

func printCheck(c engine.Check) {
	symbol := ui.RenderFail("✗")
	if c.Passed {
		symbol = ui.RenderPass("✓")
	}
	line := fmt.Sprintf("  %s %s", symbol, c.Name)
	if c.Detail != "" {
		line += ui.RenderMuted(" (" + c.Detail + ")")
	}
	fmt.Println(line)
}

func init() {
	closeCmd.Flags().Bool("verify", false, "Run the verification gate")
	closeCmd.Flags().BoolP("force", "f", false, "Close without verification (journaled override)")
	closeCmd.Flags().String("proof", "", "Proof artifact (link, path, or note)")
	closeCmd.Flags().String("commit", "", "Commit hash that must exist in the repo")
	closeCmd.Flags().Int64("tokens-in", 0, "Input tokens to record with the close")
	closeCmd.Flags().Int64("tokens-out", 0, "Output tokens to record with the close")
	closeCmd.Flags().Float64("cost", 0, "USD cost to record with the close")
	closeCmd.Flags().String("model", "", "Model used")
	closeCmd.Flags().Float64("duration", 0, "Duration in seconds to record")
	rootCmd.AddCommand(closeCmd)
}
