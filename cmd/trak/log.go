package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/engine"
)

var logCmd = &cobra.Command{
	Use:   "log <id> <entry...>",
	Short: "Append a journal entry, optionally recording spend",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()

		var opts engine.LogOptions
		opts.Author, _ = cmd.Flags().GetString("author")
		opts.TokensIn, _ = cmd.Flags().GetInt64("tokens-in")
		opts.TokensOut, _ = cmd.Flags().GetInt64("tokens-out")
		opts.CostUSD, _ = cmd.Flags().GetFloat64("cost")
		opts.Model, _ = cmd.Flags().GetString("model")
		opts.DurationSeconds, _ = cmd.Flags().GetFloat64("duration")

		t, err := e.Log(rootCtx, args[0], strings.Join(args[1:], " "), opts)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(t)
			return
		}
		Success("Logged to %s", t.ID)
	},
}

func init() {
	logCmd.Flags().String("author", "", "Entry author (default: human)")
	logCmd.Flags().Int64("tokens-in", 0, "Input tokens to record")
	logCmd.Flags().Int64("tokens-out", 0, "Output tokens to record")
	logCmd.Flags().Float64("cost", 0, "USD cost to record")
	logCmd.Flags().String("model", "", "Model used")
	logCmd.Flags().Float64("duration", 0, "Duration in seconds to record")
	rootCmd.AddCommand(logCmd)
}
