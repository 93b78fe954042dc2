package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/types"
)

var failCmd = &cobra.Command{
	Use:   "fail <id> <reason...>",
	Short: "Record a failed attempt (rewinds to open with backoff, or to failed)",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		t, err := e.Fail(rootCtx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(t)
			return
		}
		if t.Status == types.StatusFailed {
			Warn("%s failed permanently after %d attempts", t.ID, t.RetryCount)
			return
		}
		Success("%s attempt %d/%d recorded; retry after %s", t.ID, t.RetryCount, t.MaxRetries, t.RetryAfter)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Manually rewind a task to open, clearing the backoff window",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		reset, _ := cmd.Flags().GetBool("reset")
		t, err := e.Retry(rootCtx, args[0], reset)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(t)
			return
		}
		Success("%s is open again (retry %d/%d)", t.ID, t.RetryCount, t.MaxRetries)
	},
}

func init() {
	retryCmd.Flags().Bool("reset", false, "Also zero the retry counter")
	rootCmd.AddCommand(failCmd, retryCmd)
}
