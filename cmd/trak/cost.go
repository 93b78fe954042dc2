package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/cost"
	"github.com/trakhq/trak/internal/types"
	"github.com/trakhq/trak/internal/ui"
)

var costCmd = &cobra.Command{
	Use:   "cost <id>",
	Short: "Show a task's spend, budget position, and cost events",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()
		st := e.Store()

		id, err := st.ResolveID(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		t, err := st.GetTask(rootCtx, id)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		events, err := st.CostEvents(rootCtx, id)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		report := cost.BudgetStatus(t)

		if jsonOutput {
			outputJSON(map[string]any{"task": t, "budget": report, "events": events})
			return
		}

		fmt.Printf("%s %s\n", ui.RenderBold(t.ID), t.Title)
		fmt.Printf("  spent $%.4f", t.CostUSD)
		if t.BudgetUSD > 0 {
			fmt.Printf(" of $%.2f (%s)", t.BudgetUSD, budgetBadge(report.Status))
		}
		fmt.Printf("  %d in / %d out tokens  %.0fs\n", t.TokensIn, t.TokensOut, t.DurationSeconds)
		for _, ev := range events {
			line := fmt.Sprintf("  %s  $%.4f", ui.RenderMuted(ev.Timestamp), ev.CostUSD)
			if ev.Model != "" {
				line += "  " + ev.Model
			}
			if ev.Operation != "" {
				line += "  " + ui.RenderMuted(ev.Operation)
			}
			fmt.Println(line)
		}
	},
}

var costRecordCmd = &cobra.Command{
	Use:   "record <id>",
	Short: "Record a cost event against a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e := mustEngine()

		id, err := e.Store().ResolveID(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		var ev types.CostEvent
		ev.TaskID = id
		ev.Model, _ = cmd.Flags().GetString("model")
		ev.TokensIn, _ = cmd.Flags().GetInt64("tokens-in")
		ev.TokensOut, _ = cmd.Flags().GetInt64("tokens-out")
		ev.CostUSD, _ = cmd.Flags().GetFloat64("cost")
		ev.DurationSeconds, _ = cmd.Flags().GetFloat64("duration")
		ev.Agent, _ = cmd.Flags().GetString("agent")
		ev.Operation, _ = cmd.Flags().GetString("operation")

		report, err := e.Costs().Record(rootCtx, ev)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		if jsonOutput {
			outputJSON(report)
			return
		}
		Success("Recorded; budget %s ($%.4f spent)", budgetBadge(report.Status), report.CostUSD)
	},
}

func budgetBadge(status string) string {
	switch status {
	case cost.BudgetExceeded:
		return ui.RenderFail(status)
	case cost.BudgetWarning:
		return ui.RenderWarn(status)
	case cost.BudgetOK:
		return ui.RenderPass(status)
	default:
		return ui.RenderMuted(status)
	}
}

func init() {
	costRecordCmd.Flags().String("model", "", "Model used (prices the tokens when --cost is 0)")
	costRecordCmd.Flags().Int64("tokens-in", 0, "Input tokens")
	costRecordCmd.Flags().Int64("tokens-out", 0, "Output tokens")
	costRecordCmd.Flags().Float64("cost", 0, "Explicit USD cost")
	costRecordCmd.Flags().Float64("duration", 0, "Duration in seconds")
	costRecordCmd.Flags().String("agent", "", "Agent label")
	costRecordCmd.Flags().String("operation", "", "Operation kind")
	costCmd.AddCommand(costRecordCmd)
	rootCmd.AddCommand(costCmd)
}
