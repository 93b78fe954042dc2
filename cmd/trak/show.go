package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trakhq/trak/internal/cost"
	"github.com/trakhq/trak/internal/types"
	"github.com/trakhq/trak/internal/ui"
)

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task in full",
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
		t.Journal, _ = st.Journal(rootCtx, id)
		t.Deps, _ = st.DependencyIDs(rootCtx, id)
		t.Claims, _ = st.Claims(rootCtx, id)

		if jsonOutput {
			outputJSON(t)
			return
		}
		printTask(t)
	},
}

func printTask(t *types.Task) {
	fmt.Printf("%s %s\n", ui.RenderBold(t.ID), t.Title)
	fmt.Printf("  %s %s", statusBadge(t.Status), ui.RenderMuted(fmt.Sprintf("P%d", t.Priority)))
	if t.Project != "" {
		fmt.Printf("  %s", ui.RenderAccent(t.Project))
	}
	if t.Autonomy != "" && t.Autonomy != string(types.AutonomyManual) {
		fmt.Printf("  [%s]", t.Autonomy)
	}
	fmt.Println()

	if t.Description != "" {
		fmt.Printf("\n%s\n", t.Description)
	}
	if t.Tags != "" {
		fmt.Printf("  tags: %s\n", t.Tags)
	}
	if t.AssignedTo != "" {
		fmt.Printf("  assigned: %s\n", t.AssignedTo)
	}
	if len(t.Deps) > 0 {
		fmt.Printf("  depends on: %s\n", strings.Join(t.Deps, ", "))
	}
	if t.VerifyCommand != "" {
		fmt.Printf("  verify: %s\n", t.VerifyCommand)
	}
	if t.RetryCount > 0 || t.LastFailureReason != "" {
		fmt.Printf("  retries: %d/%d", t.RetryCount, t.MaxRetries)
		if t.RetryAfter != "" {
			fmt.Printf(" (next after %s)", t.RetryAfter)
		}
		if t.LastFailureReason != "" {
			fmt.Printf("  last failure: %s", t.LastFailureReason)
		}
		fmt.Println()
	}

	if report := cost.BudgetStatus(t); report.Status != cost.BudgetNone || t.CostUSD > 0 {
		line := fmt.Sprintf("  cost: $%.4f", t.CostUSD)
		if t.BudgetUSD > 0 {
			line += fmt.Sprintf(" / $%.2f budget (%s)", t.BudgetUSD, report.Status)
		}
		if t.TokensUsed > 0 {
			line += fmt.Sprintf("  %d tokens", t.TokensUsed)
		}
		if t.ModelUsed != "" {
			line += "  " + t.ModelUsed
		}
		fmt.Println(line)
	}

	fmt.Printf("  created %s  updated %s\n", ui.RenderMuted(t.CreatedAt), ui.RenderMuted(t.UpdatedAt))

	if len(t.Claims) > 0 {
		fmt.Println("\nClaims:")
		for _, c := range t.Claims {
			line := fmt.Sprintf("  %s %s (%s)", c.ClaimedAt, c.Agent, c.Status)
			if c.Model != "" {
				line += " " + ui.RenderMuted(c.Model)
			}
			fmt.Println(line)
		}
	}

	if len(t.Journal) > 0 {
		fmt.Println("\nJournal:")
		for _, entry := range t.Journal {
			author := entry.Author
			if author == "" {
				author = "?"
			}
			fmt.Printf("  %s %s  %s\n", ui.RenderMuted(entry.Timestamp), ui.RenderMuted("["+author+"]"), entry.Entry)
		}
	}
}

func statusBadge(s types.Status) string {
	switch s {
	case types.StatusDone:
		return ui.RenderPass(string(s))
	case types.StatusFailed, types.StatusBlocked:
		return ui.RenderFail(string(s))
	case types.StatusWIP, types.StatusReview:
		return ui.RenderWarn(string(s))
	default:
		return ui.RenderAccent(string(s))
	}
}

func init() {
	rootCmd.AddCommand(showCmd)
}
