// Package cost prices agent work and enforces per-task budgets.
package cost

import (
	"context"
	"fmt"

	"github.com/trakhq/trak/internal/eventlog"
	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
)

// Budget statuses, worst first.
const (
	BudgetNone     = "no-budget"
	BudgetExceeded = "exceeded"
	BudgetWarning  = "warning"
	BudgetOK       = "ok"
)

// warnRatio is the spend fraction at which a budget warning fires.
const warnRatio = 0.8

// BudgetReport is the derived budget position of one task.
type BudgetReport struct {
	Status    string  `json:"status"`
	BudgetUSD float64 `json:"budget_usd,omitempty"`
	CostUSD   float64 `json:"cost_usd"`
	Ratio     float64 `json:"ratio,omitempty"`
}

// BudgetStatus derives a task's budget position from its ceiling and spend.
func BudgetStatus(t *types.Task) BudgetReport {
	r := BudgetReport{CostUSD: t.CostUSD, BudgetUSD: t.BudgetUSD}
	switch {
	case t.BudgetUSD <= 0:
		r.Status = BudgetNone
	case t.CostUSD >= t.BudgetUSD:
		r.Status = BudgetExceeded
		r.Ratio = t.CostUSD / t.BudgetUSD
	case t.CostUSD/t.BudgetUSD >= warnRatio:
		r.Status = BudgetWarning
		r.Ratio = t.CostUSD / t.BudgetUSD
	default:
		r.Status = BudgetOK
		r.Ratio = t.CostUSD / t.BudgetUSD
	}
	return r
}

// IsBudgetAvailable reports whether the task may still incur spend. Only an
// exceeded budget blocks dispatch; a warning does not.
func IsBudgetAvailable(t *types.Task) bool {
	return BudgetStatus(t).Status != BudgetExceeded
}

// Engine records cost events and maintains budget journal entries.
type Engine struct {
	st      *storage.Store
	pricing *Pricing
}

// NewEngine builds a cost engine over st, loading pricing overrides from the
// store's .trak directory.
func NewEngine(st *storage.Store) *Engine {
	return &Engine{st: st, pricing: LoadPricing(st.Dir())}
}

// Pricing exposes the loaded pricing table.
func (e *Engine) Pricing() *Pricing { return e.pricing }

// Record inserts one cost event, bumps the task's accumulators, and applies
// the budget check, all in one transaction. When the event names tokens but
// no explicit cost, the cost is calculated from the pricing table. Returns
// the task's budget position after the event.
func (e *Engine) Record(ctx context.Context, ev types.CostEvent) (BudgetReport, error) {
	if ev.TaskID == "" {
		return BudgetReport{}, fmt.Errorf("cost event has no task id")
	}
	if ev.CostUSD == 0 && ev.Model != "" {
		ev.CostUSD = e.pricing.Calculate(ev.TokensIn, ev.TokensOut, ev.Model)
	}
	if ev.Timestamp == "" {
		ev.Timestamp = types.Now()
	}

	var report BudgetReport
	var after *types.Task
	err := e.st.InTx(ctx, func(tx *storage.Tx) error {
		before, err := tx.GetTask(ctx, ev.TaskID)
		if err != nil {
			return err
		}
		if err := tx.InsertCostEvent(ctx, ev); err != nil {
			return err
		}
		after, err = tx.GetTask(ctx, ev.TaskID)
		if err != nil {
			return err
		}
		report = BudgetStatus(after)
		return e.journalBudget(ctx, tx, before, after, report)
	})
	if err != nil {
		return BudgetReport{}, err
	}

	appendErr := eventlog.Append(e.st.LogPath(), types.Event{
		Op: types.EventUpdate,
		ID: ev.TaskID,
		TS: types.Now(),
		Data: map[string]any{
			"cost_usd":         after.CostUSD,
			"tokens_in":        after.TokensIn,
			"tokens_out":       after.TokensOut,
			"tokens_used":      after.TokensUsed,
			"duration_seconds": after.DurationSeconds,
			"model_used":       after.ModelUsed,
		},
	})
	if appendErr != nil {
		// The database committed; the log catches up at the next compaction.
		return report, nil
	}
	return report, nil
}

// journalBudget writes at most one entry per threshold crossing. The warning
// fires once per task; exceeded fires each time an event pushes spend over
// the ceiling.
func (e *Engine) journalBudget(ctx context.Context, tx *storage.Tx, before, after *types.Task, r BudgetReport) error {
	if r.Status == BudgetNone {
		return nil
	}
	crossedCeiling := before.CostUSD < before.BudgetUSD && after.CostUSD >= after.BudgetUSD
	if r.Status == BudgetExceeded && crossedCeiling {
		return tx.AddJournal(ctx, after.ID, types.JournalEntry{
			Entry:  fmt.Sprintf("Budget exceeded: $%.2f of $%.2f spent", after.CostUSD, after.BudgetUSD),
			Author: "trak",
		})
	}
	if r.Status == BudgetWarning {
		journal, err := tx.Journal(ctx, after.ID)
		if err != nil {
			return err
		}
		for _, entry := range journal {
			if len(entry.Entry) >= 14 && entry.Entry[:14] == "Budget warning" {
				return nil
			}
		}
		return tx.AddJournal(ctx, after.ID, types.JournalEntry{
			Entry:  fmt.Sprintf("Budget warning: $%.2f of $%.2f spent (%.0f%%)", after.CostUSD, after.BudgetUSD, r.Ratio*100),
			Author: "trak",
		})
	}
	return nil
}
