package cost

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
)

func TestBudgetStatus(t *testing.T) {
	tests := []struct {
		name string
		task types.Task
		want string
	}{
		{name: "no budget", task: types.Task{CostUSD: 99}, want: BudgetNone},
		{name: "fresh budget", task: types.Task{BudgetUSD: 10, CostUSD: 1}, want: BudgetOK},
		{name: "just under warning", task: types.Task{BudgetUSD: 10, CostUSD: 7.99}, want: BudgetOK},
		{name: "at warning threshold", task: types.Task{BudgetUSD: 10, CostUSD: 8}, want: BudgetWarning},
		{name: "at ceiling", task: types.Task{BudgetUSD: 10, CostUSD: 10}, want: BudgetExceeded},
		{name: "over ceiling", task: types.Task{BudgetUSD: 10, CostUSD: 12}, want: BudgetExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BudgetStatus(&tt.task).Status; got != tt.want {
				t.Errorf("BudgetStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsBudgetAvailable(t *testing.T) {
	if !IsBudgetAvailable(&types.Task{BudgetUSD: 10, CostUSD: 9}) {
		t.Error("warning-level spend should still be dispatchable")
	}
	if IsBudgetAvailable(&types.Task{BudgetUSD: 10, CostUSD: 10}) {
		t.Error("exceeded budget should block dispatch")
	}
	if !IsBudgetAvailable(&types.Task{CostUSD: 1000}) {
		t.Error("no budget means no ceiling")
	}
}

func TestPricingMatch(t *testing.T) {
	p := LoadPricing("")
	tests := []struct {
		name  string
		model string
		want  string
		ok    bool
	}{
		{name: "exact", model: "claude-opus-4-5", want: "claude-opus-4-5", ok: true},
		{name: "case insensitive", model: "Claude-Opus-4-5", want: "claude-opus-4-5", ok: true},
		{name: "provider prefix", model: "anthropic/claude-opus-4-5", want: "claude-opus-4-5", ok: true},
		{name: "dated suffix", model: "claude-opus-4-5-20260115", want: "claude-opus-4-5", ok: true},
		{name: "unknown", model: "gpt-nonexistent-99", ok: false},
		{name: "empty", model: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, ok := p.Match(tt.model)
			if ok != tt.ok {
				t.Fatalf("Match(%q) ok = %v, want %v", tt.model, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestCalculate(t *testing.T) {
	p := LoadPricing("")
	_, price, ok := p.Match("claude-opus-4-5")
	if !ok {
		t.Fatal("built-in table must know claude-opus-4-5")
	}
	got := p.Calculate(2_000_000, 500_000, "claude-opus-4-5")
	want := 2*price.InputPerMillion + 0.5*price.OutputPerMillion
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Calculate() = %v, want %v", got, want)
	}
	if p.Calculate(1000, 1000, "unknown-model") != 0 {
		t.Error("unknown models must price to zero")
	}
}

func TestLoadPricingOverride(t *testing.T) {
	dir := t.TempDir()
	override := `[models."house-model"]
input_per_million = 1.5
output_per_million = 3.0

[models."claude-opus-4-5"]
input_per_million = 0.01
output_per_million = 0.02
`
	if err := os.WriteFile(filepath.Join(dir, OverrideFileName), []byte(override), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	p := LoadPricing(dir)
	if _, _, ok := p.Match("house-model"); !ok {
		t.Error("override should add new models")
	}
	_, price, ok := p.Match("claude-opus-4-5")
	if !ok || price.InputPerMillion != 0.01 {
		t.Errorf("override should replace built-in rates, got %+v", price)
	}
}

func newCostEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Init(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("storage.Init() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(st), st
}

func TestRecordPricesTokens(t *testing.T) {
	e, st := newCostEngine(t)
	ctx := context.Background()
	task := &types.Task{ID: "trak-pr1", Title: "priced", Status: types.StatusOpen,
		CreatedAt: types.Now(), UpdatedAt: types.Now()}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	report, err := e.Record(ctx, types.CostEvent{
		TaskID: "trak-pr1", Model: "claude-opus-4-5", TokensIn: 1_000_000, TokensOut: 0,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	_, price, _ := e.Pricing().Match("claude-opus-4-5")
	if math.Abs(report.CostUSD-price.InputPerMillion) > 1e-9 {
		t.Errorf("priced cost = %v, want %v", report.CostUSD, price.InputPerMillion)
	}

	// An explicit cost is taken as-is.
	report, err = e.Record(ctx, types.CostEvent{TaskID: "trak-pr1", Model: "claude-opus-4-5", CostUSD: 1.25})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	want := price.InputPerMillion + 1.25
	if math.Abs(report.CostUSD-want) > 1e-9 {
		t.Errorf("accumulated cost = %v, want %v", report.CostUSD, want)
	}
}

func journalEntries(t *testing.T, st *storage.Store, id string) []string {
	t.Helper()
	journal, err := st.Journal(context.Background(), id)
	if err != nil {
		t.Fatalf("Journal() error = %v", err)
	}
	var out []string
	for _, e := range journal {
		out = append(out, e.Entry)
	}
	return out
}

func countPrefix(entries []string, prefix string) int {
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func TestRecordBudgetJournaling(t *testing.T) {
	e, st := newCostEngine(t)
	ctx := context.Background()
	task := &types.Task{ID: "trak-bj1", Title: "budgeted", Status: types.StatusOpen, BudgetUSD: 10,
		CreatedAt: types.Now(), UpdatedAt: types.Now()}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	// Two warning-level events: the warning is journaled once, ever.
	for i := 0; i < 2; i++ {
		report, err := e.Record(ctx, types.CostEvent{TaskID: "trak-bj1", CostUSD: 4.25})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if report.Status != BudgetWarning {
			t.Fatalf("report.Status = %q, want warning", report.Status)
		}
	}
	entries := journalEntries(t, st, "trak-bj1")
	if got := countPrefix(entries, "Budget warning"); got != 1 {
		t.Errorf("warning journaled %d times, want exactly 1: %v", got, entries)
	}

	// Crossing the ceiling journals the exceeded entry.
	report, err := e.Record(ctx, types.CostEvent{TaskID: "trak-bj1", CostUSD: 2})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if report.Status != BudgetExceeded {
		t.Fatalf("report.Status = %q, want exceeded", report.Status)
	}
	entries = journalEntries(t, st, "trak-bj1")
	if got := countPrefix(entries, "Budget exceeded"); got != 1 {
		t.Errorf("exceeded journaled %d times, want 1: %v", got, entries)
	}

	// Further spend past the ceiling does not re-journal; no crossing happened.
	if _, err := e.Record(ctx, types.CostEvent{TaskID: "trak-bj1", CostUSD: 1}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	entries = journalEntries(t, st, "trak-bj1")
	if got := countPrefix(entries, "Budget exceeded"); got != 1 {
		t.Errorf("exceeded journaled %d times after extra spend, want still 1", got)
	}
}
