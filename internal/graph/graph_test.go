package graph

import (
	"context"
	"testing"
	"time"

	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
)

// fakeSource is an in-memory Source; edges maps child id to its parents.
type fakeSource struct {
	tasks   map[string]*types.Task
	edges   map[string][]string
	journal map[string][]types.JournalEntry
}

func (f *fakeSource) GetTask(_ context.Context, id string) (*types.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeSource) ListTasks(_ context.Context, _ storage.ListFilter) ([]*types.Task, error) {
	var out []*types.Task
	for _, t := range f.tasks {
		if t.Status != types.StatusDone && t.Status != types.StatusArchived {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeSource) IncompleteParents(_ context.Context, taskID string) ([]string, error) {
	var out []string
	for _, p := range f.edges[taskID] {
		if t, ok := f.tasks[p]; ok && !t.Status.IsTerminal() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSource) DependencyIDs(_ context.Context, taskID string) ([]string, error) {
	return f.edges[taskID], nil
}

func (f *fakeSource) DependentIDs(_ context.Context, taskID string) ([]string, error) {
	var out []string
	for child, parents := range f.edges {
		for _, p := range parents {
			if p == taskID {
				out = append(out, child)
			}
		}
	}
	return out, nil
}

func (f *fakeSource) AllDependencies(_ context.Context) (map[string][]string, error) {
	return f.edges, nil
}

func (f *fakeSource) Journal(_ context.Context, taskID string) ([]types.JournalEntry, error) {
	return f.journal[taskID], nil
}

func newFake() *fakeSource {
	return &fakeSource{
		tasks:   make(map[string]*types.Task),
		edges:   make(map[string][]string),
		journal: make(map[string][]types.JournalEntry),
	}
}

func TestIsReady(t *testing.T) {
	now := "2026-08-24 12:00:00"
	src := newFake()
	src.tasks["trak-done"] = &types.Task{ID: "trak-done", Status: types.StatusDone}
	src.tasks["trak-open"] = &types.Task{ID: "trak-open", Status: types.StatusOpen}
	src.edges["trak-gated"] = []string{"trak-open", "trak-done"}

	tests := []struct {
		name      string
		task      *types.Task
		wantReady bool
		wantBlock int
	}{
		{name: "open with done deps", task: &types.Task{ID: "trak-free", Status: types.StatusOpen}, wantReady: true},
		{name: "wip is never ready", task: &types.Task{ID: "trak-w", Status: types.StatusWIP}, wantReady: false},
		{name: "backoff pending", task: &types.Task{ID: "trak-b", Status: types.StatusOpen, RetryAfter: "2026-08-24 13:00:00"}, wantReady: false},
		{name: "backoff elapsed", task: &types.Task{ID: "trak-e", Status: types.StatusOpen, RetryAfter: "2026-08-24 11:00:00"}, wantReady: true},
		{name: "incomplete parent", task: &types.Task{ID: "trak-gated", Status: types.StatusOpen}, wantReady: false, wantBlock: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready, blocking, err := IsReady(context.Background(), src, tt.task, now)
			if err != nil {
				t.Fatalf("IsReady() error = %v", err)
			}
			if ready != tt.wantReady {
				t.Errorf("IsReady() = %v, want %v", ready, tt.wantReady)
			}
			if len(blocking) != tt.wantBlock {
				t.Errorf("blocking = %v, want %d entries", blocking, tt.wantBlock)
			}
		})
	}
}

func TestHeat(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	tests := []struct {
		name    string
		task    *types.Task
		setup   func(src *fakeSource)
		want    int
	}{
		{
			name: "fan out dominates",
			task: &types.Task{ID: "trak-hub", Status: types.StatusOpen, CreatedAt: types.FormatTime(now)},
			setup: func(src *fakeSource) {
				src.edges["trak-c1"] = []string{"trak-hub"}
				src.edges["trak-c2"] = []string{"trak-hub"}
				src.edges["trak-c3"] = []string{"trak-hub"}
			},
			want: 6, // 3 dependents * 2
		},
		{
			name: "age capped at three weeks",
			task: &types.Task{ID: "trak-old", Status: types.StatusOpen,
				CreatedAt: types.FormatTime(now.Add(-10 * 7 * 24 * time.Hour))},
			want: 3,
		},
		{
			name: "terminal tasks accrue no age",
			task: &types.Task{ID: "trak-fin", Status: types.StatusDone,
				CreatedAt: types.FormatTime(now.Add(-10 * 7 * 24 * time.Hour))},
			want: 0,
		},
		{
			name: "journal within a day",
			task: &types.Task{ID: "trak-hot", Status: types.StatusOpen, CreatedAt: types.FormatTime(now)},
			setup: func(src *fakeSource) {
				src.journal["trak-hot"] = []types.JournalEntry{
					{Timestamp: types.FormatTime(now.Add(-2 * time.Hour)), Entry: "x"},
				}
			},
			want: 2,
		},
		{
			name: "journal within three days",
			task: &types.Task{ID: "trak-warm", Status: types.StatusOpen, CreatedAt: types.FormatTime(now)},
			setup: func(src *fakeSource) {
				src.journal["trak-warm"] = []types.JournalEntry{
					{Timestamp: types.FormatTime(now.Add(-48 * time.Hour)), Entry: "x"},
				}
			},
			want: 1,
		},
		{
			name: "priority adds directly",
			task: &types.Task{ID: "trak-p3", Status: types.StatusOpen, Priority: 3, CreatedAt: types.FormatTime(now)},
			want: 3,
		},
		{
			name: "blocked cools and floors at zero",
			task: &types.Task{ID: "trak-cold", Status: types.StatusBlocked, Priority: 1, CreatedAt: types.FormatTime(now)},
			want: 0, // 1 - 2, floored
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFake()
			src.tasks[tt.task.ID] = tt.task
			if tt.setup != nil {
				tt.setup(src)
			}
			got, err := Heat(ctx, src, tt.task, now)
			if err != nil {
				t.Fatalf("Heat() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Heat() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHeatMapOrdering(t *testing.T) {
	now := time.Now().UTC()
	src := newFake()
	// hub blocks two tasks, so it outranks a lone high-priority task.
	src.tasks["trak-hub"] = &types.Task{ID: "trak-hub", Status: types.StatusOpen, Priority: 2, CreatedAt: types.FormatTime(now)}
	src.tasks["trak-solo"] = &types.Task{ID: "trak-solo", Status: types.StatusOpen, Priority: 0, CreatedAt: types.FormatTime(now)}
	src.tasks["trak-c1"] = &types.Task{ID: "trak-c1", Status: types.StatusOpen, Priority: 3, CreatedAt: types.FormatTime(now)}
	src.tasks["trak-c2"] = &types.Task{ID: "trak-c2", Status: types.StatusOpen, Priority: 3, CreatedAt: types.FormatTime(now)}
	src.edges["trak-c1"] = []string{"trak-hub"}
	src.edges["trak-c2"] = []string{"trak-hub"}

	scored, err := HeatMap(context.Background(), src, storage.ListFilter{})
	if err != nil {
		t.Fatalf("HeatMap() error = %v", err)
	}
	if len(scored) != 4 {
		t.Fatalf("HeatMap() returned %d entries, want 4", len(scored))
	}
	if scored[0].Task.ID != "trak-hub" {
		t.Errorf("hottest = %s (heat %d), want trak-hub", scored[0].Task.ID, scored[0].Heat)
	}
	for i := 1; i < len(scored); i++ {
		if scored[i-1].Heat < scored[i].Heat {
			t.Errorf("heat not descending at %d: %d then %d", i, scored[i-1].Heat, scored[i].Heat)
		}
	}
}

func TestTraceTask(t *testing.T) {
	src := newFake()
	// chain: a <- b <- c <- d (c depends on b, etc.); trace from c.
	src.edges["trak-b"] = []string{"trak-a"}
	src.edges["trak-c"] = []string{"trak-b"}
	src.edges["trak-d"] = []string{"trak-c"}

	tr, err := TraceTask(context.Background(), src, "trak-c", 1)
	if err != nil {
		t.Fatalf("TraceTask() error = %v", err)
	}
	if got := tr.Upstream["trak-c"]; len(got) != 1 || got[0] != "trak-b" {
		t.Errorf("Upstream[trak-c] = %v, want [trak-b]", got)
	}
	if _, beyond := tr.Upstream["trak-b"]; beyond {
		t.Error("depth 1 trace should not expand trak-b")
	}
	if got := tr.Downstream["trak-c"]; len(got) != 1 || got[0] != "trak-d" {
		t.Errorf("Downstream[trak-c] = %v, want [trak-d]", got)
	}

	deep, err := TraceTask(context.Background(), src, "trak-c", 5)
	if err != nil {
		t.Fatalf("TraceTask() error = %v", err)
	}
	if got := deep.Upstream["trak-b"]; len(got) != 1 || got[0] != "trak-a" {
		t.Errorf("deep Upstream[trak-b] = %v, want [trak-a]", got)
	}
}

func TestWouldCycle(t *testing.T) {
	src := newFake()
	src.edges["trak-b"] = []string{"trak-a"}
	src.edges["trak-c"] = []string{"trak-b"}

	tests := []struct {
		name          string
		child, parent string
		want          bool
	}{
		{name: "self edge", child: "trak-a", parent: "trak-a", want: true},
		{name: "fresh edge", child: "trak-a", parent: "trak-x", want: false},
		{name: "direct back edge", child: "trak-a", parent: "trak-b", want: true},
		{name: "transitive back edge", child: "trak-a", parent: "trak-c", want: true},
		{name: "forward edge is fine", child: "trak-c", parent: "trak-a", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WouldCycle(context.Background(), src, tt.child, tt.parent)
			if err != nil {
				t.Fatalf("WouldCycle() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("WouldCycle(%s, %s) = %v, want %v", tt.child, tt.parent, got, tt.want)
			}
		})
	}
}
