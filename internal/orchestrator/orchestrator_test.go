package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trakhq/trak/internal/config"
	"github.com/trakhq/trak/internal/engine"
	"github.com/trakhq/trak/internal/gateway"
	"github.com/trakhq/trak/internal/lock"
	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
)

func TestMain(m *testing.M) {
	if err := config.Initialize(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fixture struct {
	eng   *engine.Engine
	locks *lock.Manager
	cwd   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	st, err := storage.Init(context.Background(), root)
	if err != nil {
		t.Fatalf("storage.Init() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	locks, err := lock.NewManager(st.Dir())
	if err != nil {
		t.Fatalf("lock.NewManager() error = %v", err)
	}
	return &fixture{eng: engine.New(st), locks: locks, cwd: root}
}

// fakeGateway answers probes and spawns, counting each.
func fakeGateway(t *testing.T, spawns *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tool string         `json:"tool"`
			Args map[string]any `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		switch req.Tool {
		case "sessions_list":
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": []any{}})
		case "sessions_spawn":
			n := spawns.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"ok": true,
				"result": map[string]any{"sessionKey": "agent:sub:" + string(rune('0'+n))}})
		default:
			t.Errorf("unexpected tool %q", req.Tool)
		}
	}))
}

func createAuto(t *testing.T, f *fixture, title string, opts engine.CreateOptions) *types.Task {
	t.Helper()
	opts.Autonomy = string(types.AutonomyAuto)
	task, err := f.eng.Create(context.Background(), title, opts)
	if err != nil {
		t.Fatalf("Create(%s) error = %v", title, err)
	}
	return task
}

func TestRunDispatchesReadyAutoTasks(t *testing.T) {
	f := newFixture(t)
	var spawns atomic.Int32
	srv := fakeGateway(t, &spawns)
	defer srv.Close()

	auto := createAuto(t, f, "auto work", engine.CreateOptions{Priority: 1})
	if _, err := f.eng.Create(context.Background(), "manual work", engine.CreateOptions{Priority: 1}); err != nil {
		t.Fatalf("Create(manual) error = %v", err)
	}

	r := NewRunner(f.eng, f.locks, gateway.NewClient(srv.URL, ""), f.cwd)
	results, err := r.Run(context.Background(), Options{MinPriority: -1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Run() dispatched %d tasks, want just the auto one", len(results))
	}
	if results[0].Task.ID != auto.ID || results[0].SessionKey == "" {
		t.Errorf("dispatch = %+v, want a session for %s", results[0], auto.ID)
	}
	if spawns.Load() != 1 {
		t.Errorf("gateway saw %d spawns, want 1", spawns.Load())
	}

	// Dispatch moved the task to wip under the runner's agent label.
	got, err := f.eng.Store().GetTask(context.Background(), auto.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != types.StatusWIP || got.AssignedTo != "trak-run" {
		t.Errorf("dispatched task = (%q,%q), want (wip,trak-run)", got.Status, got.AssignedTo)
	}

	// A second cycle does not re-dispatch work that is still running.
	results, err = r.Run(context.Background(), Options{MinPriority: -1})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("second cycle dispatched %d tasks, want 0", len(results))
	}
}

func TestRunAbortsWhenGatewayUnreachable(t *testing.T) {
	f := newFixture(t)
	createAuto(t, f, "auto work", engine.CreateOptions{})

	c := gateway.NewClient("http://127.0.0.1:1", "")
	r := NewRunner(f.eng, f.locks, c, f.cwd)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.Run(ctx, Options{MinPriority: -1}); err == nil {
		t.Fatal("Run() should abort when the gateway probe fails")
	}
}

func TestRunSkipsBudgetExceededTasks(t *testing.T) {
	f := newFixture(t)
	var spawns atomic.Int32
	srv := fakeGateway(t, &spawns)
	defer srv.Close()

	broke := createAuto(t, f, "over budget", engine.CreateOptions{BudgetUSD: 1})
	if _, err := f.eng.Costs().Record(context.Background(), types.CostEvent{TaskID: broke.ID, CostUSD: 2}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	r := NewRunner(f.eng, f.locks, gateway.NewClient(srv.URL, ""), f.cwd)
	results, err := r.Run(context.Background(), Options{MinPriority: -1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 0 || spawns.Load() != 0 {
		t.Errorf("over-budget task was dispatched: %+v", results)
	}
}

func TestRunSkipsLockedWorkspace(t *testing.T) {
	f := newFixture(t)
	var spawns atomic.Int32
	srv := fakeGateway(t, &spawns)
	defer srv.Close()

	createAuto(t, f, "wants the repo", engine.CreateOptions{})
	if _, err := f.locks.Acquire(f.cwd, "trak-elsewhere", "other-agent", nil); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	r := NewRunner(f.eng, f.locks, gateway.NewClient(srv.URL, ""), f.cwd)
	results, err := r.Run(context.Background(), Options{MinPriority: -1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Run() = %d results, want one skipped dispatch", len(results))
	}
	if results[0].SessionKey != "" || !strings.Contains(results[0].Skipped, "trak-elsewhere") {
		t.Errorf("dispatch = %+v, want skipped naming the holder", results[0])
	}
	if spawns.Load() != 0 {
		t.Error("locked workspace must not spawn an agent")
	}

	// The queue is deliberately left alone; the next cycle just retries.
	queue, err := f.locks.Queue(f.cwd)
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if len(queue) != 0 {
		t.Errorf("queue = %+v, want empty", queue)
	}
}

func TestRunRespectsMaxAgents(t *testing.T) {
	f := newFixture(t)
	var spawns atomic.Int32
	srv := fakeGateway(t, &spawns)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		createAuto(t, f, "bulk work", engine.CreateOptions{})
	}

	r := NewRunner(f.eng, f.locks, gateway.NewClient(srv.URL, ""), f.cwd)
	results, err := r.Run(context.Background(), Options{MaxAgents: 1, MinPriority: -1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	dispatched := 0
	for _, d := range results {
		if d.SessionKey != "" {
			dispatched++
		}
	}
	if dispatched != 1 || spawns.Load() != 1 {
		t.Errorf("dispatched %d tasks (%d spawns), want 1", dispatched, spawns.Load())
	}
}

func TestDryRun(t *testing.T) {
	f := newFixture(t)
	task := createAuto(t, f, "previewed", engine.CreateOptions{})

	// No gateway at all: dry run must not touch it.
	r := NewRunner(f.eng, f.locks, gateway.NewClient("http://127.0.0.1:1", ""), f.cwd)
	results, err := r.Run(context.Background(), Options{MinPriority: -1, DryRun: true})
	if err != nil {
		t.Fatalf("Run(dry) error = %v", err)
	}
	if len(results) != 1 || results[0].Task.ID != task.ID {
		t.Fatalf("dry run results = %+v, want the ready task", results)
	}
	if results[0].SessionKey != "" {
		t.Error("dry run must not spawn")
	}
	got, err := f.eng.Store().GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != types.StatusOpen {
		t.Errorf("dry run changed status to %q", got.Status)
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	task := createAuto(t, f, "watched", engine.CreateOptions{})

	r := NewRunner(f.eng, f.locks, gateway.NewClient("http://127.0.0.1:1", ""), f.cwd)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	results, err := r.Run(ctx, Options{MinPriority: -1, DryRun: true, Watch: true})
	if err != nil {
		t.Fatalf("Run(watch) error = %v", err)
	}
	if len(results) != 1 || results[0].Task.ID != task.ID {
		t.Errorf("watch results = %+v, want the one ready task from the first cycle", results)
	}
}

func TestResolveTimeout(t *testing.T) {
	r := &Runner{}
	tests := []struct {
		name string
		task types.Task
		flag string
		want time.Duration
	}{
		{name: "flag beats everything", task: types.Task{TimeoutSeconds: 60}, flag: "30m", want: 30 * time.Minute},
		{name: "task field", task: types.Task{TimeoutSeconds: 120}, want: 2 * time.Minute},
		{name: "configured agent default", task: types.Task{}, want: 900 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.resolveTimeout(&tt.task, tt.flag)
			if err != nil {
				t.Fatalf("resolveTimeout() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveTimeout() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := r.resolveTimeout(&types.Task{}, "not-a-duration"); err == nil {
		t.Error("malformed flag should error")
	}
}
