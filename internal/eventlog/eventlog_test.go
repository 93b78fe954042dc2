package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
)

func TestAppendAndReplayFoldsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trak.jsonl")

	events := []types.Event{
		{Op: types.EventCreate, ID: "trak-aaa001", TS: "2026-08-01 10:00:00",
			Data: map[string]any{"title": "build the parser", "priority": 2}},
		{Op: types.EventUpdate, ID: "trak-aaa001", TS: "2026-08-01 11:00:00",
			Data: map[string]any{"status": "wip", "assigned_to": "alice"}},
		{Op: types.EventLog, ID: "trak-aaa001", TS: "2026-08-01 12:00:00",
			Data: map[string]any{"entry": "halfway there", "author": "alice"}},
		{Op: types.EventDepAdd, ID: "trak-aaa001", TS: "2026-08-01 12:30:00",
			Data: map[string]any{"depends_on": "trak-bbb002"}},
		{Op: types.EventClose, ID: "trak-aaa001", TS: "2026-08-01 13:00:00", Data: map[string]any{}},
	}
	for _, ev := range events {
		if err := Append(path, ev); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	tasks, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("Replay() returned %d tasks, want 1", len(tasks))
	}
	got := tasks[0]
	if got.Title != "build the parser" || got.Priority != 2 {
		t.Errorf("create fields = (%q,%d), want (build the parser,2)", got.Title, got.Priority)
	}
	if got.Status != types.StatusDone {
		t.Errorf("Status after close = %q, want done", got.Status)
	}
	if got.AssignedTo != "alice" {
		t.Errorf("AssignedTo = %q, want alice", got.AssignedTo)
	}
	if got.CreatedAt != "2026-08-01 10:00:00" || got.UpdatedAt != "2026-08-01 13:00:00" {
		t.Errorf("timestamps = (%q,%q), want create ts and close ts", got.CreatedAt, got.UpdatedAt)
	}
	if len(got.Journal) != 1 || got.Journal[0].Entry != "halfway there" {
		t.Errorf("Journal = %+v, want one entry", got.Journal)
	}
	if len(got.Deps) != 1 || got.Deps[0] != "trak-bbb002" {
		t.Errorf("Deps = %v, want [trak-bbb002]", got.Deps)
	}
}

func TestReplayDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trak.jsonl")
	if err := Append(path, types.Event{Op: types.EventCreate, ID: "trak-def001", TS: "2026-08-01 10:00:00",
		Data: map[string]any{"title": "bare"}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	tasks, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	got := tasks[0]
	if got.Status != types.StatusOpen || got.Priority != 1 || got.Autonomy != string(types.AutonomyManual) {
		t.Errorf("defaults = (%q,%d,%q), want (open,1,manual)", got.Status, got.Priority, got.Autonomy)
	}
}

func TestReplayMissingFile(t *testing.T) {
	tasks, err := Replay(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("Replay(missing) error = %v", err)
	}
	if tasks != nil {
		t.Errorf("Replay(missing) = %v, want nil", tasks)
	}
}

func TestReplaySkipsEventsForUnknownTasks(t *testing.T) {
	data := []byte(`{"op":"update","id":"trak-ghost1","ts":"2026-08-01 10:00:00","data":{"status":"wip"}}
{"op":"create","id":"trak-real01","ts":"2026-08-01 10:01:00","data":{"title":"real"}}
`)
	tasks, err := ReplayBytes(data)
	if err != nil {
		t.Fatalf("ReplayBytes() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "trak-real01" {
		t.Fatalf("ReplayBytes() = %d tasks, want just trak-real01", len(tasks))
	}
}

func TestReplayDepRemove(t *testing.T) {
	data := []byte(`{"op":"create","id":"trak-rm0001","ts":"2026-08-01 10:00:00","data":{"title":"t"}}
{"op":"dep_add","id":"trak-rm0001","ts":"2026-08-01 10:01:00","data":{"depends_on":"trak-p1"}}
{"op":"dep_add","id":"trak-rm0001","ts":"2026-08-01 10:02:00","data":{"depends_on":"trak-p2"}}
{"op":"dep_rm","id":"trak-rm0001","ts":"2026-08-01 10:03:00","data":{"depends_on":"trak-p1"}}
`)
	tasks, err := ReplayBytes(data)
	if err != nil {
		t.Fatalf("ReplayBytes() error = %v", err)
	}
	if len(tasks[0].Deps) != 1 || tasks[0].Deps[0] != "trak-p2" {
		t.Errorf("Deps = %v, want [trak-p2]", tasks[0].Deps)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trak.jsonl")

	want := []*types.Task{
		{ID: "trak-s1", Title: "first", Status: types.StatusDone,
			CreatedAt: "2026-08-01 00:00:00", UpdatedAt: "2026-08-02 00:00:00",
			Journal: []types.JournalEntry{{Timestamp: "2026-08-01 01:00:00", Entry: "note", Author: "bob"}},
			Deps:    []string{"trak-s2"}},
		{ID: "trak-s2", Title: "second", Status: types.StatusOpen, Priority: 2,
			CreatedAt: "2026-08-01 12:00:00", UpdatedAt: "2026-08-01 12:00:00"},
	}
	if err := WriteSnapshot(path, want); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary snapshot file was left behind")
	}

	got, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Replay() returned %d tasks, want 2", len(got))
	}
	if got[0].ID != "trak-s1" || got[1].ID != "trak-s2" {
		t.Errorf("order = (%s,%s), want creation order", got[0].ID, got[1].ID)
	}
	if got[0].Status != types.StatusDone || got[0].UpdatedAt != "2026-08-02 00:00:00" {
		t.Errorf("snapshot fields lost: %+v", got[0])
	}
	if len(got[0].Journal) != 1 || got[0].Journal[0].Author != "bob" {
		t.Errorf("Journal = %+v, want one entry by bob", got[0].Journal)
	}
	if len(got[0].Deps) != 1 || got[0].Deps[0] != "trak-s2" {
		t.Errorf("Deps = %v, want [trak-s2]", got[0].Deps)
	}
}

func TestReplayDetectsFormatFromFirstLine(t *testing.T) {
	// Snapshot lines have no "op" field.
	snapshot := []byte(`{"id":"trak-fmt01","title":"snap","status":"open","priority":1,"created_at":"2026-08-01 00:00:00","updated_at":"2026-08-01 00:00:00"}
`)
	tasks, err := ReplayBytes(snapshot)
	if err != nil {
		t.Fatalf("ReplayBytes(snapshot) error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "snap" {
		t.Fatalf("snapshot parse = %+v", tasks)
	}

	event := []byte(`{"op":"create","id":"trak-fmt02","ts":"2026-08-01 00:00:00","data":{"title":"ev"}}
`)
	tasks, err = ReplayBytes(event)
	if err != nil {
		t.Fatalf("ReplayBytes(event) error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "ev" {
		t.Fatalf("event parse = %+v", tasks)
	}
}

func TestReplayRejectsMalformedLine(t *testing.T) {
	_, err := ReplayBytes([]byte("{not json}\n"))
	if err == nil {
		t.Fatal("ReplayBytes() on garbage should fail")
	}
	if !strings.Contains(err.Error(), "line 1") {
		t.Errorf("error %q should name the offending line", err)
	}
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Init(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("storage.Init() error = %v", err)
	}
	defer st.Close()

	// Pre-existing content must be replaced wholesale.
	stale := &types.Task{ID: "trak-stale1", Title: "gone after rebuild", Status: types.StatusOpen,
		CreatedAt: types.Now(), UpdatedAt: types.Now()}
	if err := st.CreateTask(ctx, stale); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	tasks := []*types.Task{
		{ID: "trak-rb1", Title: "parent", Status: types.StatusDone,
			CreatedAt: "2026-08-01 00:00:00", UpdatedAt: "2026-08-01 00:00:00"},
		{ID: "trak-rb2", Title: "child", Status: types.StatusOpen,
			CreatedAt: "2026-08-02 00:00:00", UpdatedAt: "2026-08-02 00:00:00",
			Deps:    []string{"trak-rb1", "trak-missing"},
			Journal: []types.JournalEntry{{Timestamp: "2026-08-02 01:00:00", Entry: "hi"}},
			Claims:  []types.Claim{{Agent: "a", Status: types.ClaimActive, ClaimedAt: "2026-08-02 02:00:00"}}},
	}
	if err := Rebuild(ctx, st, tasks); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	if _, err := st.GetTask(ctx, "trak-stale1"); err == nil {
		t.Error("stale task should be gone after rebuild")
	}
	deps, err := st.DependencyIDs(ctx, "trak-rb2")
	if err != nil {
		t.Fatalf("DependencyIDs() error = %v", err)
	}
	// The dangling edge to trak-missing is dropped, not fatal.
	if len(deps) != 1 || deps[0] != "trak-rb1" {
		t.Errorf("deps after rebuild = %v, want [trak-rb1]", deps)
	}
	journal, err := st.Journal(ctx, "trak-rb2")
	if err != nil || len(journal) != 1 {
		t.Errorf("journal after rebuild = %v (err %v), want one entry", journal, err)
	}
	claims, err := st.Claims(ctx, "trak-rb2")
	if err != nil || len(claims) != 1 {
		t.Errorf("claims after rebuild = %v (err %v), want one claim", claims, err)
	}
}
