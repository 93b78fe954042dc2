// Package eventlog reads and writes the append-only JSONL log that is the
// durable, git-synchronized source of truth. The database is a cache; this
// file is what survives.
//
// Two line formats coexist. A live log holds events ({"op",...}); a compacted
// log holds one full task snapshot per line. Replay detects the format from
// the first non-blank line and accepts either.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/trakhq/trak/internal/debug"
	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
)

// Append writes one event as a single JSON line. The write is O_APPEND, so
// concurrent writers interleave whole lines.
func Append(path string, ev types.Event) error {
	if ev.TS == "" {
		ev.TS = types.Now()
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) // #nosec G302,G306 -- shared project file
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush event log: %w", err)
	}
	return f.Sync()
}

// Replay reads the log at path and returns the resulting task set, sorted by
// creation time. A missing file yields an empty set.
func Replay(path string) ([]*types.Task, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return ReplayBytes(data)
}

// ReplayBytes replays log content already in memory. The merge resolver uses
// this on conflict-file halves that never touch disk.
func ReplayBytes(data []byte) ([]*types.Task, error) {
	lines := splitLines(data)
	if len(lines) == 0 {
		return nil, nil
	}
	if isEventLine(lines[0]) {
		return foldEvents(lines)
	}
	return parseSnapshots(lines)
}

// WriteSnapshot atomically replaces the log at path with one snapshot line
// per task. Compaction runs through here.
func WriteSnapshot(path string, tasks []*types.Task) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp) // #nosec G304 -- sibling of the log itself
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to encode snapshot for %s: %w", t.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace event log: %w", err)
	}
	return nil
}

// Rebuild replaces the entire database content with the given task set, in
// one transaction. Dependency edges are installed after every task exists so
// referential checks hold regardless of log order.
func Rebuild(ctx context.Context, st *storage.Store, tasks []*types.Task) error {
	return st.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.ClearAll(ctx); err != nil {
			return err
		}
		for _, t := range tasks {
			if err := tx.CreateTask(ctx, t); err != nil {
				return err
			}
			for _, e := range t.Journal {
				if err := tx.AddJournal(ctx, t.ID, e); err != nil {
					return err
				}
			}
			for _, c := range t.Claims {
				if err := tx.AddClaim(ctx, t.ID, c); err != nil {
					return err
				}
			}
		}
		for _, t := range tasks {
			for _, parent := range t.Deps {
				err := tx.AddDependency(ctx, t.ID, parent)
				switch {
				case err == nil:
				case errors.Is(err, storage.ErrDuplicateDep):
				case errors.Is(err, storage.ErrNotFound):
					// Edge to a task absent from the log; drop it.
					debug.Logf("rebuild: dropping dangling dependency %s -> %s", t.ID, parent)
				default:
					return err
				}
			}
		}
		return nil
	})
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}

// isEventLine reports whether the line looks like an event record rather than
// a task snapshot. Snapshots never carry an "op" field.
func isEventLine(line []byte) bool {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	return probe.Op != ""
}

func parseSnapshots(lines [][]byte) ([]*types.Task, error) {
	var out []*types.Task
	for i, line := range lines {
		var t types.Task
		if err := json.Unmarshal(line, &t); err != nil {
			return nil, fmt.Errorf("malformed snapshot on line %d: %w", i+1, err)
		}
		if t.ID == "" {
			return nil, fmt.Errorf("snapshot on line %d has no id", i+1)
		}
		out = append(out, &t)
	}
	sortTasks(out)
	return out, nil
}

func foldEvents(lines [][]byte) ([]*types.Task, error) {
	tasks := make(map[string]*types.Task)
	for i, line := range lines {
		var ev types.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("malformed event on line %d: %w", i+1, err)
		}
		if err := apply(tasks, ev); err != nil {
			return nil, fmt.Errorf("bad event on line %d: %w", i+1, err)
		}
	}

	out := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		sort.SliceStable(t.Journal, func(a, b int) bool { return t.Journal[a].Timestamp < t.Journal[b].Timestamp })
		sort.SliceStable(t.Claims, func(a, b int) bool { return t.Claims[a].ClaimedAt < t.Claims[b].ClaimedAt })
		sort.Strings(t.Deps)
		out = append(out, t)
	}
	sortTasks(out)
	return out, nil
}

func apply(tasks map[string]*types.Task, ev types.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event %q has no task id", ev.Op)
	}

	t, known := tasks[ev.ID]
	if !known && ev.Op != types.EventCreate {
		// Event for a task whose create record was compacted away or lost.
		// Tolerate it; the snapshot side of a merge usually carries the task.
		debug.Logf("replay: %s event for unknown task %s, skipped", ev.Op, ev.ID)
		return nil
	}

	switch ev.Op {
	case types.EventCreate:
		t = &types.Task{
			ID:        ev.ID,
			Status:    types.StatusOpen,
			Priority:  1,
			Autonomy:  string(types.AutonomyManual),
			CreatedAt: ev.TS,
			UpdatedAt: ev.TS,
		}
		if err := mergeFields(t, ev.Data); err != nil {
			return err
		}
		tasks[ev.ID] = t

	case types.EventUpdate:
		if err := mergeFields(t, ev.Data); err != nil {
			return err
		}
		t.UpdatedAt = ev.TS

	case types.EventClose:
		if err := mergeFields(t, ev.Data); err != nil {
			return err
		}
		if _, ok := ev.Data["status"]; !ok {
			t.Status = types.StatusDone
		}
		t.UpdatedAt = ev.TS

	case types.EventLog:
		e := types.JournalEntry{Timestamp: ev.TS}
		if s, ok := ev.Data["entry"].(string); ok {
			e.Entry = s
		}
		if s, ok := ev.Data["author"].(string); ok {
			e.Author = s
		}
		if s, ok := ev.Data["timestamp"].(string); ok && s != "" {
			e.Timestamp = s
		}
		t.Journal = append(t.Journal, e)

	case types.EventDepAdd:
		parent, _ := ev.Data["depends_on"].(string)
		if parent == "" {
			return fmt.Errorf("dep_add without depends_on")
		}
		for _, d := range t.Deps {
			if d == parent {
				return nil
			}
		}
		t.Deps = append(t.Deps, parent)

	case types.EventDepRm:
		parent, _ := ev.Data["depends_on"].(string)
		kept := t.Deps[:0]
		for _, d := range t.Deps {
			if d != parent {
				kept = append(kept, d)
			}
		}
		t.Deps = kept

	case types.EventClaim:
		c := types.Claim{Status: types.ClaimActive, ClaimedAt: ev.TS}
		if s, ok := ev.Data["agent"].(string); ok {
			c.Agent = s
		}
		if s, ok := ev.Data["model"].(string); ok {
			c.Model = s
		}
		if s, ok := ev.Data["status"].(string); ok && s != "" {
			c.Status = s
		}
		if s, ok := ev.Data["released_at"].(string); ok {
			c.ReleasedAt = s
		}
		t.Claims = append(t.Claims, c)

	default:
		return fmt.Errorf("unknown event op %q", ev.Op)
	}
	return nil
}

// mergeFields overlays event data onto the task through a JSON round trip so
// field names and coercions stay in one place (the Task struct tags).
func mergeFields(t *types.Task, data map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	for k, v := range data {
		switch k {
		case "id", "journal", "deps", "claims":
			// Identity and collections are event-managed, not field updates.
		default:
			m[k] = v
		}
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var next types.Task
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("unmergeable event data: %w", err)
	}
	next.Journal, next.Deps, next.Claims = t.Journal, t.Deps, t.Claims
	*t = next
	return nil
}

func sortTasks(tasks []*types.Task) {
	sort.SliceStable(tasks, func(a, b int) bool {
		if tasks[a].CreatedAt != tasks[b].CreatedAt {
			return tasks[a].CreatedAt < tasks[b].CreatedAt
		}
		return tasks[a].ID < tasks[b].ID
	})
}
