// Package graph computes readiness, heat, traces, and cycle checks over the
// dependency graph. Everything here is read-only; mutation goes through the
// engine.
package graph

import (
	"context"
	"sort"
	"time"

	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
)

// Source is the slice of the store the graph reads. Both *storage.Store and
// *storage.Tx satisfy it.
type Source interface {
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, f storage.ListFilter) ([]*types.Task, error)
	IncompleteParents(ctx context.Context, taskID string) ([]string, error)
	DependencyIDs(ctx context.Context, taskID string) ([]string, error)
	DependentIDs(ctx context.Context, taskID string) ([]string, error)
	AllDependencies(ctx context.Context) (map[string][]string, error)
	Journal(ctx context.Context, taskID string) ([]types.JournalEntry, error)
}

// IsReady reports whether t is dispatchable right now: open, every dependency
// parent done or archived, retry backoff elapsed. The second return value
// lists the incomplete parents blocking it, when any.
func IsReady(ctx context.Context, src Source, t *types.Task, now string) (bool, []string, error) {
	if now == "" {
		now = types.Now()
	}
	if t.Status != types.StatusOpen {
		return false, nil, nil
	}
	if t.RetryAfter != "" && t.RetryAfter > now {
		return false, nil, nil
	}
	blocking, err := src.IncompleteParents(ctx, t.ID)
	if err != nil {
		return false, nil, err
	}
	return len(blocking) == 0, blocking, nil
}

// BlockedReason returns the incomplete dependency parents of the task.
func BlockedReason(ctx context.Context, src Source, taskID string) ([]string, error) {
	return src.IncompleteParents(ctx, taskID)
}

// Heat scores how much a task wants attention. Downstream fan-out dominates;
// age and recent journal activity add a little; blocked tasks are cooled.
// Never negative.
func Heat(ctx context.Context, src Source, t *types.Task, now time.Time) (int, error) {
	dependents, err := src.DependentIDs(ctx, t.ID)
	if err != nil {
		return 0, err
	}

	score := 2 * len(dependents)

	if !t.Status.IsTerminal() {
		if created, err := types.ParseTime(t.CreatedAt); err == nil && !created.IsZero() {
			weeks := int(now.Sub(created).Hours() / 24 / 7)
			if weeks > 3 {
				weeks = 3
			}
			if weeks > 0 {
				score += weeks
			}
		}
	}

	journal, err := src.Journal(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	if n := len(journal); n > 0 {
		if last, err := types.ParseTime(journal[n-1].Timestamp); err == nil && !last.IsZero() {
			age := now.Sub(last)
			switch {
			case age < 24*time.Hour:
				score += 2
			case age < 72*time.Hour:
				score++
			}
		}
	}

	score += t.Priority

	if t.Status == types.StatusBlocked {
		score -= 2
	}
	if score < 0 {
		score = 0
	}
	return score, nil
}

// Scored pairs a task with its heat.
type Scored struct {
	Task *types.Task `json:"task"`
	Heat int         `json:"heat"`
}

// HeatMap scores every non-terminal task matching the filter, hottest first.
// Ties break toward higher priority (lower number), then older creation.
func HeatMap(ctx context.Context, src Source, f storage.ListFilter) ([]Scored, error) {
	tasks, err := src.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	out := make([]Scored, 0, len(tasks))
	for _, t := range tasks {
		h, err := Heat(ctx, src, t, now)
		if err != nil {
			return nil, err
		}
		out = append(out, Scored{Task: t, Heat: h})
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Heat != out[b].Heat {
			return out[a].Heat > out[b].Heat
		}
		if out[a].Task.Priority != out[b].Task.Priority {
			return out[a].Task.Priority < out[b].Task.Priority
		}
		return out[a].Task.CreatedAt < out[b].Task.CreatedAt
	})
	return out, nil
}

// Trace is a bounded slice of the graph around one task. Upstream maps each
// visited task to the dependency parents it was reached through; Downstream
// maps each visited task to its dependents.
type Trace struct {
	Root       string              `json:"root"`
	Upstream   map[string][]string `json:"upstream,omitempty"`
	Downstream map[string][]string `json:"downstream,omitempty"`
}

// TraceTask walks up to depth hops in both directions from taskID.
func TraceTask(ctx context.Context, src Source, taskID string, depth int) (*Trace, error) {
	tr := &Trace{
		Root:       taskID,
		Upstream:   make(map[string][]string),
		Downstream: make(map[string][]string),
	}

	up := func(id string) ([]string, error) { return src.DependencyIDs(ctx, id) }
	down := func(id string) ([]string, error) { return src.DependentIDs(ctx, id) }

	if err := walk(taskID, depth, up, tr.Upstream); err != nil {
		return nil, err
	}
	if err := walk(taskID, depth, down, tr.Downstream); err != nil {
		return nil, err
	}
	return tr, nil
}

func walk(root string, depth int, next func(string) ([]string, error), out map[string][]string) error {
	type hop struct {
		id    string
		depth int
	}
	seen := map[string]bool{root: true}
	frontier := []hop{{root, 0}}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur.depth >= depth {
			continue
		}
		neighbors, err := next(cur.id)
		if err != nil {
			return err
		}
		if len(neighbors) > 0 {
			out[cur.id] = neighbors
		}
		for _, n := range neighbors {
			if !seen[n] {
				seen[n] = true
				frontier = append(frontier, hop{n, cur.depth + 1})
			}
		}
	}
	return nil
}

// WouldCycle reports whether adding the edge (child depends on parent) would
// close a dependency cycle, by checking whether parent already reaches child
// through its own dependency chain.
func WouldCycle(ctx context.Context, src Source, child, parent string) (bool, error) {
	if child == parent {
		return true, nil
	}
	edges, err := src.AllDependencies(ctx)
	if err != nil {
		return false, err
	}
	seen := map[string]bool{parent: true}
	frontier := []string{parent}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, p := range edges[cur] {
			if p == child {
				return true, nil
			}
			if !seen[p] {
				seen[p] = true
				frontier = append(frontier, p)
			}
		}
	}
	return false, nil
}
