// Package orchestrator turns ready auto-tasks into running agents. It is a
// pure consumer of the engine, lock manager, and gateway contracts: pick,
// lock, claim, dispatch, and let the agent close the task itself through the
// verification gate.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/trakhq/trak/internal/config"
	"github.com/trakhq/trak/internal/debug"
	"github.com/trakhq/trak/internal/engine"
	"github.com/trakhq/trak/internal/gateway"
	"github.com/trakhq/trak/internal/lock"
	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/timeparsing"
	"github.com/trakhq/trak/internal/types"
)

// defaultTimeout bounds an agent run when nothing else names a limit.
const defaultTimeout = 900 * time.Second

// Options tunes one run.
type Options struct {
	Project     string
	MaxAgents   int    // 0 = config run.max-agents, default 3
	MinPriority int    // -1 = config run.min-priority, default 1
	Timeout     string // duration-ish override; beats every config layer
	Model       string
	Watch       bool
	DryRun      bool
}

// Dispatch is the outcome for one task.
type Dispatch struct {
	Task       *types.Task `json:"task"`
	SessionKey string      `json:"session_key,omitempty"`
	Skipped    string      `json:"skipped,omitempty"` // reason, when not dispatched
	Err        error       `json:"-"`
}

// Runner drives dispatch cycles.
type Runner struct {
	eng   *engine.Engine
	locks *lock.Manager
	gw    *gateway.Client
	cwd   string

	// Report, when set, is called with each dispatch outcome as it happens.
	// Watch mode depends on it for live output.
	Report func(Dispatch)

	dispatched map[string]bool
}

// NewRunner wires a runner over an engine, a lock manager, and a gateway
// client. cwd is the workspace handed to agents and locked per dispatch.
func NewRunner(eng *engine.Engine, locks *lock.Manager, gw *gateway.Client, cwd string) *Runner {
	return &Runner{eng: eng, locks: locks, gw: gw, cwd: cwd, dispatched: make(map[string]bool)}
}

// Run performs one dispatch cycle, or keeps cycling in watch mode until ctx
// is cancelled. The gateway is probed up front; an unreachable gateway aborts
// the whole run.
func (r *Runner) Run(ctx context.Context, opts Options) ([]Dispatch, error) {
	if !opts.DryRun {
		if err := r.gw.Probe(ctx); err != nil {
			return nil, fmt.Errorf("gateway unreachable at %s: %w", r.gw.BaseURL, err)
		}
	}

	results, err := r.cycle(ctx, opts)
	if err != nil || !opts.Watch {
		return results, err
	}
	return results, r.watch(ctx, opts, &results)
}

// cycle dispatches ready tasks up to the remaining capacity.
func (r *Runner) cycle(ctx context.Context, opts Options) ([]Dispatch, error) {
	maxAgents := opts.MaxAgents
	if maxAgents <= 0 {
		maxAgents = config.GetInt("run.max-agents")
	}
	if maxAgents <= 0 {
		maxAgents = 3
	}
	minPriority := opts.MinPriority
	if minPriority < 0 {
		minPriority = config.GetInt("run.min-priority")
	}

	active, err := r.activeCount(ctx)
	if err != nil {
		return nil, err
	}

	ready, err := r.eng.Store().ReadyTasks(ctx, storage.ReadyFilter{
		Project:     opts.Project,
		Autonomy:    types.AutonomyAuto,
		MaxPriority: minPriority,
		CheckBudget: true,
	})
	if err != nil {
		return nil, err
	}

	var results []Dispatch
	for _, t := range ready {
		if active >= maxAgents {
			break
		}
		if r.dispatched[t.ID] {
			continue
		}
		d := r.dispatchOne(ctx, t, opts)
		results = append(results, d)
		if r.Report != nil {
			r.Report(d)
		}
		if d.SessionKey != "" || (opts.DryRun && d.Skipped == "") {
			r.dispatched[t.ID] = true
			active++
		}
	}
	return results, nil
}

// activeCount prunes finished tasks from the dispatched set and returns how
// many are still running.
func (r *Runner) activeCount(ctx context.Context) (int, error) {
	active := 0
	for id := range r.dispatched {
		t, err := r.eng.Store().GetTask(ctx, id)
		if err != nil {
			delete(r.dispatched, id)
			continue
		}
		if t.Status == types.StatusWIP {
			active++
		} else {
			delete(r.dispatched, id)
		}
	}
	return active, nil
}

// dispatchOne runs the per-task protocol: lock, claim, spawn.
func (r *Runner) dispatchOne(ctx context.Context, t *types.Task, opts Options) Dispatch {
	d := Dispatch{Task: t}

	if opts.DryRun {
		return d
	}

	acq, err := r.locks.Acquire(r.cwd, t.ID, "trak-run", nil)
	if err != nil {
		d.Err = err
		d.Skipped = err.Error()
		return d
	}
	if !acq.Acquired {
		// The next cycle retries; deliberately no enqueue here.
		d.Skipped = fmt.Sprintf("workspace locked by %s", acq.Conflict.Holder.TaskID)
		return d
	}

	claimed, err := r.eng.Assign(ctx, t.ID, "trak-run")
	if err != nil {
		d.Err = err
		d.Skipped = err.Error()
		r.releaseQuietly(t.ID)
		return d
	}
	d.Task = claimed

	timeout, err := r.resolveTimeout(t, opts.Timeout)
	if err != nil {
		d.Err = err
		d.Skipped = err.Error()
		r.releaseQuietly(t.ID)
		return d
	}

	sessionKey, err := r.gw.SpawnAgent(ctx, gateway.SpawnRequest{
		Task:           r.instruction(claimed),
		Label:          "trak-" + t.ID,
		TimeoutSeconds: int(timeout.Seconds()),
		Model:          opts.Model,
	})
	if err != nil {
		d.Err = err
		d.Skipped = err.Error()
		r.releaseQuietly(t.ID)
		return d
	}
	d.SessionKey = sessionKey
	return d
}

func (r *Runner) releaseQuietly(taskID string) {
	if err := r.locks.Release(r.cwd, taskID); err != nil {
		debug.Logf("orchestrator: lock release failed for %s: %v", taskID, err)
	}
}

// instruction builds the prompt handed to the spawned agent, including the
// close protocol it must follow.
func (r *Runner) instruction(t *types.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on task %s: %s\n", t.ID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", t.Description)
	}
	if t.Project != "" {
		fmt.Fprintf(&b, "\nProject: %s\n", t.Project)
	}
	fmt.Fprintf(&b, "\nWorking directory: %s\n", r.cwd)
	fmt.Fprintf(&b, `
When done, close the task with verification:
  trak close %s --verify [--proof "<evidence>"] [--commit <hash>]
Log progress as you go with: trak log %s "<note>"
If you cannot finish, record the failure with: trak fail %s "<reason>"
`, t.ID, t.ID, t.ID)
	return b.String()
}

// resolveTimeout layers the timeout sources: explicit flag, task field,
// project config, tag profile, global agent timeout, built-in default.
func (r *Runner) resolveTimeout(t *types.Task, flag string) (time.Duration, error) {
	if flag != "" {
		d, err := timeparsing.ParseDurationish(flag)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q: %w", flag, err)
		}
		return d, nil
	}
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second, nil
	}
	if t.Project != "" {
		if s := config.GetString("project." + t.Project + ".timeout"); s != "" {
			if d, err := timeparsing.ParseDurationish(s); err == nil {
				return d, nil
			}
		}
	}
	for _, tag := range strings.Split(t.Tags, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if s := config.GetString("timeout.profile." + tag); s != "" {
			if d, err := timeparsing.ParseDurationish(s); err == nil {
				return d, nil
			}
		}
	}
	if s := config.GetString("agent.timeout"); s != "" {
		if d, err := timeparsing.ParseDurationish(s); err == nil && d > 0 {
			return d, nil
		}
	}
	return defaultTimeout, nil
}

// watch keeps polling for newly ready work. The event log is watched so a
// close on another terminal wakes the loop early; the ticker is the fallback.
func (r *Runner) watch(ctx context.Context, opts Options, results *[]Dispatch) error {
	interval := config.GetDuration("run.poll-interval")
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wake <-chan fsnotify.Event
	var wakeErrs <-chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(r.eng.Store().Dir()); err == nil {
			wake = watcher.Events
			wakeErrs = watcher.Errors
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-wake:
			if !strings.HasSuffix(ev.Name, storage.LogFileName) {
				continue
			}
		case err := <-wakeErrs:
			// Errors must be drained or the watcher stalls; the ticker
			// already covers any wake the watcher missed.
			debug.Logf("orchestrator: watch error: %v", err)
			continue
		case <-ticker.C:
		}

		batch, err := r.cycle(ctx, opts)
		if err != nil {
			debug.Logf("orchestrator: watch cycle failed: %v", err)
			continue
		}
		*results = append(*results, batch...)
	}
}
