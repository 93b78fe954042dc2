// Package engine is the single mutator of task state. Every operation
// resolves its id, validates, applies the change in one transaction, writes a
// journal entry where the change is observable, appends one event to the log,
// and optionally triggers a git autocommit. Readers go straight to storage.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/trakhq/trak/internal/config"
	"github.com/trakhq/trak/internal/cost"
	"github.com/trakhq/trak/internal/debug"
	"github.com/trakhq/trak/internal/eventlog"
	"github.com/trakhq/trak/internal/git"
	"github.com/trakhq/trak/internal/graph"
	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
)

// systemAuthor marks journal entries written by trak itself rather than a
// human or agent. The verification gate ignores these.
const systemAuthor = "trak"

// Engine coordinates storage, the event log, the cost engine, and the git
// side effects.
type Engine struct {
	st    *storage.Store
	costs *cost.Engine
	agent string
}

// New builds an engine over an open store. The agent label comes from
// TRAK_AGENT, config, or the hostname.
func New(st *storage.Store) *Engine {
	return &Engine{st: st, costs: cost.NewEngine(st), agent: config.Agent()}
}

// Store exposes the underlying store for read paths.
func (e *Engine) Store() *storage.Store { return e.st }

// Costs exposes the cost engine.
func (e *Engine) Costs() *cost.Engine { return e.costs }

// Agent returns the label used for journal authorship and assignments.
func (e *Engine) Agent() string { return e.agent }

// repoRoot is the directory the .trak directory sits in; git operations and
// verify commands run there.
func (e *Engine) repoRoot() string { return filepath.Dir(e.st.Dir()) }

// emit appends one event to the log. Best-effort: the database transaction
// has already committed, so a failed append is logged and swallowed; the next
// compaction reconciles.
func (e *Engine) emit(ev types.Event) {
	if err := eventlog.Append(e.st.LogPath(), ev); err != nil {
		debug.Logf("engine: event append failed: %v", err)
	}
}

// autocommit commits the event log when autocommit is enabled. Silent on
// failure, and never invoked from within the sync paths that themselves write
// events.
func (e *Engine) autocommit(ctx context.Context, message string) {
	if !config.GetBool("autocommit") {
		return
	}
	rel := filepath.Join(storage.DirName, storage.LogFileName)
	git.AutoCommit(ctx, e.repoRoot(), message, rel)
}

// CreateOptions carries the optional fields of a new task.
type CreateOptions struct {
	Description   string
	Priority      int
	Project       string
	Tags          string
	ParentID      string
	EpicID        string
	IsEpic        bool
	Autonomy      string
	BudgetUSD     float64
	VerifyCommand string
	TimeoutSecs   int
	CreatedFrom   string
	DependsOn     []string
}

// Create makes a new task with a fresh id. Defaults: status open, autonomy
// manual, priority 1, max_retries from config.
func (e *Engine) Create(ctx context.Context, title string, opts CreateOptions) (*types.Task, error) {
	if title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if opts.Priority < 0 || opts.Priority > 3 {
		return nil, fmt.Errorf("priority must be 0-3, got %d", opts.Priority)
	}
	autonomy := opts.Autonomy
	if autonomy == "" {
		autonomy = string(types.AutonomyManual)
	}
	if !types.IsValidAutonomy(types.Autonomy(autonomy)) {
		return nil, fmt.Errorf("invalid autonomy %q", autonomy)
	}

	id, err := types.NewID()
	if err != nil {
		return nil, err
	}
	now := types.Now()
	t := &types.Task{
		ID:            id,
		Title:         title,
		Description:   opts.Description,
		Status:        types.StatusOpen,
		Priority:      opts.Priority,
		Project:       opts.Project,
		Tags:          opts.Tags,
		ParentID:      opts.ParentID,
		EpicID:        opts.EpicID,
		IsEpic:        opts.IsEpic,
		CreatedAt:     now,
		UpdatedAt:     now,
		Autonomy:      autonomy,
		BudgetUSD:     opts.BudgetUSD,
		VerifyCommand: opts.VerifyCommand,
		TimeoutSeconds: opts.TimeoutSecs,
		CreatedFrom:   opts.CreatedFrom,
		MaxRetries:    config.GetInt("max-retries"),
	}

	err = e.st.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.CreateTask(ctx, t); err != nil {
			return err
		}
		if err := tx.AddJournal(ctx, id, types.JournalEntry{
			Entry:  "Task created",
			Author: e.agent,
		}); err != nil {
			return err
		}
		for _, dep := range opts.DependsOn {
			parent, err := tx.ResolveID(ctx, dep)
			if err != nil {
				return err
			}
			if err := tx.AddDependency(ctx, id, parent); err != nil {
				return err
			}
			t.Deps = append(t.Deps, parent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(types.Event{Op: types.EventCreate, ID: id, TS: now, Data: createData(t)})
	for _, parent := range t.Deps {
		e.emit(types.Event{Op: types.EventDepAdd, ID: id, TS: now, Data: map[string]any{"depends_on": parent}})
	}
	e.autocommit(ctx, fmt.Sprintf("trak: create %s", id))
	return t, nil
}

func createData(t *types.Task) map[string]any {
	data := map[string]any{
		"title":    t.Title,
		"status":   string(t.Status),
		"priority": t.Priority,
		"autonomy": t.Autonomy,
	}
	if t.Description != "" {
		data["description"] = t.Description
	}
	if t.Project != "" {
		data["project"] = t.Project
	}
	if t.Tags != "" {
		data["tags"] = t.Tags
	}
	if t.ParentID != "" {
		data["parent_id"] = t.ParentID
	}
	if t.EpicID != "" {
		data["epic_id"] = t.EpicID
	}
	if t.IsEpic {
		data["is_epic"] = true
	}
	if t.BudgetUSD > 0 {
		data["budget_usd"] = t.BudgetUSD
	}
	if t.VerifyCommand != "" {
		data["verify_command"] = t.VerifyCommand
	}
	if t.TimeoutSeconds > 0 {
		data["timeout_seconds"] = t.TimeoutSeconds
	}
	if t.CreatedFrom != "" {
		data["created_from"] = t.CreatedFrom
	}
	if t.MaxRetries != 0 {
		data["max_retries"] = t.MaxRetries
	}
	return data
}

// SetStatus transitions a task, journaling the change. Entering wip captures
// the current git HEAD as the baseline for later verification.
func (e *Engine) SetStatus(ctx context.Context, id string, status types.Status) (*types.Task, error) {
	if !types.IsValidStatus(status) {
		return nil, fmt.Errorf("invalid status %q (valid: open, wip, blocked, review, done, archived, failed)", status)
	}
	resolved, err := e.st.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *types.Task
	var data map[string]any
	err = e.st.InTx(ctx, func(tx *storage.Tx) error {
		t, err := tx.GetTask(ctx, resolved)
		if err != nil {
			return err
		}
		if t.Status == status {
			updated = t
			return nil
		}
		data = map[string]any{"status": string(status)}
		updates := map[string]any{"status": string(status)}
		if status == types.StatusWIP {
			if head := git.Head(ctx, e.repoRoot()); head != "" {
				updates["wip_snapshot"] = head
				data["wip_snapshot"] = head
			}
		}
		if err := tx.UpdateTask(ctx, resolved, updates); err != nil {
			return err
		}
		if err := tx.AddJournal(ctx, resolved, types.JournalEntry{
			Entry:  fmt.Sprintf("Status: %s → %s", t.Status, status),
			Author: systemAuthor,
		}); err != nil {
			return err
		}
		updated, err = tx.GetTask(ctx, resolved)
		return err
	})
	if err != nil {
		return nil, err
	}

	if data != nil {
		e.emit(types.Event{Op: types.EventUpdate, ID: resolved, TS: updated.UpdatedAt, Data: data})
		e.autocommit(ctx, fmt.Sprintf("trak: %s %s", status, resolved))
	}
	return updated, nil
}

// Assign hands a task to an agent. Open and review tasks move to wip as part
// of the assignment.
func (e *Engine) Assign(ctx context.Context, id, agent string) (*types.Task, error) {
	if agent == "" {
		agent = e.agent
	}
	resolved, err := e.st.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *types.Task
	data := map[string]any{"assigned_to": agent}
	err = e.st.InTx(ctx, func(tx *storage.Tx) error {
		t, err := tx.GetTask(ctx, resolved)
		if err != nil {
			return err
		}
		updates := map[string]any{"assigned_to": agent}
		if t.Status == types.StatusOpen || t.Status == types.StatusReview {
			updates["status"] = string(types.StatusWIP)
			data["status"] = string(types.StatusWIP)
			if head := git.Head(ctx, e.repoRoot()); head != "" {
				updates["wip_snapshot"] = head
				data["wip_snapshot"] = head
			}
			if err := tx.AddJournal(ctx, resolved, types.JournalEntry{
				Entry:  fmt.Sprintf("Status: %s → %s", t.Status, types.StatusWIP),
				Author: systemAuthor,
			}); err != nil {
				return err
			}
		}
		if err := tx.UpdateTask(ctx, resolved, updates); err != nil {
			return err
		}
		if err := tx.AddJournal(ctx, resolved, types.JournalEntry{
			Entry:  fmt.Sprintf("%s assigned to this task", agent),
			Author: systemAuthor,
		}); err != nil {
			return err
		}
		updated, err = tx.GetTask(ctx, resolved)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emit(types.Event{Op: types.EventUpdate, ID: resolved, TS: updated.UpdatedAt, Data: data})
	e.autocommit(ctx, fmt.Sprintf("trak: assign %s", resolved))
	return updated, nil
}

// Update applies direct field edits (title, description, priority, project,
// tags, autonomy, budget, verify command, timeout).
func (e *Engine) Update(ctx context.Context, id string, updates map[string]any) (*types.Task, error) {
	resolved, err := e.st.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p, ok := updates["priority"].(int); ok && (p < 0 || p > 3) {
		return nil, fmt.Errorf("priority must be 0-3, got %d", p)
	}
	if a, ok := updates["autonomy"].(string); ok && !types.IsValidAutonomy(types.Autonomy(a)) {
		return nil, fmt.Errorf("invalid autonomy %q", a)
	}

	var updated *types.Task
	err = e.st.InTx(ctx, func(tx *storage.Tx) error {
		if err := tx.UpdateTask(ctx, resolved, updates); err != nil {
			return err
		}
		updated, err = tx.GetTask(ctx, resolved)
		return err
	})
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(updates))
	for k, v := range updates {
		data[k] = v
	}
	e.emit(types.Event{Op: types.EventUpdate, ID: resolved, TS: updated.UpdatedAt, Data: data})
	e.autocommit(ctx, fmt.Sprintf("trak: update %s", resolved))
	return updated, nil
}

// LogOptions carries the optional cost accumulation attached to a journal
// entry.
type LogOptions struct {
	Author          string
	TokensIn        int64
	TokensOut       int64
	CostUSD         float64
	Model           string
	DurationSeconds float64
}

// Log appends a journal entry and, when the options carry spend, records a
// cost event through the cost engine.
func (e *Engine) Log(ctx context.Context, id, entry string, opts LogOptions) (*types.Task, error) {
	if entry == "" {
		return nil, fmt.Errorf("journal entry text is required")
	}
	resolved, err := e.st.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	author := opts.Author
	if author == "" {
		author = "human"
	}

	now := types.Now()
	if err := e.st.AddJournal(ctx, resolved, types.JournalEntry{Timestamp: now, Entry: entry, Author: author}); err != nil {
		return nil, err
	}
	e.emit(types.Event{Op: types.EventLog, ID: resolved, TS: now, Data: map[string]any{"entry": entry, "author": author}})

	if opts.TokensIn > 0 || opts.TokensOut > 0 || opts.CostUSD > 0 || opts.DurationSeconds > 0 {
		if _, err := e.costs.Record(ctx, types.CostEvent{
			TaskID:          resolved,
			Model:           opts.Model,
			TokensIn:        opts.TokensIn,
			TokensOut:       opts.TokensOut,
			CostUSD:         opts.CostUSD,
			DurationSeconds: opts.DurationSeconds,
			Agent:           author,
			Operation:       "log",
		}); err != nil {
			return nil, err
		}
	}
	e.autocommit(ctx, fmt.Sprintf("trak: log %s", resolved))
	return e.st.GetTask(ctx, resolved)
}

// AddDep records that child depends on parent. Duplicate edges surface as
// storage.ErrDuplicateDep for callers to downgrade to a warning; edges that
// would close a cycle are rejected outright.
func (e *Engine) AddDep(ctx context.Context, childID, parentID string) error {
	child, err := e.st.ResolveID(ctx, childID)
	if err != nil {
		return err
	}
	parent, err := e.st.ResolveID(ctx, parentID)
	if err != nil {
		return err
	}
	if cyclic, err := graph.WouldCycle(ctx, e.st, child, parent); err != nil {
		return err
	} else if cyclic {
		return fmt.Errorf("dependency %s -> %s would create a cycle", child, parent)
	}
	if err := e.st.AddDependency(ctx, child, parent); err != nil {
		return err
	}
	e.emit(types.Event{Op: types.EventDepAdd, ID: child, TS: types.Now(), Data: map[string]any{"depends_on": parent}})
	e.autocommit(ctx, fmt.Sprintf("trak: dep %s -> %s", child, parent))
	return nil
}

// RemoveDep deletes the edge; removing a missing edge reports false without
// erroring.
func (e *Engine) RemoveDep(ctx context.Context, childID, parentID string) (bool, error) {
	child, err := e.st.ResolveID(ctx, childID)
	if err != nil {
		return false, err
	}
	parent, err := e.st.ResolveID(ctx, parentID)
	if err != nil {
		return false, err
	}
	removed, err := e.st.RemoveDependency(ctx, child, parent)
	if err != nil || !removed {
		return removed, err
	}
	e.emit(types.Event{Op: types.EventDepRm, ID: child, TS: types.Now(), Data: map[string]any{"depends_on": parent}})
	e.autocommit(ctx, fmt.Sprintf("trak: undep %s -> %s", child, parent))
	return true, nil
}

// ClaimResult reports a soft-claim attempt.
type ClaimResult struct {
	Task     *types.Task  `json:"task"`
	Claimed  bool         `json:"claimed"`
	Existing *types.Claim `json:"existing,omitempty"`
}

// Claim records an advisory claim. A conflicting active claim is reported,
// never overwritten; orchestration must rely on status and locks, not this.
func (e *Engine) Claim(ctx context.Context, id, agent, model string) (*ClaimResult, error) {
	if agent == "" {
		agent = e.agent
	}
	resolved, err := e.st.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}

	var result ClaimResult
	err = e.st.InTx(ctx, func(tx *storage.Tx) error {
		t, err := tx.GetTask(ctx, resolved)
		if err != nil {
			return err
		}
		result.Task = t
		active, err := tx.ActiveClaim(ctx, resolved)
		if err != nil {
			return err
		}
		if active != nil && active.Agent != agent {
			result.Existing = active
			return nil
		}
		if active != nil {
			// Same agent re-claiming is a no-op.
			result.Claimed = true
			result.Existing = active
			return nil
		}
		if err := tx.AddClaim(ctx, resolved, types.Claim{Agent: agent, Model: model}); err != nil {
			return err
		}
		if err := tx.AddJournal(ctx, resolved, types.JournalEntry{
			Entry:  fmt.Sprintf("Claimed by %s", agent),
			Author: systemAuthor,
		}); err != nil {
			return err
		}
		result.Claimed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Claimed && result.Existing == nil {
		e.emit(types.Event{Op: types.EventClaim, ID: resolved, TS: types.Now(),
			Data: map[string]any{"agent": agent, "model": model, "status": types.ClaimActive}})
		e.autocommit(ctx, fmt.Sprintf("trak: claim %s", resolved))
	}
	return &result, nil
}

// Fail records a failed attempt. With retries remaining the task rewinds to
// open behind a backoff window; otherwise it lands in failed for good.
func (e *Engine) Fail(ctx context.Context, id, reason string) (*types.Task, error) {
	resolved, err := e.st.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *types.Task
	var data map[string]any
	err = e.st.InTx(ctx, func(tx *storage.Tx) error {
		t, err := tx.GetTask(ctx, resolved)
		if err != nil {
			return err
		}
		newCount := t.RetryCount + 1
		updates := map[string]any{
			"retry_count":         newCount,
			"last_failure_reason": reason,
		}
		var entry string
		if t.MaxRetries > 0 && newCount < t.MaxRetries {
			backoff := config.Backoff()
			idx := newCount - 1
			if idx >= len(backoff) {
				idx = len(backoff) - 1
			}
			retryAfter := types.FormatTime(time.Now().UTC().Add(backoff[idx]))
			updates["status"] = string(types.StatusOpen)
			updates["retry_after"] = retryAfter
			entry = fmt.Sprintf("Attempt %d/%d failed: %s (retry after %s)", newCount, t.MaxRetries, reason, retryAfter)
		} else {
			updates["status"] = string(types.StatusFailed)
			updates["retry_after"] = ""
			entry = fmt.Sprintf("Failed permanently after %d attempts: %s", newCount, reason)
		}
		if err := tx.UpdateTask(ctx, resolved, updates); err != nil {
			return err
		}
		if err := tx.AddJournal(ctx, resolved, types.JournalEntry{Entry: entry, Author: systemAuthor}); err != nil {
			return err
		}
		data = map[string]any{
			"status":              updates["status"],
			"retry_count":         newCount,
			"last_failure_reason": reason,
			"retry_after":         updates["retry_after"],
		}
		updated, err = tx.GetTask(ctx, resolved)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emit(types.Event{Op: types.EventUpdate, ID: resolved, TS: updated.UpdatedAt, Data: data})
	e.autocommit(ctx, fmt.Sprintf("trak: fail %s", resolved))
	return updated, nil
}

// Retry manually rewinds a task to open, clearing the backoff window and the
// recorded failure. With reset, the retry counter starts over.
func (e *Engine) Retry(ctx context.Context, id string, reset bool) (*types.Task, error) {
	resolved, err := e.st.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":              string(types.StatusOpen),
		"retry_after":         "",
		"last_failure_reason": "",
	}
	if reset {
		updates["retry_count"] = 0
	}

	var updated *types.Task
	err = e.st.InTx(ctx, func(tx *storage.Tx) error {
		t, err := tx.GetTask(ctx, resolved)
		if err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, resolved, updates); err != nil {
			return err
		}
		if err := tx.AddJournal(ctx, resolved, types.JournalEntry{
			Entry:  fmt.Sprintf("Status: %s → %s (manual retry)", t.Status, types.StatusOpen),
			Author: systemAuthor,
		}); err != nil {
			return err
		}
		updated, err = tx.GetTask(ctx, resolved)
		return err
	})
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(updates))
	for k, v := range updates {
		data[k] = v
	}
	e.emit(types.Event{Op: types.EventUpdate, ID: resolved, TS: updated.UpdatedAt, Data: data})
	e.autocommit(ctx, fmt.Sprintf("trak: retry %s", resolved))
	return updated, nil
}
