package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/trakhq/trak/internal/types"
)

// queries carries the row-level operations shared by Store and Tx.
type queries struct {
	h dbtx
}

const taskCols = `id, title, description, status, priority, project, tags,
	blocked_by, parent_id, epic_id, is_epic, created_at, updated_at, agent_session,
	assigned_to, verified_by, verification_status, created_from, verify_command,
	wip_snapshot, autonomy, budget_usd, tokens_in, tokens_out, tokens_used,
	cost_usd, model_used, duration_seconds, retry_count, max_retries,
	last_failure_reason, retry_after, timeout_seconds`

// qualifiedTaskCols returns taskCols with each column prefixed by alias, for
// queries that join tasks against tables sharing column names.
func qualifiedTaskCols(alias string) string {
	cols := strings.Split(taskCols, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var isEpic int
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Project, &t.Tags,
		&t.BlockedBy, &t.ParentID, &t.EpicID, &isEpic, &t.CreatedAt, &t.UpdatedAt, &t.AgentSession,
		&t.AssignedTo, &t.VerifiedBy, &t.VerificationStatus, &t.CreatedFrom, &t.VerifyCommand,
		&t.WIPSnapshot, &t.Autonomy, &t.BudgetUSD, &t.TokensIn, &t.TokensOut, &t.TokensUsed,
		&t.CostUSD, &t.ModelUsed, &t.DurationSeconds, &t.RetryCount, &t.MaxRetries,
		&t.LastFailureReason, &t.RetryAfter, &t.TimeoutSeconds,
	)
	if err != nil {
		return nil, err
	}
	t.IsEpic = isEpic != 0
	return &t, nil
}

// CreateTask inserts a task row. The caller is responsible for id generation
// and timestamps.
func (q queries) CreateTask(ctx context.Context, t *types.Task) error {
	isEpic := 0
	if t.IsEpic {
		isEpic = 1
	}
	_, err := q.h.ExecContext(ctx, `
		INSERT INTO tasks (`+taskCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Priority, t.Project, t.Tags,
		t.BlockedBy, t.ParentID, t.EpicID, isEpic, t.CreatedAt, t.UpdatedAt, t.AgentSession,
		t.AssignedTo, t.VerifiedBy, t.VerificationStatus, t.CreatedFrom, t.VerifyCommand,
		t.WIPSnapshot, t.Autonomy, t.BudgetUSD, t.TokensIn, t.TokensOut, t.TokensUsed,
		t.CostUSD, t.ModelUsed, t.DurationSeconds, t.RetryCount, t.MaxRetries,
		t.LastFailureReason, t.RetryAfter, t.TimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the task with the exact id, without embedded collections.
func (q queries) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := q.h.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return t, nil
}

// ResolveID resolves an exact id or a unique suffix match (so "a3f8e9" and
// "8e9" both find trak-a3f8e9).
func (q queries) ResolveID(ctx context.Context, id string) (string, error) {
	var exact string
	err := q.h.QueryRowContext(ctx, `SELECT id FROM tasks WHERE id = ?`, id).Scan(&exact)
	if err == nil {
		return exact, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to resolve id %s: %w", id, err)
	}

	rows, err := q.h.QueryContext(ctx, `SELECT id FROM tasks WHERE id LIKE ? ORDER BY id`, "%"+id)
	if err != nil {
		return "", fmt.Errorf("failed to resolve id %s: %w", id, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s matches %s", ErrAmbiguousID, id, strings.Join(matches, ", "))
	}
}

// taskUpdateCols is the set of columns UpdateTask accepts.
var taskUpdateCols = map[string]bool{
	"title": true, "description": true, "status": true, "priority": true,
	"project": true, "tags": true, "blocked_by": true, "parent_id": true, "epic_id": true,
	"is_epic": true, "updated_at": true, "agent_session": true,
	"assigned_to": true, "verified_by": true, "verification_status": true,
	"created_from": true, "verify_command": true, "wip_snapshot": true,
	"autonomy": true, "budget_usd": true, "tokens_in": true, "tokens_out": true,
	"tokens_used": true, "cost_usd": true, "model_used": true,
	"duration_seconds": true, "retry_count": true, "max_retries": true,
	"last_failure_reason": true, "retry_after": true, "timeout_seconds": true,
}

// UpdateTask applies the given column updates to one task. updated_at is
// bumped automatically unless the caller supplies it.
func (q queries) UpdateTask(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = types.Now()
	}

	var sets []string
	var args []any
	for col, val := range updates {
		if !taskUpdateCols[col] {
			return fmt.Errorf("unknown task column %q", col)
		}
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	args = append(args, id)

	res, err := q.h.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteTask removes a task; journal entries, claims, cost events, and
// dependency edges cascade.
func (q queries) DeleteTask(ctx context.Context, id string) error {
	res, err := q.h.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ListFilter narrows ListTasks.
type ListFilter struct {
	Status     types.Status
	Project    string
	Tag        string
	AssignedTo string
	EpicID     string
	All        bool // include done/archived when no Status filter is given
}

// ListTasks returns tasks matching the filter, ordered by priority then age.
func (q queries) ListTasks(ctx context.Context, f ListFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	} else if !f.All {
		query += ` AND status NOT IN ('done','archived')`
	}
	if f.Project != "" {
		query += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.Tag != "" {
		// tags is comma-joined; match whole entries only
		query += ` AND (',' || tags || ',') LIKE ?`
		args = append(args, "%,"+f.Tag+",%")
	}
	if f.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, f.AssignedTo)
	}
	if f.EpicID != "" {
		query += ` AND epic_id = ?`
		args = append(args, f.EpicID)
	}
	query += ` ORDER BY priority ASC, created_at ASC`

	rows, err := q.h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReadyFilter narrows the ready-pool query.
type ReadyFilter struct {
	Project     string
	Autonomy    types.Autonomy // "" = any
	MaxPriority int            // -1 = no limit
	Now         string         // retry_after cutoff; defaults to types.Now()
	CheckBudget bool           // exclude tasks at or over their budget
}

// ReadyTasks returns tasks that are dispatchable: open, every dependency
// parent done or archived, retry backoff elapsed. Ordered by (priority asc,
// created_at asc).
func (q queries) ReadyTasks(ctx context.Context, f ReadyFilter) ([]*types.Task, error) {
	now := f.Now
	if now == "" {
		now = types.Now()
	}
	query := `
		SELECT ` + taskCols + ` FROM tasks t
		WHERE t.status = 'open'
		  AND (t.retry_after IS NULL OR t.retry_after = '' OR t.retry_after <= ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM dependencies d
		      JOIN tasks p ON p.id = d.depends_on_id
		      WHERE d.task_id = t.id AND p.status NOT IN ('done','archived')
		  )`
	args := []any{now}
	if f.Autonomy != "" {
		query += ` AND t.autonomy = ?`
		args = append(args, string(f.Autonomy))
	}
	if f.MaxPriority >= 0 {
		query += ` AND t.priority <= ?`
		args = append(args, f.MaxPriority)
	}
	if f.Project != "" {
		query += ` AND t.project = ?`
		args = append(args, f.Project)
	}
	if f.CheckBudget {
		query += ` AND (t.budget_usd IS NULL OR t.budget_usd <= 0 OR t.cost_usd < t.budget_usd)`
	}
	query += ` ORDER BY t.priority ASC, t.created_at ASC`

	rows, err := q.h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ExportTasks returns every task with journal, deps, and claims embedded,
// ordered by creation time. Used for snapshot compaction.
func (q queries) ExportTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := q.h.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to export tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range out {
		if t.Journal, err = q.Journal(ctx, t.ID); err != nil {
			return nil, err
		}
		if t.Deps, err = q.DependencyIDs(ctx, t.ID); err != nil {
			return nil, err
		}
		if t.Claims, err = q.Claims(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ClearAll empties every table. Used by the event-log rebuild path.
func (q queries) ClearAll(ctx context.Context) error {
	for _, table := range []string{"cost_events", "task_claims", "task_log", "dependencies", "tasks"} {
		if _, err := q.h.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
