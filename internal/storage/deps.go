package storage

import (
	"context"
	"fmt"

	"github.com/trakhq/trak/internal/types"
)

// ErrDuplicateDep marks an edge that already exists. Callers treat this as a
// warning, not an error.
var ErrDuplicateDep = fmt.Errorf("dependency already exists")

// AddDependency inserts the edge (taskID depends on dependsOnID). Both
// endpoints must exist; self-dependencies are rejected.
func (q queries) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return fmt.Errorf("task %s cannot depend on itself", taskID)
	}
	for _, id := range []string{taskID, dependsOnID} {
		var n int
		if err := q.h.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&n); err != nil {
			return fmt.Errorf("failed to check task %s: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	res, err := q.h.ExecContext(ctx, `
		INSERT OR IGNORE INTO dependencies (task_id, depends_on_id, created_at)
		VALUES (?, ?, ?)`, taskID, dependsOnID, types.Now())
	if err != nil {
		return fmt.Errorf("failed to add dependency %s -> %s: %w", taskID, dependsOnID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrDuplicateDep, taskID, dependsOnID)
	}
	return nil
}

// RemoveDependency deletes the edge. Removing a missing edge is not an error;
// the bool reports whether anything was deleted.
func (q queries) RemoveDependency(ctx context.Context, taskID, dependsOnID string) (bool, error) {
	res, err := q.h.ExecContext(ctx, `
		DELETE FROM dependencies WHERE task_id = ? AND depends_on_id = ?`, taskID, dependsOnID)
	if err != nil {
		return false, fmt.Errorf("failed to remove dependency %s -> %s: %w", taskID, dependsOnID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DependencyIDs returns the ids this task depends on, sorted.
func (q queries) DependencyIDs(ctx context.Context, taskID string) ([]string, error) {
	return q.idColumn(ctx, `SELECT depends_on_id FROM dependencies WHERE task_id = ? ORDER BY depends_on_id`, taskID)
}

// DependentIDs returns the ids that depend on this task, sorted.
func (q queries) DependentIDs(ctx context.Context, taskID string) ([]string, error) {
	return q.idColumn(ctx, `SELECT task_id FROM dependencies WHERE depends_on_id = ? ORDER BY task_id`, taskID)
}

func (q queries) idColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AllDependencies returns the full edge set as child -> parents.
func (q queries) AllDependencies(ctx context.Context) (map[string][]string, error) {
	rows, err := q.h.QueryContext(ctx, `SELECT task_id, depends_on_id FROM dependencies`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var child, parent string
		if err := rows.Scan(&child, &parent); err != nil {
			return nil, err
		}
		out[child] = append(out[child], parent)
	}
	return out, rows.Err()
}

// IncompleteParents returns dependency parents of taskID not yet done or
// archived.
func (q queries) IncompleteParents(ctx context.Context, taskID string) ([]string, error) {
	return q.idColumn(ctx, `
		SELECT p.id FROM dependencies d
		JOIN tasks p ON p.id = d.depends_on_id
		WHERE d.task_id = ? AND p.status NOT IN ('done','archived')
		ORDER BY p.id`, taskID)
}

// UnblockedByClose returns auto tasks whose dependency parents are now all
// complete, given that closedID just completed. Informational only.
func (q queries) UnblockedByClose(ctx context.Context, closedID string) ([]*types.Task, error) {
	rows, err := q.h.QueryContext(ctx, `
		SELECT `+qualifiedTaskCols("t")+` FROM tasks t
		JOIN dependencies d ON d.task_id = t.id AND d.depends_on_id = ?
		WHERE t.status = 'open' AND t.autonomy = 'auto'
		  AND NOT EXISTS (
		      SELECT 1 FROM dependencies d2
		      JOIN tasks p ON p.id = d2.depends_on_id
		      WHERE d2.task_id = t.id AND p.status NOT IN ('done','archived')
		  )
		ORDER BY t.priority ASC, t.created_at ASC`, closedID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unblocked tasks: %w", err)
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
