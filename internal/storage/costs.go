package storage

import (
	"context"
	"fmt"

	"github.com/trakhq/trak/internal/types"
)

// InsertCostEvent records one priced operation and bumps the parent task's
// cumulative cost/token/duration counters in the same statement batch. Run
// inside a transaction (the cost engine does).
func (q queries) InsertCostEvent(ctx context.Context, ev types.CostEvent) error {
	if ev.Timestamp == "" {
		ev.Timestamp = types.Now()
	}
	_, err := q.h.ExecContext(ctx, `
		INSERT INTO cost_events (task_id, timestamp, model, tokens_in, tokens_out,
			cost_usd, duration_seconds, agent, operation, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, ev.Timestamp, ev.Model, ev.TokensIn, ev.TokensOut,
		ev.CostUSD, ev.DurationSeconds, ev.Agent, ev.Operation, ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to insert cost event for %s: %w", ev.TaskID, err)
	}

	query := `
		UPDATE tasks SET
			cost_usd = cost_usd + ?,
			tokens_in = tokens_in + ?,
			tokens_out = tokens_out + ?,
			tokens_used = tokens_used + ?,
			duration_seconds = duration_seconds + ?,
			updated_at = ?`
	args := []any{ev.CostUSD, ev.TokensIn, ev.TokensOut, ev.TokensIn + ev.TokensOut, ev.DurationSeconds, types.Now()}
	if ev.Model != "" {
		query += `, model_used = ?`
		args = append(args, ev.Model)
	}
	query += ` WHERE id = ?`
	args = append(args, ev.TaskID)

	res, err := q.h.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to accumulate cost for %s: %w", ev.TaskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ev.TaskID)
	}
	return nil
}

// CostEvents returns a task's cost events in chronological order.
func (q queries) CostEvents(ctx context.Context, taskID string) ([]types.CostEvent, error) {
	rows, err := q.h.QueryContext(ctx, `
		SELECT task_id, timestamp, model, tokens_in, tokens_out, cost_usd,
			duration_seconds, agent, operation, metadata
		FROM cost_events WHERE task_id = ? ORDER BY timestamp ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost events for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []types.CostEvent
	for rows.Next() {
		var ev types.CostEvent
		if err := rows.Scan(&ev.TaskID, &ev.Timestamp, &ev.Model, &ev.TokensIn, &ev.TokensOut,
			&ev.CostUSD, &ev.DurationSeconds, &ev.Agent, &ev.Operation, &ev.Metadata); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
