package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trakhq/trak/internal/types"
)

// ActiveClaim returns the task's active claim, or nil when unclaimed.
// A task has at most one active claim.
func (q queries) ActiveClaim(ctx context.Context, taskID string) (*types.Claim, error) {
	row := q.h.QueryRowContext(ctx, `
		SELECT agent, model, status, claimed_at, released_at FROM task_claims
		WHERE task_id = ? AND status = 'claimed'
		ORDER BY claimed_at DESC LIMIT 1`, taskID)
	var c types.Claim
	err := row.Scan(&c.Agent, &c.Model, &c.Status, &c.ClaimedAt, &c.ReleasedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load claim for %s: %w", taskID, err)
	}
	return &c, nil
}

// AddClaim records a claim. Callers check ActiveClaim first; a conflicting
// claim is a warning at the engine level, never an overwrite here.
func (q queries) AddClaim(ctx context.Context, taskID string, c types.Claim) error {
	if c.ClaimedAt == "" {
		c.ClaimedAt = types.Now()
	}
	if c.Status == "" {
		c.Status = types.ClaimActive
	}
	_, err := q.h.ExecContext(ctx, `
		INSERT INTO task_claims (task_id, agent, model, status, claimed_at, released_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, c.Agent, c.Model, c.Status, c.ClaimedAt, c.ReleasedAt)
	if err != nil {
		return fmt.Errorf("failed to record claim for %s: %w", taskID, err)
	}
	return nil
}

// ReleaseClaims marks every active claim on the task released.
func (q queries) ReleaseClaims(ctx context.Context, taskID, agent string) error {
	query := `UPDATE task_claims SET status = 'released', released_at = ? WHERE task_id = ? AND status = 'claimed'`
	args := []any{types.Now(), taskID}
	if agent != "" {
		query += ` AND agent = ?`
		args = append(args, agent)
	}
	if _, err := q.h.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release claims for %s: %w", taskID, err)
	}
	return nil
}

// Claims returns a task's full claim history in chronological order.
func (q queries) Claims(ctx context.Context, taskID string) ([]types.Claim, error) {
	rows, err := q.h.QueryContext(ctx, `
		SELECT agent, model, status, claimed_at, released_at FROM task_claims
		WHERE task_id = ? ORDER BY claimed_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load claims for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []types.Claim
	for rows.Next() {
		var c types.Claim
		if err := rows.Scan(&c.Agent, &c.Model, &c.Status, &c.ClaimedAt, &c.ReleasedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
