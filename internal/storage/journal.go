package storage

import (
	"context"
	"fmt"

	"github.com/trakhq/trak/internal/types"
)

// AddJournal appends an immutable journal entry to a task.
func (q queries) AddJournal(ctx context.Context, taskID string, e types.JournalEntry) error {
	if e.Timestamp == "" {
		e.Timestamp = types.Now()
	}
	_, err := q.h.ExecContext(ctx, `
		INSERT INTO task_log (task_id, timestamp, entry, author)
		VALUES (?, ?, ?, ?)`, taskID, e.Timestamp, e.Entry, e.Author)
	if err != nil {
		return fmt.Errorf("failed to append journal entry for %s: %w", taskID, err)
	}
	return nil
}

// Journal returns a task's journal entries in chronological order.
func (q queries) Journal(ctx context.Context, taskID string) ([]types.JournalEntry, error) {
	rows, err := q.h.QueryContext(ctx, `
		SELECT timestamp, entry, author FROM task_log
		WHERE task_id = ? ORDER BY timestamp ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []types.JournalEntry
	for rows.Next() {
		var e types.JournalEntry
		if err := rows.Scan(&e.Timestamp, &e.Entry, &e.Author); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
