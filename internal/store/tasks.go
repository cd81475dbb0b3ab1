// ABOUTME: Task board persistence with conditional state transitions
// ABOUTME: available -> claimed -> in_progress -> completed, or back to available on failure

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// CreateTask inserts t as available. ID and timestamps are generated when unset.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Status = TaskAvailable

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, priority, status, created_by, assigned_to, claimed_by, context, result, error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Priority, string(t.Status), t.CreatedBy, t.AssignedTo,
		t.ClaimedBy, t.Context, t.Result, t.Error, t.Attempts,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	s.logger.Debug("created task", "task_id", t.ID, "title", t.Title)
	return nil
}

const taskColumns = `id, title, description, priority, status, created_by, assigned_to, claimed_by, context, result, error, attempts, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                Task
		status           string
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &status, &t.CreatedBy,
		&t.AssignedTo, &t.ClaimedBy, &t.Context, &t.Result, &t.Error, &t.Attempts,
		&created, &updated); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

// GetTask returns a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching f, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountActiveTasks returns how many claimed or in-progress tasks are assigned
// to agentID.
func (s *SQLiteStore) CountActiveTasks(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE assigned_to = ? AND status IN ('claimed', 'in_progress')`,
		agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active tasks: %w", err)
	}
	return n, nil
}

// transition applies a conditional update and maps "no rows" to ErrNotFound
// or ErrConflict. args bind the set placeholders, then updated_at and id,
// then the where placeholders.
func (s *SQLiteStore) transition(ctx context.Context, id, set, where string, args ...any) error {
	query := `UPDATE tasks SET ` + set + `, updated_at = ? WHERE id = ? AND ` + where
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s", ErrConflict, id)
}

// ClaimTask assigns an available task to agentID.
func (s *SQLiteStore) ClaimTask(ctx context.Context, id, agentID string) error {
	now := formatTime(time.Now())
	return s.transition(ctx, id,
		`status = 'claimed', assigned_to = ?, claimed_by = ?`,
		`status = 'available'`,
		agentID, agentID, now, id,
	)
}

// StartTask moves a task claimed by agentID to in_progress.
func (s *SQLiteStore) StartTask(ctx context.Context, id, agentID string) error {
	now := formatTime(time.Now())
	return s.transition(ctx, id,
		`status = 'in_progress'`,
		`status = 'claimed' AND claimed_by = ?`,
		now, id, agentID,
	)
}

// CompleteTask records the result of an in-progress task.
func (s *SQLiteStore) CompleteTask(ctx context.Context, id, result string) error {
	now := formatTime(time.Now())
	return s.transition(ctx, id,
		`status = 'completed', result = ?, error = ''`,
		`status = 'in_progress'`,
		result, now, id,
	)
}

// ReleaseTask returns a claimed or in-progress task to the board after a
// failure. Once attempts reach maxAttempts (when positive) the task is marked
// failed instead. Returns the resulting status.
func (s *SQLiteStore) ReleaseTask(ctx context.Context, id, errMsg string, maxAttempts int) (TaskStatus, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != TaskClaimed && t.Status != TaskInProgress {
		return t.Status, fmt.Errorf("%w: task %s is %s", ErrConflict, id, t.Status)
	}

	next := TaskAvailable
	if maxAttempts > 0 && t.Attempts+1 >= maxAttempts {
		next = TaskFailed
	}

	now := formatTime(time.Now())
	err = s.transition(ctx, id,
		`status = ?, assigned_to = '', claimed_by = '', error = ?, attempts = attempts + 1`,
		`status = ?`,
		string(next), errMsg, now, id, string(t.Status),
	)
	if err != nil {
		return "", err
	}
	return next, nil
}
