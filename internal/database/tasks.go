package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"getitdone/internal/models"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, owner_id, name, start_time, end_time, category, priority, completed, is_late, created_at, pending_sync`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PutTask inserts or replaces a task by id. A replaced task keeps its insertion position.
func (db *DB) PutTask(ctx context.Context, task *models.Task) error {
	if err := putTask(ctx, db.DB, task); err != nil {
		return err
	}
	return nil
}

func putTask(ctx context.Context, q execer, task *models.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if !task.PendingSync.Valid() {
		return fmt.Errorf("invalid pending_sync %q", task.PendingSync)
	}
	task.Normalize()

	query := `
        INSERT INTO tasks (` + taskColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            owner_id = excluded.owner_id,
            name = excluded.name,
            start_time = excluded.start_time,
            end_time = excluded.end_time,
            category = excluded.category,
            priority = excluded.priority,
            completed = excluded.completed,
            is_late = excluded.is_late,
            created_at = excluded.created_at,
            pending_sync = excluded.pending_sync
    `
	_, err := q.ExecContext(ctx, query,
		task.ID,
		task.OwnerID,
		task.Name,
		task.StartTime,
		task.EndTime,
		task.Category,
		task.Priority,
		task.Completed,
		task.IsLate,
		task.CreatedAt,
		task.PendingSync,
	)
	if err != nil {
		return fmt.Errorf("%w: put task %s: %v", ErrStore, task.ID, err)
	}
	return nil
}

// GetTask returns the task with id, or nil when absent.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, db.DB, id)
}

func getTask(ctx context.Context, q execer, id string) (*models.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get task %s: %v", ErrStore, id, err)
	}
	return task, nil
}

// GetAllTasks returns tasks ordered by start time, ties by insertion order.
// Pending deletes are included only when includePendingDeletes is set.
func (db *DB) GetAllTasks(ctx context.Context, includePendingDeletes bool) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if !includePendingDeletes {
		query += ` WHERE pending_sync != 'delete'`
	}
	query += ` ORDER BY seq ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", ErrStore, err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan task: %v", ErrStore, err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", ErrStore, err)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return models.MinutesSinceMidnight(tasks[i].StartTime) < models.MinutesSinceMidnight(tasks[j].StartTime)
	})
	return tasks, nil
}

// DeleteTask removes a task by id. Absent ids are not an error.
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete task %s: %v", ErrStore, id, err)
	}
	return nil
}

// DeleteTasksByOwner removes every task of ownerID. Anonymous tasks are never
// matched and a nil or empty owner is a no-op.
func (db *DB) DeleteTasksByOwner(ctx context.Context, ownerID *string) (int64, error) {
	if ownerID == nil || *ownerID == "" {
		return 0, nil
	}
	res, err := db.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id IS NOT NULL AND owner_id = ?`, *ownerID)
	if err != nil {
		return 0, fmt.Errorf("%w: delete tasks of owner: %v", ErrStore, err)
	}
	n, _ := res.RowsAffected()
	db.logger.Debug().Str("owner_id", *ownerID).Int64("deleted", n).Msg("Deleted tasks by owner")
	return n, nil
}

// MarkTaskPendingDelete flags a task so it is hidden until the remote delete is confirmed.
func (db *DB) MarkTaskPendingDelete(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE tasks SET pending_sync = 'delete' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: mark pending delete %s: %v", ErrStore, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ClearPendingSync drops the intent of a task if it still equals expected.
// It reports whether a row changed.
func (db *DB) ClearPendingSync(ctx context.Context, id string, expected models.PendingSync) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET pending_sync = '' WHERE id = ? AND pending_sync = ?`, id, expected)
	if err != nil {
		return false, fmt.Errorf("%w: clear pending sync %s: %v", ErrStore, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReplaceTaskID atomically removes oldID and stores task under its own id.
func (db *DB) ReplaceTaskID(ctx context.Context, oldID string, task *models.Task) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("%w: remove %s: %v", ErrStore, oldID, err)
		}
		return putTask(ctx, tx, task)
	})
}

// UpdateTask runs a read-modify-write on one task inside a transaction.
// fn receives nil when the task is absent; returning nil leaves the row untouched.
func (db *DB) UpdateTask(ctx context.Context, id string, fn func(current *models.Task) (*models.Task, error)) (*models.Task, error) {
	var result *models.Task
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}
		if next.ID != id {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("%w: remove %s: %v", ErrStore, id, err)
			}
		}
		if err := putTask(ctx, tx, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task     models.Task
		ownerID  sql.NullString
		priority string
		pending  string
	)
	err := row.Scan(
		&task.ID,
		&ownerID,
		&task.Name,
		&task.StartTime,
		&task.EndTime,
		&task.Category,
		&priority,
		&task.Completed,
		&task.IsLate,
		&task.CreatedAt,
		&pending,
	)
	if err != nil {
		return nil, err
	}
	if ownerID.Valid {
		task.OwnerID = &ownerID.String
	}
	task.Priority = models.Priority(priority)
	task.PendingSync = models.PendingSync(pending)
	task.StartTime = models.FormatClock(task.StartTime)
	task.EndTime = models.FormatClock(task.EndTime)
	return &task, nil
}
