package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"getitdone/internal/models"

	"github.com/google/uuid"
)

const queueColumns = `id, operation, payload, created_at, retry_count, max_retries, priority, next_retry_at, last_error`

// Highest priority first, then oldest first.
const queueOrder = ` ORDER BY CASE priority WHEN 'high' THEN 3 WHEN 'low' THEN 1 ELSE 2 END DESC, created_at ASC`

func (db *DB) CreateQueueItem(ctx context.Context, item *models.QueueItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.Priority == "" {
		item.Priority = models.QueuePriorityNormal
	}
	item.CreatedAt = item.CreatedAt.UTC()

	query := `INSERT INTO queue_items (` + queueColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		item.ID,
		item.Operation,
		item.Payload,
		item.CreatedAt,
		item.RetryCount,
		item.MaxRetries,
		item.Priority,
		utcPtr(item.NextRetryAt),
		item.LastError,
	)
	if err != nil {
		return fmt.Errorf("%w: create queue item: %v", ErrStore, err)
	}
	return nil
}

// GetQueueItem returns nil when the item does not exist.
func (db *DB) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	row := db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get queue item %s: %v", ErrStore, id, err)
	}
	return item, nil
}

// ListQueueItems returns every item in processing order.
func (db *DB) ListQueueItems(ctx context.Context) ([]models.QueueItem, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue_items`+queueOrder)
	if err != nil {
		return nil, fmt.Errorf("%w: list queue items: %v", ErrStore, err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan queue item: %v", ErrStore, err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list queue items: %v", ErrStore, err)
	}
	return items, nil
}

// UpdateQueueItem persists retry bookkeeping.
func (db *DB) UpdateQueueItem(ctx context.Context, item *models.QueueItem) error {
	query := `UPDATE queue_items SET retry_count = ?, next_retry_at = ?, last_error = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, item.RetryCount, utcPtr(item.NextRetryAt), item.LastError, item.ID); err != nil {
		return fmt.Errorf("%w: update queue item %s: %v", ErrStore, item.ID, err)
	}
	return nil
}

func (db *DB) DeleteQueueItem(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete queue item %s: %v", ErrStore, id, err)
	}
	return nil
}

// DeleteQueueItemsBefore purges items created before cutoff.
func (db *DB) DeleteQueueItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM queue_items WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: purge queue items: %v", ErrStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (db *DB) ClearQueue(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM queue_items`)
	if err != nil {
		return 0, fmt.Errorf("%w: clear queue: %v", ErrStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (db *DB) QueueStats(ctx context.Context) (models.QueueStats, error) {
	stats := models.QueueStats{
		ByOperation: map[models.QueueOperation]int{},
		ByPriority:  map[models.QueuePriority]int{},
	}

	rows, err := db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue_items ORDER BY created_at ASC`)
	if err != nil {
		return stats, fmt.Errorf("%w: queue stats: %v", ErrStore, err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return stats, fmt.Errorf("%w: scan queue item: %v", ErrStore, err)
		}
		stats.Total++
		stats.ByOperation[item.Operation]++
		stats.ByPriority[item.Priority]++
		if stats.Oldest == nil {
			stats.Oldest = item
		}
		stats.Newest = item
	}
	return stats, rows.Err()
}

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item      models.QueueItem
		operation string
		priority  string
		nextRetry sql.NullTime
		lastError sql.NullString
	)
	err := row.Scan(
		&item.ID,
		&operation,
		&item.Payload,
		&item.CreatedAt,
		&item.RetryCount,
		&item.MaxRetries,
		&priority,
		&nextRetry,
		&lastError,
	)
	if err != nil {
		return nil, err
	}
	item.Operation = models.QueueOperation(operation)
	item.Priority = models.QueuePriority(priority)
	if nextRetry.Valid {
		t := nextRetry.Time
		item.NextRetryAt = &t
	}
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	return &item, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
