package models

import "time"

// QueueOperation names a side operation handled by the retry queue.
type QueueOperation string

const (
	OpRegisterToken   QueueOperation = "register_token"
	OpUnregisterToken QueueOperation = "unregister_token"
)

type QueuePriority string

const (
	QueuePriorityHigh   QueuePriority = "high"
	QueuePriorityNormal QueuePriority = "normal"
	QueuePriorityLow    QueuePriority = "low"
)

// Rank orders priorities; unknown values rank as normal.
func (p QueuePriority) Rank() int {
	switch p {
	case QueuePriorityHigh:
		return 3
	case QueuePriorityLow:
		return 1
	default:
		return 2
	}
}

// QueueItem is a pending side operation not yet confirmed by the remote store.
type QueueItem struct {
	ID          string         `json:"id"`
	Operation   QueueOperation `json:"operation"`
	Payload     string         `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Priority    QueuePriority  `json:"priority"`
	NextRetryAt *time.Time     `json:"next_retry_at"`
	LastError   *string        `json:"last_error"`
}

// Exhausted reports whether the item used up its attempts.
func (q QueueItem) Exhausted() bool {
	return q.MaxRetries > 0 && q.RetryCount >= q.MaxRetries
}

// Eligible reports whether the item may be attempted at now.
func (q QueueItem) Eligible(now time.Time) bool {
	return q.NextRetryAt == nil || !q.NextRetryAt.After(now)
}

// DeviceRegistration is the payload of token registration calls.
type DeviceRegistration struct {
	Token      string `json:"token"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

// QueueStats summarises the retry queue.
type QueueStats struct {
	Total       int                    `json:"total"`
	ByOperation map[QueueOperation]int `json:"by_operation"`
	ByPriority  map[QueuePriority]int  `json:"by_priority"`
	Oldest      *QueueItem             `json:"oldest_item,omitempty"`
	Newest      *QueueItem             `json:"newest_item,omitempty"`
}
