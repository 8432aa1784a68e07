package domain

import (
	"context"
	"time"

	"getitdone/internal/models"
)

// TaskStore is the local task table.
type TaskStore interface {
	PutTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetAllTasks(ctx context.Context, includePendingDeletes bool) ([]models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	DeleteTasksByOwner(ctx context.Context, ownerID *string) (int64, error)
	MarkTaskPendingDelete(ctx context.Context, id string) error
	ClearPendingSync(ctx context.Context, id string, expected models.PendingSync) (bool, error)
	ReplaceTaskID(ctx context.Context, oldID string, task *models.Task) error
	UpdateTask(ctx context.Context, id string, fn func(current *models.Task) (*models.Task, error)) (*models.Task, error)
}

type SettingsStore interface {
	SetSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (*string, error)
}

// QueueStore persists retry-queue items.
type QueueStore interface {
	CreateQueueItem(ctx context.Context, item *models.QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)
	ListQueueItems(ctx context.Context) ([]models.QueueItem, error)
	UpdateQueueItem(ctx context.Context, item *models.QueueItem) error
	DeleteQueueItem(ctx context.Context, id string) error
	DeleteQueueItemsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ClearQueue(ctx context.Context) (int64, error)
	QueueStats(ctx context.Context) (models.QueueStats, error)
}

// InFlightSet tracks ids with an outstanding write. Marks expire after ttl.
type InFlightSet interface {
	Mark(ctx context.Context, id string, ttl time.Duration) error
	Contains(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context, id string) error
}

// RemoteTasks is the authoritative task collection.
type RemoteTasks interface {
	FetchAllStrict(ctx context.Context) ([]models.RemoteTask, error)
	Create(ctx context.Context, task models.Task) (*models.RemoteTask, error)
	Update(ctx context.Context, task models.Task) (*models.RemoteTask, error)
	Delete(ctx context.Context, id, idempotencyKey string) error
	Ping(ctx context.Context) error
}

type DeviceTokens interface {
	RegisterDeviceToken(ctx context.Context, reg models.DeviceRegistration) error
	UnregisterDeviceToken(ctx context.Context, deviceID string) error
}

// Session exposes the current identity supplied by the auth collaborator.
type Session interface {
	IsAuthenticated() bool
	AccessToken() string
	OwnerID() string
}

// Renderer receives the visible task list after every change.
type Renderer interface {
	RenderTasks(ctx context.Context, tasks []models.Task)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// ChangeHandler consumes change feed events in arrival order.
type ChangeHandler func(ctx context.Context, event models.ChangeEvent)

// Subscription is a live change feed. Close is idempotent.
type Subscription interface {
	Close() error
	Done() <-chan struct{}
}

type FeedSubscriber interface {
	Subscribe(ctx context.Context, owner, token string, handler ChangeHandler) (Subscription, error)
}
