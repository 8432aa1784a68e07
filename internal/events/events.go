package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"getitdone/internal/models"

	"github.com/rs/zerolog"
)

const (
	EventTasksChanged   = "tasks_changed"
	EventSyncCompleted  = "sync_completed"
	EventSessionChanged = "session_changed"
)

// TasksChangedPayload carries the visible task list after a change.
type TasksChangedPayload struct {
	Tasks     []models.Task `json:"tasks"`
	Count     int           `json:"count"`
	ChangedAt time.Time     `json:"changed_at"`
}

// SyncCompletedPayload summarises one reconcile and merge cycle.
type SyncCompletedPayload struct {
	OwnerID   string    `json:"owner_id"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Deleted   int       `json:"deleted"`
	Failed    int       `json:"failed"`
	Merged    bool      `json:"merged"`
	Completed time.Time `json:"completed_at"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	seq         int64
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.Lock()
	b.seq++
	event.ID = b.seq
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// BusRenderer hands the resolved task list to whoever listens on the bus.
type BusRenderer struct {
	bus    *EventBus
	logger *zerolog.Logger
}

func NewBusRenderer(bus *EventBus, logger *zerolog.Logger) *BusRenderer {
	return &BusRenderer{bus: bus, logger: logger}
}

func (r *BusRenderer) RenderTasks(_ context.Context, tasks []models.Task) {
	if tasks == nil {
		tasks = []models.Task{}
	}
	payload := TasksChangedPayload{Tasks: tasks, Count: len(tasks), ChangedAt: time.Now().UTC()}
	if err := r.bus.PublishJSON(EventTasksChanged, payload); err != nil && r.logger != nil {
		r.logger.Warn().Err(err).Msg("Failed to publish task list")
	}
}
