package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// PendingSync is the unconfirmed intent carried by a local task.
type PendingSync string

const (
	SyncNone   PendingSync = ""
	SyncCreate PendingSync = "create"
	SyncUpdate PendingSync = "update"
	SyncDelete PendingSync = "delete"
)

// Valid reports whether p is one of the known intents (or none).
func (p PendingSync) Valid() bool {
	switch p {
	case SyncNone, SyncCreate, SyncUpdate, SyncDelete:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Task is the unit of synchronization.
type Task struct {
	ID          string      `json:"id"`
	OwnerID     *string     `json:"user_id"`
	Name        string      `json:"name"`
	StartTime   string      `json:"start_time"`
	EndTime     string      `json:"end_time"`
	Category    string      `json:"category"`
	Priority    Priority    `json:"priority"`
	Completed   bool        `json:"completed"`
	IsLate      bool        `json:"is_late"`
	CreatedAt   string      `json:"created_at"`
	PendingSync PendingSync `json:"pending_sync,omitempty"`
}

// Normalize enforces record invariants before any write.
func (t *Task) Normalize() {
	if !t.Completed {
		t.IsLate = false
	}
	t.StartTime = FormatClock(t.StartTime)
	t.EndTime = FormatClock(t.EndTime)
}

// IsPending reports whether the task carries an unconfirmed intent.
func (t Task) IsPending() bool {
	return t.PendingSync != SyncNone
}

// OwnedBy reports whether the task belongs to owner. Anonymous tasks match nobody.
func (t Task) OwnedBy(owner string) bool {
	return t.OwnerID != nil && owner != "" && *t.OwnerID == owner
}

// Owner returns the owner id or "" for anonymous tasks.
func (t Task) Owner() string {
	if t.OwnerID == nil {
		return ""
	}
	return *t.OwnerID
}

// ContentKey matches records whose ids cannot be reconciled yet.
type ContentKey struct {
	Name      string
	StartTime string
	Owner     string
}

func (t Task) ContentKey() ContentKey {
	return ContentKey{Name: t.Name, StartTime: FormatClock(t.StartTime), Owner: t.Owner()}
}

// IdempotencyKey is stable across retries of the same logical operation.
func (t Task) IdempotencyKey() string {
	return t.ID + ":" + t.CreatedAt
}

// StringPtr is a small helper for optional owner ids.
func StringPtr(s string) *string {
	return &s
}

// FormatClock trims "HH:MM:SS" to "HH:MM" and leaves anything else untouched.
func FormatClock(value string) string {
	if strings.Count(value, ":") == 2 && len(value) >= 5 {
		return value[:5]
	}
	return value
}

// MinutesSinceMidnight converts "HH:MM[:SS]" to minutes. Unparseable values sort last.
func MinutesSinceMidnight(value string) int {
	const unknown = 24 * 60
	parts := strings.Split(value, ":")
	if len(parts) < 2 {
		return unknown
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return unknown
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return unknown
	}
	return h*60 + m
}

// RemoteID accepts both JSON strings and numbers as identifiers.
type RemoteID string

func (id *RemoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RemoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = RemoteID(n.String())
	return nil
}

// RemoteTask is an authoritative snapshot as received on the wire.
// Nil fields were absent and default to the local value on merge.
type RemoteTask struct {
	ID        RemoteID  `json:"id"`
	OwnerID   *string   `json:"user_id"`
	Name      *string   `json:"name"`
	StartTime *string   `json:"start_time"`
	EndTime   *string   `json:"end_time"`
	Category  *string   `json:"category"`
	Priority  *Priority `json:"priority"`
	Completed *bool     `json:"completed"`
	IsLate    *bool     `json:"is_late"`
	CreatedAt *string   `json:"created_at"`
}

// Apply overlays the snapshot on base and returns the result with no pending intent.
// Pass a zero Task as base when there is no local record.
func (r RemoteTask) Apply(base Task) Task {
	out := base
	out.ID = string(r.ID)
	if r.OwnerID != nil {
		out.OwnerID = r.OwnerID
	}
	if r.Name != nil {
		out.Name = *r.Name
	}
	if r.StartTime != nil {
		out.StartTime = *r.StartTime
	}
	if r.EndTime != nil {
		out.EndTime = *r.EndTime
	}
	if r.Category != nil {
		out.Category = *r.Category
	}
	if r.Priority != nil {
		out.Priority = *r.Priority
	}
	if r.Completed != nil {
		out.Completed = *r.Completed
	}
	if r.IsLate != nil {
		out.IsLate = *r.IsLate
	}
	if r.CreatedAt != nil {
		out.CreatedAt = *r.CreatedAt
	}
	out.PendingSync = SyncNone
	out.Normalize()
	return out
}

// ContentKey of the snapshot; owner falls back to fallbackOwner when absent.
func (r RemoteTask) ContentKey(fallbackOwner string) ContentKey {
	key := ContentKey{Owner: fallbackOwner}
	if r.Name != nil {
		key.Name = *r.Name
	}
	if r.StartTime != nil {
		key.StartTime = FormatClock(*r.StartTime)
	}
	if r.OwnerID != nil {
		key.Owner = *r.OwnerID
	}
	return key
}

// NewRemoteTask builds a fully populated snapshot from a local task.
func NewRemoteTask(t Task) RemoteTask {
	priority := t.Priority
	completed := t.Completed
	isLate := t.IsLate
	return RemoteTask{
		ID:        RemoteID(t.ID),
		OwnerID:   t.OwnerID,
		Name:      &t.Name,
		StartTime: &t.StartTime,
		EndTime:   &t.EndTime,
		Category:  &t.Category,
		Priority:  &priority,
		Completed: &completed,
		IsLate:    &isLate,
		CreatedAt: &t.CreatedAt,
	}
}

// TaskPayload is the JSON body sent on create and update.
type TaskPayload struct {
	Name      string   `json:"name"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	Category  string   `json:"category"`
	Priority  Priority `json:"priority"`
	Completed bool     `json:"completed"`
	IsLate    bool     `json:"is_late"`
	CreatedAt string   `json:"created_at"`
	UserID    *string  `json:"user_id"`
}

func (t Task) Payload() TaskPayload {
	return TaskPayload{
		Name:      t.Name,
		StartTime: t.StartTime,
		EndTime:   t.EndTime,
		Category:  t.Category,
		Priority:  t.Priority,
		Completed: t.Completed,
		IsLate:    t.IsLate,
		CreatedAt: t.CreatedAt,
		UserID:    t.OwnerID,
	}
}
