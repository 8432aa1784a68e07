package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"getitdone/internal/clock"
	"getitdone/internal/database"
	"getitdone/internal/domain"
	"getitdone/internal/engine"
	"getitdone/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrInvalidTask = errors.New("invalid task")

const legacyIDPrefix = "customTask"

// Store is the local store surface the task service needs.
type Store interface {
	domain.TaskStore
	domain.SettingsStore
}

// Syncer runs best-effort sync cycles after local intents.
type Syncer interface {
	SyncNow(ctx context.Context) (engine.SyncResult, error)
	Refresh(ctx context.Context)
	ResolveID(id string) string
}

// TaskInput is a user intent to create or edit a task.
type TaskInput struct {
	Name      string          `json:"name"`
	StartTime string          `json:"start_time"`
	EndTime   string          `json:"end_time"`
	Category  string          `json:"category"`
	Priority  models.Priority `json:"priority"`
}

func (in TaskInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	for _, v := range []string{in.StartTime, in.EndTime} {
		if _, err := time.Parse("15:04", models.FormatClock(v)); err != nil {
			return fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidTask, v)
		}
	}
	if models.MinutesSinceMidnight(in.EndTime) < models.MinutesSinceMidnight(in.StartTime) {
		return fmt.Errorf("%w: end_time before start_time", ErrInvalidTask)
	}
	switch in.Priority {
	case "", models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, in.Priority)
	}
	return nil
}

// TaskService turns user intents into local writes flagged for sync.
type TaskService struct {
	store    Store
	inflight domain.InFlightSet
	session  domain.Session
	syncer   Syncer
	clock    clock.Clock
	wg       sync.WaitGroup
	logger   *zerolog.Logger
}

func NewTaskService(store Store, inflight domain.InFlightSet, session domain.Session, syncer Syncer, c clock.Clock, logger *zerolog.Logger) *TaskService {
	if c == nil {
		c = clock.Real{}
	}
	l := logger.With().Str("component", "task_service").Logger()
	return &TaskService{
		store:    store,
		inflight: inflight,
		session:  session,
		syncer:   syncer,
		clock:    c,
		logger:   &l,
	}
}

// visible reports whether t belongs to the current identity.
func (s *TaskService) visible(t *models.Task) bool {
	if s.session.IsAuthenticated() {
		return t.OwnedBy(s.session.OwnerID())
	}
	return t.OwnerID == nil
}

// List returns the current identity's tasks sorted by start time.
func (s *TaskService) List(ctx context.Context, includePendingDeletes bool) ([]models.Task, error) {
	all, err := s.store.GetAllTasks(ctx, includePendingDeletes)
	if err != nil {
		return nil, err
	}
	out := make([]models.Task, 0, len(all))
	for i := range all {
		if s.visible(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Get returns a visible task, following temp to canonical remaps.
func (s *TaskService) Get(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.store.GetTask(ctx, s.resolve(ctx, id))
	if err != nil {
		return nil, err
	}
	if t == nil || !s.visible(t) || t.PendingSync == models.SyncDelete {
		return nil, database.ErrTaskNotFound
	}
	return t, nil
}

func (s *TaskService) resolve(ctx context.Context, id string) string {
	if s.syncer == nil {
		return id
	}
	if t, err := s.store.GetTask(ctx, id); err == nil && t != nil {
		return id
	}
	if canonical := s.syncer.ResolveID(id); canonical != "" {
		return canonical
	}
	return id
}

// Create stores a new task under a temp id. Signed-in tasks are flagged
// for creation on the remote store; guest tasks stay local.
func (s *TaskService) Create(ctx context.Context, in TaskInput) (*models.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	t := &models.Task{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Category:  in.Category,
		Priority:  in.Priority,
		CreatedAt: s.clock.Now().Format("2006-01-02"),
	}
	if t.Priority == "" {
		t.Priority = models.PriorityMedium
	}
	if s.session.IsAuthenticated() {
		t.OwnerID = models.StringPtr(s.session.OwnerID())
		t.PendingSync = models.SyncCreate
	}
	if err := s.store.PutTask(ctx, t); err != nil {
		return nil, err
	}
	if err := s.store.SetSetting(ctx, models.SettingUserHasCreatedTasks, "true"); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record first task")
	}

	s.logger.Info().Str("id", t.ID).Str("pending_sync", string(t.PendingSync)).Msg("Task created")
	s.afterIntent()
	return t, nil
}

// Edit replaces the editable fields of a task.
func (s *TaskService) Edit(ctx context.Context, id string, in TaskInput) (*models.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(t *models.Task) error {
		t.Name = strings.TrimSpace(in.Name)
		t.StartTime = in.StartTime
		t.EndTime = in.EndTime
		t.Category = in.Category
		if in.Priority != "" {
			t.Priority = in.Priority
		}
		return nil
	})
}

// ToggleComplete flips completion. Uncompleting clears the late flag.
func (s *TaskService) ToggleComplete(ctx context.Context, id string) (*models.Task, error) {
	return s.mutate(ctx, id, func(t *models.Task) error {
		t.Completed = !t.Completed
		if !t.Completed {
			t.IsLate = false
		}
		return nil
	})
}

// SetLate overrides the late flag of a completed task.
func (s *TaskService) SetLate(ctx context.Context, id string, late bool) (*models.Task, error) {
	return s.mutate(ctx, id, func(t *models.Task) error {
		if late && !t.Completed {
			return fmt.Errorf("%w: only completed tasks can be late", ErrInvalidTask)
		}
		t.IsLate = late
		return nil
	})
}

func (s *TaskService) mutate(ctx context.Context, id string, fn func(t *models.Task) error) (*models.Task, error) {
	id = s.resolve(ctx, id)
	authed := s.session.IsAuthenticated()

	t, err := s.store.UpdateTask(ctx, id, func(cur *models.Task) (*models.Task, error) {
		if cur == nil || !s.visible(cur) || cur.PendingSync == models.SyncDelete {
			return nil, database.ErrTaskNotFound
		}
		next := *cur
		if err := fn(&next); err != nil {
			return nil, err
		}
		if authed && next.PendingSync == models.SyncNone {
			next.PendingSync = models.SyncUpdate
		}
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	s.afterIntent()
	return t, nil
}

// Delete removes a guest task or a never-synced create locally, and flags
// anything else for remote deletion.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	id = s.resolve(ctx, id)
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil || !s.visible(t) || t.PendingSync == models.SyncDelete {
		return database.ErrTaskNotFound
	}

	local := !s.session.IsAuthenticated()
	if t.PendingSync == models.SyncCreate {
		busy, err := s.inflight.Contains(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("In-flight check failed")
			busy = true
		}
		local = !busy
	}

	if local {
		if err := s.store.DeleteTask(ctx, id); err != nil {
			return err
		}
		s.logger.Info().Str("id", id).Msg("Task deleted locally")
		if s.syncer != nil {
			s.syncer.Refresh(ctx)
		}
		return nil
	}

	if err := s.store.MarkTaskPendingDelete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("id", id).Msg("Task marked for deletion")
	s.afterIntent()
	return nil
}

// NormalizeGuestTasks clears sync intents left on anonymous tasks.
func (s *TaskService) NormalizeGuestTasks(ctx context.Context) (int, error) {
	all, err := s.store.GetAllTasks(ctx, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range all {
		if t.OwnerID != nil || !t.IsPending() {
			continue
		}
		if t.PendingSync == models.SyncDelete {
			err = s.store.DeleteTask(ctx, t.ID)
		} else {
			_, err = s.store.ClearPendingSync(ctx, t.ID, t.PendingSync)
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Info().Int("tasks", n).Msg("Normalized guest tasks")
	}
	return n, nil
}

// RekeyLegacyTasks gives uuid ids to tasks of owner still carrying the old
// sequential ids and flags them for update.
func (s *TaskService) RekeyLegacyTasks(ctx context.Context, owner string) (int, error) {
	all, err := s.store.GetAllTasks(ctx, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range all {
		if !t.OwnedBy(owner) || !strings.HasPrefix(t.ID, legacyIDPrefix) {
			continue
		}
		next := t
		next.ID = uuid.NewString()
		next.PendingSync = models.SyncUpdate
		if err := s.store.ReplaceTaskID(ctx, t.ID, &next); err != nil {
			return n, err
		}
		s.logger.Info().Str("legacy_id", t.ID).Str("id", next.ID).Msg("Re-keyed legacy task")
		n++
	}
	return n, nil
}

// afterIntent starts a best-effort sync and re-renders.
func (s *TaskService) afterIntent() {
	if s.syncer == nil {
		return
	}
	if !s.session.IsAuthenticated() {
		s.syncer.Refresh(context.Background())
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.syncer.SyncNow(context.Background()); err != nil {
			s.logger.Debug().Err(err).Msg("Background sync failed")
		}
	}()
}

// Wait blocks until background syncs started by intents finish.
func (s *TaskService) Wait() {
	s.wg.Wait()
}
