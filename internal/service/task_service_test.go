package service

import (
	"context"
	"io"
	"testing"
	"time"

	"getitdone/internal/auth"
	"getitdone/internal/clock"
	"getitdone/internal/database"
	"getitdone/internal/engine"
	"getitdone/internal/models"
	"getitdone/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) SyncNow(ctx context.Context) (engine.SyncResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(engine.SyncResult), args.Error(1)
}

func (m *mockSyncer) Refresh(ctx context.Context) {
	m.Called(ctx)
}

func (m *mockSyncer) ResolveID(id string) string {
	return m.Called(id).String(0)
}

type serviceFixture struct {
	svc      *TaskService
	db       *database.DB
	session  *auth.Session
	syncer   *mockSyncer
	inflight *repository.MemoryInFlightSet
}

func newServiceFixture(t *testing.T, ownerID string) *serviceFixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fake := clock.NewFake(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	session := auth.NewSession(ownerID, "")
	if ownerID != "" {
		session.Set(ownerID, "token")
	}
	syncer := &mockSyncer{}
	syncer.On("SyncNow", mock.Anything).Return(engine.SyncResult{}, nil).Maybe()
	syncer.On("Refresh", mock.Anything).Return().Maybe()
	syncer.On("ResolveID", mock.Anything).Return("").Maybe()

	inflight := repository.NewMemoryInFlightSet(fake)
	return &serviceFixture{
		svc:      NewTaskService(db, inflight, session, syncer, fake, &logger),
		db:       db,
		session:  session,
		syncer:   syncer,
		inflight: inflight,
	}
}

func validInput(name, start string) TaskInput {
	return TaskInput{Name: name, StartTime: start, EndTime: "23:00", Category: "work", Priority: models.PriorityHigh}
}

func TestCreate_SignedIn(t *testing.T) {
	f := newServiceFixture(t, "u1")
	ctx := context.Background()

	created, err := f.svc.Create(ctx, validInput("Write report", "09:00"))
	require.NoError(t, err)
	f.svc.Wait()

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.SyncCreate, created.PendingSync)
	assert.Equal(t, "u1", created.Owner())
	assert.Equal(t, "2024-05-01", created.CreatedAt)
	f.syncer.AssertCalled(t, "SyncNow", mock.Anything)

	flag, err := f.db.GetSetting(ctx, models.SettingUserHasCreatedTasks)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.Equal(t, "true", *flag)
}

func TestCreate_Guest(t *testing.T) {
	f := newServiceFixture(t, "")

	created, err := f.svc.Create(context.Background(), validInput("Walk", "07:00"))
	require.NoError(t, err)
	f.svc.Wait()

	assert.Nil(t, created.OwnerID)
	assert.Equal(t, models.SyncNone, created.PendingSync)
	f.syncer.AssertNotCalled(t, "SyncNow", mock.Anything)
	f.syncer.AssertCalled(t, "Refresh", mock.Anything)
}

func TestCreate_Validation(t *testing.T) {
	f := newServiceFixture(t, "u1")
	tests := []struct {
		name string
		in   TaskInput
	}{
		{"empty name", TaskInput{Name: " ", StartTime: "09:00", EndTime: "10:00"}},
		{"bad start", TaskInput{Name: "x", StartTime: "9am", EndTime: "10:00"}},
		{"end before start", TaskInput{Name: "x", StartTime: "11:00", EndTime: "10:00"}},
		{"unknown priority", TaskInput{Name: "x", StartTime: "09:00", EndTime: "10:00", Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
}

func TestEdit_KeepsExistingIntent(t *testing.T) {
	f := newServiceFixture(t, "u1")
	ctx := context.Background()

	created, err := f.svc.Create(ctx, validInput("Draft", "09:00"))
	require.NoError(t, err)

	edited, err := f.svc.Edit(ctx, created.ID, validInput("Final", "09:15"))
	require.NoError(t, err)
	assert.Equal(t, "Final", edited.Name)
	assert.Equal(t, models.SyncCreate, edited.PendingSync)

	synced := models.Task{ID: "srv1", OwnerID: models.StringPtr("u1"), Name: "Synced", StartTime: "10:00", EndTime: "11:00", CreatedAt: "2024-05-01"}
	require.NoError(t, f.db.PutTask(ctx, &synced))
	edited, err = f.svc.Edit(ctx, "srv1", validInput("Synced edit", "10:00"))
	require.NoError(t, err)
	assert.Equal(t, models.SyncUpdate, edited.PendingSync)
	f.svc.Wait()
}

func TestToggleCompleteAndLate(t *testing.T) {
	f := newServiceFixture(t, "u1")
	ctx := context.Background()
	synced := models.Task{ID: "srv1", OwnerID: models.StringPtr("u1"), Name: "Gym", StartTime: "18:00", EndTime: "19:00", CreatedAt: "2024-05-01"}
	require.NoError(t, f.db.PutTask(ctx, &synced))

	_, err := f.svc.SetLate(ctx, "srv1", true)
	assert.ErrorIs(t, err, ErrInvalidTask)

	done, err := f.svc.ToggleComplete(ctx, "srv1")
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Equal(t, models.SyncUpdate, done.PendingSync)

	late, err := f.svc.SetLate(ctx, "srv1", true)
	require.NoError(t, err)
	assert.True(t, late.IsLate)

	undone, err := f.svc.ToggleComplete(ctx, "srv1")
	require.NoError(t, err)
	assert.False(t, undone.Completed)
	assert.False(t, undone.IsLate, "late requires completed")
	f.svc.Wait()
}

func TestDelete(t *testing.T) {
	f := newServiceFixture(t, "u1")
	ctx := context.Background()

	synced := models.Task{ID: "5", OwnerID: models.StringPtr("u1"), Name: "Gym", StartTime: "18:00", EndTime: "19:00", CreatedAt: "2024-05-01"}
	require.NoError(t, f.db.PutTask(ctx, &synced))
	require.NoError(t, f.svc.Delete(ctx, "5"))

	got, err := f.db.GetTask(ctx, "5")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SyncDelete, got.PendingSync)

	visible, err := f.svc.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	assert.ErrorIs(t, f.svc.Delete(ctx, "5"), database.ErrTaskNotFound)

	// A create that never reached the server is dropped locally.
	created, err := f.svc.Create(ctx, validInput("Never synced", "09:00"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, created.ID))
	got, err = f.db.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Unless it is being written right now.
	inFlight, err := f.svc.Create(ctx, validInput("In flight", "10:00"))
	require.NoError(t, err)
	require.NoError(t, f.inflight.Mark(ctx, inFlight.ID, 8*time.Second))
	require.NoError(t, f.svc.Delete(ctx, inFlight.ID))
	got, err = f.db.GetTask(ctx, inFlight.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SyncDelete, got.PendingSync)
	f.svc.Wait()
}

func TestOtherOwnersTasksInvisible(t *testing.T) {
	f := newServiceFixture(t, "u1")
	ctx := context.Background()
	foreign := models.Task{ID: "x", OwnerID: models.StringPtr("u2"), Name: "Theirs", StartTime: "09:00", EndTime: "10:00"}
	require.NoError(t, f.db.PutTask(ctx, &foreign))

	_, err := f.svc.Get(ctx, "x")
	assert.ErrorIs(t, err, database.ErrTaskNotFound)
	_, err = f.svc.ToggleComplete(ctx, "x")
	assert.ErrorIs(t, err, database.ErrTaskNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, "x"), database.ErrTaskNotFound)
}

func TestGetFollowsRemap(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	defer db.Close()

	syncer := &mockSyncer{}
	syncer.On("ResolveID", "tmp1").Return("srv42")
	svc := NewTaskService(db, repository.NewMemoryInFlightSet(nil), auth.NewSession("u1", "token"), syncer, nil, &logger)

	ctx := context.Background()
	stored := models.Task{ID: "srv42", OwnerID: models.StringPtr("u1"), Name: "Write report", StartTime: "09:00", EndTime: "10:00"}
	require.NoError(t, db.PutTask(ctx, &stored))

	got, err := svc.Get(ctx, "tmp1")
	require.NoError(t, err)
	assert.Equal(t, "srv42", got.ID)
	syncer.AssertExpectations(t)
}

func TestNormalizeGuestTasks(t *testing.T) {
	f := newServiceFixture(t, "")
	ctx := context.Background()
	for _, task := range []models.Task{
		{ID: "g1", Name: "A", StartTime: "09:00", PendingSync: models.SyncCreate},
		{ID: "g2", Name: "B", StartTime: "10:00", PendingSync: models.SyncDelete},
		{ID: "g3", Name: "C", StartTime: "11:00"},
		{ID: "u", OwnerID: models.StringPtr("u1"), Name: "D", StartTime: "12:00", PendingSync: models.SyncUpdate},
	} {
		task := task
		require.NoError(t, f.db.PutTask(ctx, &task))
	}

	n, err := f.svc.NormalizeGuestTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	g1, _ := f.db.GetTask(ctx, "g1")
	assert.Equal(t, models.SyncNone, g1.PendingSync)
	g2, _ := f.db.GetTask(ctx, "g2")
	assert.Nil(t, g2)
	u, _ := f.db.GetTask(ctx, "u")
	assert.Equal(t, models.SyncUpdate, u.PendingSync)
}

func TestRekeyLegacyTasks(t *testing.T) {
	f := newServiceFixture(t, "u1")
	ctx := context.Background()
	legacy := models.Task{ID: "customTask3", OwnerID: models.StringPtr("u1"), Name: "Old", StartTime: "09:00"}
	require.NoError(t, f.db.PutTask(ctx, &legacy))
	modern := models.Task{ID: "srv1", OwnerID: models.StringPtr("u1"), Name: "New", StartTime: "10:00"}
	require.NoError(t, f.db.PutTask(ctx, &modern))

	n, err := f.svc.RekeyLegacyTasks(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, err := f.db.GetTask(ctx, "customTask3")
	require.NoError(t, err)
	assert.Nil(t, gone)

	all, err := f.svc.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Old", all[0].Name)
	assert.Len(t, all[0].ID, 36)
	assert.Equal(t, models.SyncUpdate, all[0].PendingSync)
}
