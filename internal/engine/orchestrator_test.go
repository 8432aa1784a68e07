package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"getitdone/internal/config"
	"getitdone/internal/events"
	"getitdone/internal/models"
	"getitdone/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, f *fixture, r *recordingRenderer, bus *events.EventBus, queue *worker.QueueWorker) *Orchestrator {
	t.Helper()
	deps := Deps{
		Store:    f.db,
		Remote:   f.remote,
		InFlight: f.inflight,
		Echoes:   f.echoes,
		Session:  f.session,
		Queue:    queue,
		Policy:   worker.RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2},
	}
	if r != nil {
		deps.Renderer = r
	}
	if bus != nil {
		deps.Events = bus
	}
	return NewOrchestrator(deps, config.SyncConfig{
		Interval:             time.Hour,
		ProbeInterval:        time.Hour,
		HousekeepingInterval: time.Hour,
		InFlightTTL:          8 * time.Second,
	}, &testLogger)
}

func TestOrchestrator_ReconnectPushesThenPulls(t *testing.T) {
	f := newFixture(t)
	r := &recordingRenderer{}
	o := newTestOrchestrator(t, f, r, nil, nil)
	ctx := context.Background()

	o.SetOnline(ctx, false)
	f.remote.seed(task("srvA", "From another device", "07:00", models.SyncNone))
	f.put(t, task("tmp1", "Write report", "09:00", models.SyncCreate))
	f.put(t, task("old", "Deleted remotely", "10:00", models.SyncNone))

	res, err := o.SyncNow(ctx)
	require.NoError(t, err)
	assert.True(t, res.Pass.Skipped)

	o.SetOnline(ctx, true)

	all := f.all(t, true)
	assert.Len(t, all, 2)
	assert.Equal(t, "srvA", all[0].ID)
	assert.Equal(t, "Write report", all[1].Name)
	assert.NotEqual(t, "tmp1", all[1].ID)
	assert.Equal(t, models.SyncNone, all[1].PendingSync)
	assert.Nil(t, f.get(t, "old"))

	assert.Equal(t, 2, f.remote.count())
	require.Positive(t, r.count())
	assert.Len(t, r.last(), 2)

	last, err := f.db.GetSetting(ctx, models.SettingLastSyncAt)
	require.NoError(t, err)
	require.NotNil(t, last)
}

func TestOrchestrator_DeleteDoesNotReappearAfterPull(t *testing.T) {
	f := newFixture(t)
	o := newTestOrchestrator(t, f, &recordingRenderer{}, nil, nil)
	ctx := context.Background()

	synced := task("5", "Gym", "18:00", models.SyncNone)
	f.remote.seed(synced)
	f.put(t, synced)
	require.NoError(t, f.db.MarkTaskPendingDelete(ctx, "5"))

	_, err := o.SyncNow(ctx)
	require.NoError(t, err)

	assert.Nil(t, f.get(t, "5"))
	assert.Zero(t, f.remote.count())
}

func TestOrchestrator_FetchFailureSkipsMerge(t *testing.T) {
	f := newFixture(t)
	o := newTestOrchestrator(t, f, &recordingRenderer{}, nil, nil)
	f.put(t, task("srv1", "Only local", "09:00", models.SyncNone))
	f.remote.fetchErr = errors.New("timeout")

	res, err := o.SyncNow(context.Background())
	require.Error(t, err)
	assert.False(t, res.Merged)
	assert.NotNil(t, f.get(t, "srv1"), "failed fetch must not garbage collect")
}

func TestOrchestrator_OverlappingSyncIsDropped(t *testing.T) {
	f := newFixture(t)
	o := newTestOrchestrator(t, f, &recordingRenderer{}, nil, nil)
	ctx := context.Background()
	f.remote.fetchEntered = make(chan struct{}, 1)
	f.remote.fetchBlock = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := o.SyncNow(ctx)
		first <- err
	}()
	<-f.remote.fetchEntered

	// Created while the first cycle holds a snapshot without it.
	f.put(t, task("tmpB", "Added mid-sync", "11:00", models.SyncCreate))
	res, err := o.SyncNow(ctx)
	require.NoError(t, err)
	assert.True(t, res.Pass.Skipped)
	assert.Equal(t, SkipAlreadyRunning, res.Pass.SkipReason)
	assert.Zero(t, f.remote.count())

	close(f.remote.fetchBlock)
	require.NoError(t, <-first)
	require.NotNil(t, f.get(t, "tmpB"))

	res, err = o.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pass.Created)
	all := f.all(t, true)
	require.Len(t, all, 1)
	assert.Equal(t, res.Pass.Remapped["tmpB"], all[0].ID)
	assert.Equal(t, 1, f.remote.count())
}

func TestOrchestrator_PublishesSyncCompleted(t *testing.T) {
	f := newFixture(t)
	bus := events.NewEventBus()
	var got int
	bus.Subscribe(events.EventSyncCompleted, func(*events.Event) error {
		got++
		return nil
	})
	o := newTestOrchestrator(t, f, nil, bus, nil)

	_, err := o.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestOrchestrator_SignInSwitchPurgesPreviousOwner(t *testing.T) {
	f := newFixture(t)
	o := newTestOrchestrator(t, f, &recordingRenderer{}, nil, nil)
	ctx := context.Background()
	f.session.Clear()

	f.put(t, task("mine", "Mine", "09:00", models.SyncNone))
	guest := task("guest", "Guest", "10:00", models.SyncNone)
	guest.OwnerID = nil
	f.put(t, guest)
	require.NoError(t, f.db.SetSetting(ctx, models.SettingOwnerID, owner))

	var hooked string
	o.OnSignIn(func(_ context.Context, who string) error {
		hooked = who
		return nil
	})

	o.SetOnline(ctx, false)
	require.NoError(t, o.SignIn(ctx, "u2", "token2"))

	assert.Equal(t, "u2", hooked)
	assert.Nil(t, f.get(t, "mine"))
	assert.NotNil(t, f.get(t, "guest"))
	assert.Equal(t, "u2", o.Session().OwnerID())

	stored, err := f.db.GetSetting(ctx, models.SettingOwnerID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "u2", *stored)
}

func TestOrchestrator_SignInSameOwnerKeepsRows(t *testing.T) {
	f := newFixture(t)
	o := newTestOrchestrator(t, f, &recordingRenderer{}, nil, nil)
	ctx := context.Background()
	o.SetOnline(ctx, false)
	f.put(t, task("mine", "Mine", "09:00", models.SyncCreate))

	require.NoError(t, o.SignIn(ctx, owner, "fresh"))
	assert.NotNil(t, f.get(t, "mine"))

	assert.Error(t, o.SignIn(ctx, "", "token"))
}

func TestOrchestrator_SignOutRendersGuestList(t *testing.T) {
	f := newFixture(t)
	r := &recordingRenderer{}
	o := newTestOrchestrator(t, f, r, nil, nil)
	f.put(t, task("mine", "Mine", "09:00", models.SyncNone))
	guest := task("guest", "Guest", "10:00", models.SyncNone)
	guest.OwnerID = nil
	f.put(t, guest)

	o.SignOut(context.Background())

	assert.False(t, f.session.IsAuthenticated())
	assert.Equal(t, []string{"guest"}, ids(r.last()))
}

func TestOrchestrator_ResolveID(t *testing.T) {
	f := newFixture(t)
	f.remote.assign = []string{"srv42"}
	o := newTestOrchestrator(t, f, nil, nil, nil)
	f.put(t, task("tmp1", "Write report", "09:00", models.SyncCreate))

	_, err := o.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "srv42", o.ResolveID("tmp1"))
	assert.Equal(t, "other", o.ResolveID("other"))
}

func TestOrchestrator_RunPurgesAndStops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := worker.NewQueueWorker(f.db, worker.QueueOptions{MaxAge: time.Hour, PollInterval: time.Hour}, &testLogger)
	o := newTestOrchestrator(t, f, nil, nil, queue)

	require.NoError(t, f.db.CreateQueueItem(ctx, &models.QueueItem{
		ID: "stale", Operation: models.OpRegisterToken, Payload: "{}", CreatedAt: time.Now().Add(-2 * time.Hour),
	}))
	f.session.Clear()

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		o.Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		item, err := f.db.GetQueueItem(ctx, "stale")
		return err == nil && item == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOrchestrator_ProbeTogglesOnline(t *testing.T) {
	f := newFixture(t)
	o := newTestOrchestrator(t, f, nil, nil, nil)
	ctx := context.Background()

	f.remote.pingErr = errors.New("unreachable")
	o.probe(ctx)
	assert.False(t, o.Online())

	f.remote.pingErr = nil
	f.put(t, task("tmp1", "Write report", "09:00", models.SyncCreate))
	o.probe(ctx)
	assert.True(t, o.Online())
	assert.Nil(t, f.get(t, "tmp1"), "reconnect ran a pass")
}
