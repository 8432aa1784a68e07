package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"getitdone/internal/auth"
	"getitdone/internal/clock"
	"getitdone/internal/database"
	"getitdone/internal/models"
	"getitdone/internal/remote"
	"getitdone/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const owner = "u1"

var testLogger = zerolog.New(io.Discard)

// fakeRemote is an in-memory authoritative store that honours idempotency keys.
type fakeRemote struct {
	mu       sync.Mutex
	tasks    map[string]models.Task
	order    []string
	byKey    map[string]string
	assign   []string
	nextID   int
	calls    []string
	keys     []string
	failOn   map[string]error
	lose     map[string]int
	fetchErr error
	pingErr  error

	fetchBlock   chan struct{}
	fetchEntered chan struct{}

	block   chan struct{}
	entered chan struct{}
	panics  bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tasks:  make(map[string]models.Task),
		byKey:  make(map[string]string),
		failOn: make(map[string]error),
		lose:   make(map[string]int),
	}
}

func (f *fakeRemote) seed(t models.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.PendingSync = models.SyncNone
	f.tasks[t.ID] = t
	f.order = append(f.order, t.ID)
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeRemote) FetchAllStrict(context.Context) ([]models.RemoteTask, error) {
	f.mu.Lock()
	block, entered := f.fetchBlock, f.fetchEntered
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := []models.RemoteTask{}
	for _, id := range f.order {
		if t, ok := f.tasks[id]; ok {
			out = append(out, models.NewRemoteTask(t))
		}
	}
	return out, nil
}

func (f *fakeRemote) Create(_ context.Context, task models.Task) (*models.RemoteTask, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "create:"+task.ID)
	f.keys = append(f.keys, task.IdempotencyKey())
	block, entered, panics := f.block, f.entered, f.panics
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if panics {
		panic("boom")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[task.Name]; err != nil {
		return nil, err
	}

	key := task.IdempotencyKey()
	id, replay := f.byKey[key]
	if !replay {
		if len(f.assign) > 0 {
			id, f.assign = f.assign[0], f.assign[1:]
		} else {
			f.nextID++
			id = fmt.Sprintf("srv%d", f.nextID)
		}
		stored := task
		stored.ID = id
		stored.PendingSync = models.SyncNone
		f.tasks[id] = stored
		f.order = append(f.order, id)
		f.byKey[key] = id
	}
	if f.lose[task.Name] > 0 {
		f.lose[task.Name]--
		return nil, &remote.NetworkError{Op: "create", Err: errors.New("connection reset")}
	}
	snap := models.NewRemoteTask(f.tasks[id])
	return &snap, nil
}

func (f *fakeRemote) Update(_ context.Context, task models.Task) (*models.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update:"+task.ID)
	if err := f.failOn[task.Name]; err != nil {
		return nil, err
	}
	if _, ok := f.tasks[task.ID]; !ok {
		return nil, &remote.ServerError{Op: "update", Status: http.StatusNotFound}
	}
	task.PendingSync = models.SyncNone
	f.tasks[task.ID] = task
	snap := models.NewRemoteTask(task)
	return &snap, nil
}

func (f *fakeRemote) Delete(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete:"+id)
	if t, ok := f.tasks[id]; ok {
		if err := f.failOn[t.Name]; err != nil {
			return err
		}
	}
	if _, ok := f.tasks[id]; !ok {
		return &remote.ServerError{Op: "delete", Status: http.StatusNotFound}
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeRemote) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

type recordingRenderer struct {
	mu    sync.Mutex
	calls [][]models.Task
}

func (r *recordingRenderer) RenderTasks(_ context.Context, tasks []models.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tasks)
}

func (r *recordingRenderer) last() []models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func (r *recordingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	db       *database.DB
	remote   *fakeRemote
	inflight *repository.MemoryInFlightSet
	echoes   *repository.MemoryInFlightSet
	clock    *clock.Fake
	session  *auth.Session
	conn     *Connectivity
	remaps   *RemapLog
	rec      *Reconciler
	merger   *Merger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDB(":memory:", &testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fake := clock.NewFake(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	f := &fixture{
		db:       db,
		remote:   newFakeRemote(),
		inflight: repository.NewMemoryInFlightSet(fake),
		echoes:   repository.NewMemoryInFlightSet(fake),
		clock:    fake,
		session:  auth.NewSession(owner, "token"),
		conn:     NewConnectivity(true),
		remaps:   NewRemapLog(),
	}
	f.rec = NewReconciler(db, f.remote, f.inflight, f.echoes, f.session, f.conn, f.remaps, 8*time.Second, &testLogger)
	f.merger = NewMerger(db, f.remaps, &testLogger)
	return f
}

func (f *fixture) put(t *testing.T, task models.Task) {
	t.Helper()
	require.NoError(t, f.db.PutTask(context.Background(), &task))
}

func (f *fixture) get(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := f.db.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) all(t *testing.T, includePendingDeletes bool) []models.Task {
	t.Helper()
	tasks, err := f.db.GetAllTasks(context.Background(), includePendingDeletes)
	require.NoError(t, err)
	return tasks
}

func ids(tasks []models.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func task(id, name, start string, pending models.PendingSync) models.Task {
	return models.Task{
		ID:          id,
		OwnerID:     models.StringPtr(owner),
		Name:        name,
		StartTime:   start,
		EndTime:     start,
		Category:    "work",
		Priority:    models.PriorityMedium,
		CreatedAt:   "2024-05-01",
		PendingSync: pending,
	}
}
