package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"getitdone/internal/clock"
	"getitdone/internal/config"
	"getitdone/internal/domain"
	"getitdone/internal/events"
	"getitdone/internal/models"
	"getitdone/internal/remote"
	"getitdone/internal/repository"
	"getitdone/internal/worker"

	"github.com/rs/zerolog"
)

// Store is the local store surface the orchestrator needs.
type Store interface {
	domain.TaskStore
	domain.SettingsStore
}

// SessionManager is a Session that can be switched.
type SessionManager interface {
	domain.Session
	Set(ownerID, token string) string
	Clear() string
}

// SessionHook runs after sign-in and before the first pass of the session.
type SessionHook func(ctx context.Context, owner string) error

type Deps struct {
	Store    Store
	Remote   domain.RemoteTasks
	InFlight domain.InFlightSet
	// Echoes holds ids just written, for feed echo suppression. Defaults to
	// an in-memory set.
	Echoes   domain.InFlightSet
	Session  SessionManager
	Feed     domain.FeedSubscriber
	Queue    *worker.QueueWorker
	Renderer domain.Renderer
	Events   domain.EventPublisher
	Policy   worker.RetryPolicy
}

// SyncResult reports a reconcile, fetch and merge cycle.
type SyncResult struct {
	Pass    PassResult
	Fetched int
	Merged  bool
}

// Orchestrator sequences the outbox pass, the snapshot merge and the change
// feed around connectivity and session changes.
type Orchestrator struct {
	store      Store
	remote     domain.RemoteTasks
	session    SessionManager
	queue      *worker.QueueWorker
	renderer   domain.Renderer
	events     domain.EventPublisher
	conn       *Connectivity
	remaps     *RemapLog
	reconciler *Reconciler
	merger     *Merger
	listener   *Listener
	cfg        config.SyncConfig
	hooks      []SessionHook

	// cycle serialises reconcile, fetch and merge.
	cycle sync.Mutex

	mu         sync.Mutex
	runCtx     context.Context
	feedCancel context.CancelFunc
	feedDone   chan struct{}

	logger *zerolog.Logger
}

func NewOrchestrator(deps Deps, cfg config.SyncConfig, logger *zerolog.Logger) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = models.DefaultSyncInterval
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = models.DefaultProbeInterval
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = models.DefaultHousekeepingInterval
	}

	echoes := deps.Echoes
	if echoes == nil {
		echoes = repository.NewMemoryInFlightSet(clock.Real{})
	}

	conn := NewConnectivity(true)
	remaps := NewRemapLog()
	merger := NewMerger(deps.Store, remaps, logger)
	l := logger.With().Str("component", "orchestrator").Logger()

	return &Orchestrator{
		store:      deps.Store,
		remote:     deps.Remote,
		session:    deps.Session,
		queue:      deps.Queue,
		renderer:   deps.Renderer,
		events:     deps.Events,
		conn:       conn,
		remaps:     remaps,
		reconciler: NewReconciler(deps.Store, deps.Remote, deps.InFlight, echoes, deps.Session, conn, remaps, cfg.InFlightTTL, logger),
		merger:     merger,
		listener:   NewListener(merger, deps.Store, deps.InFlight, echoes, deps.Session, deps.Renderer, deps.Feed, deps.Policy, logger),
		cfg:        cfg,
		logger:     &l,
	}
}

// OnSignIn registers a hook run on every sign-in.
func (o *Orchestrator) OnSignIn(hook SessionHook) {
	o.hooks = append(o.hooks, hook)
}

func (o *Orchestrator) Reconciler() *Reconciler { return o.reconciler }

func (o *Orchestrator) Merger() *Merger { return o.merger }

func (o *Orchestrator) Listener() *Listener { return o.listener }

func (o *Orchestrator) Session() domain.Session { return o.session }

func (o *Orchestrator) Online() bool { return o.conn.Online() }

// ResolveID maps a temp id to its canonical id when one was assigned.
func (o *Orchestrator) ResolveID(id string) string { return o.remaps.Resolve(id) }

// SetOnline records a connectivity change. Coming back online while signed
// in pushes the outbox, pulls a snapshot and reopens the change feed.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) {
	prev := o.conn.Set(online)
	if o.queue != nil {
		o.queue.SetOnline(online)
	}
	if prev == online {
		return
	}

	if !online {
		o.logger.Warn().Msg("Connectivity lost")
		o.stopFeed()
		return
	}

	o.logger.Info().Msg("Connectivity restored")
	if !o.session.IsAuthenticated() {
		return
	}
	if _, err := o.SyncNow(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("Reconnect sync failed")
	}
	o.startFeed()
}

// SyncNow pushes pending intents, then fetches and merges the remote
// snapshot. A failed fetch never reaches the merge. A call made while
// another cycle runs is dropped and reported as skipped.
func (o *Orchestrator) SyncNow(ctx context.Context) (SyncResult, error) {
	if !o.cycle.TryLock() {
		o.logger.Debug().Msg("Sync cycle already running, trigger dropped")
		return SyncResult{Pass: skipped(SkipAlreadyRunning)}, nil
	}
	defer o.cycle.Unlock()

	var res SyncResult
	pass, err := o.reconciler.Run(ctx)
	res.Pass = pass
	if err != nil {
		return res, err
	}
	if pass.Skipped {
		o.logger.Debug().Str("reason", pass.SkipReason).Msg("Sync skipped")
		return res, nil
	}

	owner := o.session.OwnerID()
	records, err := o.remote.FetchAllStrict(ctx)
	if err != nil {
		o.Refresh(ctx)
		return res, fmt.Errorf("fetch remote tasks: %w", err)
	}
	res.Fetched = len(records)
	res.Merged = o.merger.MergeSnapshot(ctx, owner, records)

	if res.Merged {
		now := time.Now().UTC().Format(time.RFC3339)
		if err := o.store.SetSetting(ctx, models.SettingLastSyncAt, now); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to record last sync time")
		}
	}
	o.Refresh(ctx)

	if o.events != nil {
		_ = o.events.PublishJSON(events.EventSyncCompleted, events.SyncCompletedPayload{
			OwnerID:   owner,
			Created:   pass.Created,
			Updated:   pass.Updated,
			Deleted:   pass.Deleted,
			Failed:    pass.Failed,
			Merged:    res.Merged,
			Completed: time.Now().UTC(),
		})
	}
	return res, nil
}

// Refresh hands the current visible task list to the renderer.
func (o *Orchestrator) Refresh(ctx context.Context) {
	if o.renderer == nil {
		return
	}
	tasks, err := visibleTasks(ctx, o.store, o.session.OwnerID())
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to read tasks for render")
		return
	}
	o.renderer.RenderTasks(ctx, tasks)
}

// Run drives the probe, sync and housekeeping timers and the retry queue
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	o.logger.Info().
		Dur("interval", o.cfg.Interval).
		Dur("probe_interval", o.cfg.ProbeInterval).
		Dur("housekeeping_interval", o.cfg.HousekeepingInterval).
		Msg("Sync orchestrator started")
	defer o.logger.Info().Msg("Sync orchestrator stopped")

	var wg sync.WaitGroup
	if o.queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.queue.Start(ctx)
		}()
	}
	defer wg.Wait()
	defer o.stopFeed()

	o.housekeep(ctx)
	if o.conn.Online() && o.session.IsAuthenticated() {
		if _, err := o.SyncNow(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Initial sync failed")
		}
		o.startFeed()
	}

	probe := time.NewTicker(o.cfg.ProbeInterval)
	defer probe.Stop()
	tick := time.NewTicker(o.cfg.Interval)
	defer tick.Stop()
	house := time.NewTicker(o.cfg.HousekeepingInterval)
	defer house.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			o.probe(ctx)
		case <-tick.C:
			if o.conn.Online() && o.session.IsAuthenticated() {
				if _, err := o.SyncNow(ctx); err != nil {
					o.logger.Warn().Err(err).Msg("Periodic sync failed")
				}
			}
		case <-house.C:
			o.housekeep(ctx)
		}
	}
}

func (o *Orchestrator) probe(ctx context.Context) {
	err := o.remote.Ping(ctx)
	if errors.Is(err, remote.ErrUnauthenticated) {
		return
	}
	if err != nil {
		o.logger.Debug().Err(err).Msg("Connectivity probe failed")
	}
	o.SetOnline(ctx, err == nil)
}

func (o *Orchestrator) housekeep(ctx context.Context) {
	if o.queue == nil {
		return
	}
	if _, err := o.queue.Purge(ctx); err != nil {
		o.logger.Error().Err(err).Msg("Queue housekeeping failed")
	}
}

func (o *Orchestrator) startFeed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx == nil || o.feedCancel != nil || o.runCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(o.runCtx)
	done := make(chan struct{})
	o.feedCancel = cancel
	o.feedDone = done

	go func() {
		defer close(done)
		defer cancel()
		o.listener.Run(ctx)
		o.mu.Lock()
		if o.feedDone == done {
			o.feedCancel = nil
			o.feedDone = nil
		}
		o.mu.Unlock()
	}()
}

func (o *Orchestrator) stopFeed() {
	o.mu.Lock()
	cancel, done := o.feedCancel, o.feedDone
	o.feedCancel, o.feedDone = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SignIn switches the session to owner. Rows of a different previous owner
// are removed before the first pass of the new session.
func (o *Orchestrator) SignIn(ctx context.Context, owner, token string) error {
	if owner == "" || token == "" {
		return errors.New("owner and token are required")
	}

	prev := o.session.Set(owner, token)
	if prev == "" {
		if stored, err := o.store.GetSetting(ctx, models.SettingOwnerID); err == nil && stored != nil {
			prev = *stored
		}
	}
	if prev != "" && prev != owner {
		o.stopFeed()
		n, err := o.store.DeleteTasksByOwner(ctx, &prev)
		if err != nil {
			return fmt.Errorf("remove previous owner's tasks: %w", err)
		}
		o.logger.Info().Str("previous_owner", prev).Int64("removed", n).Msg("Account switched")
	}
	if err := o.store.SetSetting(ctx, models.SettingOwnerID, owner); err != nil {
		return fmt.Errorf("store owner: %w", err)
	}

	for _, hook := range o.hooks {
		if err := hook(ctx, owner); err != nil {
			o.logger.Warn().Err(err).Msg("Sign-in hook failed")
		}
	}
	if o.events != nil {
		_ = o.events.PublishJSON(events.EventSessionChanged, map[string]string{"owner_id": owner})
	}

	if o.conn.Online() {
		if _, err := o.SyncNow(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Sign-in sync failed")
		}
		o.startFeed()
	} else {
		o.Refresh(ctx)
	}
	return nil
}

// SignOut closes the change feed and clears the credential. Local rows stay
// until another account signs in.
func (o *Orchestrator) SignOut(ctx context.Context) {
	o.stopFeed()

	if o.queue != nil {
		if deviceID, err := o.store.GetSetting(ctx, models.SettingDeviceID); err == nil && deviceID != nil {
			if _, err := o.queue.UnregisterDevice(ctx, *deviceID); err != nil {
				o.logger.Warn().Err(err).Msg("Device unregistration failed")
			}
		}
	}

	prev := o.session.Clear()
	o.logger.Info().Str("owner_id", prev).Msg("Signed out")
	if o.events != nil {
		_ = o.events.PublishJSON(events.EventSessionChanged, map[string]string{"owner_id": ""})
	}
	o.Refresh(ctx)
}
