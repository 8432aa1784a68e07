package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"getitdone/internal/domain"
	"getitdone/internal/metrics"
	"getitdone/internal/models"
	"getitdone/internal/remote"

	"github.com/rs/zerolog"
)

const (
	SkipUnauthenticated = "unauthenticated"
	SkipOffline         = "offline"
	SkipAlreadyRunning  = "already running"
)

// PassResult reports what one outbox pass did.
type PassResult struct {
	Skipped    bool
	SkipReason string
	Created    int
	Updated    int
	Deleted    int
	Failed     int
	Duplicates int
	InFlight   int
	// Remapped maps temp ids to the canonical ids assigned during the pass.
	Remapped map[string]string
}

func skipped(reason string) PassResult {
	return PassResult{Skipped: true, SkipReason: reason}
}

// Reconciler replays pending local intents against the remote store.
// At most one pass runs at a time.
type Reconciler struct {
	store    domain.TaskStore
	remote   domain.RemoteTasks
	inflight domain.InFlightSet
	echoes   domain.InFlightSet
	session  domain.Session
	conn     *Connectivity
	remaps   *RemapLog
	ttl      time.Duration
	running  atomic.Bool
	logger   *zerolog.Logger
}

// NewReconciler builds a reconciler. inflight holds ids with a call in
// progress; echoes receives the ids just written so the change feed can drop
// the matching event. A nil echoes disables echo marking.
func NewReconciler(store domain.TaskStore, remoteTasks domain.RemoteTasks, inflight, echoes domain.InFlightSet, session domain.Session, conn *Connectivity, remaps *RemapLog, ttl time.Duration, logger *zerolog.Logger) *Reconciler {
	if ttl <= 0 {
		ttl = models.DefaultInFlightTTL
	}
	if conn == nil {
		conn = NewConnectivity(true)
	}
	if remaps == nil {
		remaps = NewRemapLog()
	}
	l := logger.With().Str("component", "reconciler").Logger()
	return &Reconciler{
		store:    store,
		remote:   remoteTasks,
		inflight: inflight,
		echoes:   echoes,
		session:  session,
		conn:     conn,
		remaps:   remaps,
		ttl:      ttl,
		logger:   &l,
	}
}

// Running reports whether a pass is in progress.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Run performs one pass: creates, then updates, then deletes. Per-record
// failures are logged and left pending; only a failure to read the store
// or a panic is returned.
func (r *Reconciler) Run(ctx context.Context) (res PassResult, err error) {
	if !r.session.IsAuthenticated() {
		return skipped(SkipUnauthenticated), nil
	}
	if !r.conn.Online() {
		return skipped(SkipOffline), nil
	}
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug().Msg("Pass already running, skipping")
		return skipped(SkipAlreadyRunning), nil
	}
	defer r.running.Store(false)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reconcile pass panicked: %v", p)
			r.logger.Error().Interface("panic", p).Msg("Reconcile pass aborted")
		}
		switch {
		case err != nil:
			metrics.IncSyncPass("error")
		case res.Failed > 0:
			metrics.IncSyncPass("partial")
		default:
			metrics.IncSyncPass("ok")
		}
	}()

	res.Remapped = make(map[string]string)
	owner := r.session.OwnerID()

	all, err := r.store.GetAllTasks(ctx, true)
	if err != nil {
		return res, fmt.Errorf("read outbox: %w", err)
	}

	var creates, updates, deletes []models.Task
	seen := make(map[models.ContentKey]bool)
	for _, t := range all {
		if !t.OwnedBy(owner) || !t.IsPending() {
			continue
		}
		key := t.ContentKey()
		if seen[key] {
			r.logger.Warn().Str("id", t.ID).Str("name", t.Name).Msg("Duplicate pending task, removing")
			if err := r.store.DeleteTask(ctx, t.ID); err != nil {
				r.logger.Error().Err(err).Str("id", t.ID).Msg("Failed to remove duplicate")
			}
			res.Duplicates++
			continue
		}
		seen[key] = true

		switch t.PendingSync {
		case models.SyncCreate:
			creates = append(creates, t)
		case models.SyncUpdate:
			updates = append(updates, t)
		case models.SyncDelete:
			deletes = append(deletes, t)
		}
	}
	metrics.SetOutboxPending(len(creates) + len(updates) + len(deletes))

	if len(creates)+len(updates)+len(deletes) == 0 {
		r.logger.Debug().Msg("Nothing to sync")
		return res, nil
	}
	r.logger.Info().
		Int("creates", len(creates)).
		Int("updates", len(updates)).
		Int("deletes", len(deletes)).
		Msg("Reconciling outbox")

	for _, t := range creates {
		r.create(ctx, t, &res)
	}
	for _, t := range updates {
		r.update(ctx, t, &res)
	}
	for _, t := range deletes {
		r.delete(ctx, t, &res)
	}

	r.logger.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("deleted", res.Deleted).
		Int("failed", res.Failed).
		Msg("Outbox pass finished")
	return res, nil
}

// guard runs call with id marked in flight and always clears the mark.
// It reports false when id was already in flight.
func (r *Reconciler) guard(ctx context.Context, id string, res *PassResult, call func() error) (bool, error) {
	busy, err := r.inflight.Contains(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("id", id).Msg("In-flight check failed, deferring")
		res.InFlight++
		return false, nil
	}
	if busy {
		r.logger.Debug().Str("id", id).Msg("Task in flight, skipping")
		res.InFlight++
		return false, nil
	}
	if err := r.inflight.Mark(ctx, id, r.ttl); err != nil {
		r.logger.Warn().Err(err).Str("id", id).Msg("In-flight mark failed")
	}
	defer func() {
		if err := r.inflight.Clear(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("id", id).Msg("In-flight clear failed")
		}
	}()
	return true, call()
}

// echo marks id so the feed event caused by our own write is suppressed.
// The mark lives in the echo set and never blocks a later pass.
func (r *Reconciler) echo(ctx context.Context, id string) {
	if r.echoes == nil {
		return
	}
	if err := r.echoes.Mark(ctx, id, r.ttl); err != nil {
		r.logger.Debug().Err(err).Str("id", id).Msg("Echo mark failed")
	}
}

func (r *Reconciler) fail(op string, t models.Task, err error, res *PassResult) {
	res.Failed++
	metrics.IncOutboxOperation(op, "failed")
	ev := r.logger.Warn()
	if remote.IsPermanent(err) {
		ev = r.logger.Error()
	}
	ev.Err(err).Str("id", t.ID).Str("op", op).Msg("Sync failed, will retry")
}

func (r *Reconciler) create(ctx context.Context, t models.Task, res *PassResult) {
	var snap *models.RemoteTask
	ran, err := r.guard(ctx, t.ID, res, func() error {
		var err error
		snap, err = r.remote.Create(ctx, t)
		return err
	})
	if !ran {
		return
	}
	if err != nil {
		r.fail("create", t, err, res)
		return
	}

	canonical := string(snap.ID)
	if _, err := r.store.UpdateTask(ctx, t.ID, func(cur *models.Task) (*models.Task, error) {
		return confirmCreate(t, cur, *snap), nil
	}); err != nil {
		// Remote has the record; the next fetch merges it back by content key.
		r.logger.Error().Err(err).Str("id", t.ID).Str("canonical_id", canonical).Msg("Failed to store created task")
		res.Failed++
		metrics.IncOutboxOperation("create", "failed")
		return
	}

	if canonical != t.ID {
		res.Remapped[t.ID] = canonical
		r.remaps.Record(t.ID, canonical)
		r.logger.Info().Str("temp_id", t.ID).Str("canonical_id", canonical).Msg("Created task remapped")
	}
	r.echo(ctx, canonical)
	res.Created++
	metrics.IncOutboxOperation("create", "ok")
}

// confirmCreate derives the stored record after a successful create. A nil
// result leaves the store untouched.
func confirmCreate(sent models.Task, cur *models.Task, snap models.RemoteTask) *models.Task {
	if cur == nil {
		// Already replaced, e.g. by the feed matching it on content.
		return nil
	}
	next := snap.Apply(*cur)
	switch {
	case cur.PendingSync == models.SyncDelete:
		next.PendingSync = models.SyncDelete
	case !sameContent(*cur, sent):
		// Edited while the create was outstanding.
		next = *cur
		next.ID = string(snap.ID)
		next.PendingSync = models.SyncUpdate
	}
	return &next
}

func sameContent(a, b models.Task) bool {
	return a.Name == b.Name &&
		a.StartTime == b.StartTime &&
		a.EndTime == b.EndTime &&
		a.Category == b.Category &&
		a.Priority == b.Priority &&
		a.Completed == b.Completed &&
		a.IsLate == b.IsLate
}

func (r *Reconciler) effectiveID(id string, res *PassResult) string {
	if canonical, ok := res.Remapped[id]; ok {
		return canonical
	}
	return r.remaps.Resolve(id)
}

func (r *Reconciler) update(ctx context.Context, t models.Task, res *PassResult) {
	id := r.effectiveID(t.ID, res)
	target := t
	target.ID = id

	ran, err := r.guard(ctx, id, res, func() error {
		_, err := r.remote.Update(ctx, target)
		return err
	})
	if !ran {
		return
	}
	if err != nil {
		r.fail("update", t, err, res)
		return
	}

	if _, err := r.store.UpdateTask(ctx, t.ID, func(cur *models.Task) (*models.Task, error) {
		if cur == nil || cur.PendingSync != models.SyncUpdate || !sameContent(*cur, t) {
			// Gone or changed again; leave the newer intent for the next pass.
			return nil, nil
		}
		next := *cur
		next.ID = id
		next.PendingSync = models.SyncNone
		return &next, nil
	}); err != nil {
		r.logger.Error().Err(err).Str("id", id).Msg("Failed to clear pending update")
		res.Failed++
		metrics.IncOutboxOperation("update", "failed")
		return
	}
	r.echo(ctx, id)
	res.Updated++
	metrics.IncOutboxOperation("update", "ok")
}

func (r *Reconciler) delete(ctx context.Context, t models.Task, res *PassResult) {
	id := r.effectiveID(t.ID, res)

	ran, err := r.guard(ctx, id, res, func() error {
		return r.remote.Delete(ctx, id, t.IdempotencyKey())
	})
	if !ran {
		return
	}
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		r.fail("delete", t, err, res)
		return
	}

	// Remove only after the remote confirmed.
	if err := r.store.DeleteTask(ctx, t.ID); err != nil {
		r.logger.Error().Err(err).Str("id", t.ID).Msg("Failed to remove deleted task")
		res.Failed++
		metrics.IncOutboxOperation("delete", "failed")
		return
	}
	if id != t.ID {
		if err := r.store.DeleteTask(ctx, id); err != nil {
			r.logger.Error().Err(err).Str("id", id).Msg("Failed to remove deleted task")
		}
	}
	r.echo(ctx, id)
	res.Deleted++
	metrics.IncOutboxOperation("delete", "ok")
}
