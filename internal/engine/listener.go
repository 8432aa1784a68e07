package engine

import (
	"context"
	"time"

	"getitdone/internal/domain"
	"getitdone/internal/metrics"
	"getitdone/internal/models"
	"getitdone/internal/worker"

	"github.com/rs/zerolog"
)

// Listener applies change feed events to the local store and notifies the
// renderer after each one.
type Listener struct {
	merger     *Merger
	store      domain.TaskStore
	inflight   domain.InFlightSet
	echoes     domain.InFlightSet
	session    domain.Session
	renderer   domain.Renderer
	subscriber domain.FeedSubscriber
	policy     worker.RetryPolicy
	logger     *zerolog.Logger
}

func NewListener(merger *Merger, store domain.TaskStore, inflight, echoes domain.InFlightSet, session domain.Session, renderer domain.Renderer, subscriber domain.FeedSubscriber, policy worker.RetryPolicy, logger *zerolog.Logger) *Listener {
	l := logger.With().Str("component", "listener").Logger()
	return &Listener{
		merger:     merger,
		store:      store,
		inflight:   inflight,
		echoes:     echoes,
		session:    session,
		renderer:   renderer,
		subscriber: subscriber,
		policy:     policy,
		logger:     &l,
	}
}

// HandleEvent applies one feed event. Events for ids we are writing
// ourselves are treated as echoes and dropped.
func (l *Listener) HandleEvent(ctx context.Context, ev models.ChangeEvent) {
	id := ev.AffectedID()
	if id == "" {
		l.logger.Warn().Str("event_type", ev.EventType).Msg("Feed event without id")
		metrics.IncFeedEvent(ev.EventType, "malformed")
		return
	}

	if l.isEcho(ctx, id) {
		l.logger.Debug().Str("id", id).Str("event_type", ev.EventType).Msg("Suppressed echo")
		metrics.IncFeedEvent(ev.EventType, "echo")
		return
	}

	owner := l.session.OwnerID()
	switch ev.EventType {
	case models.EventInsert, models.EventUpdate:
		if ev.New == nil {
			l.logger.Warn().Str("id", id).Msg("Feed event without record")
			metrics.IncFeedEvent(ev.EventType, "malformed")
			return
		}
		ok, remap := l.merger.MergeRecord(ctx, owner, *ev.New)
		if !ok {
			metrics.IncFeedEvent(ev.EventType, "failed")
			return
		}
		if remap != nil {
			l.logger.Info().Str("temp_id", remap.From).Str("canonical_id", remap.To).Msg("Feed confirmed local create")
		}
	case models.EventDelete:
		if err := l.store.DeleteTask(ctx, id); err != nil {
			l.logger.Error().Err(err).Str("id", id).Msg("Failed to apply remote delete")
			metrics.IncFeedEvent(ev.EventType, "failed")
			return
		}
	default:
		l.logger.Warn().Str("event_type", ev.EventType).Msg("Unknown feed event type")
		metrics.IncFeedEvent(ev.EventType, "malformed")
		return
	}

	metrics.IncFeedEvent(ev.EventType, "applied")
	l.render(ctx, owner)
}

// isEcho reports whether id was just written by us or is being written now.
// A matched echo mark is consumed.
func (l *Listener) isEcho(ctx context.Context, id string) bool {
	if l.echoes != nil {
		echo, err := l.echoes.Contains(ctx, id)
		if err != nil {
			l.logger.Warn().Err(err).Str("id", id).Msg("Echo check failed")
		}
		if echo {
			if err := l.echoes.Clear(ctx, id); err != nil {
				l.logger.Warn().Err(err).Str("id", id).Msg("Echo clear failed")
			}
			return true
		}
	}

	busy, err := l.inflight.Contains(ctx, id)
	if err != nil {
		l.logger.Warn().Err(err).Str("id", id).Msg("In-flight check failed")
	}
	return busy
}

func (l *Listener) render(ctx context.Context, owner string) {
	if l.renderer == nil {
		return
	}
	tasks, err := visibleTasks(ctx, l.store, owner)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to read tasks for render")
		return
	}
	l.renderer.RenderTasks(ctx, tasks)
}

// visibleTasks is the sorted current list of owner, without pending deletes.
func visibleTasks(ctx context.Context, store domain.TaskStore, owner string) ([]models.Task, error) {
	all, err := store.GetAllTasks(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]models.Task, 0, len(all))
	for _, t := range all {
		if (owner == "" && t.OwnerID == nil) || t.OwnedBy(owner) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Run keeps a feed subscription open while the session is authenticated,
// reconnecting with backoff, until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	if l.subscriber == nil {
		return
	}
	attempt := 0
	for ctx.Err() == nil {
		if !l.session.IsAuthenticated() {
			l.logger.Info().Msg("Signed out, change feed stopped")
			return
		}

		sub, err := l.subscriber.Subscribe(ctx, l.session.OwnerID(), l.session.AccessToken(), l.HandleEvent)
		if err != nil {
			delay := l.policy.Delay(attempt)
			attempt++
			l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Change feed subscribe failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0

		select {
		case <-ctx.Done():
			if err := sub.Close(); err != nil {
				l.logger.Debug().Err(err).Msg("Feed close")
			}
			<-sub.Done()
			return
		case <-sub.Done():
			_ = sub.Close()
			l.logger.Warn().Msg("Change feed dropped, reconnecting")
			if !sleep(ctx, l.policy.Delay(0)) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
