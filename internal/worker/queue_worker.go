package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"getitdone/internal/clock"
	"getitdone/internal/domain"
	"getitdone/internal/metrics"
	"getitdone/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Handler performs one queued operation. A nil error removes the item.
type Handler func(ctx context.Context, payload []byte) error

// RunResult summarises one pass over the queue.
type RunResult struct {
	Skipped   bool
	Succeeded int
	Retried   int
	Abandoned int
	Expired   int
	Deferred  int
}

type QueueOptions struct {
	Policy       RetryPolicy
	MaxAge       time.Duration
	Pace         time.Duration
	PollInterval time.Duration
	Redis        *redis.Client
	KeyPrefix    string
	Clock        clock.Clock
}

// QueueWorker replays side operations (device token registration) with
// exponential backoff, independent of the task outbox.
type QueueWorker struct {
	store         domain.QueueStore
	handlers      map[models.QueueOperation]Handler
	mu            sync.RWMutex
	policy        RetryPolicy
	maxAge        time.Duration
	limiter       *rate.Limiter
	pollInterval  time.Duration
	redis         *redis.Client
	deadLetterKey string
	clock         clock.Clock
	wake          chan struct{}
	online        atomic.Bool
	processing    atomic.Bool
	logger        *zerolog.Logger
}

func NewQueueWorker(store domain.QueueStore, opts QueueOptions, logger *zerolog.Logger) *QueueWorker {
	if opts.Policy.MaxRetries == 0 {
		opts.Policy.MaxRetries = models.DefaultQueueMaxRetries
	}
	if opts.Policy.InitialDelay == 0 {
		opts.Policy.InitialDelay = models.DefaultQueueBaseDelay
	}
	if opts.Policy.MaxDelay == 0 {
		opts.Policy.MaxDelay = models.DefaultQueueMaxDelay
	}
	if opts.Policy.BackoffFactor == 0 {
		opts.Policy.BackoffFactor = models.DefaultQueueBackoffMultiplier
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = models.DefaultQueueMaxAge
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "getitdone"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	limit := rate.Inf
	if opts.Pace > 0 {
		limit = rate.Every(opts.Pace)
	}

	l := logger.With().Str("component", "queue_worker").Logger()
	w := &QueueWorker{
		store:         store,
		handlers:      make(map[models.QueueOperation]Handler),
		policy:        opts.Policy,
		maxAge:        opts.MaxAge,
		limiter:       rate.NewLimiter(limit, 1),
		pollInterval:  opts.PollInterval,
		redis:         opts.Redis,
		deadLetterKey: opts.KeyPrefix + ":queue:deadletter",
		clock:         opts.Clock,
		wake:          make(chan struct{}, 1),
		logger:        &l,
	}
	w.online.Store(true)
	return w
}

// Handle registers the handler for op.
func (w *QueueWorker) Handle(op models.QueueOperation, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[op] = h
}

func (w *QueueWorker) handler(op models.QueueOperation) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[op]
	return h, ok
}

// SetOnline pauses or resumes processing. Going online wakes the loop.
func (w *QueueWorker) SetOnline(online bool) {
	if w.online.Swap(online) != online && online {
		w.notify()
	}
}

func (w *QueueWorker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Submit attempts op immediately when online and queues it on failure.
// The returned item is nil when the first attempt succeeded.
func (w *QueueWorker) Submit(ctx context.Context, op models.QueueOperation, payload any, priority models.QueuePriority) (*models.QueueItem, error) {
	h, ok := w.handler(op)
	if !ok {
		return nil, fmt.Errorf("no handler for operation %s", op)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if w.online.Load() {
		err := h(ctx, raw)
		if err == nil {
			metrics.IncQueueItem(string(op), "succeeded")
			return nil, nil
		}
		w.logger.Warn().Err(err).Str("operation", string(op)).Msg("Immediate attempt failed, queueing")
	}
	return w.Enqueue(ctx, op, raw, priority)
}

// Enqueue persists a new item due after the base delay.
func (w *QueueWorker) Enqueue(ctx context.Context, op models.QueueOperation, payload []byte, priority models.QueuePriority) (*models.QueueItem, error) {
	if op == "" {
		return nil, errors.New("operation is required")
	}
	if priority == "" {
		priority = models.QueuePriorityNormal
	}
	now := w.clock.Now()
	next := now.Add(w.policy.Delay(0))
	item := &models.QueueItem{
		Operation:   op,
		Payload:     string(payload),
		CreatedAt:   now,
		MaxRetries:  w.policy.MaxRetries,
		Priority:    priority,
		NextRetryAt: &next,
	}
	if err := w.store.CreateQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("persist queue item: %w", err)
	}
	w.logger.Info().Str("id", item.ID).Str("operation", string(op)).Msg("Queued operation")
	w.notify()
	return item, nil
}

// Start runs the queue until ctx is done, waking on new items, on
// reconnect and when the earliest item becomes due. While offline only a
// wake-up or cancellation resumes the loop.
func (w *QueueWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("Queue worker started")
	defer w.logger.Info().Msg("Queue worker stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.wake:
		}

		if _, err := w.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Queue pass failed")
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if !w.online.Load() {
			continue
		}
		wait := w.nextWake(ctx)
		if wait < w.policy.InitialDelay {
			wait = w.policy.InitialDelay
		}
		timer.Reset(wait)
	}
}

// nextWake is the time until the earliest due item, bounded by the poll interval.
func (w *QueueWorker) nextWake(ctx context.Context) time.Duration {
	wait := w.pollInterval
	items, err := w.store.ListQueueItems(ctx)
	if err != nil {
		return wait
	}
	now := w.clock.Now()
	for _, it := range items {
		if it.NextRetryAt == nil {
			return 0
		}
		if d := it.NextRetryAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// ProcessQueue attempts every due item once, highest priority then oldest
// first, pacing attempts. Concurrent calls are skipped.
func (w *QueueWorker) ProcessQueue(ctx context.Context) (RunResult, error) {
	var res RunResult
	if !w.online.Load() {
		res.Skipped = true
		return res, nil
	}
	if !w.processing.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer w.processing.Store(false)

	items, err := w.store.ListQueueItems(ctx)
	if err != nil {
		return res, err
	}

	for i := range items {
		item := items[i]
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		now := w.clock.Now()

		switch {
		case now.Sub(item.CreatedAt) > w.maxAge:
			w.drop(ctx, &item, "expired")
			res.Expired++
			continue
		case item.Exhausted():
			w.drop(ctx, &item, "abandoned")
			res.Abandoned++
			continue
		case !item.Eligible(now):
			res.Deferred++
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return res, err
		}

		switch w.attempt(ctx, &item) {
		case "succeeded":
			res.Succeeded++
		case "retried":
			res.Retried++
		default:
			res.Abandoned++
		}
	}
	return res, nil
}

func (w *QueueWorker) attempt(ctx context.Context, item *models.QueueItem) string {
	log := w.logger.With().Str("id", item.ID).Str("operation", string(item.Operation)).Logger()

	h, ok := w.handler(item.Operation)
	if !ok {
		log.Warn().Msg("Unknown queue operation, removing")
		w.drop(ctx, item, "abandoned")
		return "abandoned"
	}

	log.Debug().Int("attempt", item.RetryCount+1).Int("max", item.MaxRetries).Msg("Retrying queued operation")
	err := h(ctx, []byte(item.Payload))
	if err == nil {
		if delErr := w.store.DeleteQueueItem(ctx, item.ID); delErr != nil {
			log.Error().Err(delErr).Msg("Failed to delete completed queue item")
		}
		metrics.IncQueueItem(string(item.Operation), "succeeded")
		return "succeeded"
	}

	item.RetryCount++
	msg := err.Error()
	item.LastError = &msg
	if item.Exhausted() {
		log.Warn().Err(err).Msg("Max retries reached, removing from queue")
		w.drop(ctx, item, "abandoned")
		return "abandoned"
	}

	next := w.clock.Now().Add(w.policy.Delay(item.RetryCount))
	item.NextRetryAt = &next
	if upErr := w.store.UpdateQueueItem(ctx, item); upErr != nil {
		log.Error().Err(upErr).Msg("Failed to reschedule queue item")
	}
	log.Info().Err(err).Time("next_retry_at", next).Msg("Queued operation failed, rescheduled")
	metrics.IncQueueItem(string(item.Operation), "retried")
	return "retried"
}

func (w *QueueWorker) drop(ctx context.Context, item *models.QueueItem, outcome string) {
	if err := w.store.DeleteQueueItem(ctx, item.ID); err != nil {
		w.logger.Error().Err(err).Str("id", item.ID).Msg("Failed to delete queue item")
	}
	w.pushDeadLetter(ctx, item)
	metrics.IncQueueItem(string(item.Operation), outcome)
}

// Purge removes items older than the maximum age regardless of online state.
func (w *QueueWorker) Purge(ctx context.Context) (int64, error) {
	n, err := w.store.DeleteQueueItemsBefore(ctx, w.clock.Now().Add(-w.maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Info().Int64("removed", n).Msg("Purged stale queue items")
	}
	return n, nil
}

func (w *QueueWorker) pushDeadLetter(ctx context.Context, item *models.QueueItem) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(item)
	if err != nil {
		w.logger.Error().Err(err).Str("id", item.ID).Msg("Encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Warn().Err(err).Str("id", item.ID).Msg("Dead letter push failed")
	}
}

// DeadLetters returns up to limit abandoned items, newest first.
func (w *QueueWorker) DeadLetters(ctx context.Context, limit int64) ([]models.QueueItem, error) {
	if w.redis == nil {
		return nil, nil
	}
	raw, err := w.redis.LRange(ctx, w.deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]models.QueueItem, 0, len(raw))
	for _, r := range raw {
		var it models.QueueItem
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}
