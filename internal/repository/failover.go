package repository

import (
	"context"
	"sync/atomic"
	"time"

	"getitdone/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverInFlightSet uses primary until it errors, then serves from fallback
// and retries primary once per recoveryInterval.
type FailoverInFlightSet struct {
	primary   domain.InFlightSet
	fallback  domain.InFlightSet
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverInFlightSet(primary, fallback domain.InFlightSet, logger *zerolog.Logger) *FailoverInFlightSet {
	return &FailoverInFlightSet{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverInFlightSet) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary in-flight set failed, falling back to memory")
	}
	r.lastCheck.Store(time.Now().UnixNano())
}

// usePrimary reports whether the primary should be tried now.
func (r *FailoverInFlightSet) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverInFlightSet) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary in-flight set recovered")
	}
}

func (r *FailoverInFlightSet) Mark(ctx context.Context, id string, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.Mark(ctx, id, ttl)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Mark(ctx, id, ttl)
}

func (r *FailoverInFlightSet) Contains(ctx context.Context, id string) (bool, error) {
	if r.usePrimary() {
		ok, err := r.primary.Contains(ctx, id)
		if err == nil {
			r.recovered()
			if ok {
				return true, nil
			}
			// Marks written while primary was down live only in the fallback.
			return r.fallback.Contains(ctx, id)
		}
		r.markDown(err)
	}
	return r.fallback.Contains(ctx, id)
}

func (r *FailoverInFlightSet) Clear(ctx context.Context, id string) error {
	if r.usePrimary() {
		if err := r.primary.Clear(ctx, id); err != nil {
			r.markDown(err)
		} else {
			r.recovered()
		}
	}
	return r.fallback.Clear(ctx, id)
}
