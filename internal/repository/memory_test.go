package repository

import (
	"context"
	"testing"
	"time"

	"getitdone/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInFlightSet(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	set := NewMemoryInFlightSet(fake)
	ctx := context.Background()

	t.Run("MarkAndContains", func(t *testing.T) {
		require.NoError(t, set.Mark(ctx, "tmp1", 8*time.Second))
		ok, err := set.Contains(ctx, "tmp1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, _ = set.Contains(ctx, "other")
		assert.False(t, ok)
	})

	t.Run("Expiry", func(t *testing.T) {
		require.NoError(t, set.Mark(ctx, "srv42", 8*time.Second))
		fake.Advance(7 * time.Second)
		ok, _ := set.Contains(ctx, "srv42")
		assert.True(t, ok)

		fake.Advance(time.Second)
		ok, _ = set.Contains(ctx, "srv42")
		assert.False(t, ok)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, set.Mark(ctx, "5", time.Minute))
		require.NoError(t, set.Clear(ctx, "5"))
		require.NoError(t, set.Clear(ctx, "never-marked"))
		ok, _ := set.Contains(ctx, "5")
		assert.False(t, ok)
	})

	t.Run("LenDropsExpired", func(t *testing.T) {
		s := NewMemoryInFlightSet(fake)
		_ = s.Mark(ctx, "a", time.Second)
		_ = s.Mark(ctx, "b", time.Minute)
		fake.Advance(2 * time.Second)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("MarkSweepsExpired", func(t *testing.T) {
		s := NewMemoryInFlightSet(fake)
		_ = s.Mark(ctx, "srv1", time.Second)
		_ = s.Mark(ctx, "srv2", time.Second)
		fake.Advance(2 * time.Second)

		require.NoError(t, s.Mark(ctx, "srv3", time.Second))
		s.mu.Lock()
		defer s.mu.Unlock()
		assert.Len(t, s.expires, 1)
		assert.Contains(t, s.expires, "srv3")
	})
}
