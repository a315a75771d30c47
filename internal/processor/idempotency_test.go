package processor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/estatemeter/prepay-core/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGuard(t *testing.T) (*miniredis.Miniredis, *IdempotencyGuard) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, NewIdempotencyGuard(adapter, DefaultIdempotencyConfig())
}

func TestIdempotencyGuard_AcquireAndMarkSuccess(t *testing.T) {
	_, guard := setupGuard(t)
	ctx := context.Background()

	tok, err := guard.Acquire(ctx, "reading-1")
	require.NoError(t, err)
	assert.Zero(t, tok.Attempts)

	require.NoError(t, guard.MarkSuccess(ctx, tok))

	processed, err := guard.IsProcessed(ctx, "reading-1")
	require.NoError(t, err)
	assert.True(t, processed)

	_, err = guard.Acquire(ctx, "reading-1")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestIdempotencyGuard_ConcurrentHolderBlocked(t *testing.T) {
	_, guard := setupGuard(t)
	ctx := context.Background()

	tok, err := guard.Acquire(ctx, "reading-2")
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, "reading-2")
	assert.ErrorIs(t, err, ErrLockAcquireFailed)

	guard.Release(ctx, tok)

	_, err = guard.Acquire(ctx, "reading-2")
	assert.NoError(t, err, "acquirable again after release")
}

func TestIdempotencyGuard_FailureCountsAttempts(t *testing.T) {
	_, guard := setupGuard(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok, err := guard.Acquire(ctx, "reading-3")
		require.NoError(t, err, "attempt %d", i)
		assert.Equal(t, i, tok.Attempts)
		guard.MarkFailure(ctx, tok, assert.AnError)
	}

	_, err := guard.Acquire(ctx, "reading-3")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestIdempotencyGuard_LockExpires(t *testing.T) {
	mr, guard := setupGuard(t)
	ctx := context.Background()

	_, err := guard.Acquire(ctx, "reading-4")
	require.NoError(t, err)

	// Holder died; the TTL frees the lock.
	mr.FastForward(31 * time.Second)

	_, err = guard.Acquire(ctx, "reading-4")
	assert.NoError(t, err)
}
