package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playful-backend/internal/service"
)

func newTestQueue(t *testing.T) (service.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return service.NewRedisReconcileQueue(rdb, "jobs:reconcile", "jobs:reconcile:processing"), mr
}

func TestQueue_ClaimAckRoundtrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1"))

	id, err := q.ClaimBlocking(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	// the id is held, not lost: nobody else can claim it
	_, err = q.ClaimBlocking(ctx, 30*time.Millisecond)
	assert.ErrorIs(t, err, redis.Nil)

	require.NoError(t, q.Ack(ctx, "job-1"))

	moved, err := q.RequeueStale(ctx, 0, 100)
	require.NoError(t, err)
	assert.Zero(t, moved, "acked ids leave nothing to reap")
}

// A claim held by a live worker must survive reaper ticks, otherwise a
// second worker claims the same queued job and dispatches a duplicate run.
func TestQueue_ReaperLeavesLiveClaimsAlone(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	_, err := q.ClaimBlocking(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	moved, err := q.RequeueStale(ctx, time.Hour, 100)
	require.NoError(t, err)
	assert.Zero(t, moved, "fresh claim must not be requeued")

	_, err = q.ClaimBlocking(ctx, 30*time.Millisecond)
	assert.ErrorIs(t, err, redis.Nil, "no second claim while the first is in flight")
}

func TestQueue_ReaperRequeuesStaleClaims(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	_, err := q.ClaimBlocking(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	moved, err := q.RequeueStale(ctx, 5*time.Millisecond, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	id, err := q.ClaimBlocking(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

// Ids parked in processing with no claim stamp (crash before the stamp
// landed, or leftovers from older deployments) count as stale.
func TestQueue_ReaperRequeuesUnstampedIDs(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush("jobs:reconcile:processing", "orphan")
	require.NoError(t, err)

	moved, err := q.RequeueStale(ctx, time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	id, err := q.ClaimBlocking(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "orphan", id)
}
