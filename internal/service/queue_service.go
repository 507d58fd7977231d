package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueStale(ctx context.Context, olderThan time.Duration, max int64) (int64, error)
}

// redisReconcileQueue implements a reliable queue over Redis lists.
// Claim: BRPOPLPUSH queue -> processing, so an id is held by exactly one
// worker until it is acked; the claim time is stamped in claimsKey.
// Ack: LREM from processing + HDEL the stamp. If a worker dies mid-claim
// the id sits in processing until its stamp ages past the reaper TTL.
type redisReconcileQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
	claimsKey     string
}

func NewRedisReconcileQueue(rdb *redis.Client, queueKey, processingKey string) Queue {
	return &redisReconcileQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: processingKey,
		claimsKey:     processingKey + ":claims",
	}
}

func (q *redisReconcileQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueKey, jobID).Err()
}

// ClaimBlocking waits up to timeout for an id. timeout <= 0 means wait in
// one-second slots forever (worker daemon mode). Returns redis.Nil when
// nothing arrived in time.
func (q *redisReconcileQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		wait := slot
		if !forever {
			remain := time.Until(deadline)
			if remain <= 0 {
				return "", redis.Nil
			}
			if remain < wait {
				wait = remain
			}
		}

		id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, wait).Result()
		if err == nil {
			// stamp the claim so the reaper leaves live workers alone;
			// a failed stamp only makes this claim reap-eligible early
			_ = q.rdb.HSet(ctx, q.claimsKey, id, strconv.FormatInt(time.Now().UnixNano(), 10)).Err()
			return id, nil
		}
		if errors.Is(err, redis.Nil) {
			// nothing arrived in this slot; deadline check at the top decides
			continue
		}
		return "", err
	}
}

func (q *redisReconcileQueue) Ack(ctx context.Context, jobID string) error {
	if err := q.rdb.LRem(ctx, q.processingKey, 1, jobID).Err(); err != nil {
		return err
	}
	_ = q.rdb.HDel(ctx, q.claimsKey, jobID).Err()
	return nil
}

// RequeueStale moves ids from processing back to the queue, but only ids
// whose claim stamp is older than olderThan (or missing entirely). A live
// worker mid-claim keeps its id: реап только протухших claims, иначе
// второй воркер может схватить тот же job.
func (q *redisReconcileQueue) RequeueStale(ctx context.Context, olderThan time.Duration, max int64) (int64, error) {
	ids, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan).UnixNano()
	var moved int64

	for _, id := range ids {
		if moved >= max {
			break
		}

		stamp, err := q.rdb.HGet(ctx, q.claimsKey, id).Result()
		if err == nil {
			if ns, perr := strconv.ParseInt(stamp, 10, 64); perr == nil && ns > cutoff {
				continue // claim still live
			}
		} else if !errors.Is(err, redis.Nil) {
			return moved, err
		}

		// stale or unstamped claim; n == 0 means a worker acked it
		// between LRange and here
		n, err := q.rdb.LRem(ctx, q.processingKey, 1, id).Result()
		if err != nil {
			return moved, err
		}
		if n == 0 {
			continue
		}
		_ = q.rdb.HDel(ctx, q.claimsKey, id).Err()
		if err := q.rdb.LPush(ctx, q.queueKey, id).Err(); err != nil {
			return moved, err
		}
		moved++
	}

	return moved, nil
}
