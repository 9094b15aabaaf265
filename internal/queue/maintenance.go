package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maintenanceBatch = 200

// errLeaseExpired is recorded on jobs whose worker stopped renewing the lease.
var errLeaseExpired = errors.New("lease expired before the job finished")

// transition rewrites a job leaving src and reports whether it failed for good.
type transition func(j *domain.Job, now time.Time) (exhausted bool)

// PromoteDue moves delayed jobs whose due time has passed into the waiting
// set at their stored priority and returns how many were moved. Concurrent
// callers never duplicate a job, and a job rescheduled after it was read is
// left alone.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	moved, _, err := q.sweep(ctx, "promote", q.keys.Delayed, promoteScript, func(j *domain.Job, _ time.Time) bool {
		j.Status = domain.Waiting
		return false
	})
	return moved, err
}

// ReapExpired handles jobs whose lease deadline has passed. Each one counts
// as a failed attempt: it goes back to the waiting set, or fails for good once
// its attempts are used up. It returns how many were requeued.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	requeued, failed, err := q.sweep(ctx, "reap", q.keys.Active, reapScript, func(j *domain.Job, now time.Time) bool {
		j.Attempts++
		j.Error = errLeaseExpired.Error()
		if j.Attempts >= j.MaxAttempts {
			j.Status = domain.Failed
			j.FailedAt = &now
			return true
		}
		j.Status = domain.Waiting
		return false
	})
	if requeued > 0 {
		q.log.Warn("requeued jobs with expired leases", zap.Int("count", requeued))
	}
	for _, j := range failed {
		q.log.Error(q.tr.T(ctx, "queue.job_failed"),
			zap.String("job_id", j.ID),
			zap.Int("attempts", j.Attempts),
			zap.Int("max_attempts", j.MaxAttempts),
			zap.Error(errLeaseExpired),
		)
		q.publish(ctx, EventFailed, j)
	}
	return requeued, err
}

// sweep applies next to every member of src scored at or below now. The move
// itself runs in script, which rechecks the score and the record atomically.
func (q *Queue) sweep(ctx context.Context, op, src string, script *redis.Script, next transition) (int, []*domain.Job, error) {
	now := time.Now()
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, src, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   nowMs,
		Count: maintenanceBatch,
	}).Result()
	if err != nil {
		return 0, nil, q.storeErr(op, err)
	}

	moved := 0
	var failed []*domain.Job
	for _, id := range ids {
		keys := []string{src, q.keys.Waiting, q.keys.Job(id), q.keys.Stats}
		raw, err := q.rdb.Get(ctx, q.keys.Job(id)).Result()
		if errors.Is(err, redis.Nil) {
			// Record expired or removed; drop the dangling member.
			if _, err := script.Run(ctx, q.rdb, keys, id, 0, nowMs, "", "", 0, "0").Int(); err != nil {
				return moved, failed, q.storeErr(op, err)
			}
			continue
		}
		if err != nil {
			return moved, failed, q.storeErr(op, err)
		}

		j, err := decodeJob([]byte(raw))
		if err != nil {
			return moved, failed, err
		}
		exhausted := next(j, now)
		updated, err := encodeJob(j)
		if err != nil {
			return moved, failed, err
		}
		flag := "0"
		if exhausted {
			flag = "1"
		}
		res, err := script.Run(ctx, q.rdb, keys,
			id, j.Priority, nowMs, raw, updated, q.opts.recordTTL.Milliseconds(), flag,
		).Int()
		if err != nil {
			return moved, failed, q.storeErr(op, err)
		}
		switch res {
		case 1:
			moved++
		case 2:
			failed = append(failed, j)
		}
	}
	return moved, failed, nil
}
