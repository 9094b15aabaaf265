package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// run is one StartProcessing..StopProcessing cycle.
type run struct {
	processor string
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	// done closes once every loop has exited and the queue is idle again.
	done chan struct{}
}

// StartProcessing spawns the delayed-promotion loop, the lease reaper and
// Concurrency worker loops running the named processor.
//
// Loops outlive ctx: they only observe StopProcessing. Values on ctx are kept.
func (q *Queue) StartProcessing(ctx context.Context, processorName string, opts ...ProcessOption) error {
	po := processOptions{retry: true, removeOnComplete: true, removeOnFail: true}
	for _, opt := range opts {
		opt(&po)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.run != nil {
		return ErrAlreadyProcessing
	}
	proc, ok := q.processors[processorName]
	if !ok {
		return &processorError{name: processorName}
	}

	mws := make([]Middleware, 0, len(q.opts.middleware)+2)
	mws = append(mws, Recover(q.log))
	mws = append(mws, q.opts.middleware...)
	if po.timeout > 0 {
		mws = append(mws, Timeout(po.timeout))
	}
	chain := Chain(mws...)

	r := &run{processor: processorName, stop: make(chan struct{}), done: make(chan struct{})}
	base := context.WithoutCancel(ctx)

	r.wg.Add(2 + q.cfg.Concurrency)
	go q.tickLoop(base, r, "promote", q.opts.promoteInterval, q.PromoteDue)
	go q.tickLoop(base, r, "reap", q.opts.reapInterval, q.ReapExpired)
	for i := 0; i < q.cfg.Concurrency; i++ {
		go q.workerLoop(base, r, i, proc, chain, po)
	}
	q.run = r
	go q.release(r)

	q.log.Info(q.tr.T(ctx, "queue.started"),
		zap.String("processor", processorName),
		zap.Int("concurrency", q.cfg.Concurrency),
	)
	return nil
}

type processorError struct{ name string }

func (e *processorError) Error() string { return ErrProcessorNotFound.Error() + ": " + e.name }
func (e *processorError) Unwrap() error { return ErrProcessorNotFound }

// release clears the run once all of its loops have exited. Until then the
// queue counts as processing, so a new run cannot overlap a stopping one.
func (q *Queue) release(r *run) {
	r.wg.Wait()
	q.mu.Lock()
	if q.run == r {
		q.run = nil
	}
	q.mu.Unlock()
	close(r.done)
}

// StopProcessing signals every loop to exit at its next iteration boundary and
// waits for them, or for ctx. Jobs already running are allowed to finish; if
// ctx ends first the queue stays processing until they do.
func (q *Queue) StopProcessing(ctx context.Context) error {
	q.mu.Lock()
	r := q.run
	q.mu.Unlock()
	if r == nil {
		return nil
	}
	r.stopOnce.Do(func() { close(r.stop) })

	select {
	case <-r.done:
		q.log.Info(q.tr.T(ctx, "queue.stopped"), zap.String("processor", r.processor))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processing reports whether worker loops are running.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.run != nil
}

// ProcessorName returns the processor of the current run, or "".
func (q *Queue) ProcessorName() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.run == nil {
		return ""
	}
	return q.run.processor
}

func (q *Queue) tickLoop(ctx context.Context, r *run, name string, every time.Duration, fn func(context.Context) (int, error)) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := fn(ctx); err != nil {
				q.log.Error("maintenance tick failed", zap.String("loop", name), zap.Error(err))
			}
		}
	}
}

func (q *Queue) workerLoop(ctx context.Context, r *run, worker int, proc Processor, chain Middleware, po processOptions) {
	defer r.wg.Done()
	log := q.log.With(zap.Int("worker", worker))
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		id, err := q.claim(ctx)
		if err != nil {
			log.Error("claim failed", zap.Error(err))
			if !sleep(r.stop, q.opts.errorBackoff) {
				return
			}
			continue
		}
		if id == "" {
			if !sleep(r.stop, q.opts.idleSleep) {
				return
			}
			continue
		}

		if err := q.process(ctx, id, proc, chain, po); err != nil {
			log.Error("job processing loop error", zap.String("job_id", id), zap.Error(err))
			if !sleep(r.stop, q.opts.errorBackoff) {
				return
			}
		}
	}
}

// sleep waits for d and reports false when stop fired first.
func sleep(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// claim pops the highest-priority waiting id and leases it. It returns "" when
// the waiting set is empty.
func (q *Queue) claim(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.opts.leaseTTL).UnixMilli()
	id, err := claimScript.Run(ctx, q.rdb, []string{q.keys.Waiting, q.keys.Active}, deadline).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", q.storeErr("claim", err)
	}
	return id, nil
}

// process runs one claimed job. Returned errors are store failures; processor
// failures are handled by the retry policy and never escape.
func (q *Queue) process(ctx context.Context, id string, proc Processor, chain Middleware, po processOptions) error {
	j, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		q.log.Warn("claimed job has no record, skipping", zap.String("job_id", id))
		return q.storeErr("release", q.rdb.ZRem(ctx, q.keys.Active, id).Err())
	}
	if err != nil {
		return err
	}

	start := time.Now()
	j.ProcessedAt = &start
	j.Status = domain.Processing
	if err := q.save(ctx, j); err != nil {
		return err
	}

	runErr := q.execute(ctx, j, proc, chain)
	elapsed := time.Since(start)
	if runErr == nil {
		return q.complete(ctx, j, po, elapsed)
	}
	return q.fail(ctx, j, runErr, po, elapsed)
}

func (q *Queue) execute(ctx context.Context, j *domain.Job, proc Processor, chain Middleware) error {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go q.heartbeat(hbCtx, j.ID)

	return chain(ctx, j, func(ctx context.Context) error {
		return proc(ctx, j)
	})
}

// heartbeat extends the lease of a running job until ctx is done. XX keeps a
// reaped job from being re-leased.
func (q *Queue) heartbeat(ctx context.Context, id string) {
	every := q.opts.leaseTTL / 3
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			deadline := time.Now().Add(q.opts.leaseTTL).UnixMilli()
			err := q.rdb.ZAddXX(ctx, q.keys.Active, redis.Z{Score: float64(deadline), Member: id}).Err()
			if err != nil && ctx.Err() == nil {
				q.log.Warn("lease extension failed", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
}

func (q *Queue) complete(ctx context.Context, j *domain.Job, po processOptions, elapsed time.Duration) error {
	now := time.Now()
	j.CompletedAt = &now
	j.Status = domain.Completed
	raw, err := encodeJob(j)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if po.removeOnComplete {
			q.pipeRemove(ctx, p, j.ID)
		} else {
			p.ZRem(ctx, q.keys.Active, j.ID)
			p.Set(ctx, q.keys.Job(j.ID), raw, q.opts.recordTTL)
		}
		p.HIncrBy(ctx, q.keys.Stats, "completed", 1)
		return nil
	})
	if err != nil {
		return q.storeErr("complete", err)
	}
	q.log.Info(q.tr.T(ctx, "queue.job_completed"),
		zap.String("job_id", j.ID),
		zap.Duration("duration", elapsed),
	)
	q.publish(ctx, EventCompleted, j)
	return nil
}

func (q *Queue) fail(ctx context.Context, j *domain.Job, runErr error, po processOptions, elapsed time.Duration) error {
	now := time.Now()
	j.Error = runErr.Error()

	if po.retry && !isPermanent(runErr) && j.Attempts+1 < j.MaxAttempts {
		j.Attempts++
		j.Status = domain.Delayed
		delay := retryDelay(q.cfg.RetryDelay, q.cfg.MaxRetryDelay, j.Attempts)
		due := now.Add(delay).UnixMilli()
		raw, err := encodeJob(j)
		if err != nil {
			return err
		}
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, q.keys.Job(j.ID), raw, q.opts.recordTTL)
			p.ZRem(ctx, q.keys.Active, j.ID)
			p.ZAdd(ctx, q.keys.Delayed, redis.Z{Score: float64(due), Member: j.ID})
			return nil
		})
		if err != nil {
			return q.storeErr("retry", err)
		}
		q.log.Warn(q.tr.T(ctx, "queue.job_retried"),
			zap.String("job_id", j.ID),
			zap.Int("attempts", j.Attempts),
			zap.Int("max_attempts", j.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Duration("duration", elapsed),
			zap.Error(runErr),
		)
		q.publish(ctx, EventRetried, j)
		return nil
	}

	j.Attempts++
	j.FailedAt = &now
	j.Status = domain.Failed
	raw, err := encodeJob(j)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if po.removeOnFail {
			q.pipeRemove(ctx, p, j.ID)
		} else {
			p.ZRem(ctx, q.keys.Active, j.ID)
			p.Set(ctx, q.keys.Job(j.ID), raw, q.opts.recordTTL)
		}
		p.HIncrBy(ctx, q.keys.Stats, "failed", 1)
		return nil
	})
	if err != nil {
		return q.storeErr("fail", err)
	}
	q.log.Error(q.tr.T(ctx, "queue.job_failed"),
		zap.String("job_id", j.ID),
		zap.Int("attempts", j.Attempts),
		zap.Int("max_attempts", j.MaxAttempts),
		zap.Duration("duration", elapsed),
		zap.Error(runErr),
	)
	q.publish(ctx, EventFailed, j)
	return nil
}
