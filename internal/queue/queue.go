// Package queue implements a Redis-backed priority job queue with delayed
// execution, leases and exponential-backoff retry.
//
// Each queue keeps a waiting set scored by priority, a delayed set scored by
// due time in unix milliseconds, an active set scored by lease deadline, and
// one JSON record per job. All state lives in Redis; worker loops coordinate
// only through atomic store operations.
package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/SirClappington/gatehouse/internal/i18n"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Processor handles one job. Returning an error triggers the retry policy.
type Processor func(ctx context.Context, job *domain.Job) error

// Stats is a snapshot of queue counters.
type Stats struct {
	Waiting    int64 `json:"waiting"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

type Queue struct {
	rdb  redis.UniversalClient
	cfg  Config
	keys keySet
	opts options
	log  *zap.Logger
	tr   i18n.Translator

	mu         sync.Mutex
	processors map[string]Processor
	run        *run
}

// New creates a queue handle. Zero config values fall back to defaults.
func New(rdb redis.UniversalClient, cfg Config, opts ...Option) *Queue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	return &Queue{
		rdb:        rdb,
		cfg:        cfg,
		keys:       keysFor(cfg.Name),
		opts:       o,
		log:        o.log.With(zap.String("queue", cfg.Name)),
		tr:         o.tr,
		processors: make(map[string]Processor),
	}
}

func (q *Queue) Name() string   { return q.cfg.Name }
func (q *Queue) Config() Config { return q.cfg }

// Enqueue stores a job and makes it eligible immediately or after its delay.
func (q *Queue) Enqueue(ctx context.Context, data any, opts ...JobOption) (string, error) {
	spec := JobSpec{Data: data}
	for _, opt := range opts {
		opt(&spec)
	}
	now := time.Now()
	j, err := q.newJob(spec, now)
	if err != nil {
		return "", err
	}
	raw, err := encodeJob(j)
	if err != nil {
		return "", err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		q.pipeAdd(ctx, p, j, raw, now)
		return nil
	})
	if err != nil {
		q.log.Error("enqueue failed", zap.Error(err))
		return "", q.storeErr("enqueue", err)
	}
	q.log.Info(q.tr.T(ctx, "queue.job_added"),
		zap.String("job_id", j.ID),
		zap.Int("priority", j.Priority),
		zap.Int64("delay_ms", j.Delay),
	)
	return j.ID, nil
}

// EnqueueBatch validates every spec and submits all jobs in one pipeline.
// Partial application is only possible on transport failure.
func (q *Queue) EnqueueBatch(ctx context.Context, specs []JobSpec) ([]string, error) {
	now := time.Now()
	jobs := make([]*domain.Job, 0, len(specs))
	raws := make([][]byte, 0, len(specs))
	for _, s := range specs {
		j, err := q.newJob(s, now)
		if err != nil {
			return nil, err
		}
		raw, err := encodeJob(j)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
		raws = append(raws, raw)
	}
	if len(jobs) == 0 {
		return []string{}, nil
	}
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, j := range jobs {
			q.pipeAdd(ctx, p, j, raws[i], now)
		}
		return nil
	})
	if err != nil {
		q.log.Error("batch enqueue failed", zap.Int("count", len(jobs)), zap.Error(err))
		return nil, q.storeErr("enqueue batch", err)
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	q.log.Info(q.tr.T(ctx, "queue.jobs_added", len(ids)), zap.Int("count", len(ids)))
	return ids, nil
}

func (q *Queue) pipeAdd(ctx context.Context, p redis.Pipeliner, j *domain.Job, raw []byte, now time.Time) {
	p.Set(ctx, q.keys.Job(j.ID), raw, q.opts.recordTTL)
	if j.Delay > 0 {
		due := now.UnixMilli() + j.Delay
		p.ZAdd(ctx, q.keys.Delayed, redis.Z{Score: float64(due), Member: j.ID})
		return
	}
	p.ZAdd(ctx, q.keys.Waiting, redis.Z{Score: float64(j.Priority), Member: j.ID})
}

// RegisterProcessor adds or replaces a named processor.
func (q *Queue) RegisterProcessor(name string, p Processor) {
	q.mu.Lock()
	_, replaced := q.processors[name]
	q.processors[name] = p
	q.mu.Unlock()
	if replaced {
		q.log.Warn("processor replaced", zap.String("processor", name))
		return
	}
	q.log.Info("processor registered", zap.String("processor", name))
}

// HasProcessor reports whether name is registered.
func (q *Queue) HasProcessor(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.processors[name]
	return ok
}

// GetJob loads a job record. It returns ErrJobNotFound when the record is
// absent.
func (q *Queue) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	raw, err := q.rdb.Get(ctx, q.keys.Job(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, q.storeErr("get job", err)
	}
	j, err := decodeJob(raw)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (q *Queue) save(ctx context.Context, j *domain.Job) error {
	raw, err := encodeJob(j)
	if err != nil {
		return err
	}
	return q.storeErr("save job", q.rdb.Set(ctx, q.keys.Job(j.ID), raw, q.opts.recordTTL).Err())
}

// RemoveJob deletes the record and every set membership of id. Removing an
// unknown id succeeds.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		q.pipeRemove(ctx, p, id)
		return nil
	})
	if err != nil {
		q.log.Error("remove job failed", zap.String("job_id", id), zap.Error(err))
		return q.storeErr("remove job", err)
	}
	q.log.Info(q.tr.T(ctx, "queue.job_removed"), zap.String("job_id", id))
	return nil
}

func (q *Queue) pipeRemove(ctx context.Context, p redis.Pipeliner, id string) {
	p.Del(ctx, q.keys.Job(id))
	p.ZRem(ctx, q.keys.Waiting, id)
	p.ZRem(ctx, q.keys.Delayed, id)
	p.ZRem(ctx, q.keys.Active, id)
}

// Clear removes every job of the queue together with its sets and counters,
// and returns the number of jobs removed.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	sets := []string{q.keys.Waiting, q.keys.Delayed, q.keys.Active}
	cmds := make([]*redis.StringSliceCmd, len(sets))
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range sets {
			cmds[i] = p.ZRange(ctx, k, 0, -1)
		}
		return nil
	})
	if err != nil {
		return 0, q.storeErr("clear", err)
	}
	seen := make(map[string]struct{})
	for _, c := range cmds {
		for _, id := range c.Val() {
			seen[id] = struct{}{}
		}
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for id := range seen {
			p.Del(ctx, q.keys.Job(id))
		}
		p.Del(ctx, q.keys.Waiting, q.keys.Delayed, q.keys.Active, q.keys.Stats)
		return nil
	})
	if err != nil {
		return 0, q.storeErr("clear", err)
	}
	q.log.Info(q.tr.T(ctx, "queue.cleared"), zap.Int("count", len(seen)))
	return len(seen), nil
}

// Stats returns exact set cardinalities and the completed/failed counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var waiting, delayed, active *redis.IntCmd
	var counters *redis.SliceCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.ZCard(ctx, q.keys.Waiting)
		delayed = p.ZCard(ctx, q.keys.Delayed)
		active = p.ZCard(ctx, q.keys.Active)
		counters = p.HMGet(ctx, q.keys.Stats, "completed", "failed")
		return nil
	})
	if err != nil {
		return Stats{}, q.storeErr("stats", err)
	}
	vals := counters.Val()
	return Stats{
		Waiting:    waiting.Val(),
		Delayed:    delayed.Val(),
		Processing: active.Val(),
		Completed:  counterValue(vals, 0),
		Failed:     counterValue(vals, 1),
	}, nil
}

func counterValue(vals []any, i int) int64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	s, ok := vals[i].(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
