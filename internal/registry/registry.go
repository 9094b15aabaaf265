// Package registry owns the live queue instances of a process and knows the
// preset queue categories and their canonical processors.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/gatehouse/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Category names a preset queue.
type Category string

const (
	Email          Category = "email"
	SMS            Category = "sms"
	Notification   Category = "notification"
	DataProcessing Category = "data-processing"
	Scheduled      Category = "scheduled"
)

// ProcessorName names the canonical processor of a category.
type ProcessorName string

const (
	SendEmail        ProcessorName = "sendEmail"
	SendSMS          ProcessorName = "sendSMS"
	SendNotification ProcessorName = "sendNotification"
	ProcessData      ProcessorName = "processData"
	ScheduledTask    ProcessorName = "scheduledTask"
)

type preset struct {
	cfg       queue.Config
	processor ProcessorName
}

var presets = map[Category]preset{
	Email:          {queue.Config{Name: string(Email), MaxAttempts: 3, RetryDelay: 10 * time.Second, Concurrency: 5, BatchSize: 20}, SendEmail},
	SMS:            {queue.Config{Name: string(SMS), MaxAttempts: 2, RetryDelay: 5 * time.Second, Concurrency: 10, BatchSize: 50}, SendSMS},
	Notification:   {queue.Config{Name: string(Notification), MaxAttempts: 2, RetryDelay: 3 * time.Second, Concurrency: 8, BatchSize: 30}, SendNotification},
	DataProcessing: {queue.Config{Name: string(DataProcessing), MaxAttempts: 3, RetryDelay: 15 * time.Second, Concurrency: 3, BatchSize: 10}, ProcessData},
	Scheduled:      {queue.Config{Name: string(Scheduled), MaxAttempts: 1, RetryDelay: 0, Concurrency: 2, BatchSize: 5}, ScheduledTask},
}

// Categories lists the preset categories in a stable order.
func Categories() []Category {
	return []Category{Email, SMS, Notification, DataProcessing, Scheduled}
}

// PresetConfig returns the queue configuration of a category.
func PresetConfig(c Category) (queue.Config, bool) {
	p, ok := presets[c]
	return p.cfg, ok
}

// CanonicalProcessor returns the processor name StartAll uses for a category.
func CanonicalProcessor(c Category) (ProcessorName, bool) {
	p, ok := presets[c]
	return p.processor, ok
}

type Registry struct {
	rdb      redis.UniversalClient
	log      *zap.Logger
	qopts    []queue.Option
	mailer   Mailer
	sms      SMSSender
	notifier Notifier
	data     DataProcessor
	tasks    TaskRunner

	mu     sync.Mutex
	queues map[string]*queue.Queue
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithQueueOptions applies opts to every queue the registry creates.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(r *Registry) { r.qopts = append(r.qopts, opts...) }
}

func WithMailer(m Mailer) Option               { return func(r *Registry) { r.mailer = m } }
func WithSMSSender(s SMSSender) Option         { return func(r *Registry) { r.sms = s } }
func WithNotifier(n Notifier) Option           { return func(r *Registry) { r.notifier = n } }
func WithDataProcessor(d DataProcessor) Option { return func(r *Registry) { r.data = d } }
func WithTaskRunner(t TaskRunner) Option       { return func(r *Registry) { r.tasks = t } }

func New(rdb redis.UniversalClient, opts ...Option) *Registry {
	r := &Registry{
		rdb:    rdb,
		log:    zap.NewNop(),
		queues: make(map[string]*queue.Queue),
	}
	for _, opt := range opts {
		opt(r)
	}
	sink := logSink{log: r.log.Named("sink")}
	if r.mailer == nil {
		r.mailer = sink
	}
	if r.sms == nil {
		r.sms = sink
	}
	if r.notifier == nil {
		r.notifier = sink
	}
	if r.data == nil {
		r.data = sink
	}
	if r.tasks == nil {
		r.tasks = sink
	}
	return r
}

// GetOrCreate returns the live queue named cfg.Name, creating it with cfg if
// absent. An existing queue keeps its original configuration.
func (r *Registry) GetOrCreate(cfg queue.Config) *queue.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(cfg)
}

func (r *Registry) getOrCreateLocked(cfg queue.Config) *queue.Queue {
	if q, ok := r.queues[cfg.Name]; ok {
		return q
	}
	opts := append([]queue.Option{queue.WithLogger(r.log)}, r.qopts...)
	q := queue.New(r.rdb, cfg, opts...)
	r.queues[q.Name()] = q
	r.log.Info("queue created",
		zap.String("queue", q.Name()),
		zap.Int("max_attempts", q.Config().MaxAttempts),
		zap.Int("concurrency", q.Config().Concurrency),
	)
	return q
}

// CreateCustom creates a queue with default settings for any zero field.
func (r *Registry) CreateCustom(cfg queue.Config) *queue.Queue {
	d := queue.DefaultConfig(cfg.Name)
	if cfg.MaxAttempts > 0 {
		d.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryDelay > 0 {
		d.RetryDelay = cfg.RetryDelay
	}
	if cfg.MaxRetryDelay > 0 {
		d.MaxRetryDelay = cfg.MaxRetryDelay
	}
	if cfg.Concurrency > 0 {
		d.Concurrency = cfg.Concurrency
	}
	if cfg.BatchSize > 0 {
		d.BatchSize = cfg.BatchSize
	}
	d.DefaultPriority = cfg.DefaultPriority
	return r.GetOrCreate(d)
}

// Preset returns the queue of a category with its canonical processor
// registered.
func (r *Registry) Preset(c Category) (*queue.Queue, bool) {
	p, ok := presets[c]
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.getOrCreateLocked(p.cfg)
	if !q.HasProcessor(string(p.processor)) {
		q.RegisterProcessor(string(p.processor), r.processorFor(c))
	}
	return q, true
}

func (r *Registry) mustPreset(c Category) *queue.Queue {
	q, _ := r.Preset(c)
	return q
}

func (r *Registry) Email() *queue.Queue          { return r.mustPreset(Email) }
func (r *Registry) SMS() *queue.Queue            { return r.mustPreset(SMS) }
func (r *Registry) Notification() *queue.Queue   { return r.mustPreset(Notification) }
func (r *Registry) DataProcessing() *queue.Queue { return r.mustPreset(DataProcessing) }
func (r *Registry) Scheduled() *queue.Queue      { return r.mustPreset(Scheduled) }

// EnsurePresets creates every preset queue.
func (r *Registry) EnsurePresets() {
	for _, c := range Categories() {
		r.mustPreset(c)
	}
}

func (r *Registry) Get(name string) (*queue.Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	return q, ok
}

// Names returns the registered queue names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.queues))
	for n := range r.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshot() []*queue.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	qs := make([]*queue.Queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	sort.Slice(qs, func(i, j int) bool { return qs[i].Name() < qs[j].Name() })
	return qs
}

// Remove stops and clears the named queue and forgets it. Removing an unknown
// name is a no-op. The queue stays registered if stopping or clearing fails,
// so the call can be retried.
func (r *Registry) Remove(ctx context.Context, name string) error {
	q, ok := r.Get(name)
	if !ok {
		return nil
	}
	if err := q.StopProcessing(ctx); err != nil {
		return err
	}
	if _, err := q.Clear(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	if r.queues[name] == q {
		delete(r.queues, name)
	}
	r.mu.Unlock()
	r.log.Info("queue removed", zap.String("queue", name))
	return nil
}

// ErrUnknownQueue is returned for operations on a queue the registry does not hold.
var ErrUnknownQueue = errors.New("registry: queue not found")

func categoryOf(p ProcessorName) (Category, bool) {
	for c, pr := range presets {
		if pr.processor == p {
			return c, true
		}
	}
	return "", false
}

// Start begins processing the named queue with processorName. A canonical
// processor name is registered on demand, so custom queues can run the
// preset handlers.
func (r *Registry) Start(ctx context.Context, name, processorName string, opts ...queue.ProcessOption) error {
	q, ok := r.Get(name)
	if !ok {
		return ErrUnknownQueue
	}
	if !q.HasProcessor(processorName) {
		if c, ok := categoryOf(ProcessorName(processorName)); ok {
			q.RegisterProcessor(processorName, r.processorFor(c))
		}
	}
	return q.StartProcessing(ctx, processorName, opts...)
}

// StartAll starts every idle queue whose name is a preset category with the
// category's canonical processor. Other queues are skipped with a warning.
func (r *Registry) StartAll(ctx context.Context) error {
	var errs error
	started := 0
	for _, q := range r.snapshot() {
		if q.Processing() {
			continue
		}
		c := Category(q.Name())
		p, ok := presets[c]
		if !ok {
			r.log.Warn("unknown queue type, not started", zap.String("queue", q.Name()))
			continue
		}
		if !q.HasProcessor(string(p.processor)) {
			q.RegisterProcessor(string(p.processor), r.processorFor(c))
		}
		if err := q.StartProcessing(ctx, string(p.processor)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		started++
	}
	r.log.Info("queues started", zap.Int("count", started))
	return errs
}

// StopAll stops every queue and returns the combined errors.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs error
	qs := r.snapshot()
	for _, q := range qs {
		errs = multierr.Append(errs, q.StopProcessing(ctx))
	}
	r.log.Info("queues stopped", zap.Int("count", len(qs)))
	return errs
}

// AllStats collects the stats of every queue concurrently.
func (r *Registry) AllStats(ctx context.Context) (map[string]queue.Stats, error) {
	qs := r.snapshot()
	out := make(map[string]queue.Stats, len(qs))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range qs {
		g.Go(func() error {
			st, err := q.Stats(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			out[q.Name()] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
