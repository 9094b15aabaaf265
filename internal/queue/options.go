package queue

import (
	"time"

	"github.com/SirClappington/gatehouse/internal/i18n"
	"go.uber.org/zap"
)

// Config is the per-queue configuration.
type Config struct {
	Name            string        `json:"name"`
	MaxAttempts     int           `json:"maxAttempts"`
	DefaultPriority int           `json:"defaultPriority"`
	RetryDelay      time.Duration `json:"retryDelay"`
	// MaxRetryDelay caps the exponential backoff. Zero means uncapped.
	MaxRetryDelay time.Duration `json:"maxRetryDelay,omitempty"`
	Concurrency   int           `json:"concurrency"`
	BatchSize     int           `json:"batchSize"`
}

// DefaultConfig returns the configuration used for queues created without
// explicit settings.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxAttempts: 3,
		RetryDelay:  5 * time.Second,
		Concurrency: 1,
		BatchSize:   10,
	}
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

type options struct {
	log             *zap.Logger
	tr              i18n.Translator
	recordTTL       time.Duration
	promoteInterval time.Duration
	reapInterval    time.Duration
	idleSleep       time.Duration
	errorBackoff    time.Duration
	leaseTTL        time.Duration
	middleware      []Middleware
}

func defaultOptions() options {
	return options{
		log:             zap.NewNop(),
		tr:              i18n.Nop{},
		recordTTL:       24 * time.Hour,
		promoteInterval: time.Second,
		reapInterval:    5 * time.Second,
		idleSleep:       time.Second,
		errorBackoff:    5 * time.Second,
		leaseTTL:        60 * time.Second,
	}
}

// Option configures a Queue.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithTranslator(t i18n.Translator) Option {
	return func(o *options) {
		if t != nil {
			o.tr = t
		}
	}
}

// WithRecordTTL sets how long job records live in the store.
func WithRecordTTL(d time.Duration) Option {
	return func(o *options) { o.recordTTL = d }
}

// WithPromoteInterval sets the delayed-promotion tick.
func WithPromoteInterval(d time.Duration) Option {
	return func(o *options) { o.promoteInterval = d }
}

// WithReapInterval sets how often expired leases are checked.
func WithReapInterval(d time.Duration) Option {
	return func(o *options) { o.reapInterval = d }
}

// WithIdleSleep sets how long a worker sleeps when the waiting set is empty.
func WithIdleSleep(d time.Duration) Option {
	return func(o *options) { o.idleSleep = d }
}

// WithErrorBackoff sets how long a loop pauses after a store error.
func WithErrorBackoff(d time.Duration) Option {
	return func(o *options) { o.errorBackoff = d }
}

// WithLeaseTTL sets the visibility timeout of a claimed job. A job whose lease
// expires without completion is put back into the waiting set by the reaper.
func WithLeaseTTL(d time.Duration) Option {
	return func(o *options) { o.leaseTTL = d }
}

// WithMiddleware appends processor middleware.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *options) { o.middleware = append(o.middleware, mw...) }
}

// JobSpec describes one job to enqueue.
type JobSpec struct {
	Data any `json:"data"`
	// Priority overrides the queue default when set.
	Priority    *int           `json:"priority,omitempty"`
	Delay       time.Duration  `json:"delay,omitempty"`
	MaxAttempts int            `json:"maxAttempts,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// JobOption configures a single Enqueue call.
type JobOption func(*JobSpec)

func Priority(p int) JobOption {
	return func(s *JobSpec) { s.Priority = &p }
}

func Delay(d time.Duration) JobOption {
	return func(s *JobSpec) { s.Delay = d }
}

func MaxAttempts(n int) JobOption {
	return func(s *JobSpec) { s.MaxAttempts = n }
}

func Metadata(m map[string]any) JobOption {
	return func(s *JobSpec) { s.Metadata = m }
}

type processOptions struct {
	retry            bool
	removeOnComplete bool
	removeOnFail     bool
	timeout          time.Duration
}

// ProcessOption configures StartProcessing.
type ProcessOption func(*processOptions)

// WithoutRetry fails jobs terminally on their first error.
func WithoutRetry() ProcessOption {
	return func(o *processOptions) { o.retry = false }
}

// KeepOnComplete retains completed job records until their TTL expires.
func KeepOnComplete() ProcessOption {
	return func(o *processOptions) { o.removeOnComplete = false }
}

// KeepOnFail retains terminally failed job records until their TTL expires.
func KeepOnFail() ProcessOption {
	return func(o *processOptions) { o.removeOnFail = false }
}

// WithTimeout bounds each processor invocation.
func WithTimeout(d time.Duration) ProcessOption {
	return func(o *processOptions) { o.timeout = d }
}
