package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Handler is the terminal call of a middleware chain.
type Handler func(ctx context.Context) error

// Middleware wraps a processor invocation. It must call next unless it
// short-circuits with an error.
type Middleware func(ctx context.Context, j *domain.Job, next Handler) error

// Chain composes middleware; the first element is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *domain.Job, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], h
			h = func(ctx context.Context) error { return mw(ctx, j, inner) }
		}
		return h(ctx)
	}
}

// Recover converts a processor panic into an error.
func Recover(log *zap.Logger) Middleware {
	return func(ctx context.Context, j *domain.Job, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("processor panicked",
					zap.String("job_id", j.ID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = fmt.Errorf("panic in job %s: %v", j.ID, r)
			}
		}()
		return next(ctx)
	}
}

// Logging logs the start and outcome of every invocation at debug level.
func Logging(log *zap.Logger) Middleware {
	return func(ctx context.Context, j *domain.Job, next Handler) error {
		log.Debug("job started", zap.String("job_id", j.ID), zap.Int("attempt", j.Attempts+1))
		start := time.Now()
		err := next(ctx)
		if err != nil {
			log.Debug("job returned error", zap.String("job_id", j.ID), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return err
		}
		log.Debug("job returned", zap.String("job_id", j.ID), zap.Duration("elapsed", time.Since(start)))
		return nil
	}
}

// Timeout bounds the processor with a deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *domain.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}

const meterName = "github.com/SirClappington/gatehouse/queue"

// Metrics records execution counts and durations on the global MeterProvider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter records:
//   - gatehouse.job.duration (seconds histogram)
//   - gatehouse.job.executions (counter)
//
// both with queue and status ("ok" | "error") attributes.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, _ := meter.Float64Histogram(
		"gatehouse.job.duration",
		metric.WithDescription("Duration of job processing in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"gatehouse.job.executions",
		metric.WithDescription("Number of job processing attempts"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, j *domain.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("queue", j.Queue),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
