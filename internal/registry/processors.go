package registry

import (
	"context"

	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/SirClappington/gatehouse/internal/queue"
	"go.uber.org/zap"
)

// Mailer delivers email jobs.
type Mailer interface {
	SendEmail(ctx context.Context, job EmailJob) error
}

// SMSSender delivers text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, job SMSJob) error
}

// Notifier delivers push, in-app and webhook notifications.
type Notifier interface {
	Notify(ctx context.Context, job NotificationJob) error
}

// DataProcessor runs data-processing jobs.
type DataProcessor interface {
	ProcessData(ctx context.Context, job DataJob) error
}

// TaskRunner executes scheduled tasks.
type TaskRunner interface {
	RunTask(ctx context.Context, job ScheduledJob) error
}

// logSink is the default collaborator for every category: it only logs.
type logSink struct{ log *zap.Logger }

func (s logSink) SendEmail(_ context.Context, j EmailJob) error {
	s.log.Info("email sent", zap.Strings("to", j.To), zap.String("subject", j.Subject))
	return nil
}

func (s logSink) SendSMS(_ context.Context, j SMSJob) error {
	s.log.Info("sms sent", zap.Strings("to", j.To), zap.String("provider", j.Provider))
	return nil
}

func (s logSink) Notify(_ context.Context, j NotificationJob) error {
	s.log.Info("notification sent", zap.Strings("user_id", j.UserID), zap.String("type", j.Type))
	return nil
}

func (s logSink) ProcessData(_ context.Context, j DataJob) error {
	s.log.Info("data processed", zap.String("type", j.Type), zap.String("user_id", j.UserID))
	return nil
}

func (s logSink) RunTask(_ context.Context, j ScheduledJob) error {
	s.log.Info("scheduled task executed", zap.String("task_type", j.TaskType))
	return nil
}

type validator interface{ Validate() error }

// typed adapts a collaborator call into a queue.Processor. Undecodable or
// invalid payloads fail permanently; collaborator errors go through retry.
func typed[T validator](log *zap.Logger, event string, call func(context.Context, T) error) queue.Processor {
	return func(ctx context.Context, j *domain.Job) error {
		var payload T
		if err := j.Decode(&payload); err != nil {
			return queue.Permanent(invalid("decode: %v", err))
		}
		if err := payload.Validate(); err != nil {
			return queue.Permanent(err)
		}
		if err := call(ctx, payload); err != nil {
			log.Error(event+" failed", zap.String("job_id", j.ID), zap.Error(err))
			return err
		}
		log.Debug(event, zap.String("job_id", j.ID))
		return nil
	}
}

func (r *Registry) processorFor(c Category) queue.Processor {
	switch c {
	case Email:
		return typed(r.log, "email sent", r.mailer.SendEmail)
	case SMS:
		return typed(r.log, "sms sent", r.sms.SendSMS)
	case Notification:
		return typed(r.log, "notification sent", r.notifier.Notify)
	case DataProcessing:
		return typed(r.log, "data processed", r.data.ProcessData)
	case Scheduled:
		return typed(r.log, "scheduled task executed", r.tasks.RunTask)
	}
	return nil
}
