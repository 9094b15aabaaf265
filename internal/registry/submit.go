package registry

import (
	"context"

	"github.com/SirClappington/gatehouse/internal/queue"
)

func submit[T validator](ctx context.Context, q *queue.Queue, job T, opts ...queue.JobOption) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	return q.Enqueue(ctx, job, opts...)
}

func submitBatch[T validator](ctx context.Context, q *queue.Queue, jobs []T, opts ...queue.JobOption) ([]string, error) {
	specs := make([]queue.JobSpec, 0, len(jobs))
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		spec := queue.JobSpec{Data: j}
		for _, opt := range opts {
			opt(&spec)
		}
		specs = append(specs, spec)
	}
	return q.EnqueueBatch(ctx, specs)
}

func (r *Registry) SubmitEmail(ctx context.Context, job EmailJob, opts ...queue.JobOption) (string, error) {
	return submit(ctx, r.Email(), job, opts...)
}

func (r *Registry) SubmitEmails(ctx context.Context, jobs []EmailJob, opts ...queue.JobOption) ([]string, error) {
	return submitBatch(ctx, r.Email(), jobs, opts...)
}

// SubmitSMS maps the message priority onto the queue priority unless opts
// override it.
func (r *Registry) SubmitSMS(ctx context.Context, job SMSJob, opts ...queue.JobOption) (string, error) {
	if p, ok := smsPriorities[job.Priority]; ok && job.Priority != "" {
		opts = append([]queue.JobOption{queue.Priority(p)}, opts...)
	}
	return submit(ctx, r.SMS(), job, opts...)
}

func (r *Registry) SubmitSMSBatch(ctx context.Context, jobs []SMSJob, opts ...queue.JobOption) ([]string, error) {
	return submitBatch(ctx, r.SMS(), jobs, opts...)
}

func (r *Registry) SubmitNotification(ctx context.Context, job NotificationJob, opts ...queue.JobOption) (string, error) {
	return submit(ctx, r.Notification(), job, opts...)
}

func (r *Registry) SubmitData(ctx context.Context, job DataJob, opts ...queue.JobOption) (string, error) {
	return submit(ctx, r.DataProcessing(), job, opts...)
}

func (r *Registry) SubmitScheduled(ctx context.Context, job ScheduledJob, opts ...queue.JobOption) (string, error) {
	return submit(ctx, r.Scheduled(), job, opts...)
}
