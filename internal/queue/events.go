package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

type EventType string

const (
	EventCompleted EventType = "completed"
	EventRetried   EventType = "retried"
	EventFailed    EventType = "failed"
)

// Event is published on the queue's events channel after each outcome.
type Event struct {
	Type     EventType `json:"type"`
	Queue    string    `json:"queue"`
	JobID    string    `json:"jobId"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// publish is best effort: a failed publish never changes the job outcome.
func (q *Queue) publish(ctx context.Context, typ EventType, j *domain.Job) {
	ev := Event{
		Type:     typ,
		Queue:    q.cfg.Name,
		JobID:    j.ID,
		Attempts: j.Attempts,
		At:       time.Now().UTC(),
	}
	if typ != EventCompleted {
		ev.Error = j.Error
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.rdb.Publish(ctx, q.keys.Events, raw).Err(); err != nil {
		q.log.Debug("event publish failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// Subscribe streams lifecycle events until ctx is done. The subscription is
// confirmed before Subscribe returns.
func (q *Queue) Subscribe(ctx context.Context) (<-chan Event, error) {
	ps := q.rdb.Subscribe(ctx, q.keys.Events)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, q.storeErr("subscribe", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := sonic.UnmarshalString(m.Payload, &ev); err != nil {
					q.log.Warn("undecodable event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
