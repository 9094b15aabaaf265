package queue

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// newID embeds the queue name, the submission time and two random parts so
// ids are unique and roughly ordered by creation.
func newID(queue string, now time.Time) string {
	rnd := strconv.FormatUint(rand.Uint64(), 36)
	if len(rnd) > 9 {
		rnd = rnd[:9]
	}
	return queue + ":" + strconv.FormatInt(now.UnixMilli(), 10) + ":" + rnd + ":" + uuid.NewString()[:8]
}

func (q *Queue) newJob(spec JobSpec, now time.Time) (*domain.Job, error) {
	data, err := encodeData(spec.Data)
	if err != nil {
		return nil, err
	}
	if spec.Delay < 0 {
		return nil, ErrNegativeDelay
	}
	j := &domain.Job{
		ID:          newID(q.cfg.Name, now),
		Queue:       q.cfg.Name,
		Data:        data,
		Priority:    q.cfg.DefaultPriority,
		Delay:       spec.Delay.Milliseconds(),
		Status:      domain.Waiting,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   now,
		Metadata:    spec.Metadata,
	}
	if spec.Priority != nil {
		j.Priority = *spec.Priority
	}
	if spec.MaxAttempts > 0 {
		j.MaxAttempts = spec.MaxAttempts
	}
	if spec.Delay > 0 {
		j.Status = domain.Delayed
	}
	return j, nil
}

func encodeData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, ErrDataRequired
	}
	var raw []byte
	switch d := v.(type) {
	case json.RawMessage:
		raw = d
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrDataRequired
	}
	return json.RawMessage(raw), nil
}

// encodeJob uses encoding/json for writes; records are decoded with sonic.
func encodeJob(j *domain.Job) ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(raw []byte) (*domain.Job, error) {
	var j domain.Job
	if err := sonic.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
