package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Waiting    Status = "waiting"
	Delayed    Status = "delayed"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Job is one unit of work. It is stored as JSON under queue:<name>:job:<id>.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Data        json.RawMessage `json:"data"`
	Priority    int             `json:"priority"`
	Delay       int64           `json:"delay"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}
