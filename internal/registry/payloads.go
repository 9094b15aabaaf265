package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrInvalidPayload is returned for typed jobs missing required fields.
var ErrInvalidPayload = errors.New("registry: invalid job payload")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// Recipients accepts either a single string or a list in JSON.
type Recipients []string

func (r *Recipients) UnmarshalJSON(b []byte) error {
	var one string
	if err := sonic.Unmarshal(b, &one); err == nil {
		if one == "" {
			*r = nil
			return nil
		}
		*r = Recipients{one}
		return nil
	}
	var many []string
	if err := sonic.Unmarshal(b, &many); err != nil {
		return err
	}
	*r = many
	return nil
}

type Attachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

type EmailJob struct {
	To          Recipients   `json:"to"`
	Subject     string       `json:"subject"`
	Content     string       `json:"content"`
	Template    string       `json:"template,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CC          []string     `json:"cc,omitempty"`
	BCC         []string     `json:"bcc,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
}

func (e EmailJob) Validate() error {
	if len(e.To) == 0 || e.Subject == "" || e.Content == "" {
		return invalid("to, subject and content are required")
	}
	return nil
}

type SMSJob struct {
	To       Recipients `json:"to"`
	Content  string     `json:"content"`
	Template string     `json:"template,omitempty"`
	// Priority is one of low, normal, high, urgent.
	Priority string `json:"priority,omitempty"`
	Provider string `json:"provider,omitempty"`
}

var smsPriorities = map[string]int{"low": 0, "normal": 1, "high": 2, "urgent": 3}

func (s SMSJob) Validate() error {
	if len(s.To) == 0 || s.Content == "" {
		return invalid("to and content are required")
	}
	if _, ok := smsPriorities[s.Priority]; s.Priority != "" && !ok {
		return invalid("unknown priority %q", s.Priority)
	}
	return nil
}

type NotificationJob struct {
	UserID Recipients `json:"userId"`
	// Type is one of push, in_app, webhook.
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Data     map[string]any `json:"data,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

func (n NotificationJob) Validate() error {
	if len(n.UserID) == 0 || n.Title == "" || n.Content == "" {
		return invalid("userId, title and content are required")
	}
	switch n.Type {
	case "push", "in_app", "webhook":
	default:
		return invalid("unknown notification type %q", n.Type)
	}
	return nil
}

type DataJob struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	UserID   string          `json:"userId,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

func (d DataJob) Validate() error {
	if d.Type == "" || len(d.Data) == 0 || string(d.Data) == "null" {
		return invalid("type and data are required")
	}
	return nil
}

type ScheduledJob struct {
	TaskType string         `json:"taskType"`
	Params   map[string]any `json:"params,omitempty"`
	// Schedule is the cron spec that produced the job, if any.
	Schedule string `json:"schedule,omitempty"`
}

func (s ScheduledJob) Validate() error {
	if s.TaskType == "" {
		return invalid("taskType is required")
	}
	return nil
}
