// Package schedule enqueues recurring scheduled tasks on cron specs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/gatehouse/internal/registry"
	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	// ErrEntryNotFound is returned when removing an unknown entry.
	ErrEntryNotFound = errors.New("schedule: entry not found")
	ErrInvalidSpec   = errors.New("schedule: invalid spec")
)

// parser accepts standard 5-field specs and descriptors such as "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// EnqueueFunc submits one scheduled task.
type EnqueueFunc func(ctx context.Context, job registry.ScheduledJob) (string, error)

type Entry struct {
	ID      int                   `json:"id"`
	Spec    string                `json:"spec"`
	Job     registry.ScheduledJob `json:"job"`
	Next    time.Time             `json:"next"`
	Prev    time.Time             `json:"prev,omitempty"`
	LastJob string                `json:"lastJobId,omitempty"`
	LastErr string                `json:"lastError,omitempty"`
	Created time.Time             `json:"createdAt"`
}

type Scheduler struct {
	c       *cronlib.Cron
	enqueue EnqueueFunc
	log     *zap.Logger

	mu      sync.Mutex
	entries map[cronlib.EntryID]*Entry
}

func New(enqueue EnqueueFunc, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		c:       cronlib.New(cronlib.WithParser(parser), cronlib.WithLocation(time.UTC)),
		enqueue: enqueue,
		log:     log,
		entries: make(map[cronlib.EntryID]*Entry),
	}
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// Add registers job to be enqueued on every activation of spec.
func (s *Scheduler) Add(spec string, job registry.ScheduledJob) (Entry, error) {
	if err := job.Validate(); err != nil {
		return Entry{}, err
	}
	if err := Validate(spec); err != nil {
		return Entry{}, fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}
	job.Schedule = spec

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &Entry{Spec: spec, Job: job, Created: time.Now().UTC()}
	id, err := s.c.AddFunc(spec, func() { s.fire(e) })
	if err != nil {
		return Entry{}, fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}
	e.ID = int(id)
	s.entries[id] = e
	s.log.Info("cron entry added", zap.Int("entry_id", e.ID), zap.String("spec", spec), zap.String("task_type", job.TaskType))
	return s.viewLocked(id, e), nil
}

func (s *Scheduler) fire(e *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := s.enqueue(ctx, e.Job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		e.LastErr = err.Error()
		s.log.Error("cron enqueue failed", zap.Int("entry_id", e.ID), zap.Error(err))
		return
	}
	e.LastJob, e.LastErr = id, ""
	s.log.Debug("cron fired", zap.Int("entry_id", e.ID), zap.String("job_id", id))
}

// Remove unregisters an entry.
func (s *Scheduler) Remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	eid := cronlib.EntryID(id)
	if _, ok := s.entries[eid]; !ok {
		return ErrEntryNotFound
	}
	s.c.Remove(eid)
	delete(s.entries, eid)
	s.log.Info("cron entry removed", zap.Int("entry_id", id))
	return nil
}

// Entries returns every entry ordered by id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, s.viewLocked(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) viewLocked(id cronlib.EntryID, e *Entry) Entry {
	v := *e
	ce := s.c.Entry(id)
	v.Next, v.Prev = ce.Next, ce.Prev
	return v
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop halts activations and waits for running enqueues, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
