package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/SirClappington/gatehouse/internal/apperr"
	"github.com/SirClappington/gatehouse/internal/queue"
	"github.com/SirClappington/gatehouse/internal/registry"
	"github.com/go-chi/chi/v5"
)

func (s *Server) queueRoutes(r chi.Router) {
	r.Get("/queues/stats", s.handle(s.allStats))
	r.Post("/queues/start", s.handle(s.startAll))
	r.Post("/queues/stop", s.handle(s.stopAll))

	r.Route("/queue", func(r chi.Router) {
		r.Post("/scheduled/cron", s.handle(s.addCron))
		r.Get("/scheduled/cron", s.handle(s.listCron))
		r.Delete("/scheduled/cron/{id}", s.handle(s.removeCron))

		r.Route("/{name}", func(r chi.Router) {
			r.Post("/", s.handle(s.createQueue))
			r.Delete("/", s.handle(s.removeQueue))
			r.Post("/jobs", s.handle(s.addJob))
			r.Post("/jobs/batch", s.handle(s.addJobs))
			r.Get("/jobs/{id}", s.handle(s.getJob))
			r.Delete("/jobs/{id}", s.handle(s.removeJob))
			r.Post("/start", s.handle(s.startQueue))
			r.Post("/stop", s.handle(s.stopQueue))
			r.Get("/stats", s.handle(s.queueStats))
			r.Delete("/clear", s.handle(s.clearQueue))
		})
	})
}

func unavailable(err error) error {
	return apperr.Wrap(err, apperr.Unavailable, "dependency unavailable")
}

func (s *Server) queue(r *http.Request) (*queue.Queue, error) {
	name := chi.URLParam(r, "name")
	q, ok := s.reg.Get(name)
	if !ok {
		return nil, withMsg(registry.ErrUnknownQueue, "queue.not_found", name)
	}
	return q, nil
}

// jobRequest is one job submission. Delay is in milliseconds.
type jobRequest struct {
	Data        json.RawMessage `json:"data"`
	Priority    *int            `json:"priority,omitempty"`
	Delay       int64           `json:"delay,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

func (j jobRequest) options() []queue.JobOption {
	opts := []queue.JobOption{
		queue.Delay(time.Duration(j.Delay) * time.Millisecond),
		queue.MaxAttempts(j.MaxAttempts),
		queue.Metadata(j.Metadata),
	}
	if j.Priority != nil {
		opts = append(opts, queue.Priority(*j.Priority))
	}
	return opts
}

func (j jobRequest) spec() queue.JobSpec {
	return queue.JobSpec{
		Data:        j.Data,
		Priority:    j.Priority,
		Delay:       time.Duration(j.Delay) * time.Millisecond,
		MaxAttempts: j.MaxAttempts,
		Metadata:    j.Metadata,
	}
}

func (s *Server) addJob(w http.ResponseWriter, r *http.Request) error {
	q, err := s.queue(r)
	if err != nil {
		return err
	}
	var req jobRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	id, err := q.Enqueue(r.Context(), req.Data, req.options()...)
	if err != nil {
		return err
	}
	s.ok(w, r, "queue.job_added", map[string]string{"jobId": id, "queueName": q.Name()})
	return nil
}

func (s *Server) addJobs(w http.ResponseWriter, r *http.Request) error {
	q, err := s.queue(r)
	if err != nil {
		return err
	}
	var req struct {
		Jobs []jobRequest `json:"jobs"`
	}
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if len(req.Jobs) == 0 {
		return apperr.New(apperr.Validation, "jobs must be a non-empty list")
	}
	specs := make([]queue.JobSpec, len(req.Jobs))
	for i, j := range req.Jobs {
		specs[i] = j.spec()
	}
	ids, err := q.EnqueueBatch(r.Context(), specs)
	if err != nil {
		return err
	}
	s.ok(w, r, "queue.jobs_added", map[string]any{"jobIds": ids, "queueName": q.Name()}, len(ids))
	return nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) error {
	q, err := s.queue(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "id")
	j, err := q.GetJob(r.Context(), id)
	if err != nil {
		return withMsg(err, "queue.job_not_found", id)
	}
	s.ok(w, r, "", j)
	return nil
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) error {
	q, err := s.queue(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "id")
	if err := q.RemoveJob(r.Context(), id); err != nil {
		return err
	}
	s.ok(w, r, "queue.job_removed", map[string]string{"jobId": id})
	return nil
}

// startRequest mirrors the queue process options. Nil fields keep defaults.
type startRequest struct {
	ProcessorName string `json:"processorName"`
	Options       struct {
		RemoveOnComplete *bool `json:"removeOnComplete,omitempty"`
		RemoveOnFail     *bool `json:"removeOnFail,omitempty"`
		Retry            *bool `json:"retry,omitempty"`
		TimeoutMs        int64 `json:"timeout,omitempty"`
	} `json:"options"`
}

func (req startRequest) processOptions() []queue.ProcessOption {
	var opts []queue.ProcessOption
	o := req.Options
	if o.RemoveOnComplete != nil && !*o.RemoveOnComplete {
		opts = append(opts, queue.KeepOnComplete())
	}
	if o.RemoveOnFail != nil && !*o.RemoveOnFail {
		opts = append(opts, queue.KeepOnFail())
	}
	if o.Retry != nil && !*o.Retry {
		opts = append(opts, queue.WithoutRetry())
	}
	if o.TimeoutMs > 0 {
		opts = append(opts, queue.WithTimeout(time.Duration(o.TimeoutMs)*time.Millisecond))
	}
	return opts
}

func (s *Server) startQueue(w http.ResponseWriter, r *http.Request) error {
	q, err := s.queue(r)
	if err != nil {
		return err
	}
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if req.ProcessorName == "" {
		return apperr.New(apperr.Validation, "processorName is required")
	}
	if err := s.reg.Start(r.Context(), q.Name(), req.ProcessorName, req.processOptions()...); err != nil {
		if errors.Is(err, queue.ErrProcessorNotFound) {
			return withMsg(err, "queue.processor_not_found", req.ProcessorName)
		}
		return err
	}
	s.ok(w, r, "queue.started", map[string]string{"queueName": q.Name(), "processorName": req.ProcessorName})
	return nil
}

func (s *Server) stopQueue(w http.ResponseWriter, r *http.Request) error {
	q, err := s.queue(r)
	if err != nil {
		return err
	}
	if err := q.StopProcessing(r.Context()); err != nil {
		return err
	}
	s.ok(w, r, "queue.stopped", map[string]string{"queueName": q.Name()})
	return nil
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) error {
	q, err := s.queue(r)
	if err != nil {
		return err
	}
	st, err := q.Stats(r.Context())
	if err != nil {
		return err
	}
	s.ok(w, r, "", map[string]any{
		"queueName":  q.Name(),
		"stats":      st,
		"processing": q.Processing(),
		"processor":  q.ProcessorName(),
	})
	return nil
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) error {
	q, err := s.queue(r)
	if err != nil {
		return err
	}
	n, err := q.Clear(r.Context())
	if err != nil {
		return err
	}
	s.ok(w, r, "queue.cleared", map[string]any{"queueName": q.Name(), "removedCount": n})
	return nil
}

// queueRequest configures a custom queue. Delays are in milliseconds.
type queueRequest struct {
	MaxAttempts     int   `json:"maxAttempts,omitempty"`
	DefaultPriority int   `json:"defaultPriority,omitempty"`
	RetryDelay      int64 `json:"retryDelay,omitempty"`
	MaxRetryDelay   int64 `json:"maxRetryDelay,omitempty"`
	Concurrency     int   `json:"concurrency,omitempty"`
	BatchSize       int   `json:"batchSize,omitempty"`
}

func (q queueRequest) config(name string) queue.Config {
	return queue.Config{
		Name:            name,
		MaxAttempts:     q.MaxAttempts,
		DefaultPriority: q.DefaultPriority,
		RetryDelay:      time.Duration(q.RetryDelay) * time.Millisecond,
		MaxRetryDelay:   time.Duration(q.MaxRetryDelay) * time.Millisecond,
		Concurrency:     q.Concurrency,
		BatchSize:       q.BatchSize,
	}
}

func (s *Server) createCustom(w http.ResponseWriter, r *http.Request, name string, req queueRequest) error {
	if name == "" {
		return apperr.New(apperr.Validation, "queue name is required")
	}
	if _, exists := s.reg.Get(name); exists {
		return apperr.WithCode(apperr.Newf(apperr.Conflict, "queue %s already exists", name), "QUEUE_EXISTS")
	}
	q := s.reg.CreateCustom(req.config(name))
	s.ok(w, r, "", q.Config())
	return nil
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) error {
	var req queueRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	return s.createCustom(w, r, chi.URLParam(r, "name"), req)
}

func (s *Server) removeQueue(w http.ResponseWriter, r *http.Request) error {
	q, err := s.queue(r)
	if err != nil {
		return err
	}
	if err := s.reg.Remove(r.Context(), q.Name()); err != nil {
		return err
	}
	s.ok(w, r, "", map[string]string{"queueName": q.Name()})
	return nil
}

func (s *Server) allStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := s.reg.AllStats(r.Context())
	if err != nil {
		return err
	}
	s.ok(w, r, "", map[string]any{"queues": stats, "total": len(stats)})
	return nil
}

func (s *Server) startAll(w http.ResponseWriter, r *http.Request) error {
	if err := s.reg.StartAll(r.Context()); err != nil {
		return err
	}
	s.ok(w, r, "queue.started", map[string]any{"queues": s.reg.Names()})
	return nil
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) error {
	if err := s.reg.StopAll(r.Context()); err != nil {
		return err
	}
	s.ok(w, r, "queue.stopped", map[string]any{"queues": s.reg.Names()})
	return nil
}
