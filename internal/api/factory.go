package api

import (
	"net/http"
	"time"

	"github.com/SirClappington/gatehouse/internal/apperr"
	"github.com/SirClappington/gatehouse/internal/queue"
	"github.com/SirClappington/gatehouse/internal/registry"
	"github.com/go-chi/chi/v5"
)

// factoryRoutes submit typed jobs to the preset queues.
func (s *Server) factoryRoutes(r chi.Router) {
	r.Route("/queue-factory", func(r chi.Router) {
		r.Get("/presets", s.handle(s.presets))
		r.Get("/stats", s.handle(s.allStats))
		r.Post("/start", s.handle(s.startAll))
		r.Post("/stop", s.handle(s.stopAll))
		r.Post("/email", s.handle(s.submitEmail))
		r.Post("/email/batch", s.handle(s.submitEmails))
		r.Post("/sms", s.handle(s.submitSMS))
		r.Post("/sms/batch", s.handle(s.submitSMSBatch))
		r.Post("/notification", s.handle(s.submitNotification))
		r.Post("/data-processing", s.handle(s.submitData))
		r.Post("/scheduled", s.handle(s.submitScheduled))
		r.Post("/custom", s.handle(s.createFactoryCustom))
	})
}

type presetView struct {
	Category     string `json:"category"`
	Processor    string `json:"processor"`
	MaxAttempts  int    `json:"maxAttempts"`
	RetryDelayMs int64  `json:"retryDelay"`
	Concurrency  int    `json:"concurrency"`
	BatchSize    int    `json:"batchSize"`
}

func (s *Server) presets(w http.ResponseWriter, r *http.Request) error {
	out := make([]presetView, 0, len(registry.Categories()))
	for _, c := range registry.Categories() {
		cfg, _ := registry.PresetConfig(c)
		proc, _ := registry.CanonicalProcessor(c)
		out = append(out, presetView{
			Category:     string(c),
			Processor:    string(proc),
			MaxAttempts:  cfg.MaxAttempts,
			RetryDelayMs: cfg.RetryDelay.Milliseconds(),
			Concurrency:  cfg.Concurrency,
			BatchSize:    cfg.BatchSize,
		})
	}
	s.ok(w, r, "success", out)
	return nil
}

// submitOpts are the scheduling fields accepted next to a typed payload.
// Delay is in milliseconds.
type submitOpts struct {
	Priority *int  `json:"priority,omitempty"`
	Delay    int64 `json:"delay,omitempty"`
}

func (o submitOpts) options() []queue.JobOption {
	opts := []queue.JobOption{queue.Delay(time.Duration(o.Delay) * time.Millisecond)}
	if o.Priority != nil {
		opts = append(opts, queue.Priority(*o.Priority))
	}
	return opts
}

func (s *Server) submitted(w http.ResponseWriter, r *http.Request, queueName, id string, err error) error {
	if err != nil {
		return err
	}
	s.ok(w, r, "queue.job_added", map[string]string{"jobId": id, "queueName": queueName})
	return nil
}

func (s *Server) submittedBatch(w http.ResponseWriter, r *http.Request, queueName string, ids []string, err error) error {
	if err != nil {
		return err
	}
	s.ok(w, r, "queue.jobs_added", map[string]any{"jobIds": ids, "queueName": queueName}, len(ids))
	return nil
}

func (s *Server) submitEmail(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		registry.EmailJob
		Priority *int  `json:"priority,omitempty"`
		Delay    int64 `json:"delay,omitempty"`
	}
	if err := decode(w, r, &req); err != nil {
		return err
	}
	opts := submitOpts{Priority: req.Priority, Delay: req.Delay}.options()
	id, err := s.reg.SubmitEmail(r.Context(), req.EmailJob, opts...)
	return s.submitted(w, r, string(registry.Email), id, err)
}

func (s *Server) submitEmails(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Emails []registry.EmailJob `json:"emails"`
	}
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if len(req.Emails) == 0 {
		return apperr.New(apperr.Validation, "emails must be a non-empty list")
	}
	ids, err := s.reg.SubmitEmails(r.Context(), req.Emails)
	return s.submittedBatch(w, r, string(registry.Email), ids, err)
}

func (s *Server) submitSMS(w http.ResponseWriter, r *http.Request) error {
	var req registry.SMSJob
	if err := decode(w, r, &req); err != nil {
		return err
	}
	id, err := s.reg.SubmitSMS(r.Context(), req)
	return s.submitted(w, r, string(registry.SMS), id, err)
}

func (s *Server) submitSMSBatch(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		SMS []registry.SMSJob `json:"sms"`
	}
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if len(req.SMS) == 0 {
		return apperr.New(apperr.Validation, "sms must be a non-empty list")
	}
	ids, err := s.reg.SubmitSMSBatch(r.Context(), req.SMS)
	return s.submittedBatch(w, r, string(registry.SMS), ids, err)
}

func (s *Server) submitNotification(w http.ResponseWriter, r *http.Request) error {
	var req registry.NotificationJob
	if err := decode(w, r, &req); err != nil {
		return err
	}
	id, err := s.reg.SubmitNotification(r.Context(), req)
	return s.submitted(w, r, string(registry.Notification), id, err)
}

func (s *Server) submitData(w http.ResponseWriter, r *http.Request) error {
	var req registry.DataJob
	if err := decode(w, r, &req); err != nil {
		return err
	}
	id, err := s.reg.SubmitData(r.Context(), req)
	return s.submitted(w, r, string(registry.DataProcessing), id, err)
}

func (s *Server) submitScheduled(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		registry.ScheduledJob
		Delay int64 `json:"delay,omitempty"`
	}
	if err := decode(w, r, &req); err != nil {
		return err
	}
	id, err := s.reg.SubmitScheduled(r.Context(), req.ScheduledJob,
		queue.Delay(time.Duration(req.Delay)*time.Millisecond))
	return s.submitted(w, r, string(registry.Scheduled), id, err)
}

func (s *Server) createFactoryCustom(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Name    string       `json:"name"`
		Options queueRequest `json:"options"`
	}
	if err := decode(w, r, &req); err != nil {
		return err
	}
	return s.createCustom(w, r, req.Name, req.Options)
}
