package api

import (
	"net/http"
	"strconv"

	"github.com/SirClappington/gatehouse/internal/apperr"
	"github.com/SirClappington/gatehouse/internal/registry"
	"github.com/go-chi/chi/v5"
)

type cronRequest struct {
	Spec     string         `json:"spec"`
	TaskType string         `json:"taskType"`
	Params   map[string]any `json:"params,omitempty"`
}

func (s *Server) addCron(w http.ResponseWriter, r *http.Request) error {
	var req cronRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if req.Spec == "" {
		return apperr.New(apperr.Validation, "spec is required")
	}
	e, err := s.cron.Add(req.Spec, registry.ScheduledJob{TaskType: req.TaskType, Params: req.Params})
	if err != nil {
		return err
	}
	s.ok(w, r, "", e)
	return nil
}

func (s *Server) listCron(w http.ResponseWriter, r *http.Request) error {
	s.ok(w, r, "", s.cron.Entries())
	return nil
}

func (s *Server) removeCron(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		return apperr.Newf(apperr.Validation, "invalid entry id %q", chi.URLParam(r, "id"))
	}
	if err := s.cron.Remove(id); err != nil {
		return err
	}
	s.ok(w, r, "", map[string]int{"id": id})
	return nil
}
