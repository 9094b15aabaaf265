// Package api serves the queue, queue-factory and permission HTTP routes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/SirClappington/gatehouse/internal/access"
	"github.com/SirClappington/gatehouse/internal/i18n"
	"github.com/SirClappington/gatehouse/internal/logging"
	"github.com/SirClappington/gatehouse/internal/policy"
	"github.com/SirClappington/gatehouse/internal/registry"
	"github.com/SirClappington/gatehouse/internal/schedule"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// adminRoles may change queues and permissions.
var adminRoles = []string{"admin", "super_admin"}

type Deps struct {
	Registry  *registry.Registry
	Scheduler *schedule.Scheduler
	Policy    *policy.Engine
	Tokens    *access.Tokens
	I18n      *i18n.Bundle
	Log       *zap.Logger
	// Ready reports dependency health for /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
	// Production omits error detail from responses.
	Production bool
	// RequireAuth rejects anonymous calls to the queue routes.
	RequireAuth bool
}

type Server struct {
	reg        *registry.Registry
	cron       *schedule.Scheduler
	perm       *policy.Engine
	guard      *access.Guard
	i18n       *i18n.Bundle
	tr         i18n.Translator
	log        *zap.Logger
	ready      func(ctx context.Context) error
	production bool
	auth       bool
}

func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		reg:        d.Registry,
		cron:       d.Scheduler,
		perm:       d.Policy,
		i18n:       d.I18n,
		tr:         i18n.Nop{},
		log:        log.Named("api"),
		ready:      d.Ready,
		production: d.Production,
		auth:       d.RequireAuth,
	}
	if d.I18n != nil {
		s.tr = d.I18n
	}
	s.guard = access.NewGuard(d.Tokens, d.Policy,
		access.WithLogger(log),
		access.WithErrorWriter(s.fail),
	)
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Requests(s.log))
	r.Use(middleware.Recoverer)
	if s.i18n != nil {
		r.Use(s.i18n.Middleware)
	}

	r.Get("/healthz", s.handle(s.health))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.guard.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(s.guard.Authorize(access.Options{RequireAuth: s.auth}))
			s.queueRoutes(r)
			s.factoryRoutes(r)
		})
		r.Route("/permission", s.permissionRoutes)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) error {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			return unavailable(err)
		}
	}
	s.ok(w, r, "", map[string]string{"status": "ok"})
	return nil
}
