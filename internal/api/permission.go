package api

import (
	"net/http"

	"github.com/SirClappington/gatehouse/internal/access"
	"github.com/SirClappington/gatehouse/internal/apperr"
	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/go-chi/chi/v5"
)

func (s *Server) permissionRoutes(r chi.Router) {
	r.Use(s.guard.Authorize(access.Options{RequireAuth: true}))

	r.Post("/check", s.handle(s.checkPermission))
	r.Get("/policies", s.handle(s.listPolicies))
	r.Get("/users/{id}/roles", s.handle(s.userRoles))
	r.Get("/roles/{role}/users", s.handle(s.roleUsers))

	r.Group(func(r chi.Router) {
		r.Use(s.guard.RequireRole(adminRoles...))
		r.Post("/policies", s.handle(s.addPolicy))
		r.Put("/policies", s.handle(s.updatePolicy))
		r.Delete("/policies", s.handle(s.removePolicy))
		r.Post("/policies/batch", s.handle(s.addPolicies))
		r.Delete("/roles/{role}", s.handle(s.deleteRole))
		r.Post("/users/{id}/roles", s.handle(s.assignRole))
		r.Delete("/users/{id}/roles", s.handle(s.removeRole))
		r.Get("/stats", s.handle(s.permissionStats))
		r.Post("/cache/clear", s.handle(s.clearPermissionCache))
	})
}

func (s *Server) checkPermission(w http.ResponseWriter, r *http.Request) error {
	var req domain.Request
	if err := decode(w, r, &req); err != nil {
		return err
	}
	allowed, err := s.perm.CheckPermission(r.Context(), req)
	if err != nil {
		return err
	}
	s.ok(w, r, "", map[string]any{"allowed": allowed, "request": req.Normalize()})
	return nil
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) error {
	ps, err := s.perm.GetPolicies()
	if err != nil {
		return err
	}
	s.ok(w, r, "", map[string]any{"policies": ps, "count": len(ps)})
	return nil
}

func conflictIf(changed bool, msg string) error {
	if changed {
		return nil
	}
	return apperr.New(apperr.Conflict, msg)
}

func (s *Server) addPolicy(w http.ResponseWriter, r *http.Request) error {
	var p domain.PolicyRule
	if err := decode(w, r, &p); err != nil {
		return err
	}
	added, err := s.perm.AddPolicy(r.Context(), p)
	if err != nil {
		return err
	}
	if err := conflictIf(added, "policy already exists"); err != nil {
		return err
	}
	s.ok(w, r, "permission.policy_added", p.Normalize())
	return nil
}

func (s *Server) addPolicies(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Policies []domain.PolicyRule `json:"policies"`
	}
	if err := decode(w, r, &req); err != nil {
		return err
	}
	if len(req.Policies) == 0 {
		return apperr.New(apperr.Validation, "policies must be a non-empty list")
	}
	added, err := s.perm.AddPolicies(r.Context(), req.Policies)
	if err != nil {
		return err
	}
	if err := conflictIf(added, "one or more policies already exist"); err != nil {
		return err
	}
	s.ok(w, r, "permission.policy_added", map[string]int{"count": len(req.Policies)})
	return nil
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Old domain.PolicyRule `json:"old"`
		New domain.PolicyRule `json:"new"`
	}
	if err := decode(w, r, &req); err != nil {
		return err
	}
	updated, err := s.perm.UpdatePolicy(r.Context(), req.Old, req.New)
	if err != nil {
		return err
	}
	if !updated {
		return apperr.New(apperr.NotFound, "policy not found")
	}
	s.ok(w, r, "", req.New.Normalize())
	return nil
}

func (s *Server) removePolicy(w http.ResponseWriter, r *http.Request) error {
	var p domain.PolicyRule
	if err := decode(w, r, &p); err != nil {
		return err
	}
	removed, err := s.perm.RemovePolicy(r.Context(), p)
	if err != nil {
		return err
	}
	if !removed {
		return apperr.New(apperr.NotFound, "policy not found")
	}
	s.ok(w, r, "permission.policy_removed", p.Normalize())
	return nil
}

func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) error {
	role := chi.URLParam(r, "role")
	deleted, err := s.perm.DeleteRole(r.Context(), role)
	if err != nil {
		return err
	}
	if !deleted {
		return apperr.Newf(apperr.NotFound, "role %s not found", role)
	}
	s.ok(w, r, "permission.role_removed", map[string]string{"role": role})
	return nil
}

func (s *Server) userRoles(w http.ResponseWriter, r *http.Request) error {
	user := chi.URLParam(r, "id")
	dom := r.URL.Query().Get("domain")
	roles := s.perm.GetRolesForUser(user, dom)
	perms, err := s.perm.GetPermissionsForUser(user)
	if err != nil {
		return err
	}
	s.ok(w, r, "", map[string]any{"userId": user, "domain": dom, "roles": roles, "permissions": perms})
	return nil
}

func (s *Server) roleUsers(w http.ResponseWriter, r *http.Request) error {
	role := chi.URLParam(r, "role")
	users, err := s.perm.GetUsersForRole(role, r.URL.Query().Get("domain"))
	if err != nil {
		return err
	}
	perms, err := s.perm.GetPermissionsForRole(role)
	if err != nil {
		return err
	}
	s.ok(w, r, "", map[string]any{"role": role, "users": users, "permissions": perms})
	return nil
}

type roleRequest struct {
	Role   string `json:"role"`
	Domain string `json:"domain"`
}

func (req roleRequest) assignment(user string) domain.RoleAssignment {
	a := domain.RoleAssignment{User: user, Role: req.Role, Domain: req.Domain}
	if a.Domain == "" {
		a.Domain = domain.Wildcard
	}
	return a
}

func (s *Server) assignRole(w http.ResponseWriter, r *http.Request) error {
	var req roleRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	a := req.assignment(chi.URLParam(r, "id"))
	added, err := s.perm.AssignRole(r.Context(), a)
	if err != nil {
		return err
	}
	if err := conflictIf(added, "role already assigned"); err != nil {
		return err
	}
	s.ok(w, r, "permission.role_assigned", a)
	return nil
}

func (s *Server) removeRole(w http.ResponseWriter, r *http.Request) error {
	var req roleRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	a := req.assignment(chi.URLParam(r, "id"))
	removed, err := s.perm.RemoveRole(r.Context(), a)
	if err != nil {
		return err
	}
	if !removed {
		return apperr.New(apperr.NotFound, "role assignment not found")
	}
	s.ok(w, r, "permission.role_removed", a)
	return nil
}

func (s *Server) permissionStats(w http.ResponseWriter, r *http.Request) error {
	s.ok(w, r, "", s.perm.Stats())
	return nil
}

func (s *Server) clearPermissionCache(w http.ResponseWriter, r *http.Request) error {
	s.perm.ClearCache()
	s.ok(w, r, "permission.cache_cleared", nil)
	return nil
}
