package access

import (
	"context"
	"net/http"

	"github.com/SirClappington/gatehouse/internal/apperr"
	"github.com/SirClappington/gatehouse/internal/domain"
	"go.uber.org/zap"
)

// ErrorWriter renders a rejected request.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

func plainError(w http.ResponseWriter, _ *http.Request, err error) {
	k := apperr.KindOf(err)
	http.Error(w, k.Code(), k.Status())
}

// Checker is the part of the policy engine authorization needs.
type Checker interface {
	CheckAnyRole(ctx context.Context, roles []string, req domain.Request) (bool, error)
	GetRolesForUser(user, dom string) []string
}

type Guard struct {
	tokens  *Tokens
	checker Checker
	log     *zap.Logger
	onError ErrorWriter
}

type Option func(*Guard)

func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

func WithErrorWriter(fn ErrorWriter) Option {
	return func(g *Guard) {
		if fn != nil {
			g.onError = fn
		}
	}
}

func NewGuard(tokens *Tokens, checker Checker, opts ...Option) *Guard {
	g := &Guard{tokens: tokens, checker: checker, log: zap.NewNop(), onError: plainError}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("access")
	return g
}

// Authenticate attaches the bearer token's identity to the request. Requests
// without a token pass through anonymous; an invalid token is rejected.
func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := bearer(h)
		if !ok {
			g.onError(w, r, apperr.Wrap(ErrMissingToken, apperr.Unauthorized, "malformed authorization header"))
			return
		}
		id, err := g.tokens.Parse(raw)
		if err != nil {
			g.log.Debug("token rejected", zap.Error(err))
			g.onError(w, r, apperr.Wrap(err, apperr.Unauthorized, "invalid token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type Options struct {
	// RequireAuth rejects anonymous requests instead of passing them on.
	RequireAuth bool
}

// Authorize checks the request path and method against the caller's roles.
// Roles come from the token or, when it has none, from the engine's
// assignments in the caller's domain. Any role allowed is enough.
func (g *Guard) Authorize(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				if opts.RequireAuth {
					g.onError(w, r, apperr.Wrap(ErrMissingToken, apperr.Unauthorized, "authentication required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			roles := id.Roles
			if len(roles) == 0 {
				roles = g.checker.GetRolesForUser(id.User, id.Domain)
			}
			if len(roles) == 0 {
				g.onError(w, r, apperr.New(apperr.Forbidden, "no roles assigned"))
				return
			}
			req := domain.Request{
				Obj:    r.URL.Path,
				Act:    r.Method,
				Domain: id.Domain,
				Region: id.Region,
				Level:  id.Level,
			}
			allowed, err := g.checker.CheckAnyRole(r.Context(), roles, req)
			if err != nil {
				g.log.Error("authorization failed",
					zap.String("user", id.User),
					zap.Strings("roles", roles),
					zap.String("path", req.Obj),
					zap.String("method", req.Act),
					zap.Error(err),
				)
			}
			if !allowed {
				g.onError(w, r, apperr.New(apperr.Forbidden, "access denied"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects callers holding none of roles.
func (g *Guard) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				g.onError(w, r, apperr.Wrap(ErrMissingToken, apperr.Unauthorized, "authentication required"))
				return
			}
			held := id.Roles
			if len(held) == 0 {
				held = g.checker.GetRolesForUser(id.User, id.Domain)
			}
			if !(Identity{Roles: held}).HasRole(roles...) {
				g.onError(w, r, apperr.Newf(apperr.Forbidden, "requires one of roles %v", roles))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
