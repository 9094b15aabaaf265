package access

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	roles   map[string][]string
	allowed map[string]bool
	err     error
	seen    []domain.Request
}

func (f *fakeChecker) CheckAnyRole(_ context.Context, roles []string, req domain.Request) (bool, error) {
	for _, r := range roles {
		req.Sub = r
		f.seen = append(f.seen, req)
		if f.allowed[r+" "+req.Act+" "+req.Obj] {
			return true, nil
		}
	}
	return false, f.err
}

func (f *fakeChecker) GetRolesForUser(user, _ string) []string { return f.roles[user] }

func noContent(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

func serve(h http.Handler, token string, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTokens_RoundTrip(t *testing.T) {
	tk := NewTokens("secret")
	raw, err := tk.Issue(Identity{User: "u1002", Roles: []string{"staff"}, Domain: "hotelA", Region: "CN", Level: "20"}, time.Minute)
	require.NoError(t, err)

	id, err := tk.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "u1002", id.User)
	require.Equal(t, []string{"staff"}, id.Roles)
	require.Equal(t, "hotelA", id.Domain)

	_, err = NewTokens("other").Parse(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_Expired(t *testing.T) {
	tk := NewTokens("secret")
	raw, err := tk.Issue(Identity{User: "u1"}, time.Minute)
	require.NoError(t, err)
	tk.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = tk.Parse(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearer(t *testing.T) {
	tok, ok := bearer("Bearer abc")
	require.True(t, ok)
	require.Equal(t, "abc", tok)
	_, ok = bearer("Basic abc")
	require.False(t, ok)
	_, ok = bearer("Bearer ")
	require.False(t, ok)
}

func TestAuthorize(t *testing.T) {
	tk := NewTokens("secret")
	chk := &fakeChecker{
		roles:   map[string][]string{"u1002": {"staff"}},
		allowed: map[string]bool{"staff GET /api/room": true},
	}
	g := NewGuard(tk, chk)
	h := g.Authenticate(g.Authorize(Options{RequireAuth: true})(http.HandlerFunc(noContent)))

	require.Equal(t, http.StatusUnauthorized, serve(h, "", http.MethodGet, "/api/room").Code)
	require.Equal(t, http.StatusUnauthorized, serve(h, "garbage", http.MethodGet, "/api/room").Code)

	staff, err := tk.Issue(Identity{User: "u1002", Domain: "hotelA", Region: "CN", Level: "20"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, serve(h, staff, http.MethodGet, "/api/room").Code)
	require.Equal(t, http.StatusForbidden, serve(h, staff, http.MethodPost, "/api/room").Code)

	last := chk.seen[len(chk.seen)-1]
	require.Equal(t, domain.Request{Sub: "staff", Obj: "/api/room", Act: "POST", Domain: "hotelA", Region: "CN", Level: "20"}, last)

	nobody, err := tk.Issue(Identity{User: "ghost"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, serve(h, nobody, http.MethodGet, "/api/room").Code)
}

func TestAuthorize_TokenRolesOrAcrossRoles(t *testing.T) {
	tk := NewTokens("secret")
	chk := &fakeChecker{allowed: map[string]bool{"staff GET /api/room": true}}
	g := NewGuard(tk, chk)
	h := g.Authenticate(g.Authorize(Options{RequireAuth: true})(http.HandlerFunc(noContent)))

	tok, err := tk.Issue(Identity{User: "u9", Roles: []string{"guest", "staff"}}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, serve(h, tok, http.MethodGet, "/api/room").Code)
}

func TestAuthorize_EngineErrorDenies(t *testing.T) {
	tk := NewTokens("secret")
	chk := &fakeChecker{err: errors.New("boom")}
	g := NewGuard(tk, chk)
	h := g.Authenticate(g.Authorize(Options{RequireAuth: true})(http.HandlerFunc(noContent)))

	tok, err := tk.Issue(Identity{User: "u9", Roles: []string{"staff"}}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, serve(h, tok, http.MethodGet, "/api/room").Code)
}

func TestAuthorize_AnonymousAllowedWhenOptional(t *testing.T) {
	g := NewGuard(NewTokens("secret"), &fakeChecker{})
	h := g.Authenticate(g.Authorize(Options{})(http.HandlerFunc(noContent)))
	require.Equal(t, http.StatusNoContent, serve(h, "", http.MethodGet, "/api/public/x").Code)
}

func TestRequireRole(t *testing.T) {
	tk := NewTokens("secret")
	var gotErr error
	g := NewGuard(tk, &fakeChecker{roles: map[string][]string{"root": {"super_admin"}}},
		WithErrorWriter(func(w http.ResponseWriter, _ *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusTeapot)
		}))
	h := g.Authenticate(g.RequireRole("admin", "super_admin")(http.HandlerFunc(noContent)))

	root, err := tk.Issue(Identity{User: "root"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, serve(h, root, http.MethodPost, "/x").Code)

	staff, err := tk.Issue(Identity{User: "u1", Roles: []string{"staff"}}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusTeapot, serve(h, staff, http.MethodPost, "/x").Code)
	require.Error(t, gotErr)
}
