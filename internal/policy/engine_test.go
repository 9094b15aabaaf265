package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/SirClappington/gatehouse/internal/policy/policytest"
	"github.com/SirClappington/gatehouse/internal/storage"
	"github.com/stretchr/testify/require"
)

func newSeededEngine(t *testing.T, opts ...Option) (*Engine, *policytest.Store) {
	t.Helper()
	st := &policytest.Store{}
	e, err := New(st, opts...)
	require.NoError(t, err)
	seeded, err := e.Seed(context.Background())
	require.NoError(t, err)
	require.True(t, seeded)
	return e, st
}

func roomGet(level string) domain.Request {
	return domain.Request{Obj: "/api/room", Act: "GET", Domain: "hotelA", Region: "CN", Level: level}
}

func TestSeed_OnlyWhenEmpty(t *testing.T) {
	e, st := newSeededEngine(t)
	require.Equal(t, len(DefaultPolicies), st.Count("p"))
	require.Equal(t, len(DefaultAssignments), st.Count("g"))

	again, err := e.Seed(context.Background())
	require.NoError(t, err)
	require.False(t, again)

	stats := e.Stats()
	require.Equal(t, len(DefaultPolicies), stats.Policies)
	require.Equal(t, len(DefaultAssignments), stats.Groupings)
}

func TestNew_LoadsStoredRules(t *testing.T) {
	st := &policytest.Store{}
	require.NoError(t, st.InsertRules(context.Background(), []storage.Rule{
		storage.NewRule("p", "staff", "/api/room", "GET", "hotelA", "CN", "20", "allow"),
		storage.NewRule("g", "u1002", "staff", "hotelA"),
	}))
	e, err := New(st)
	require.NoError(t, err)

	req := roomGet("20")
	req.Sub = "u1002"
	ok, err := e.CheckPermission(context.Background(), req)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNew_StoreFailure(t *testing.T) {
	st := &policytest.Store{}
	st.Fail(errors.New("db down"))
	_, err := New(st)
	require.Error(t, err)
}

func TestCheckAnyRole_OrAcrossRoles(t *testing.T) {
	e, _ := newSeededEngine(t)
	ctx := context.Background()

	ok, err := e.CheckAnyRole(ctx, []string{"guest"}, roomGet("20"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = e.CheckAnyRole(ctx, []string{"guest", "staff"}, roomGet("20"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.CheckAnyRole(ctx, []string{"guest", "staff"}, roomGet("10"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.CheckAnyRole(ctx, nil, roomGet("10"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckPermission_UserThroughRole(t *testing.T) {
	e, _ := newSeededEngine(t)
	ctx := context.Background()

	req := roomGet("20")
	req.Sub = "u1002"
	ok, err := e.CheckPermission(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)

	req.Domain = "hotelB"
	ok, err = e.CheckPermission(ctx, req)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckPermission_WildcardDomainGrouping(t *testing.T) {
	e, _ := newSeededEngine(t)

	ok, err := e.CheckPermission(context.Background(), domain.Request{
		Sub: "root", Obj: "/api/anything", Act: "DELETE", Domain: "hotelB", Region: "US", Level: "99",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"super_admin"}, e.GetRolesForUser("root", "hotelB"))
}

func TestCheckPermission_DenyOverrides(t *testing.T) {
	e, _ := newSeededEngine(t)
	ctx := context.Background()

	added, err := e.AddPolicy(ctx, domain.PolicyRule{
		Sub: "staff", Obj: "/api/admin/*", Act: "GET", Domain: "hotelA", Region: "CN", Level: "20",
	})
	require.NoError(t, err)
	require.True(t, added)

	ok, err := e.CheckPermission(ctx, domain.Request{
		Sub: "staff", Obj: "/api/admin/users", Act: "GET", Domain: "hotelA", Region: "CN", Level: "20",
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckPermission_WildcardRequestFieldsAreStrict(t *testing.T) {
	e, _ := newSeededEngine(t)

	// Empty region and level become "*", which only matches "*" policies.
	ok, err := e.CheckPermission(context.Background(), domain.Request{
		Sub: "staff", Obj: "/api/room", Act: "GET", Domain: "hotelA",
	})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = e.CheckPermission(context.Background(), domain.Request{
		Sub: "guest", Obj: "/api/public/menu", Act: "GET", Level: "10",
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckPermission_InvalidRequest(t *testing.T) {
	e, _ := newSeededEngine(t)
	_, err := e.CheckPermission(context.Background(), domain.Request{Sub: "staff", Obj: "/api/room"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCheckPermission_CancelledContextDenies(t *testing.T) {
	e, _ := newSeededEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := roomGet("20")
	req.Sub = "staff"
	ok, err := e.CheckPermission(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ok)
}

func TestCache_InvalidatedByAddPolicy(t *testing.T) {
	e, _ := newSeededEngine(t)
	ctx := context.Background()
	req := domain.Request{Sub: "staff", Obj: "/api/report", Act: "GET", Domain: "hotelA", Region: "CN", Level: "20"}

	ok, err := e.CheckPermission(ctx, req)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = e.CheckPermission(ctx, req)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint64(1), e.Stats().CacheHits)
	require.Equal(t, 1, e.Stats().CacheEntries)

	_, err = e.AddPolicy(ctx, domain.PolicyRule{
		Sub: "staff", Obj: "/api/report", Act: "GET", Domain: "hotelA", Region: "CN", Level: "20",
	})
	require.NoError(t, err)
	require.Zero(t, e.Stats().CacheEntries)

	ok, err = e.CheckPermission(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCache_Disabled(t *testing.T) {
	e, _ := newSeededEngine(t, WithCacheTTL(0))
	req := roomGet("20")
	req.Sub = "staff"
	for range 3 {
		ok, err := e.CheckPermission(context.Background(), req)
		require.NoError(t, err)
		require.True(t, ok)
	}
	st := e.Stats()
	require.Zero(t, st.CacheHits)
	require.Equal(t, uint64(3), st.CacheMisses)
}

func TestAddPolicy_Validation(t *testing.T) {
	e, _ := newSeededEngine(t)
	ctx := context.Background()

	_, err := e.AddPolicy(ctx, domain.PolicyRule{Sub: "staff", Obj: "/x"})
	require.ErrorIs(t, err, ErrInvalidPolicy)
	_, err = e.AddPolicy(ctx, domain.PolicyRule{Sub: "staff", Obj: "/x", Act: "GET", Eft: "maybe"})
	require.ErrorIs(t, err, ErrInvalidPolicy)

	// Duplicate of a seeded rule.
	added, err := e.AddPolicy(ctx, DefaultPolicies[0])
	require.NoError(t, err)
	require.False(t, added)
}

func TestAddPolicy_StoreFailureLeavesRulesUnchanged(t *testing.T) {
	e, st := newSeededEngine(t)
	ctx := context.Background()
	st.Fail(errors.New("db down"))

	p := domain.PolicyRule{Sub: "staff", Obj: "/api/report", Act: "GET", Domain: "hotelA", Region: "CN", Level: "20"}
	_, err := e.AddPolicy(ctx, p)
	require.Error(t, err)

	st.Fail(nil)
	ok, err := e.CheckPermission(ctx, domain.Request{Sub: "staff", Obj: "/api/report", Act: "GET", Domain: "hotelA", Region: "CN", Level: "20"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMutation_UsesCallerContext(t *testing.T) {
	e, st := newSeededEngine(t)
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "marker")

	_, err := e.AddPolicy(ctx, domain.PolicyRule{Sub: "staff", Obj: "/api/x", Act: "GET"})
	require.NoError(t, err)
	ctxs := st.Contexts()
	last := ctxs[len(ctxs)-1]
	require.Equal(t, "marker", last.Value(key{}))
	_, hasDeadline := last.Deadline()
	require.True(t, hasDeadline)
}

func TestRemoveAndUpdatePolicy(t *testing.T) {
	e, st := newSeededEngine(t)
	ctx := context.Background()
	old := domain.PolicyRule{Sub: "staff", Obj: "/api/booking", Act: "GET", Domain: "hotelA", Region: "CN", Level: "20"}
	upd := old
	upd.Act = "POST"

	changed, err := e.UpdatePolicy(ctx, old, upd)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = e.UpdatePolicy(ctx, old, upd)
	require.NoError(t, err)
	require.False(t, changed)

	ok, err := e.CheckPermission(ctx, domain.Request{Sub: "staff", Obj: "/api/booking", Act: "POST", Domain: "hotelA", Region: "CN", Level: "20"})
	require.NoError(t, err)
	require.True(t, ok)

	removed, err := e.RemovePolicy(ctx, upd)
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, len(DefaultPolicies)-1, st.Count("p"))

	removed, err = e.RemovePolicy(ctx, upd)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestAssignAndRemoveRole(t *testing.T) {
	e, _ := newSeededEngine(t)
	ctx := context.Background()
	a := domain.RoleAssignment{User: "u2000", Role: "supervisor", Domain: "hotelA"}

	ok, err := e.AssignRole(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"supervisor"}, e.GetRolesForUser("u2000", "hotelA"))
	require.Empty(t, e.GetRolesForUser("u2000", "hotelB"))

	users, err := e.GetUsersForRole("supervisor", "hotelA")
	require.NoError(t, err)
	require.Equal(t, []string{"u1003", "u2000"}, users)

	ok, err = e.RemoveRole(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, e.GetRolesForUser("u2000", "hotelA"))

	_, err = e.AssignRole(ctx, domain.RoleAssignment{User: "u1"})
	require.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestDeleteRole(t *testing.T) {
	e, st := newSeededEngine(t)
	ctx := context.Background()

	ok, err := e.DeleteRole(ctx, "staff")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, e.GetRolesForUser("u1002", "hotelA"))
	perms, err := e.GetPermissionsForRole("staff")
	require.NoError(t, err)
	require.Empty(t, perms)
	require.Equal(t, len(DefaultPolicies)-5, st.Count("p"))
	require.Equal(t, len(DefaultAssignments)-1, st.Count("g"))

	ok, err = e.DeleteRole(ctx, "staff")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProjections(t *testing.T) {
	e, _ := newSeededEngine(t)

	perms, err := e.GetPermissionsForUser("u1002")
	require.NoError(t, err)
	require.Len(t, perms, 5)

	users, err := e.GetUsersForRole("super_admin", "hotelB")
	require.NoError(t, err)
	require.Equal(t, []string{"root"}, users)

	all, err := e.GetPolicies()
	require.NoError(t, err)
	require.Len(t, all, len(DefaultPolicies))
}

func TestReload(t *testing.T) {
	e, st := newSeededEngine(t)
	ctx := context.Background()
	require.NoError(t, st.InsertRules(ctx, []storage.Rule{
		storage.NewRule("p", "auditor", "/api/report", "GET", "*", "*", "*", "allow"),
	}))

	perms, err := e.GetPermissionsForRole("auditor")
	require.NoError(t, err)
	require.Empty(t, perms)

	require.NoError(t, e.Reload(ctx))
	perms, err = e.GetPermissionsForRole("auditor")
	require.NoError(t, err)
	require.Len(t, perms, 1)
}

func TestNew_Options(t *testing.T) {
	e, err := New(&policytest.Store{}, WithCacheTTL(time.Second), WithStoreTimeout(time.Second), WithLogger(nil))
	require.NoError(t, err)
	require.Equal(t, time.Second, e.cache.ttl)
	require.Equal(t, time.Second, e.adapter.timeout)
}
