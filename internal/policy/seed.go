package policy

import (
	"context"
	"fmt"

	"github.com/SirClappington/gatehouse/internal/domain"
	"go.uber.org/zap"
)

func allow(sub, obj, act, dom, region, level string) domain.PolicyRule {
	return domain.PolicyRule{Sub: sub, Obj: obj, Act: act, Domain: dom, Region: region, Level: level, Eft: domain.Allow}
}

func deny(sub, obj string) domain.PolicyRule {
	return domain.PolicyRule{Sub: sub, Obj: obj, Act: "*", Domain: "*", Region: "*", Level: "*", Eft: domain.Deny}
}

// DefaultPolicies is the rule set Seed installs.
var DefaultPolicies = []domain.PolicyRule{
	allow("guest", "/api/public/*", "GET", "*", "*", "10"),
	allow("guest", "/api/room", "GET", "hotelA", "CN", "10"),

	allow("staff", "/api/room", "GET", "hotelA", "CN", "20"),
	allow("staff", "/api/room/checkin", "POST", "hotelA", "CN", "20"),
	allow("staff", "/api/room/checkout", "POST", "hotelA", "CN", "20"),
	allow("staff", "/api/booking", "GET", "hotelA", "CN", "20"),

	allow("supervisor", "/api/report", "GET", "hotelA", "CN", "30"),
	allow("supervisor", "/api/analytics", "GET", "hotelA", "CN", "30"),
	allow("supervisor", "/api/staff", "GET", "hotelA", "CN", "30"),

	allow("admin", "*", "*", "hotelA", "*", "50"),
	allow("super_admin", "*", "*", "*", "*", "*"),

	deny("guest", "/api/admin/*"),
	deny("staff", "/api/admin/*"),
}

// DefaultAssignments is the role assignment set Seed installs.
var DefaultAssignments = []domain.RoleAssignment{
	{User: "u1001", Role: "guest", Domain: "hotelA"},
	{User: "u1002", Role: "staff", Domain: "hotelA"},
	{User: "u1003", Role: "supervisor", Domain: "hotelA"},
	{User: "u1009", Role: "admin", Domain: "hotelA"},
	{User: "root", Role: "super_admin", Domain: "*"},
}

// Seed installs the default rules when the store holds none. It reports
// whether anything was written.
func (e *Engine) Seed(ctx context.Context) (bool, error) {
	counts, err := e.store.CountRules(ctx)
	if err != nil {
		return false, fmt.Errorf("policy: seed: %w", err)
	}
	if counts["p"] > 0 || counts["g"] > 0 {
		e.log.Debug("seed skipped, rules present", zap.Int("policies", counts["p"]), zap.Int("groupings", counts["g"]))
		return false, nil
	}
	if _, err := e.AddPolicies(ctx, DefaultPolicies); err != nil {
		return false, fmt.Errorf("policy: seed: %w", err)
	}
	groups := make([][]string, len(DefaultAssignments))
	for i, a := range DefaultAssignments {
		groups[i] = []string{a.User, a.Role, a.Domain}
	}
	if _, err := e.mutate(ctx, "seed roles", func() (bool, error) {
		return e.enf.AddGroupingPolicies(groups)
	}); err != nil {
		return false, fmt.Errorf("policy: seed: %w", err)
	}
	e.log.Info("default policies seeded",
		zap.Int("policies", len(DefaultPolicies)),
		zap.Int("groupings", len(DefaultAssignments)),
	)
	return true, nil
}
