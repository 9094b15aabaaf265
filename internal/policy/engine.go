// Package policy evaluates role, domain and attribute scoped permissions with
// casbin over a persistent rule store, caching decisions until the rules change.
package policy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SirClappington/gatehouse/internal/domain"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/util"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

//go:embed model.conf
var modelText string

var (
	ErrInvalidRequest = errors.New("policy: subject, object and action are required")
	ErrInvalidPolicy  = errors.New("policy: invalid rule")
)

const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultStoreTimeout = 5 * time.Second
)

type Engine struct {
	enf     *casbin.SyncedEnforcer
	adapter *adapter
	store   RuleStore
	cache   *decisionCache
	sf      singleflight.Group
	log     *zap.Logger

	// mu serializes mutations so the bound adapter context belongs to the
	// running call.
	mu sync.Mutex

	hits   atomic.Uint64
	misses atomic.Uint64
}

type options struct {
	log          *zap.Logger
	cacheTTL     time.Duration
	storeTimeout time.Duration
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCacheTTL sets how long a decision is reused. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.cacheTTL = d
		}
	}
}

// WithStoreTimeout bounds each rule store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}

// New loads every stored rule into a fresh enforcer.
func New(store RuleStore, opts ...Option) (*Engine, error) {
	o := options{log: zap.NewNop(), cacheTTL: DefaultCacheTTL, storeTimeout: DefaultStoreTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("policy: model: %w", err)
	}
	a := newAdapter(store, o.storeTimeout)
	enf, err := casbin.NewSyncedEnforcer(m, a)
	if err != nil {
		return nil, fmt.Errorf("policy: enforcer: %w", err)
	}
	// A grouping in domain "*" applies to every domain.
	enf.AddNamedDomainMatchingFunc("g", "KeyMatch", util.KeyMatch)

	e := &Engine{
		enf:     enf,
		adapter: a,
		store:   store,
		cache:   newDecisionCache(o.cacheTTL),
		log:     o.log.Named("policy"),
	}
	pols, groups := e.counts()
	e.log.Info("policy engine ready", zap.Int("policies", pols), zap.Int("groupings", groups))
	return e, nil
}

// CheckPermission reports whether req is allowed. Any evaluation error denies.
func (e *Engine) CheckPermission(ctx context.Context, req domain.Request) (bool, error) {
	if req.Sub == "" || req.Obj == "" || req.Act == "" {
		return false, ErrInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	req = req.Normalize()
	key := cacheKey(req)
	if allowed, ok := e.cache.get(key); ok {
		e.hits.Add(1)
		return allowed, nil
	}
	e.misses.Add(1)

	gen := e.cache.generation()
	v, err, _ := e.sf.Do(strconv.FormatUint(gen, 10)+"|"+key, func() (any, error) {
		allowed, err := e.enf.Enforce(req.Sub, req.Obj, req.Act, req.Domain, req.Region, req.Level)
		if err != nil {
			return false, err
		}
		e.cache.put(gen, key, allowed)
		return allowed, nil
	})
	if err != nil {
		e.log.Error("permission check failed",
			zap.String("sub", req.Sub),
			zap.String("obj", req.Obj),
			zap.String("act", req.Act),
			zap.String("domain", req.Domain),
			zap.String("region", req.Region),
			zap.String("level", req.Level),
			zap.Error(err),
		)
		return false, err
	}
	return v.(bool), nil
}

// CheckAnyRole evaluates req once per role with the role as subject and
// allows on the first role that is allowed.
func (e *Engine) CheckAnyRole(ctx context.Context, roles []string, req domain.Request) (bool, error) {
	var lastErr error
	for _, role := range roles {
		req.Sub = role
		ok, err := e.CheckPermission(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, lastErr
}

func validPolicy(p domain.PolicyRule) (domain.PolicyRule, error) {
	p = p.Normalize()
	if p.Sub == "" || p.Obj == "" || p.Act == "" {
		return p, fmt.Errorf("%w: sub, obj and act are required", ErrInvalidPolicy)
	}
	if p.Eft != domain.Allow && p.Eft != domain.Deny {
		return p, fmt.Errorf("%w: effect %q", ErrInvalidPolicy, p.Eft)
	}
	return p, nil
}

// mutate runs fn with ctx bound to the store and flushes the cache when fn
// changed anything.
func (e *Engine) mutate(ctx context.Context, op string, fn func() (bool, error)) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	unbind := e.adapter.bind(ctx)
	defer unbind()

	changed, err := fn()
	if err != nil {
		return false, fmt.Errorf("policy: %s: %w", op, err)
	}
	if changed {
		e.cache.flush()
		e.log.Info("policy changed", zap.String("op", op))
	}
	return changed, nil
}

// AddPolicy stores p. It reports false when an identical rule exists.
func (e *Engine) AddPolicy(ctx context.Context, p domain.PolicyRule) (bool, error) {
	p, err := validPolicy(p)
	if err != nil {
		return false, err
	}
	return e.mutate(ctx, "add policy", func() (bool, error) {
		return e.enf.AddPolicy(p.Strings())
	})
}

// AddPolicies stores ps atomically. It reports false when any rule exists.
func (e *Engine) AddPolicies(ctx context.Context, ps []domain.PolicyRule) (bool, error) {
	rules := make([][]string, 0, len(ps))
	for _, p := range ps {
		p, err := validPolicy(p)
		if err != nil {
			return false, err
		}
		rules = append(rules, p.Strings())
	}
	if len(rules) == 0 {
		return false, nil
	}
	return e.mutate(ctx, "add policies", func() (bool, error) {
		return e.enf.AddPolicies(rules)
	})
}

func (e *Engine) RemovePolicy(ctx context.Context, p domain.PolicyRule) (bool, error) {
	p = p.Normalize()
	return e.mutate(ctx, "remove policy", func() (bool, error) {
		return e.enf.RemovePolicy(p.Strings())
	})
}

// UpdatePolicy replaces old with p. It reports false when old does not exist.
func (e *Engine) UpdatePolicy(ctx context.Context, old, p domain.PolicyRule) (bool, error) {
	old = old.Normalize()
	p, err := validPolicy(p)
	if err != nil {
		return false, err
	}
	return e.mutate(ctx, "update policy", func() (bool, error) {
		ok, err := e.enf.HasPolicy(old.Strings())
		if err != nil || !ok {
			return false, err
		}
		return e.enf.UpdatePolicy(old.Strings(), p.Strings())
	})
}

// DeleteRole removes every policy of role and every assignment to it.
func (e *Engine) DeleteRole(ctx context.Context, role string) (bool, error) {
	if role == "" {
		return false, fmt.Errorf("%w: role is required", ErrInvalidPolicy)
	}
	return e.mutate(ctx, "delete role", func() (bool, error) {
		pols, err := e.enf.RemoveFilteredPolicy(0, role)
		if err != nil {
			return false, err
		}
		groups, err := e.enf.RemoveFilteredGroupingPolicy(1, role)
		if err != nil {
			return pols, err
		}
		return pols || groups, nil
	})
}

func validAssignment(a domain.RoleAssignment) (domain.RoleAssignment, error) {
	if a.Domain == "" {
		a.Domain = domain.Wildcard
	}
	if a.User == "" || a.Role == "" {
		return a, fmt.Errorf("%w: user and role are required", ErrInvalidPolicy)
	}
	return a, nil
}

// AssignRole grants role to user in the assignment's domain ("*" when empty).
func (e *Engine) AssignRole(ctx context.Context, a domain.RoleAssignment) (bool, error) {
	a, err := validAssignment(a)
	if err != nil {
		return false, err
	}
	return e.mutate(ctx, "assign role", func() (bool, error) {
		return e.enf.AddGroupingPolicy(a.User, a.Role, a.Domain)
	})
}

func (e *Engine) RemoveRole(ctx context.Context, a domain.RoleAssignment) (bool, error) {
	a, err := validAssignment(a)
	if err != nil {
		return false, err
	}
	return e.mutate(ctx, "remove role", func() (bool, error) {
		return e.enf.RemoveGroupingPolicy(a.User, a.Role, a.Domain)
	})
}

func toPolicies(rows [][]string) []domain.PolicyRule {
	out := make([]domain.PolicyRule, len(rows))
	for i, r := range rows {
		out[i] = domain.PolicyFromStrings(r)
	}
	return out
}

func (e *Engine) GetPolicies() ([]domain.PolicyRule, error) {
	rows, err := e.enf.GetPolicy()
	if err != nil {
		return nil, err
	}
	return toPolicies(rows), nil
}

// GetRolesForUser returns the roles user holds in dom, including roles
// granted in a matching wildcard domain.
func (e *Engine) GetRolesForUser(user, dom string) []string {
	if dom == "" {
		dom = domain.Wildcard
	}
	roles := e.enf.GetRolesForUserInDomain(user, dom)
	sort.Strings(roles)
	return roles
}

// GetUsersForRole returns the users holding role in dom. An empty dom
// matches every domain.
func (e *Engine) GetUsersForRole(role, dom string) ([]string, error) {
	rows, err := e.enf.GetFilteredGroupingPolicy(1, role)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var users []string
	for _, r := range rows {
		if len(r) < 3 || seen[r[0]] {
			continue
		}
		if dom != "" && !util.KeyMatch(dom, r[2]) {
			continue
		}
		seen[r[0]] = true
		users = append(users, r[0])
	}
	sort.Strings(users)
	return users, nil
}

func (e *Engine) GetPermissionsForRole(role string) ([]domain.PolicyRule, error) {
	rows, err := e.enf.GetFilteredPolicy(0, role)
	if err != nil {
		return nil, err
	}
	return toPolicies(rows), nil
}

// GetPermissionsForUser returns the policies naming user directly plus those
// of every role assigned to user in any domain.
func (e *Engine) GetPermissionsForUser(user string) ([]domain.PolicyRule, error) {
	groups, err := e.enf.GetFilteredGroupingPolicy(0, user)
	if err != nil {
		return nil, err
	}
	subjects := []string{user}
	for _, g := range groups {
		if len(g) > 1 {
			subjects = append(subjects, g[1])
		}
	}
	seen := map[string]bool{}
	var out []domain.PolicyRule
	for _, sub := range subjects {
		if seen[sub] {
			continue
		}
		seen[sub] = true
		ps, err := e.GetPermissionsForRole(sub)
		if err != nil {
			return nil, err
		}
		out = append(out, ps...)
	}
	return out, nil
}

type Stats struct {
	Policies     int    `json:"policies"`
	Groupings    int    `json:"groupings"`
	CacheEntries int    `json:"cacheEntries"`
	CacheHits    uint64 `json:"cacheHits"`
	CacheMisses  uint64 `json:"cacheMisses"`
}

func (e *Engine) counts() (policies, groupings int) {
	if ps, err := e.enf.GetPolicy(); err == nil {
		policies = len(ps)
	}
	if gs, err := e.enf.GetGroupingPolicy(); err == nil {
		groupings = len(gs)
	}
	return policies, groupings
}

func (e *Engine) Stats() Stats {
	p, g := e.counts()
	return Stats{
		Policies:     p,
		Groupings:    g,
		CacheEntries: e.cache.size(),
		CacheHits:    e.hits.Load(),
		CacheMisses:  e.misses.Load(),
	}
}

// ClearCache drops every cached decision.
func (e *Engine) ClearCache() {
	e.cache.flush()
	e.log.Info("permission cache cleared")
}

// Reload replaces the in-memory rules with the store's and clears the cache.
func (e *Engine) Reload(ctx context.Context) error {
	_, err := e.mutate(ctx, "reload", func() (bool, error) {
		return true, e.enf.LoadPolicy()
	})
	return err
}
