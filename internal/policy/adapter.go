package policy

import (
	"context"
	"sync"
	"time"

	"github.com/SirClappington/gatehouse/internal/storage"
	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
)

// RuleStore is the persistence the policy engine needs. *storage.Store
// implements it.
type RuleStore interface {
	LoadRules(ctx context.Context) ([]storage.Rule, error)
	CountRules(ctx context.Context) (map[string]int, error)
	InsertRules(ctx context.Context, rules []storage.Rule) error
	DeleteRules(ctx context.Context, rules []storage.Rule) error
	DeleteFilteredRules(ctx context.Context, ptype string, fieldIndex int, values ...string) ([]storage.Rule, error)
	UpdateRules(ctx context.Context, olds, news []storage.Rule) error
}

var (
	_ persist.Adapter          = (*adapter)(nil)
	_ persist.BatchAdapter     = (*adapter)(nil)
	_ persist.UpdatableAdapter = (*adapter)(nil)
)

// adapter persists enforcer changes through a RuleStore. Enforcer calls carry
// no context, so the engine binds the caller's context for the duration of
// each mutation.
type adapter struct {
	store   RuleStore
	timeout time.Duration

	mu  sync.Mutex
	ctx context.Context
}

func newAdapter(store RuleStore, timeout time.Duration) *adapter {
	return &adapter{store: store, timeout: timeout}
}

// bind makes ctx the parent of store calls until the returned func runs.
func (a *adapter) bind(ctx context.Context) func() {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.ctx = nil
		a.mu.Unlock()
	}
}

func (a *adapter) opContext() (context.Context, context.CancelFunc) {
	a.mu.Lock()
	parent := a.ctx
	a.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, a.timeout)
}

func toRule(ptype string, values []string) storage.Rule {
	return storage.NewRule(ptype, values...)
}

func toRules(ptype string, rules [][]string) []storage.Rule {
	out := make([]storage.Rule, len(rules))
	for i, r := range rules {
		out[i] = toRule(ptype, r)
	}
	return out
}

func (a *adapter) LoadPolicy(m model.Model) error {
	ctx, cancel := a.opContext()
	defer cancel()
	rules, err := a.store.LoadRules(ctx)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := persist.LoadPolicyArray(append([]string{r.PType}, r.Values()...), m); err != nil {
			return err
		}
	}
	return nil
}

// SavePolicy appends every rule of m. Rows already stored are kept.
func (a *adapter) SavePolicy(m model.Model) error {
	var rules []storage.Rule
	for _, sec := range []string{"p", "g"} {
		for ptype, ast := range m[sec] {
			rules = append(rules, toRules(ptype, ast.Policy)...)
		}
	}
	ctx, cancel := a.opContext()
	defer cancel()
	return a.store.InsertRules(ctx, rules)
}

func (a *adapter) AddPolicy(_ string, ptype string, rule []string) error {
	return a.AddPolicies("", ptype, [][]string{rule})
}

func (a *adapter) AddPolicies(_ string, ptype string, rules [][]string) error {
	ctx, cancel := a.opContext()
	defer cancel()
	return a.store.InsertRules(ctx, toRules(ptype, rules))
}

func (a *adapter) RemovePolicy(_ string, ptype string, rule []string) error {
	return a.RemovePolicies("", ptype, [][]string{rule})
}

func (a *adapter) RemovePolicies(_ string, ptype string, rules [][]string) error {
	ctx, cancel := a.opContext()
	defer cancel()
	return a.store.DeleteRules(ctx, toRules(ptype, rules))
}

func (a *adapter) RemoveFilteredPolicy(_ string, ptype string, fieldIndex int, fieldValues ...string) error {
	ctx, cancel := a.opContext()
	defer cancel()
	_, err := a.store.DeleteFilteredRules(ctx, ptype, fieldIndex, fieldValues...)
	return err
}

func (a *adapter) UpdatePolicy(_ string, ptype string, oldRule, newRule []string) error {
	return a.UpdatePolicies("", ptype, [][]string{oldRule}, [][]string{newRule})
}

func (a *adapter) UpdatePolicies(_ string, ptype string, oldRules, newRules [][]string) error {
	ctx, cancel := a.opContext()
	defer cancel()
	return a.store.UpdateRules(ctx, toRules(ptype, oldRules), toRules(ptype, newRules))
}

// UpdateFilteredPolicies replaces the rules matching the filter with
// newRules and returns the replaced ones.
func (a *adapter) UpdateFilteredPolicies(_ string, ptype string, newRules [][]string, fieldIndex int, fieldValues ...string) ([][]string, error) {
	ctx, cancel := a.opContext()
	defer cancel()
	removed, err := a.store.DeleteFilteredRules(ctx, ptype, fieldIndex, fieldValues...)
	if err != nil {
		return nil, err
	}
	if err := a.store.InsertRules(ctx, toRules(ptype, newRules)); err != nil {
		return nil, err
	}
	out := make([][]string, len(removed))
	for i, r := range removed {
		out[i] = r.Values()
	}
	return out, nil
}
