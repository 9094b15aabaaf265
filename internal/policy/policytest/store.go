// Package policytest provides an in-memory rule store for tests.
package policytest

import (
	"context"
	"sync"

	"github.com/SirClappington/gatehouse/internal/storage"
)

// Store is an in-memory policy.RuleStore.
type Store struct {
	mu     sync.Mutex
	rules  []storage.Rule
	nextID int64
	err    error
	ctxs   []context.Context
}

func (m *Store) track(ctx context.Context) error {
	m.ctxs = append(m.ctxs, ctx)
	return m.err
}

func (m *Store) LoadRules(ctx context.Context) ([]storage.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track(ctx); err != nil {
		return nil, err
	}
	return append([]storage.Rule(nil), m.rules...), nil
}

func (m *Store) CountRules(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track(ctx); err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, r := range m.rules {
		out[r.PType]++
	}
	return out, nil
}

func (m *Store) indexOf(r storage.Rule) int {
	for i, have := range m.rules {
		if have.PType == r.PType && have.V == r.V {
			return i
		}
	}
	return -1
}

func (m *Store) InsertRules(ctx context.Context, rules []storage.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track(ctx); err != nil {
		return err
	}
	for _, r := range rules {
		if m.indexOf(r) >= 0 {
			continue
		}
		m.nextID++
		r.ID = m.nextID
		m.rules = append(m.rules, r)
	}
	return nil
}

func (m *Store) DeleteRules(ctx context.Context, rules []storage.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track(ctx); err != nil {
		return err
	}
	for _, r := range rules {
		if i := m.indexOf(r); i >= 0 {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
		}
	}
	return nil
}

func (m *Store) DeleteFilteredRules(ctx context.Context, ptype string, fieldIndex int, values ...string) ([]storage.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track(ctx); err != nil {
		return nil, err
	}
	var kept, removed []storage.Rule
	for _, r := range m.rules {
		match := r.PType == ptype
		for i, v := range values {
			if v != "" && r.V[fieldIndex+i] != v {
				match = false
			}
		}
		if match {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	m.rules = kept
	return removed, nil
}

func (m *Store) UpdateRules(ctx context.Context, olds, news []storage.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track(ctx); err != nil {
		return err
	}
	for i, old := range olds {
		j := m.indexOf(old)
		if j < 0 {
			return storage.ErrRuleNotFound
		}
		news[i].ID = m.rules[j].ID
		m.rules[j] = news[i]
	}
	return nil
}

// Count returns the number of stored rules of ptype.
func (m *Store) Count(ptype string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rules {
		if r.PType == ptype {
			n++
		}
	}
	return n
}

// Fail makes every later call return err until Fail(nil).
func (m *Store) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Contexts returns the contexts of every call so far.
func (m *Store) Contexts() []context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]context.Context(nil), m.ctxs...)
}
