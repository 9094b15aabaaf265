// Package storage persists policy rules in Postgres.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// FieldCount is the number of value columns (v0..v6) of a rule row.
const FieldCount = 7

// Rule is one casbin_rule row. PType is "p" for policies and "g" for
// groupings; unused trailing values are empty.
type Rule struct {
	ID    int64
	PType string
	V     [FieldCount]string
}

// NewRule builds a rule from a ptype and up to FieldCount values.
func NewRule(ptype string, values ...string) Rule {
	r := Rule{PType: ptype}
	copy(r.V[:], values)
	return r
}

// Values returns V without trailing empty fields.
func (r Rule) Values() []string {
	n := FieldCount
	for n > 0 && r.V[n-1] == "" {
		n--
	}
	out := make([]string, n)
	copy(out, r.V[:n])
	return out
}

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const selectRules = `select id, ptype, v0, v1, v2, v3, v4, v5, v6 from casbin_rule`

// LoadRules returns every rule ordered by insertion.
func (s *Store) LoadRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.Query(ctx, selectRules+` order by id`)
	if err != nil {
		return nil, errors.Wrap(err, "load rules")
	}
	return collectRules(rows)
}

func collectRules(rows pgx.Rows) ([]Rule, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Rule, error) {
		var r Rule
		err := row.Scan(&r.ID, &r.PType, &r.V[0], &r.V[1], &r.V[2], &r.V[3], &r.V[4], &r.V[5], &r.V[6])
		return r, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan rules")
	}
	return out, nil
}

// CountRules returns the number of rows per ptype.
func (s *Store) CountRules(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `select ptype, count(*) from casbin_rule group by ptype`)
	if err != nil {
		return nil, errors.Wrap(err, "count rules")
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var ptype string
		var n int
		if err := rows.Scan(&ptype, &n); err != nil {
			return nil, errors.Wrap(err, "count rules")
		}
		out[ptype] = n
	}
	return out, errors.Wrap(rows.Err(), "count rules")
}

const insertRule = `insert into casbin_rule (ptype, v0, v1, v2, v3, v4, v5, v6)
values ($1, $2, $3, $4, $5, $6, $7, $8)
on conflict (ptype, v0, v1, v2, v3, v4, v5, v6) do nothing`

// InsertRules adds rules in one transaction. Existing rules are left as is.
func (s *Store) InsertRules(ctx context.Context, rules []Rule) error {
	return s.inTx(ctx, "insert rules", func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, r := range rules {
			b.Queue(insertRule, ruleArgs(r)...)
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

const deleteRule = `delete from casbin_rule
where ptype = $1 and v0 = $2 and v1 = $3 and v2 = $4 and v3 = $5 and v4 = $6 and v5 = $7 and v6 = $8`

// DeleteRules removes exact matches in one transaction.
func (s *Store) DeleteRules(ctx context.Context, rules []Rule) error {
	return s.inTx(ctx, "delete rules", func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, r := range rules {
			b.Queue(deleteRule, ruleArgs(r)...)
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

// DeleteFilteredRules removes and returns the rules matching the filter.
func (s *Store) DeleteFilteredRules(ctx context.Context, ptype string, fieldIndex int, values ...string) ([]Rule, error) {
	where, args, err := filterClause(ptype, fieldIndex, values)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `delete from casbin_rule where `+where+
		` returning id, ptype, v0, v1, v2, v3, v4, v5, v6`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "delete filtered rules")
	}
	return collectRules(rows)
}

// UpdateRules replaces each olds[i] with news[i] in one transaction.
func (s *Store) UpdateRules(ctx context.Context, olds, news []Rule) error {
	if len(olds) != len(news) {
		return fmt.Errorf("update rules: %d old rules for %d new", len(olds), len(news))
	}
	return s.inTx(ctx, "update rules", func(tx pgx.Tx) error {
		for i := range olds {
			args := append(ruleArgs(news[i]), ruleArgs(olds[i])...)
			tag, err := tx.Exec(ctx, `update casbin_rule
set ptype = $1, v0 = $2, v1 = $3, v2 = $4, v3 = $5, v4 = $6, v5 = $7, v6 = $8
where ptype = $9 and v0 = $10 and v1 = $11 and v2 = $12 and v3 = $13 and v4 = $14 and v5 = $15 and v6 = $16`, args...)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrRuleNotFound
			}
		}
		return nil
	})
}

// ErrRuleNotFound is returned when an updated rule does not exist.
var ErrRuleNotFound = errors.New("storage: rule not found")

func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.db, fn)
	if errors.Is(err, ErrRuleNotFound) {
		return err
	}
	return errors.Wrap(err, op)
}

func ruleArgs(r Rule) []any {
	args := make([]any, 0, FieldCount+1)
	args = append(args, r.PType)
	for _, v := range r.V {
		args = append(args, v)
	}
	return args
}

// filterClause matches ptype and, starting at column v<fieldIndex>, each
// non-empty value. Empty values match anything.
func filterClause(ptype string, fieldIndex int, values []string) (string, []any, error) {
	if fieldIndex < 0 || fieldIndex+len(values) > FieldCount {
		return "", nil, fmt.Errorf("storage: filter out of range: index %d with %d values", fieldIndex, len(values))
	}
	conds := []string{"ptype = $1"}
	args := []any{ptype}
	for i, v := range values {
		if v == "" {
			continue
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("v%d = $%d", fieldIndex+i, len(args)))
	}
	return strings.Join(conds, " and "), args, nil
}
