package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/TobiSchelling/nour/internal/rules"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RuleFilter narrows ListRules.
type RuleFilter struct {
	Category    string
	EnabledOnly bool
}

// SaveRule inserts a rule or, when the organization already has a rule with
// the same name, replaces its definition and settings. r.ID and r.CreatedAt
// are set from the stored row.
func (db *DB) SaveRule(ctx context.Context, r *rules.Rule) error {
	if r.Definition == nil {
		return eris.Wrapf(rules.ErrInvalidRuleDefinition, "database: rule %q has no definition", r.Name)
	}
	if r.Name == "" {
		r.Name = r.Definition.Name
	}
	if r.Category == "" {
		r.Category = rules.DefaultCategory
	}
	definition, err := json.Marshal(r.Definition.Raw)
	if err != nil {
		return eris.Wrapf(err, "database: marshal rule %q", r.Name)
	}

	now := formatTime(time.Now())
	var createdAt string
	err = db.conn.QueryRowContext(ctx,
		`INSERT INTO rules (org_id, name, category, priority, enabled, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, name) DO UPDATE SET
			category = excluded.category,
			priority = excluded.priority,
			enabled = excluded.enabled,
			definition = excluded.definition,
			updated_at = excluded.updated_at
		RETURNING id, created_at`,
		r.OrgID, r.Name, r.Category, r.Priority, boolInt(r.Enabled), string(definition), now, now,
	).Scan(&r.ID, &createdAt)
	if err != nil {
		return eris.Wrapf(err, "database: save rule %q", r.Name)
	}
	r.CreatedAt, err = parseTime(createdAt)
	return err
}

// GetRule returns a rule by id, or nil if it does not exist.
func (db *DB) GetRule(ctx context.Context, orgID, id int64) (*rules.Rule, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE org_id = ? AND id = ?`, orgID, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRules returns an organization's rules, highest priority first and
// newest first within a priority. A stored definition that no longer parses
// is returned with a nil Definition.
func (db *DB) ListRules(ctx context.Context, orgID int64, f RuleFilter) ([]*rules.Rule, error) {
	where := []string{"org_id = ?"}
	args := []any{orgID}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.EnabledOnly {
		where = append(where, "enabled = 1")
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE `+strings.Join(where, " AND ")+
			` ORDER BY priority DESC, created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "database: list rules")
	}
	defer rows.Close()

	var out []*rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "database: iterate rules")
}

// SetRuleEnabled toggles a rule. It returns ErrNotFound for unknown ids.
func (db *DB) SetRuleEnabled(ctx context.Context, orgID, id int64, enabled bool) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE rules SET enabled = ?, updated_at = ? WHERE org_id = ? AND id = ?",
		boolInt(enabled), formatTime(time.Now()), orgID, id)
	if err != nil {
		return eris.Wrapf(err, "database: update rule %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "database: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "database: rule %d", id)
	}
	return nil
}

// DeleteRule removes a rule. It returns ErrNotFound for unknown ids.
func (db *DB) DeleteRule(ctx context.Context, orgID, id int64) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM rules WHERE org_id = ? AND id = ?", orgID, id)
	if err != nil {
		return eris.Wrapf(err, "database: delete rule %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "database: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "database: rule %d", id)
	}
	return nil
}

const ruleColumns = `id, org_id, name, category, priority, enabled, definition, created_at`

func scanRule(row scanner) (*rules.Rule, error) {
	var (
		r                     rules.Rule
		enabled               int
		definition, createdAt string
	)
	if err := row.Scan(&r.ID, &r.OrgID, &r.Name, &r.Category, &r.Priority, &enabled, &definition, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "database: scan rule")
	}
	r.Enabled = enabled != 0

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(definition), &doc); err != nil {
		zap.L().Warn("stored rule definition is not valid JSON", zap.Int64("rule_id", r.ID), zap.Error(err))
		return &r, nil
	}
	def, err := rules.ParseDefinition(doc)
	if err != nil {
		zap.L().Warn("stored rule definition no longer parses", zap.Int64("rule_id", r.ID), zap.Error(err))
		return &r, nil
	}
	r.Definition = def
	return &r, nil
}
