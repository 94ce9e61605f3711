package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"minewatch/internal/schema"
)

type pgRuleStore struct {
	db *sql.DB
}

const ruleColumns = `id, type, pattern, description, enabled, tags, vendor, sid, name, body, created_at`

func (s *pgRuleStore) ListEnabled(ctx context.Context) ([]schema.Rule, error) {
	return s.list(ctx, `
		SELECT `+ruleColumns+`
		FROM rules WHERE enabled ORDER BY created_at DESC, id DESC`)
}

func (s *pgRuleStore) List(ctx context.Context) ([]schema.Rule, error) {
	return s.list(ctx, `
		SELECT `+ruleColumns+`
		FROM rules ORDER BY created_at DESC, id DESC`)
}

func (s *pgRuleStore) list(ctx context.Context, query string) ([]schema.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	rules := make([]schema.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func (s *pgRuleStore) Create(ctx context.Context, rule schema.Rule) (*schema.Rule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO rules (id, type, pattern, description, enabled, tags, vendor, sid, name, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+ruleColumns,
		rule.ID, rule.Type, rule.Pattern, rule.Description, rule.Enabled,
		pq.Array(rule.Tags), rule.Vendor, rule.SID, rule.Name, rule.Body)
	return scanRule(row)
}

func (s *pgRuleStore) Toggle(ctx context.Context, id uuid.UUID, enabled bool) (*schema.Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE rules SET enabled = $2 WHERE id = $1
		RETURNING `+ruleColumns, id, enabled)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

func (s *pgRuleStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgRuleStore) DeleteByTag(ctx context.Context, tag string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE $1 = ANY(tags)`, tag)
	if err != nil {
		return 0, fmt.Errorf("delete rules by tag: %w", err)
	}
	return res.RowsAffected()
}

func scanRule(row rowScanner) (*schema.Rule, error) {
	var r schema.Rule
	if err := row.Scan(&r.ID, &r.Type, &r.Pattern, &r.Description, &r.Enabled,
		pq.Array(&r.Tags), &r.Vendor, &r.SID, &r.Name, &r.Body, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
