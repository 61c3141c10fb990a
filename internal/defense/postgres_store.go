package defense

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists rules in auto_defense_rules. Uniqueness of active
// (type, value) pairs is enforced by a partial unique index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, rule_type, value, reason, confidence, hit_count, last_triggered,
	is_active, source, created_at, updated_at, decayed_at, evidence_through`

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Create(ctx context.Context, r *Rule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auto_defense_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.ID, string(r.Type), r.Value, r.Reason, r.Confidence, r.HitCount, r.LastTriggered,
		r.IsActive, string(r.Source), r.CreatedAt, r.UpdatedAt, r.DecayedAt, r.EvidenceThrough)
	if isUniqueViolation(err) {
		return ErrDuplicateActive
	}
	if err != nil {
		return fmt.Errorf("insert defense rule: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM auto_defense_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (p *PostgresStore) FindActive(ctx context.Context, t RuleType, value string) (*Rule, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM auto_defense_rules
		WHERE rule_type = $1 AND value = $2 AND is_active
	`, string(t), value)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return p.List(ctx, ListFilter{ActiveOnly: true})
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Rule, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("rule_type = $%d", len(args)))
	}
	if f.Source != "" {
		args = append(args, string(f.Source))
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if f.ActiveOnly {
		where = append(where, "is_active")
	}

	query := `SELECT ` + ruleColumns + ` FROM auto_defense_rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list defense rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan defense rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, r *Rule) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE auto_defense_rules SET
			reason = $2,
			confidence = $3,
			is_active = $4,
			source = $5,
			updated_at = $6,
			decayed_at = $7,
			evidence_through = $8
		WHERE id = $1
	`, r.ID, r.Reason, r.Confidence, r.IsActive, string(r.Source), r.UpdatedAt, r.DecayedAt, r.EvidenceThrough)
	if isUniqueViolation(err) {
		return ErrDuplicateActive
	}
	if err != nil {
		return fmt.Errorf("update defense rule: %w", err)
	}
	return requireOneRow(res)
}

func (p *PostgresStore) RecordHit(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE auto_defense_rules SET
			hit_count = hit_count + 1,
			last_triggered = GREATEST(COALESCE(last_triggered, $2), $2)
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("record rule hit: %w", err)
	}
	return requireOneRow(res)
}

func (p *PostgresStore) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE auto_defense_rules SET is_active = FALSE, updated_at = $2
		WHERE id = $1 AND is_active
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("deactivate defense rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*Rule, error) {
	var (
		r                    Rule
		ruleType, source     string
		lastTriggered, decay sql.NullTime
		evidence             sql.NullTime
	)
	if err := s.Scan(&r.ID, &ruleType, &r.Value, &r.Reason, &r.Confidence, &r.HitCount,
		&lastTriggered, &r.IsActive, &source, &r.CreatedAt, &r.UpdatedAt, &decay, &evidence); err != nil {
		return nil, err
	}
	r.Type = RuleType(ruleType)
	r.Source = Source(source)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if lastTriggered.Valid {
		t := lastTriggered.Time.UTC()
		r.LastTriggered = &t
	}
	if decay.Valid {
		t := decay.Time.UTC()
		r.DecayedAt = &t
	}
	if evidence.Valid {
		t := evidence.Time.UTC()
		r.EvidenceThrough = &t
	}
	return &r, nil
}
