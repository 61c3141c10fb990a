package fraudlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore persists fraud events in the fraud_events table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed fraud event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, gan, ip, fingerprint, merchant_id, user_agent, reason, blocked, created_at`

func (p *PostgresStore) Append(ctx context.Context, e *FraudEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, nullString(e.GAN), nullString(e.IP), nullString(e.Fingerprint),
		nullString(e.MerchantID), nullString(e.UserAgent), e.Reason, e.Blocked, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert fraud event: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*FraudEvent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM fraud_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Range(ctx context.Context, r TimeRange) ([]*FraudEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM fraud_events
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC, id ASC
	`, r.From, r.To)
	if err != nil {
		return nil, fmt.Errorf("query fraud events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]*FraudEvent, error) {
	return p.List(ctx, Filter{Limit: limit})
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*FraudEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.IP != "" {
		add("ip = $%d", f.IP)
	}
	if f.Fingerprint != "" {
		add("fingerprint = $%d", f.Fingerprint)
	}
	if f.MerchantID != "" {
		add("merchant_id = $%d", f.MerchantID)
	}
	if f.Reason != "" {
		add("reason = $%d", f.Reason)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= $%d", f.Until)
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.At, f.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + eventColumns + ` FROM fraud_events`
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
		return nil, fmt.Errorf("list fraud events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*FraudEvent, error) {
	var (
		e                                FraudEvent
		gan, ip, fp, merchant, userAgent sql.NullString
	)
	if err := s.Scan(&e.ID, &gan, &ip, &fp, &merchant, &userAgent, &e.Reason, &e.Blocked, &e.Timestamp); err != nil {
		return nil, err
	}
	e.GAN = gan.String
	e.IP = ip.String
	e.Fingerprint = fp.String
	e.MerchantID = merchant.String
	e.UserAgent = userAgent.String
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*FraudEvent, error) {
	var out []*FraudEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fraud event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
