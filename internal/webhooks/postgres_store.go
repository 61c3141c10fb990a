package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/giftguard/internal/idgen"
)

// PostgresStore persists webhook state in PostgreSQL. Tables are created by
// the goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	subscriptionColumns = `id, merchant_id, event_type, url, secret, enabled, created_at`
	deliveryColumns     = `id, subscription_id, merchant_id, event_type, payload, status,
		status_code, response_time_ms, retry_count, last_error, created_at, updated_at`
	entryColumns   = `delivery_id, merchant_id, retry_count, next_retry_at, last_status, claimed_at, claim_token`
	failureColumns = `id, delivery_id, merchant_id, event_type, status_code, error_message,
		retry_count, failed_at, resolved, resolved_at`
)

func (p *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.MerchantID, sub.EventType, sub.URL, sub.Secret, sub.Enabled, sub.CreatedAt)
	return err
}

func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub := &Subscription{}
	err := p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1
	`, id).Scan(&sub.ID, &sub.MerchantID, &sub.EventType, &sub.URL, &sub.Secret, &sub.Enabled, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (p *PostgresStore) ListSubscriptions(ctx context.Context, merchantID string, eventType EventType) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE merchant_id = $1 AND ($2 = '' OR event_type = $2)
		ORDER BY created_at, id
	`, merchantID, string(eventType))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		if err := rows.Scan(&sub.ID, &sub.MerchantID, &sub.EventType, &sub.URL, &sub.Secret, &sub.Enabled, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return oneRow(res, ErrSubscriptionNotFound)
}

func (p *PostgresStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_delivery_log (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.SubscriptionID, d.MerchantID, d.EventType, string(d.Payload), d.Status,
		nullInt(d.StatusCode), nullInt64(d.ResponseTimeMs), d.RetryCount, d.LastError, d.CreatedAt, d.UpdatedAt)
	return err
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	return scanDelivery(p.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_delivery_log WHERE id = $1
	`, id))
}

func (p *PostgresStore) UpdateDelivery(ctx context.Context, d *Delivery) error {
	return updateDelivery(ctx, p.db, d)
}

func (p *PostgresStore) Enqueue(ctx context.Context, d *Delivery, e *RetryEntry, claimToken string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if claimToken != "" {
			if err := holdsClaim(ctx, tx, d.ID, claimToken); err != nil {
				return err
			}
		}
		if err := updateDelivery(ctx, tx, d); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_retry_queue (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, NULL, '')
			ON CONFLICT (delivery_id) DO UPDATE SET
				retry_count = EXCLUDED.retry_count,
				next_retry_at = EXCLUDED.next_retry_at,
				last_status = EXCLUDED.last_status,
				claimed_at = NULL,
				claim_token = ''
		`, d.ID, e.MerchantID, e.RetryCount, e.NextRetryAt, e.LastStatus)
		return err
	})
}

// ClaimDue claims due entries with one UPDATE over a SKIP LOCKED subquery,
// so concurrent schedulers never receive the same row.
func (p *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, ttl time.Duration) ([]*RetryEntry, error) {
	if limit <= 0 {
		limit = DefaultConfig().BatchSize
	}
	rows, err := p.db.QueryContext(ctx, `
		UPDATE webhook_retry_queue SET claimed_at = $1, claim_token = $2
		WHERE delivery_id IN (
			SELECT delivery_id FROM webhook_retry_queue
			WHERE next_retry_at <= $1 AND (claimed_at IS NULL OR claimed_at <= $3)
			ORDER BY next_retry_at, delivery_id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns+`
	`, now, idgen.Hex(12), now.Add(-ttl), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RetryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].DeliveryID < out[j].DeliveryID
		}
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	return out, nil
}

func (p *PostgresStore) ClaimOne(ctx context.Context, deliveryID string, now time.Time, ttl time.Duration) (*RetryEntry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		UPDATE webhook_retry_queue SET claimed_at = $2, claim_token = $3
		WHERE delivery_id = $1 AND (claimed_at IS NULL OR claimed_at <= $4)
		RETURNING `+entryColumns+`
	`, deliveryID, now, idgen.Hex(12), now.Add(-ttl)))
	if !errors.Is(err, ErrNotQueued) {
		return e, err
	}
	// Nothing updated: either no entry or a live claim.
	if _, gerr := p.GetRetryEntry(ctx, deliveryID); gerr == nil {
		return nil, ErrDeliveryBusy
	}
	return nil, ErrNotQueued
}

func (p *PostgresStore) GetRetryEntry(ctx context.Context, deliveryID string) (*RetryEntry, error) {
	return scanEntry(p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM webhook_retry_queue WHERE delivery_id = $1
	`, deliveryID))
}

func (p *PostgresStore) CountQueued(ctx context.Context, merchantID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_retry_queue WHERE merchant_id = $1
	`, merchantID).Scan(&n)
	return n, err
}

func (p *PostgresStore) Complete(ctx context.Context, d *Delivery, f *FailureEntry, claimToken string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if claimToken != "" {
			if err := holdsClaim(ctx, tx, d.ID, claimToken); err != nil {
				return err
			}
		}
		if err := updateDelivery(ctx, tx, d); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_retry_queue WHERE delivery_id = $1`, d.ID); err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_failure_log (`+failureColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (delivery_id) DO UPDATE SET
				status_code = EXCLUDED.status_code,
				error_message = EXCLUDED.error_message,
				retry_count = EXCLUDED.retry_count,
				failed_at = EXCLUDED.failed_at,
				resolved = EXCLUDED.resolved,
				resolved_at = EXCLUDED.resolved_at
		`, f.ID, f.DeliveryID, f.MerchantID, f.EventType, nullInt(f.StatusCode), f.ErrorMessage,
			f.RetryCount, f.FailedAt, f.Resolved, f.ResolvedAt)
		return err
	})
}

func (p *PostgresStore) GetFailure(ctx context.Context, id string) (*FailureEntry, error) {
	return scanFailure(p.db.QueryRowContext(ctx, `
		SELECT `+failureColumns+` FROM webhook_failure_log WHERE id = $1
	`, id))
}

func (p *PostgresStore) FailureForDelivery(ctx context.Context, deliveryID string) (*FailureEntry, error) {
	return scanFailure(p.db.QueryRowContext(ctx, `
		SELECT `+failureColumns+` FROM webhook_failure_log WHERE delivery_id = $1
	`, deliveryID))
}

func (p *PostgresStore) ResolveFailure(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_failure_log SET resolved = TRUE, resolved_at = $2
		WHERE id = $1 AND NOT resolved
	`, id, at)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := p.GetFailure(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) ListFailures(ctx context.Context, f FailureFilter) ([]*FailureEntry, error) {
	query := `SELECT ` + failureColumns + ` FROM webhook_failure_log WHERE 1=1`
	var args []any
	if f.MerchantID != "" {
		args = append(args, f.MerchantID)
		query += fmt.Sprintf(" AND merchant_id = $%d", len(args))
	}
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		query += fmt.Sprintf(" AND resolved = $%d", len(args))
	}
	query += " ORDER BY failed_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*FailureEntry
	for rows.Next() {
		e, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateDelivery(ctx context.Context, db execer, d *Delivery) error {
	res, err := db.ExecContext(ctx, `
		UPDATE webhook_delivery_log SET
			status = $2, status_code = $3, response_time_ms = $4,
			retry_count = $5, last_error = $6, updated_at = $7
		WHERE id = $1
	`, d.ID, d.Status, nullInt(d.StatusCode), nullInt64(d.ResponseTimeMs), d.RetryCount, d.LastError, d.UpdatedAt)
	if err != nil {
		return err
	}
	return oneRow(res, ErrDeliveryNotFound)
}

// holdsClaim locks the queue row and checks its token.
func holdsClaim(ctx context.Context, tx *sql.Tx, deliveryID, token string) error {
	var current string
	err := tx.QueryRowContext(ctx, `
		SELECT claim_token FROM webhook_retry_queue WHERE delivery_id = $1 FOR UPDATE
	`, deliveryID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && current != token) {
		return ErrClaimLost
	}
	return err
}

func oneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(s scanner) (*Delivery, error) {
	d := &Delivery{}
	var (
		payload    []byte
		statusCode sql.NullInt64
		respMs     sql.NullInt64
	)
	err := s.Scan(&d.ID, &d.SubscriptionID, &d.MerchantID, &d.EventType, &payload, &d.Status,
		&statusCode, &respMs, &d.RetryCount, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	if statusCode.Valid {
		d.StatusCode = intPtr(int(statusCode.Int64))
	}
	if respMs.Valid {
		d.ResponseTimeMs = int64Ptr(respMs.Int64)
	}
	return d, nil
}

func scanEntry(s scanner) (*RetryEntry, error) {
	e := &RetryEntry{}
	var claimedAt sql.NullTime
	err := s.Scan(&e.DeliveryID, &e.MerchantID, &e.RetryCount, &e.NextRetryAt, &e.LastStatus, &claimedAt, &e.ClaimToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotQueued
	}
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		e.ClaimedAt = &t
	}
	return e, nil
}

func scanFailure(s scanner) (*FailureEntry, error) {
	f := &FailureEntry{}
	var (
		statusCode sql.NullInt64
		resolvedAt sql.NullTime
	)
	err := s.Scan(&f.ID, &f.DeliveryID, &f.MerchantID, &f.EventType, &statusCode, &f.ErrorMessage,
		&f.RetryCount, &f.FailedAt, &f.Resolved, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFailureNotFound
	}
	if err != nil {
		return nil, err
	}
	if statusCode.Valid {
		f.StatusCode = intPtr(int(statusCode.Int64))
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		f.ResolvedAt = &t
	}
	return f, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
