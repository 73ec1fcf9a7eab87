package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines persistence for subscriptions. Create and FindCreatedOn
// run inside the caller's transaction so an activation commits or rolls back
// together with the sale that paid for it.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, sub *Subscription) (*Subscription, error)
	Latest(ctx context.Context, memberID int64) (*Subscription, error)
	FindCreatedOn(ctx context.Context, tx pgx.Tx, memberID int64, typeName string, day time.Time) (*Subscription, error)
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const subscriptionColumns = `id, member_id, subscription_type, subscription_start, subscription_end, payment_method, location, created_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.MemberID, &s.Type, &s.Start, &s.End, &s.PaymentMethod, &s.Location, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Create inserts a subscription inside the caller's transaction.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, sub *Subscription) (*Subscription, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO subscriptions (member_id, subscription_type, subscription_start, subscription_end, payment_method, location, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING `+subscriptionColumns,
		sub.MemberID, sub.Type, sub.Start, sub.End, sub.PaymentMethod, sub.Location)
	return scanSubscription(row)
}

// Latest fetches the subscription with the furthest end date.
func (r *PGRepository) Latest(ctx context.Context, memberID int64) (*Subscription, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE member_id = $1
		ORDER BY subscription_end DESC LIMIT 1`, memberID)
	return scanSubscription(row)
}

// FindCreatedOn looks for a subscription of the same type created the same
// day, backing the per-day activation idempotence.
func (r *PGRepository) FindCreatedOn(ctx context.Context, tx pgx.Tx, memberID int64, typeName string, day time.Time) (*Subscription, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE member_id = $1 AND subscription_type = $2 AND created_at::date = $3::date
		LIMIT 1`, memberID, typeName, day)
	return scanSubscription(row)
}

var _ Repository = (*PGRepository)(nil)
