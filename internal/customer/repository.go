package customer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ae-utbm/comptoir/internal/money"
)

// Repository defines persistence for customer accounts. The Lock/Set pair
// must be called inside the caller's transaction: Lock takes the row lock
// that serializes all balance writes for one customer.
type Repository interface {
	GetByUserID(ctx context.Context, userID int64) (*Customer, error)
	GetByAccountID(ctx context.Context, accountID string) (*Customer, error)
	Create(ctx context.Context, userID int64) (*Customer, error)
	LockAmount(ctx context.Context, tx pgx.Tx, userID int64) (money.Money, error)
	SetAmount(ctx context.Context, tx pgx.Tx, userID int64, amount money.Money) error
	AdjustRecordedProducts(ctx context.Context, tx pgx.Tx, userID int64, delta int) (int, error)
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.UserID, &c.AccountID, &c.Amount, &c.RecordedProducts, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

const customerColumns = `user_id, account_id, amount, recorded_products, created_at, updated_at`

// GetByUserID fetches a customer by the owning user id.
func (r *PGRepository) GetByUserID(ctx context.Context, userID int64) (*Customer, error) {
	return scanCustomer(r.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE user_id = $1`, userID))
}

// GetByAccountID fetches a customer by the public account code.
func (r *PGRepository) GetByAccountID(ctx context.Context, accountID string) (*Customer, error) {
	return scanCustomer(r.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE lower(account_id) = lower($1)`, accountID))
}

// Create opens an account for the user with a fresh account code and a zero
// balance. The code is the next sequence value suffixed with a check letter.
func (r *PGRepository) Create(ctx context.Context, userID int64) (*Customer, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('customer_account_seq')`).Scan(&seq); err != nil {
		return nil, err
	}
	accountID := fmt.Sprintf("%d%c", seq, 'a'+byte(seq%26))
	row := r.pool.QueryRow(ctx, `
		INSERT INTO customers (user_id, account_id, amount, recorded_products, created_at, updated_at)
		VALUES ($1, $2, 0, 0, NOW(), NOW())
		RETURNING `+customerColumns, userID, accountID)
	return scanCustomer(row)
}

// LockAmount reads the balance under FOR UPDATE, blocking concurrent
// balance writers until the surrounding transaction ends.
func (r *PGRepository) LockAmount(ctx context.Context, tx pgx.Tx, userID int64) (money.Money, error) {
	var amount money.Money
	err := tx.QueryRow(ctx, `SELECT amount FROM customers WHERE user_id = $1 FOR UPDATE`, userID).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Zero, ErrNotFound
		}
		return money.Zero, err
	}
	return amount, nil
}

// SetAmount writes the balance. The customers table carries a CHECK
// (amount >= 0) so a negative write can never slip through.
func (r *PGRepository) SetAmount(ctx context.Context, tx pgx.Tx, userID int64, amount money.Money) error {
	if amount.IsNegative() {
		return ErrInsufficientFunds
	}
	tag, err := tx.Exec(ctx, `UPDATE customers SET amount = $2, updated_at = NOW() WHERE user_id = $1`, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustRecordedProducts shifts the AE-wide ecocup counter and returns the
// new value.
func (r *PGRepository) AdjustRecordedProducts(ctx context.Context, tx pgx.Tx, userID int64, delta int) (int, error) {
	var value int
	err := tx.QueryRow(ctx, `
		UPDATE customers SET recorded_products = recorded_products + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING recorded_products`, userID, delta).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return value, nil
}

var _ Repository = (*PGRepository)(nil)
