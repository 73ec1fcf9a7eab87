package counter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines persistence for permanencies and the append-only
// selling/refilling history. Selling and Refilling writes take the caller's
// transaction so they commit together with the balance change.
type Repository interface {
	OpenPermanency(ctx context.Context, counterID, userID int64, at time.Time) error
	ClosePermanency(ctx context.Context, counterID, userID int64, at time.Time) error
	ClosePermanencyAt(ctx context.Context, permanencyID int64, at time.Time) error
	OpenPermanencies(ctx context.Context) ([]Permanency, error)
	ActiveBarmenIDs(ctx context.Context, counterID int64) ([]int64, error)

	InsertSelling(ctx context.Context, tx pgx.Tx, s *Selling) (*Selling, error)
	GetSelling(ctx context.Context, id int64) (*Selling, error)
	DeleteSelling(ctx context.Context, tx pgx.Tx, id int64) error
	ListSellings(ctx context.Context, customerID int64, limit int) ([]Selling, error)

	InsertRefilling(ctx context.Context, tx pgx.Tx, rf *Refilling) (*Refilling, error)
	GetRefilling(ctx context.Context, id int64) (*Refilling, error)
	DeleteRefilling(ctx context.Context, tx pgx.Tx, id int64) error
	ListRefillings(ctx context.Context, customerID int64, limit int) ([]Refilling, error)
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// OpenPermanency inserts an open interval unless one already exists; a
// barman logging in twice keeps the original start.
func (r *PGRepository) OpenPermanency(ctx context.Context, counterID, userID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO permanencies (counter_id, user_id, start_at, end_at)
		SELECT $1, $2, $3, NULL
		WHERE NOT EXISTS (
			SELECT 1 FROM permanencies WHERE counter_id = $1 AND user_id = $2 AND end_at IS NULL
		)`, counterID, userID, at)
	return err
}

// ClosePermanency ends the user's open interval at the counter.
func (r *PGRepository) ClosePermanency(ctx context.Context, counterID, userID int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE permanencies SET end_at = $3
		WHERE counter_id = $1 AND user_id = $2 AND end_at IS NULL`, counterID, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotActiveBarman
	}
	return nil
}

// ClosePermanencyAt ends one interval by id. Already-closed rows are left
// alone so concurrent sweeps stay idempotent.
func (r *PGRepository) ClosePermanencyAt(ctx context.Context, permanencyID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE permanencies SET end_at = $2 WHERE id = $1 AND end_at IS NULL`, permanencyID, at)
	return err
}

// OpenPermanencies lists every open interval across all counters.
func (r *PGRepository) OpenPermanencies(ctx context.Context) ([]Permanency, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, counter_id, user_id, start_at
		FROM permanencies WHERE end_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permanency
	for rows.Next() {
		var p Permanency
		if err := rows.Scan(&p.ID, &p.CounterID, &p.UserID, &p.StartAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActiveBarmenIDs lists users with an open interval at the counter.
func (r *PGRepository) ActiveBarmenIDs(ctx context.Context, counterID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM permanencies
		WHERE counter_id = $1 AND end_at IS NULL ORDER BY user_id`, counterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const sellingColumns = `id, counter_id, club_id, seller_id, customer_id, label, product_id, unit_price, quantity, date, payment_method`

// InsertSelling writes one history line inside the caller's transaction.
func (r *PGRepository) InsertSelling(ctx context.Context, tx pgx.Tx, s *Selling) (*Selling, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO sellings (counter_id, club_id, seller_id, customer_id, label, product_id, unit_price, quantity, date, payment_method)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+sellingColumns,
		s.CounterID, s.ClubID, s.SellerID, s.CustomerID, s.Label, s.ProductID, s.UnitPrice, s.Quantity, s.Date, s.PaymentMethod)
	return scanSelling(row)
}

func scanSelling(row pgx.Row) (*Selling, error) {
	var s Selling
	err := row.Scan(&s.ID, &s.CounterID, &s.ClubID, &s.SellerID, &s.CustomerID, &s.Label, &s.ProductID, &s.UnitPrice, &s.Quantity, &s.Date, &s.PaymentMethod)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetSelling fetches one history line.
func (r *PGRepository) GetSelling(ctx context.Context, id int64) (*Selling, error) {
	return scanSelling(r.pool.QueryRow(ctx, `SELECT `+sellingColumns+` FROM sellings WHERE id = $1`, id))
}

// DeleteSelling removes one history line inside the caller's transaction.
func (r *PGRepository) DeleteSelling(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx, `DELETE FROM sellings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSellings returns a customer's most recent purchases.
func (r *PGRepository) ListSellings(ctx context.Context, customerID int64, limit int) ([]Selling, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+sellingColumns+` FROM sellings
		WHERE customer_id = $1 ORDER BY date DESC, id DESC LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Selling
	for rows.Next() {
		s, err := scanSelling(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

const refillingColumns = `id, counter_id, customer_id, operator_id, amount, payment_method, bank, date, is_validated`

// InsertRefilling writes one credit line inside the caller's transaction.
func (r *PGRepository) InsertRefilling(ctx context.Context, tx pgx.Tx, rf *Refilling) (*Refilling, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO refillings (counter_id, customer_id, operator_id, amount, payment_method, bank, date, is_validated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING `+refillingColumns,
		rf.CounterID, rf.CustomerID, rf.OperatorID, rf.Amount, rf.PaymentMethod, rf.Bank, rf.Date)
	return scanRefilling(row)
}

func scanRefilling(row pgx.Row) (*Refilling, error) {
	var rf Refilling
	err := row.Scan(&rf.ID, &rf.CounterID, &rf.CustomerID, &rf.OperatorID, &rf.Amount, &rf.PaymentMethod, &rf.Bank, &rf.Date, &rf.IsValidated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rf, nil
}

// GetRefilling fetches one credit line.
func (r *PGRepository) GetRefilling(ctx context.Context, id int64) (*Refilling, error) {
	return scanRefilling(r.pool.QueryRow(ctx, `SELECT `+refillingColumns+` FROM refillings WHERE id = $1`, id))
}

// DeleteRefilling removes one credit line inside the caller's transaction.
func (r *PGRepository) DeleteRefilling(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx, `DELETE FROM refillings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRefillings returns a customer's most recent top-ups.
func (r *PGRepository) ListRefillings(ctx context.Context, customerID int64, limit int) ([]Refilling, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+refillingColumns+` FROM refillings
		WHERE customer_id = $1 ORDER BY date DESC, id DESC LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Refilling
	for rows.Next() {
		rf, err := scanRefilling(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rf)
	}
	return out, rows.Err()
}

var _ Repository = (*PGRepository)(nil)
