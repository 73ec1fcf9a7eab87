package eboutic

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines persistence for invoices and billing info.
// MarkValidated runs inside the caller's transaction so validation commits
// together with the materialized sales.
type Repository interface {
	CreateInvoice(ctx context.Context, inv *Invoice) (*Invoice, error)
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	MarkValidated(ctx context.Context, tx pgx.Tx, id int64) (bool, error)

	UpsertBillingInfo(ctx context.Context, info *BillingInfo) error
	GetBillingInfo(ctx context.Context, userID int64) (*BillingInfo, error)
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateInvoice writes the invoice and its items in one transaction.
func (r *PGRepository) CreateInvoice(ctx context.Context, inv *Invoice) (*Invoice, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created := &Invoice{UserID: inv.UserID, Date: inv.Date}
	err = tx.QueryRow(ctx, `
		INSERT INTO invoices (user_id, date, validated)
		VALUES ($1, $2, FALSE)
		RETURNING id, date, validated`, inv.UserID, inv.Date).
		Scan(&created.ID, &created.Date, &created.Validated)
	if err != nil {
		return nil, err
	}

	for _, it := range inv.Items {
		item := it
		item.InvoiceID = created.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO invoice_items (invoice_id, product_id, name, type_id, unit_price, quantity)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			item.InvoiceID, item.ProductID, item.Name, item.TypeID, item.UnitPrice, item.Quantity).
			Scan(&item.ID)
		if err != nil {
			return nil, err
		}
		created.Items = append(created.Items, item)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

// GetInvoice fetches an invoice with its items.
func (r *PGRepository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	var inv Invoice
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, date, validated FROM invoices WHERE id = $1`, id).
		Scan(&inv.ID, &inv.UserID, &inv.Date, &inv.Validated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, product_id, name, type_id, unit_price, quantity
		FROM invoice_items WHERE invoice_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var it InvoiceItem
		if err := rows.Scan(&it.ID, &it.InvoiceID, &it.ProductID, &it.Name, &it.TypeID, &it.UnitPrice, &it.Quantity); err != nil {
			return nil, err
		}
		inv.Items = append(inv.Items, it)
	}
	return &inv, rows.Err()
}

// MarkValidated flips the invoice to validated inside the caller's
// transaction. It reports false when the invoice was already validated,
// which makes callback replays no-ops.
func (r *PGRepository) MarkValidated(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE invoices SET validated = TRUE WHERE id = $1 AND NOT validated`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertBillingInfo writes or replaces the user's billing info.
func (r *PGRepository) UpsertBillingInfo(ctx context.Context, info *BillingInfo) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO billing_infos (user_id, first_name, last_name, address_1, address_2, zip_code, city, country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name  = EXCLUDED.last_name,
			address_1  = EXCLUDED.address_1,
			address_2  = EXCLUDED.address_2,
			zip_code   = EXCLUDED.zip_code,
			city       = EXCLUDED.city,
			country    = EXCLUDED.country`,
		info.UserID, info.FirstName, info.LastName, info.Address1, info.Address2, info.ZipCode, info.City, info.Country)
	return err
}

// GetBillingInfo fetches the user's billing info.
func (r *PGRepository) GetBillingInfo(ctx context.Context, userID int64) (*BillingInfo, error) {
	var info BillingInfo
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, first_name, last_name, address_1, address_2, zip_code, city, country
		FROM billing_infos WHERE user_id = $1`, userID).
		Scan(&info.UserID, &info.FirstName, &info.LastName, &info.Address1, &info.Address2, &info.ZipCode, &info.City, &info.Country)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &info, nil
}

var _ Repository = (*PGRepository)(nil)
