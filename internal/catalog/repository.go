package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ae-utbm/comptoir/internal/money"
)

// ErrDuplicateCode indicates a product code collision in the active set.
var ErrDuplicateCode = errors.New("catalog: duplicate product code")

// Repository defines persistence operations for the catalog.
type Repository interface {
	GetProduct(ctx context.Context, id int64) (*Product, error)
	GetProductByCode(ctx context.Context, code string) (*Product, error)
	CounterProducts(ctx context.Context, counterID int64) ([]Product, error)
	ProductOnCounter(ctx context.Context, counterID, productID int64) (bool, error)
	GetCounter(ctx context.Context, id int64) (*Counter, error)
	CreateProduct(ctx context.Context, req CreateProductRequest, selling, purchase, special money.Money) (*Product, error)
	UpdateProduct(ctx context.Context, id int64, req UpdateProductRequest) (*Product, error)
	ListProductTypes(ctx context.Context) ([]ProductType, error)
	CreateProductType(ctx context.Context, req CreateProductTypeRequest) (*ProductType, error)
	CreateCounter(ctx context.Context, req CreateCounterRequest) (*Counter, error)
	UpdateCounter(ctx context.Context, id int64, req UpdateCounterRequest) (*Counter, error)
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const productColumns = `
	p.id, p.name, p.code, p.type_id, pt.ordering, p.selling_price, p.purchase_price,
	p.special_price, p.archived, p.limit_age, p.tray, p.icon, p.club_id,
	p.eticket, p.is_subscription, p.created_at, p.updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Code, &p.TypeID, &p.TypeOrdering, &p.SellingPrice, &p.PurchasePrice,
		&p.SpecialPrice, &p.Archived, &p.LimitAge, &p.Tray, &p.Icon, &p.ClubID,
		&p.Eticket, &p.IsSubscription, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PGRepository) attachBuyingGroups(ctx context.Context, p *Product) error {
	rows, err := r.pool.Query(ctx, `SELECT group_id FROM product_buying_groups WHERE product_id = $1 ORDER BY group_id`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		p.BuyingGroupIDs = append(p.BuyingGroupIDs, id)
	}
	return rows.Err()
}

// GetProduct fetches one product with its buying groups.
func (r *PGRepository) GetProduct(ctx context.Context, id int64) (*Product, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM products p JOIN product_types pt ON pt.id = p.type_id
		WHERE p.id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		return nil, err
	}
	if err := r.attachBuyingGroups(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProductByCode fetches a non-archived product by its mnemonic code,
// case-insensitively. Codes are unique within the active set.
func (r *PGRepository) GetProductByCode(ctx context.Context, code string) (*Product, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM products p JOIN product_types pt ON pt.id = p.type_id
		WHERE upper(p.code) = upper($1) AND NOT p.archived`, strings.TrimSpace(code))
	p, err := scanProduct(row)
	if err != nil {
		return nil, err
	}
	if err := r.attachBuyingGroups(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CounterProducts lists the products attached to a counter, ordered by
// (type ordering, product name) so the tills render deterministically.
func (r *PGRepository) CounterProducts(ctx context.Context, counterID int64) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+productColumns+`
		FROM counter_products cp
		JOIN products p ON p.id = cp.product_id
		JOIN product_types pt ON pt.id = p.type_id
		WHERE cp.counter_id = $1
		ORDER BY pt.ordering, p.name`, counterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range products {
		if err := r.attachBuyingGroups(ctx, &products[i]); err != nil {
			return nil, err
		}
	}
	return products, nil
}

// ProductOnCounter reports whether the product is attached to the counter.
func (r *PGRepository) ProductOnCounter(ctx context.Context, counterID, productID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM counter_products WHERE counter_id = $1 AND product_id = $2)`,
		counterID, productID).Scan(&exists)
	return exists, err
}

// GetCounter fetches a counter with seller and product id sets.
func (r *PGRepository) GetCounter(ctx context.Context, id int64) (*Counter, error) {
	var c Counter
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, type, club_id, created_at, updated_at FROM counters WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Type, &c.ClubID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	sellers, err := r.idList(ctx, `SELECT user_id FROM counter_sellers WHERE counter_id = $1 ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	c.SellerIDs = sellers

	products, err := r.idList(ctx, `SELECT product_id FROM counter_products WHERE counter_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return nil, err
	}
	c.ProductIDs = products
	return &c, nil
}

func (r *PGRepository) idList(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.pool.Query(ctx, query, args...)
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

// CreateProduct inserts a product and its buying group set.
func (r *PGRepository) CreateProduct(ctx context.Context, req CreateProductRequest, selling, purchase, special money.Money) (*Product, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO products (name, code, type_id, selling_price, purchase_price, special_price,
			archived, limit_age, tray, icon, club_id, eticket, is_subscription, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING id`,
		req.Name, strings.ToUpper(req.Code), req.TypeID, selling, purchase, special,
		req.LimitAge, req.Tray, req.Icon, req.ClubID, req.Eticket, req.IsSubscription,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCode, req.Code)
		}
		return nil, err
	}

	for _, g := range req.BuyingGroupIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO product_buying_groups (product_id, group_id) VALUES ($1, $2)`, id, g); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.GetProduct(ctx, id)
}

// UpdateProduct applies a partial update.
func (r *PGRepository) UpdateProduct(ctx context.Context, id int64, req UpdateProductRequest) (*Product, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	set := []string{"updated_at = NOW()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if req.Name != nil {
		set = append(set, "name = "+arg(*req.Name))
	}
	if req.SellingPrice != nil {
		m, err := money.Parse(*req.SellingPrice)
		if err != nil {
			return nil, err
		}
		set = append(set, "selling_price = "+arg(m))
	}
	if req.PurchasePrice != nil {
		m, err := money.Parse(*req.PurchasePrice)
		if err != nil {
			return nil, err
		}
		set = append(set, "purchase_price = "+arg(m))
	}
	if req.SpecialPrice != nil {
		m, err := money.Parse(*req.SpecialPrice)
		if err != nil {
			return nil, err
		}
		set = append(set, "special_price = "+arg(m))
	}
	if req.LimitAge != nil {
		set = append(set, "limit_age = "+arg(*req.LimitAge))
	}
	if req.Tray != nil {
		set = append(set, "tray = "+arg(*req.Tray))
	}
	if req.Archived != nil {
		set = append(set, "archived = "+arg(*req.Archived))
	}

	query := fmt.Sprintf("UPDATE products SET %s WHERE id = %s", strings.Join(set, ", "), arg(id))
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	if req.BuyingGroupIDs != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM product_buying_groups WHERE product_id = $1`, id); err != nil {
			return nil, err
		}
		for _, g := range *req.BuyingGroupIDs {
			if _, err := tx.Exec(ctx, `INSERT INTO product_buying_groups (product_id, group_id) VALUES ($1, $2)`, id, g); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.GetProduct(ctx, id)
}

// ListProductTypes lists product types by their configured ordering.
func (r *PGRepository) ListProductTypes(ctx context.Context) ([]ProductType, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, ordering, created_at, updated_at
		FROM product_types ORDER BY ordering, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []ProductType
	for rows.Next() {
		var t ProductType
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Ordering, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// CreateProductType inserts a new product type.
func (r *PGRepository) CreateProductType(ctx context.Context, req CreateProductTypeRequest) (*ProductType, error) {
	var t ProductType
	err := r.pool.QueryRow(ctx, `
		INSERT INTO product_types (name, description, ordering, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, name, description, ordering, created_at, updated_at`,
		req.Name, req.Description, req.Ordering,
	).Scan(&t.ID, &t.Name, &t.Description, &t.Ordering, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateCounter inserts a counter with its seller and product sets.
func (r *PGRepository) CreateCounter(ctx context.Context, req CreateCounterRequest) (*Counter, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO counters (name, type, club_id, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id`,
		req.Name, req.Type, req.ClubID,
	).Scan(&id)
	if err != nil {
		return nil, err
	}

	for _, p := range req.ProductIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO counter_products (counter_id, product_id) VALUES ($1, $2)`, id, p); err != nil {
			return nil, err
		}
	}
	for _, u := range req.SellerIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO counter_sellers (counter_id, user_id) VALUES ($1, $2)`, id, u); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.GetCounter(ctx, id)
}

// UpdateCounter applies a partial update, replacing the seller and product
// sets when present.
func (r *PGRepository) UpdateCounter(ctx context.Context, id int64, req UpdateCounterRequest) (*Counter, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	set := []string{"updated_at = NOW()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if req.Name != nil {
		set = append(set, "name = "+arg(*req.Name))
	}

	query := fmt.Sprintf("UPDATE counters SET %s WHERE id = %s", strings.Join(set, ", "), arg(id))
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	if req.ProductIDs != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM counter_products WHERE counter_id = $1`, id); err != nil {
			return nil, err
		}
		for _, p := range *req.ProductIDs {
			if _, err := tx.Exec(ctx, `INSERT INTO counter_products (counter_id, product_id) VALUES ($1, $2)`, id, p); err != nil {
				return nil, err
			}
		}
	}
	if req.SellerIDs != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM counter_sellers WHERE counter_id = $1`, id); err != nil {
			return nil, err
		}
		for _, u := range *req.SellerIDs {
			if _, err := tx.Exec(ctx, `INSERT INTO counter_sellers (counter_id, user_id) VALUES ($1, $2)`, id, u); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.GetCounter(ctx, id)
}

var _ Repository = (*PGRepository)(nil)
