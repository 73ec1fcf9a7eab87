package apiclient

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines persistence for api clients and their keys.
type Repository interface {
	GetClient(ctx context.Context, id int64) (*ApiClient, error)
	ListClients(ctx context.Context) ([]ApiClient, error)
	CreateClient(ctx context.Context, c *ApiClient) (*ApiClient, error)
	SetHMACKey(ctx context.Context, clientID int64, key []byte) error

	GetKeyByHash(ctx context.Context, hash string) (*ApiKey, error)
	CreateKey(ctx context.Context, k *ApiKey) (*ApiKey, error)
	RevokeKey(ctx context.Context, keyID int64, at time.Time) error
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const clientColumns = `id, name, owner_id, hmac_key, permissions, created_at, updated_at`

func scanClient(row pgx.Row) (*ApiClient, error) {
	var c ApiClient
	err := row.Scan(&c.ID, &c.Name, &c.OwnerID, &c.HMACKey, &c.Permissions, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *PGRepository) GetClient(ctx context.Context, id int64) (*ApiClient, error) {
	return scanClient(r.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM api_clients WHERE id = $1`, id))
}

func (r *PGRepository) ListClients(ctx context.Context) ([]ApiClient, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+clientColumns+` FROM api_clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApiClient
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *PGRepository) CreateClient(ctx context.Context, c *ApiClient) (*ApiClient, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO api_clients (name, owner_id, hmac_key, permissions)
		VALUES ($1, $2, $3, $4)
		RETURNING `+clientColumns,
		c.Name, c.OwnerID, c.HMACKey, c.Permissions)
	return scanClient(row)
}

func (r *PGRepository) SetHMACKey(ctx context.Context, clientID int64, key []byte) error {
	tag, err := r.pool.Exec(ctx, `UPDATE api_clients SET hmac_key = $2, updated_at = now() WHERE id = $1`, clientID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const keyColumns = `id, client_id, name, hash, created_at, revoked_at`

func scanKey(row pgx.Row) (*ApiKey, error) {
	var k ApiKey
	err := row.Scan(&k.ID, &k.ClientID, &k.Name, &k.Hash, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

func (r *PGRepository) GetKeyByHash(ctx context.Context, hash string) (*ApiKey, error) {
	return scanKey(r.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = $1 AND revoked_at IS NULL`, hash))
}

func (r *PGRepository) CreateKey(ctx context.Context, k *ApiKey) (*ApiKey, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (client_id, name, hash)
		VALUES ($1, $2, $3)
		RETURNING `+keyColumns,
		k.ClientID, k.Name, k.Hash)
	return scanKey(row)
}

func (r *PGRepository) RevokeKey(ctx context.Context, keyID int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, keyID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
