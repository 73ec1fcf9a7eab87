package notification

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines persistence for notifications.
type Repository interface {
	Create(ctx context.Context, n *Notification) (*Notification, error)
	Get(ctx context.Context, id int64) (*Notification, error)
	ListForUser(ctx context.Context, userID int64, limit int) ([]Notification, error)
	MarkViewed(ctx context.Context, userID, id int64) error
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a notification.
func (r *PGRepository) Create(ctx context.Context, n *Notification) (*Notification, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, kind, message, viewed, created_at)
		VALUES ($1, $2, $3, FALSE, NOW())
		RETURNING id, user_id, kind, message, viewed, created_at`,
		n.UserID, n.Kind, n.Message)
	var out Notification
	if err := row.Scan(&out.ID, &out.UserID, &out.Kind, &out.Message, &out.Viewed, &out.CreatedAt); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches one notification.
func (r *PGRepository) Get(ctx context.Context, id int64) (*Notification, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, kind, message, viewed, created_at
		FROM notifications WHERE id = $1`, id)
	var n Notification
	if err := row.Scan(&n.ID, &n.UserID, &n.Kind, &n.Message, &n.Viewed, &n.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

// ListForUser returns the most recent notifications of a member.
func (r *PGRepository) ListForUser(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, kind, message, viewed, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Message, &n.Viewed, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkViewed flags a notification as read.
func (r *PGRepository) MarkViewed(ctx context.Context, userID, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE notifications SET viewed = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
