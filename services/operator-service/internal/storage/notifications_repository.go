package storage

import (
	"context"
	"time"

	"github.com/sitewright/sitewright/libs/db"
)

type Notification struct {
	ID              int64
	WebsiteID       string
	AccountID       string
	SubscriptionRef string
	Plan            string
	FailedAt        time.Time
	Channel         string
	Status          string
	CreatedAt       time.Time
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO operator_notifications (website_id, account_id, subscription_ref, plan, failed_at, channel, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.WebsiteID, n.AccountID, n.SubscriptionRef, n.Plan, n.FailedAt, n.Channel, n.Status)
	return err
}

// ListRecent returns the newest notifications first, for the operator
// dashboard endpoint.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, website_id, account_id, subscription_ref, plan, failed_at, channel, status, created_at
		FROM operator_notifications
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.WebsiteID, &n.AccountID, &n.SubscriptionRef, &n.Plan, &n.FailedAt, &n.Channel, &n.Status, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
