package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `
	id, account_id, provider_subscription_id, provider_customer_id, status, tier,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	last_synced_at, created_at, updated_at`

type subscriptionRepository struct {
	db *database.DB
}

func NewSubscriptionRepository(db *database.DB) billing.SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func scanSubscription(row pgx.Row) (billing.Subscription, error) {
	var s billing.Subscription
	err := row.Scan(
		&s.ID, &s.AccountID, &s.ProviderSubscriptionID, &s.ProviderCustomerID, &s.Status, &s.Tier,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.CanceledAt,
		&s.LastSyncedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Subscription{}, billing.ErrSubscriptionNotFound
		}
		return billing.Subscription{}, err
	}
	return s, nil
}

func (r *subscriptionRepository) GetByProviderID(ctx context.Context, providerSubscriptionID string) (billing.Subscription, error) {
	q := GetQuerier(ctx, r.db)

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider_subscription_id = $1`

	return scanSubscription(q.QueryRow(ctx, query, providerSubscriptionID))
}

func (r *subscriptionRepository) GetLatestByAccountID(ctx context.Context, accountID string) (billing.Subscription, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE account_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`

	return scanSubscription(q.QueryRow(ctx, query, accountID))
}

func (r *subscriptionRepository) GetLatestByCustomerID(ctx context.Context, providerCustomerID string) (billing.Subscription, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE provider_customer_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`

	return scanSubscription(q.QueryRow(ctx, query, providerCustomerID))
}

func (r *subscriptionRepository) Upsert(ctx context.Context, s billing.Subscription) (billing.Subscription, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		INSERT INTO subscriptions (
			account_id, provider_subscription_id, provider_customer_id, status, tier,
			current_period_start, current_period_end, cancel_at_period_end, canceled_at, last_synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			provider_customer_id = EXCLUDED.provider_customer_id,
			status = EXCLUDED.status,
			tier = EXCLUDED.tier,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			last_synced_at = COALESCE(EXCLUDED.last_synced_at, subscriptions.last_synced_at),
			updated_at = NOW()
		RETURNING ` + subscriptionColumns

	return scanSubscription(q.QueryRow(ctx, query,
		s.AccountID, s.ProviderSubscriptionID, s.ProviderCustomerID, s.Status, s.Tier,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.CanceledAt, s.LastSyncedAt,
	))
}

func (r *subscriptionRepository) ListStale(ctx context.Context, syncedBefore time.Time, statuses []billing.SubscriptionStatus, limit int) ([]billing.Subscription, error) {
	q := GetQuerier(ctx, r.db)

	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = ANY($1)
		  AND COALESCE(last_synced_at, updated_at) < $2
		ORDER BY COALESCE(last_synced_at, updated_at)
		LIMIT $3
	`

	rows, err := q.Query(ctx, query, values, syncedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (r *subscriptionRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	q := GetQuerier(ctx, r.db)

	query := `UPDATE subscriptions SET last_synced_at = $2 WHERE id = $1`

	tag, err := q.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrSubscriptionNotFound
	}
	return nil
}
