package postgresql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/validator"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `
	id, email, tier, status, current_period_start, current_period_end,
	cancel_at_period_end, weekly_usage_count, weekly_usage_reset_at,
	lifetime_usage_count, preferred_mode, renewal_reminder_sent_for,
	created_at, updated_at`

type accountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) account.AccountRepository {
	return &accountRepository{db: db}
}

func scanAccount(row pgx.Row) (account.Account, error) {
	var a account.Account
	err := row.Scan(
		&a.ID, &a.Email, &a.Tier, &a.Status, &a.CurrentPeriodStart, &a.CurrentPeriodEnd,
		&a.CancelAtPeriodEnd, &a.WeeklyUsageCount, &a.WeeklyUsageResetAt,
		&a.LifetimeUsageCount, &a.PreferredMode, &a.RenewalReminderSentFor,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.Account{}, account.ErrAccountNotFound
		}
		return account.Account{}, err
	}
	return a, nil
}

func (r *accountRepository) GetByID(ctx context.Context, id string) (account.Account, error) {
	if !validator.IsValidUUID(id) {
		return account.Account{}, account.ErrAccountNotFound
	}
	q := GetQuerier(ctx, r.db)

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	return scanAccount(q.QueryRow(ctx, query, id))
}

func (r *accountRepository) Create(ctx context.Context, a account.Account) (account.Account, error) {
	if a.ID != "" && !validator.IsValidUUID(a.ID) {
		return account.Account{}, fmt.Errorf("%w: %q", account.ErrInvalidAccountID, a.ID)
	}
	q := GetQuerier(ctx, r.db)

	if a.Tier == "" {
		a.Tier = account.TierFree
	}
	if a.Status == "" {
		a.Status = account.StatusActive
	}
	if a.PreferredMode == "" {
		a.PreferredMode = account.ModeStandard
	}
	if a.WeeklyUsageResetAt.IsZero() {
		a.WeeklyUsageResetAt = time.Now().UTC()
	}

	query := `
		INSERT INTO accounts (
			id, email, tier, status, current_period_start, current_period_end,
			cancel_at_period_end, weekly_usage_count, weekly_usage_reset_at,
			lifetime_usage_count, preferred_mode
		) VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + accountColumns

	created, err := scanAccount(q.QueryRow(ctx, query,
		a.ID, a.Email, a.Tier, a.Status, a.CurrentPeriodStart, a.CurrentPeriodEnd,
		a.CancelAtPeriodEnd, a.WeeklyUsageCount, a.WeeklyUsageResetAt,
		a.LifetimeUsageCount, a.PreferredMode,
	))
	if errors.Is(err, account.ErrAccountNotFound) && a.ID != "" {
		// Lost the race with a concurrent insert of the same id
		return r.GetByID(ctx, a.ID)
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return created, nil
}

func (r *accountRepository) List(ctx context.Context, filter account.Filter) ([]account.Account, error) {
	q := GetQuerier(ctx, r.db)

	var conditions []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Tiers) > 0 {
		tiers := make([]string, len(filter.Tiers))
		for i, t := range filter.Tiers {
			tiers[i] = string(t)
		}
		conditions = append(conditions, "tier = ANY("+arg(tiers)+")")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, "status = ANY("+arg(statuses)+")")
	}
	if filter.PeriodEndBefore != nil {
		conditions = append(conditions, "current_period_end < "+arg(*filter.PeriodEndBefore))
	}
	if filter.PeriodEndAfter != nil {
		conditions = append(conditions, "current_period_end > "+arg(*filter.PeriodEndAfter))
	}
	if filter.UsageResetBefore != nil {
		conditions = append(conditions, "weekly_usage_reset_at <= "+arg(*filter.UsageResetBefore))
	}
	if filter.AfterID != "" {
		conditions = append(conditions, "id > "+arg(filter.AfterID))
	}

	query := `SELECT ` + accountColumns + ` FROM accounts`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *accountRepository) UpdateEntitlement(ctx context.Context, id string, u account.EntitlementUpdate) error {
	q := GetQuerier(ctx, r.db)

	query := `
		UPDATE accounts SET
			tier = $2,
			status = $3,
			current_period_start = $4,
			current_period_end = $5,
			cancel_at_period_end = $6,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := q.Exec(ctx, query, id, u.Tier, u.Status, u.CurrentPeriodStart, u.CurrentPeriodEnd, u.CancelAtPeriodEnd)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) TransitionStatus(ctx context.Context, id string, from account.Status, to account.Status) (bool, error) {
	q := GetQuerier(ctx, r.db)

	query := `UPDATE accounts SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`

	tag, err := q.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *accountRepository) Downgrade(ctx context.Context, id string, expectedStatus account.Status, expectedPeriodEnd *time.Time, now time.Time) (bool, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		UPDATE accounts SET
			tier = 'free',
			status = 'canceled',
			cancel_at_period_end = FALSE,
			weekly_usage_count = 0,
			weekly_usage_reset_at = $2,
			preferred_mode = 'standard',
			updated_at = NOW()
		WHERE id = $1
			AND tier = 'pro'
			AND status = $3
			AND current_period_end IS NOT DISTINCT FROM $4
	`

	tag, err := q.Exec(ctx, query, id, now, expectedStatus, expectedPeriodEnd)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *accountRepository) AdvanceUsageWindow(ctx context.Context, id string, expected time.Time, next time.Time) (bool, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		UPDATE accounts SET
			weekly_usage_count = 0,
			weekly_usage_reset_at = $3,
			updated_at = NOW()
		WHERE id = $1 AND weekly_usage_reset_at = $2
	`

	tag, err := q.Exec(ctx, query, id, expected, next)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *accountRepository) MarkRenewalReminderSent(ctx context.Context, id string, periodEnd time.Time) error {
	q := GetQuerier(ctx, r.db)

	query := `UPDATE accounts SET renewal_reminder_sent_for = $2, updated_at = NOW() WHERE id = $1`

	tag, err := q.Exec(ctx, query, id, periodEnd)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) SetPreferredMode(ctx context.Context, id string, mode account.ProcessingMode) error {
	q := GetQuerier(ctx, r.db)

	query := `UPDATE accounts SET preferred_mode = $2, updated_at = NOW() WHERE id = $1`

	tag, err := q.Exec(ctx, query, id, mode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}
