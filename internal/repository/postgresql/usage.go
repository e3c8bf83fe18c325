package postgresql

import (
	"context"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
)

type usageRepository struct {
	db *database.DB
}

func NewUsageRepository(db *database.DB) account.UsageRepository {
	return &usageRepository{db: db}
}

// Record increments the counters in a single UPDATE so concurrent requests for
// the same account never lose an increment. When the window has elapsed the
// counter restarts at the recorded count and the reset timestamp moves forward
// by whole windows.
func (r *usageRepository) Record(ctx context.Context, record account.UsageRecord, window time.Duration) (account.Account, error) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var updated account.Account
	err := withQuerier(ctx, r.db, func(q database.Querier) error {
		incrementQuery := `
			UPDATE accounts SET
				weekly_usage_count = CASE
					WHEN weekly_usage_reset_at + make_interval(secs => $3::double precision) <= $4::timestamptz
					THEN $2
					ELSE weekly_usage_count + $2
				END,
				weekly_usage_reset_at = CASE
					WHEN weekly_usage_reset_at + make_interval(secs => $3::double precision) <= $4::timestamptz
					THEN weekly_usage_reset_at + make_interval(secs =>
						floor(extract(epoch FROM ($4::timestamptz - weekly_usage_reset_at)) / $3::double precision) * $3::double precision)
					ELSE weekly_usage_reset_at
				END,
				lifetime_usage_count = lifetime_usage_count + $2,
				updated_at = $4::timestamptz
			WHERE id = $1
			RETURNING ` + accountColumns

		a, err := scanAccount(q.QueryRow(ctx, incrementQuery,
			record.AccountID, record.Count, window.Seconds(), record.CreatedAt,
		))
		if err != nil {
			return err
		}
		updated = a

		insertQuery := `
			INSERT INTO usage_records (account_id, usage_type, count, correlation_id, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		`
		_, err = q.Exec(ctx, insertQuery, record.AccountID, record.UsageType, record.Count, record.CorrelationID, record.CreatedAt)
		return err
	})
	if err != nil {
		return account.Account{}, err
	}
	return updated, nil
}

func (r *usageRepository) DeleteBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		DELETE FROM usage_records
		WHERE id IN (
			SELECT id FROM usage_records
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT $2
		)
	`

	tag, err := q.Exec(ctx, query, before, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
