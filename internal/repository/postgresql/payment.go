package postgresql

import (
	"context"
	"errors"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
	"github.com/jackc/pgx/v5"
)

const paymentColumns = `
	id, account_id, provider_payment_id, provider_invoice_id, amount, currency,
	status, failure_reason, occurred_at, created_at`

type paymentRepository struct {
	db *database.DB
}

func NewPaymentRepository(db *database.DB) billing.PaymentRepository {
	return &paymentRepository{db: db}
}

func scanPayment(row pgx.Row) (billing.PaymentRecord, error) {
	var p billing.PaymentRecord
	err := row.Scan(
		&p.ID, &p.AccountID, &p.ProviderPaymentID, &p.ProviderInvoiceID, &p.Amount, &p.Currency,
		&p.Status, &p.FailureReason, &p.OccurredAt, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.PaymentRecord{}, billing.ErrPaymentNotFound
		}
		return billing.PaymentRecord{}, err
	}
	return p, nil
}

func (r *paymentRepository) Upsert(ctx context.Context, p billing.PaymentRecord) (billing.PaymentRecord, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		INSERT INTO payment_records (
			account_id, provider_payment_id, provider_invoice_id, amount, currency,
			status, failure_reason, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_payment_id) DO UPDATE SET
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			provider_invoice_id = COALESCE(EXCLUDED.provider_invoice_id, payment_records.provider_invoice_id)
		RETURNING ` + paymentColumns

	return scanPayment(q.QueryRow(ctx, query,
		p.AccountID, p.ProviderPaymentID, p.ProviderInvoiceID, p.Amount, p.Currency,
		p.Status, p.FailureReason, p.OccurredAt,
	))
}

func (r *paymentRepository) GetByProviderID(ctx context.Context, providerPaymentID string) (billing.PaymentRecord, error) {
	q := GetQuerier(ctx, r.db)

	query := `SELECT ` + paymentColumns + ` FROM payment_records WHERE provider_payment_id = $1`

	return scanPayment(q.QueryRow(ctx, query, providerPaymentID))
}

func (r *paymentRepository) ListByAccountID(ctx context.Context, accountID string, limit int) ([]billing.PaymentRecord, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		SELECT ` + paymentColumns + `
		FROM payment_records
		WHERE account_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := q.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []billing.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
