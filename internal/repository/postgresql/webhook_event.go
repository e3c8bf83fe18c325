package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/validator"
	"github.com/jackc/pgx/v5"
)

const webhookEventColumns = `
	id, provider_event_id, event_type, status, attempt_count, last_attempt_at,
	next_attempt_at, payload, payload_hash, result, error, created_at, updated_at`

type webhookEventRepository struct {
	db *database.DB
}

func NewWebhookEventRepository(db *database.DB) billing.WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

func scanWebhookEvent(row pgx.Row) (billing.WebhookEvent, error) {
	var e billing.WebhookEvent
	var payload []byte
	err := row.Scan(
		&e.ID, &e.ProviderEventID, &e.EventType, &e.Status, &e.AttemptCount, &e.LastAttemptAt,
		&e.NextAttemptAt, &payload, &e.PayloadHash, &e.Result, &e.Error, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.WebhookEvent{}, billing.ErrWebhookEventNotFound
		}
		return billing.WebhookEvent{}, err
	}
	e.Payload = payload
	return e, nil
}

// CreateIfNotExists relies on the unique provider_event_id so that two
// concurrent deliveries of one event cannot both claim it
func (r *webhookEventRepository) CreateIfNotExists(ctx context.Context, e billing.WebhookEvent) (billing.WebhookEvent, bool, error) {
	q := GetQuerier(ctx, r.db)

	insertQuery := `
		INSERT INTO webhook_events (provider_event_id, event_type, status, attempt_count, payload, payload_hash)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (provider_event_id) DO NOTHING
		RETURNING ` + webhookEventColumns

	created, err := scanWebhookEvent(q.QueryRow(ctx, insertQuery,
		e.ProviderEventID, e.EventType, e.Status, []byte(e.Payload), e.PayloadHash,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, billing.ErrWebhookEventNotFound) {
		return billing.WebhookEvent{}, false, err
	}

	existing, err := r.GetByProviderEventID(ctx, e.ProviderEventID)
	if err != nil {
		return billing.WebhookEvent{}, false, err
	}
	return existing, false, nil
}

func (r *webhookEventRepository) GetByID(ctx context.Context, id string) (billing.WebhookEvent, error) {
	if !validator.IsValidUUID(id) {
		return billing.WebhookEvent{}, billing.ErrWebhookEventNotFound
	}
	q := GetQuerier(ctx, r.db)

	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE id = $1`

	return scanWebhookEvent(q.QueryRow(ctx, query, id))
}

func (r *webhookEventRepository) GetByProviderEventID(ctx context.Context, providerEventID string) (billing.WebhookEvent, error) {
	q := GetQuerier(ctx, r.db)

	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE provider_event_id = $1`

	return scanWebhookEvent(q.QueryRow(ctx, query, providerEventID))
}

func (r *webhookEventRepository) Update(ctx context.Context, e billing.WebhookEvent) error {
	q := GetQuerier(ctx, r.db)

	query := `
		UPDATE webhook_events SET
			status = $2,
			attempt_count = $3,
			last_attempt_at = $4,
			next_attempt_at = $5,
			result = $6,
			error = $7,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := q.Exec(ctx, query, e.ID, e.Status, e.AttemptCount, e.LastAttemptAt, e.NextAttemptAt, e.Result, e.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrWebhookEventNotFound
	}
	return nil
}

func (r *webhookEventRepository) ListByStatus(ctx context.Context, status billing.WebhookStatus, limit int) ([]billing.WebhookEvent, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := q.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []billing.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *webhookEventRepository) DeleteTerminalBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	q := GetQuerier(ctx, r.db)

	query := `
		DELETE FROM webhook_events
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE status IN ('processed', 'failed', 'ignored')
			  AND created_at < $1
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
