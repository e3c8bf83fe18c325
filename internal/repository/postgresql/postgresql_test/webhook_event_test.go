package postgresql_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/repository/postgresql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebhookEvent(providerEventID string) billing.WebhookEvent {
	return billing.WebhookEvent{
		ProviderEventID: providerEventID,
		EventType:       "customer.subscription.updated",
		Status:          billing.WebhookStatusReceived,
		Payload:         json.RawMessage(`{"id":"` + providerEventID + `"}`),
		PayloadHash:     "hash-" + providerEventID,
	}
}

func TestWebhookEventRepository_CreateIfNotExists(t *testing.T) {
	// Setup
	setup := NewTestDatabase(t)
	repo := postgresql.NewWebhookEventRepository(setup.DB)
	ctx := context.Background()

	// Act
	first, created, err := repo.CreateIfNotExists(ctx, newWebhookEvent("evt_dedup"))
	require.NoError(t, err)
	second, createdAgain, err := repo.CreateIfNotExists(ctx, newWebhookEvent("evt_dedup"))
	require.NoError(t, err)

	// Assert
	assert.True(t, created)
	assert.False(t, createdAgain)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, billing.WebhookStatusReceived, second.Status)
	assert.JSONEq(t, `{"id":"evt_dedup"}`, string(second.Payload))
}

func TestWebhookEventRepository_UpdateAndList(t *testing.T) {
	setup := NewTestDatabase(t)
	repo := postgresql.NewWebhookEventRepository(setup.DB)
	ctx := context.Background()

	event, _, err := repo.CreateIfNotExists(ctx, newWebhookEvent("evt_failed"))
	require.NoError(t, err)

	now := time.Now().UTC()
	message := "subscription not found"
	event.Status = billing.WebhookStatusFailed
	event.AttemptCount = 5
	event.LastAttemptAt = &now
	event.Error = &message
	require.NoError(t, repo.Update(ctx, event))

	failed, err := repo.ListByStatus(ctx, billing.WebhookStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, event.ID, failed[0].ID)
	assert.Equal(t, 5, failed[0].AttemptCount)
	require.NotNil(t, failed[0].Error)
	assert.Equal(t, message, *failed[0].Error)
}

func TestWebhookEventRepository_GetByID(t *testing.T) {
	setup := NewTestDatabase(t)
	repo := postgresql.NewWebhookEventRepository(setup.DB)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, billing.ErrWebhookEventNotFound)

	event, _, err := repo.CreateIfNotExists(ctx, newWebhookEvent("evt_lookup"))
	require.NoError(t, err)
	got, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "evt_lookup", got.ProviderEventID)
}

func TestWebhookEventRepository_DeleteTerminalBefore(t *testing.T) {
	// Setup
	setup := NewTestDatabase(t)
	repo := postgresql.NewWebhookEventRepository(setup.DB)
	ctx := context.Background()

	processed, _, err := repo.CreateIfNotExists(ctx, newWebhookEvent("evt_processed"))
	require.NoError(t, err)
	processed.Status = billing.WebhookStatusProcessed
	require.NoError(t, repo.Update(ctx, processed))

	retrying, _, err := repo.CreateIfNotExists(ctx, newWebhookEvent("evt_retrying"))
	require.NoError(t, err)
	retrying.Status = billing.WebhookStatusRetrying
	require.NoError(t, repo.Update(ctx, retrying))

	// Act
	deleted, err := repo.DeleteTerminalBefore(ctx, time.Now().Add(time.Hour), 100)

	// Assert
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
	_, err = repo.GetByID(ctx, retrying.ID)
	assert.NoError(t, err)
	_, err = repo.GetByID(ctx, processed.ID)
	assert.ErrorIs(t, err, billing.ErrWebhookEventNotFound)
}
