package postgresql_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/repository/postgresql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountRepository_CreateIsIdempotent(t *testing.T) {
	// Setup
	setup := NewTestDatabase(t)
	repo := postgresql.NewAccountRepository(setup.DB)
	ctx := context.Background()
	id := uuid.NewString()

	// Act
	first, err := repo.Create(ctx, account.Account{ID: id, Email: "first@example.com"})
	require.NoError(t, err)
	second, err := repo.Create(ctx, account.Account{ID: id, Email: "second@example.com"})
	require.NoError(t, err)

	// Assert
	assert.Equal(t, id, first.ID)
	assert.Equal(t, account.TierFree, first.Tier)
	assert.Equal(t, account.ModeStandard, first.PreferredMode)
	assert.Equal(t, "first@example.com", second.Email)
}

func TestAccountRepository_RejectsNonUUID(t *testing.T) {
	setup := NewTestDatabase(t)
	repo := postgresql.NewAccountRepository(setup.DB)
	ctx := context.Background()

	_, err := repo.Create(ctx, account.Account{ID: "acc_1"})
	assert.ErrorIs(t, err, account.ErrInvalidAccountID)

	_, err = repo.GetByID(ctx, "acc_1")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestAccountRepository_AdvanceUsageWindow(t *testing.T) {
	// Setup
	setup := NewTestDatabase(t)
	repo := postgresql.NewAccountRepository(setup.DB)
	ctx := context.Background()
	resetAt := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	created, err := repo.Create(ctx, account.Account{
		ID:                 uuid.NewString(),
		WeeklyUsageCount:   4,
		WeeklyUsageResetAt: resetAt,
	})
	require.NoError(t, err)
	next := resetAt.Add(7 * 24 * time.Hour)

	// Act
	advanced, err := repo.AdvanceUsageWindow(ctx, created.ID, resetAt, next)
	require.NoError(t, err)
	again, err := repo.AdvanceUsageWindow(ctx, created.ID, resetAt, next)
	require.NoError(t, err)

	// Assert
	assert.True(t, advanced)
	assert.False(t, again, "second advance from a stale boundary must not apply")
	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.WeeklyUsageCount)
	assert.True(t, next.Equal(got.WeeklyUsageResetAt))
}

func TestAccountRepository_DowngradeRequiresExpectedState(t *testing.T) {
	setup := NewTestDatabase(t)
	repo := postgresql.NewAccountRepository(setup.DB)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	periodEnd := now.Add(-time.Hour)

	created, err := repo.Create(ctx, account.Account{ID: uuid.NewString()})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateEntitlement(ctx, created.ID, account.EntitlementUpdate{
		Tier:             account.TierPro,
		Status:           account.StatusActive,
		CurrentPeriodEnd: &periodEnd,
	}))

	renewedEnd := periodEnd.Add(30 * 24 * time.Hour)
	downgraded, err := repo.Downgrade(ctx, created.ID, account.StatusActive, &renewedEnd, now)
	require.NoError(t, err)
	assert.False(t, downgraded, "period end moved since the read")

	downgraded, err = repo.Downgrade(ctx, created.ID, account.StatusPastDue, &periodEnd, now)
	require.NoError(t, err)
	assert.False(t, downgraded, "status moved since the read")

	downgraded, err = repo.Downgrade(ctx, created.ID, account.StatusActive, &periodEnd, now)
	require.NoError(t, err)
	assert.True(t, downgraded)

	downgraded, err = repo.Downgrade(ctx, created.ID, account.StatusCanceled, &periodEnd, now)
	require.NoError(t, err)
	assert.False(t, downgraded, "free accounts are never downgraded")

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, account.TierFree, got.Tier)
	assert.Equal(t, account.StatusCanceled, got.Status)
}

func TestUsageRepository_Record(t *testing.T) {
	setup := NewTestDatabase(t)
	accounts := postgresql.NewAccountRepository(setup.DB)
	usage := postgresql.NewUsageRepository(setup.DB)
	ctx := context.Background()
	window := 7 * 24 * time.Hour
	resetAt := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

	created, err := accounts.Create(ctx, account.Account{
		ID:                 uuid.NewString(),
		WeeklyUsageCount:   3,
		WeeklyUsageResetAt: resetAt,
	})
	require.NoError(t, err)

	t.Run("within window increments", func(t *testing.T) {
		updated, err := usage.Record(ctx, account.UsageRecord{
			AccountID: created.ID,
			UsageType: account.UsageResumeProcessing,
			Count:     1,
			CreatedAt: resetAt.Add(2 * 24 * time.Hour),
		}, window)
		require.NoError(t, err)
		assert.Equal(t, 4, updated.WeeklyUsageCount)
		assert.EqualValues(t, 1, updated.LifetimeUsageCount)
		assert.True(t, resetAt.Equal(updated.WeeklyUsageResetAt))
	})

	t.Run("elapsed window restarts on the grid", func(t *testing.T) {
		at := resetAt.Add(2*window + 3*time.Hour)
		updated, err := usage.Record(ctx, account.UsageRecord{
			AccountID:     created.ID,
			UsageType:     account.UsageCoverLetter,
			Count:         2,
			CorrelationID: "req-1",
			CreatedAt:     at,
		}, window)
		require.NoError(t, err)
		assert.Equal(t, 2, updated.WeeklyUsageCount)
		assert.EqualValues(t, 3, updated.LifetimeUsageCount)
		assert.True(t, resetAt.Add(2*window).Equal(updated.WeeklyUsageResetAt))
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := usage.Record(ctx, account.UsageRecord{
			AccountID: uuid.NewString(),
			UsageType: account.UsageResumeProcessing,
			Count:     1,
		}, window)
		assert.ErrorIs(t, err, account.ErrAccountNotFound)
	})

	t.Run("delete before", func(t *testing.T) {
		deleted, err := usage.DeleteBefore(ctx, resetAt.Add(window), 100)
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted)
	})
}

func TestTransactor_RollsBackOnError(t *testing.T) {
	// Setup
	setup := NewTestDatabase(t)
	repo := postgresql.NewAccountRepository(setup.DB)
	transactor := postgresql.NewTransactor(setup.DB)
	ctx := context.Background()
	id := uuid.NewString()
	errAbort := errors.New("abort")

	// Act
	err := transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := repo.Create(ctx, account.Account{ID: id}); err != nil {
			return err
		}
		return errAbort
	})

	// Assert
	assert.ErrorIs(t, err, errAbort)
	_, err = repo.GetByID(ctx, id)
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}
