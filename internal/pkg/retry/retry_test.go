package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
	Jitter:      0.1,
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0

	err := Do(context.Background(), fastPolicy, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("still broken")

	err := Do(context.Background(), fastPolicy, func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	boom := errors.New("account missing")

	err := Do(context.Background(), fastPolicy, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(boom)
	})

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	err := Do(ctx, policy, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("temporary")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, fastPolicy.Validate())
	assert.Error(t, Policy{MaxAttempts: 0}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Millisecond}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Jitter: 1.5}.Validate())
}

func TestPolicy_JitteredDelay(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}

	for i := 0; i < 50; i++ {
		d := policy.JitteredDelay(2)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}

	noJitter := policy
	noJitter.Jitter = 0
	assert.Equal(t, 2*time.Second, noJitter.JitteredDelay(2))
	assert.Equal(t, time.Duration(0), policy.JitteredDelay(0))
}
