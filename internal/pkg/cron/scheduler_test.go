package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 3, 10, 30, 0, 0, time.UTC) // a Monday

func newTestScheduler(t *testing.T) (*Scheduler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	return NewScheduler(clock, time.Minute), clock
}

func TestCadence_Next(t *testing.T) {
	assert.Equal(t, time.Date(2025, 3, 3, 11, 5, 0, 0, time.UTC), Hourly{Minute: 5}.Next(epoch))
	assert.Equal(t, time.Date(2025, 3, 3, 10, 45, 0, 0, time.UTC), Hourly{Minute: 45}.Next(epoch))
	assert.Equal(t, time.Date(2025, 3, 4, 2, 0, 0, 0, time.UTC), Daily{Hour: 2}.Next(epoch))
	assert.Equal(t, time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC), Daily{Hour: 18}.Next(epoch))
	assert.Equal(t, time.Date(2025, 3, 9, 4, 0, 0, 0, time.UTC), Weekly{Day: time.Sunday, Hour: 4}.Next(epoch))
	assert.Equal(t, time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC), Weekly{Day: time.Monday, Hour: 4}.Next(epoch))
	assert.Equal(t, epoch.Add(15*time.Minute), Every{Interval: 15 * time.Minute}.Next(epoch))

	// A boundary equal to the reference time is never returned
	exact := time.Date(2025, 3, 3, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, exact.AddDate(0, 0, 1), Daily{Hour: 2}.Next(exact))
}

func TestScheduler_FailingTaskAdvancesAndLoopContinues(t *testing.T) {
	// Setup
	s, clock := newTestScheduler(t)
	okRuns := 0
	s.RegisterOperation("boom", func(ctx context.Context) error { return errors.New("provider down") })
	s.RegisterOperation("ok", func(ctx context.Context) error { okRuns++; return nil })
	require.NoError(t, s.AddBaselineTask("failing", "boom", Hourly{Minute: 0}))
	require.NoError(t, s.AddBaselineTask("healthy", "ok", Hourly{Minute: 0}))

	// Act
	clock.Advance(30 * time.Minute)
	s.tick(context.Background())

	// Assert
	failing, err := s.Task("failing")
	require.NoError(t, err)
	assert.Equal(t, 1, failing.RunCount)
	assert.Equal(t, 1, failing.ErrorCount)
	assert.Equal(t, "provider down", failing.LastError)
	require.NotNil(t, failing.NextRunAt)
	assert.Equal(t, time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC), *failing.NextRunAt)

	healthy, err := s.Task("healthy")
	require.NoError(t, err)
	assert.Equal(t, 1, healthy.RunCount)
	assert.Equal(t, 0, healthy.ErrorCount)
	assert.Equal(t, 1, okRuns)
}

func TestScheduler_PanickingTaskIsRecorded(t *testing.T) {
	s, clock := newTestScheduler(t)
	s.RegisterOperation("panic", func(ctx context.Context) error { panic("nil map") })
	require.NoError(t, s.AddBaselineTask("panics", "panic", Every{Interval: time.Minute}))

	clock.Advance(time.Minute)
	s.tick(context.Background())

	st, err := s.Task("panics")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, "nil map")
	assert.Equal(t, epoch.Add(2*time.Minute), *st.NextRunAt)
}

func TestScheduler_TickSkipsTasksNotDue(t *testing.T) {
	s, clock := newTestScheduler(t)
	runs := 0
	s.RegisterOperation("count", func(ctx context.Context) error { runs++; return nil })
	require.NoError(t, s.AddBaselineTask("daily", "count", Daily{Hour: 2}))

	clock.Advance(time.Hour)
	s.tick(context.Background())
	assert.Equal(t, 0, runs)

	clock.Advance(15 * time.Hour)
	s.tick(context.Background())
	s.tick(context.Background())
	assert.Equal(t, 1, runs)
}

func TestScheduler_RunNowKeepsNextRun(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.RegisterOperation("noop", func(ctx context.Context) error { return nil })
	require.NoError(t, s.AddBaselineTask("nightly", "noop", Daily{Hour: 3}))
	before, _ := s.Task("nightly")

	st, err := s.RunNow(context.Background(), "nightly")

	require.NoError(t, err)
	assert.Equal(t, 1, st.RunCount)
	assert.Equal(t, *before.NextRunAt, *st.NextRunAt)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestScheduler_DisableAndEnable(t *testing.T) {
	s, clock := newTestScheduler(t)
	runs := 0
	s.RegisterOperation("count", func(ctx context.Context) error { runs++; return nil })
	require.NoError(t, s.AddBaselineTask("hourly", "count", Hourly{Minute: 0}))

	st, err := s.Disable("hourly")
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Nil(t, st.NextRunAt)

	clock.Advance(2 * time.Hour)
	s.tick(context.Background())
	assert.Equal(t, 0, runs)

	st, err = s.Enable("hourly")
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, time.Date(2025, 3, 3, 13, 0, 0, 0, time.UTC), *st.NextRunAt)
}

func TestScheduler_CustomTasks(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.RegisterOperation("noop", func(ctx context.Context) error { return nil })
	require.NoError(t, s.AddBaselineTask("baseline", "noop", Hourly{}))

	_, err := s.AddCustomTask("too-fast", "noop", 10*time.Second)
	assert.ErrorIs(t, err, ErrIntervalTooShort)

	_, err = s.AddCustomTask("unknown-op", "nope", time.Hour)
	assert.ErrorIs(t, err, ErrUnknownOperation)

	st, err := s.AddCustomTask("every-15m", "noop", 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, st.Baseline)
	assert.Equal(t, epoch.Add(15*time.Minute), *st.NextRunAt)

	_, err = s.AddCustomTask("every-15m", "noop", 15*time.Minute)
	assert.ErrorIs(t, err, ErrTaskExists)

	assert.ErrorIs(t, s.RemoveTask("baseline"), ErrBaselineTask)
	assert.NoError(t, s.RemoveTask("every-15m"))
	assert.ErrorIs(t, s.RemoveTask("every-15m"), ErrTaskNotFound)
	assert.Len(t, s.Status().Tasks, 1)
}

func TestScheduler_StartStop(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.RegisterOperation("noop", func(ctx context.Context) error { return nil })
	require.NoError(t, s.AddBaselineTask("hourly", "noop", Hourly{}))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerRunning)
	assert.True(t, s.Status().Running)

	s.Stop()
	assert.False(t, s.Status().Running)

	// Stopping twice is a no-op
	s.Stop()
}

func TestScheduler_RunAllRunsEnabledTasks(t *testing.T) {
	s, _ := newTestScheduler(t)
	var order []string
	s.RegisterOperation("a", func(ctx context.Context) error { order = append(order, "a"); return nil })
	s.RegisterOperation("b", func(ctx context.Context) error { order = append(order, "b"); return nil })
	require.NoError(t, s.AddBaselineTask("b-task", "b", Hourly{}))
	require.NoError(t, s.AddBaselineTask("a-task", "a", Hourly{}))
	require.NoError(t, s.AddBaselineTask("c-task", "a", Hourly{}))
	_, err := s.Disable("c-task")
	require.NoError(t, err)

	statuses := s.RunAll(context.Background())

	assert.Len(t, statuses, 2)
	assert.Equal(t, []string{"a", "b"}, order)
}
