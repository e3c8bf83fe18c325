package cron

import (
	"context"
	"errors"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/lifecycle"
)

// OpRunAll is the operation name bound to LifecycleService.RunAll
const OpRunAll = "run_all"

// LifecycleJobs binds lifecycle operations to scheduler tasks
type LifecycleJobs struct {
	lifecycleService lifecycle.LifecycleService
}

// NewLifecycleJobs creates lifecycle cron jobs
func NewLifecycleJobs(lifecycleService lifecycle.LifecycleService) *LifecycleJobs {
	return &LifecycleJobs{
		lifecycleService: lifecycleService,
	}
}

// RegisterJobs registers every lifecycle operation and its baseline task
func (j *LifecycleJobs) RegisterJobs(scheduler *Scheduler) error {
	for _, op := range lifecycle.Operations {
		scheduler.RegisterOperation(string(op), j.operation(op))
	}
	scheduler.RegisterOperation(OpRunAll, j.RunAll)

	baseline := []struct {
		op      lifecycle.Operation
		cadence Cadence
	}{
		// Provider state drifts between webhooks, so pull it hourly
		{lifecycle.OpSyncSubscriptionStatus, Hourly{Minute: 5}},
		// Windows roll over continuously; an hourly sweep keeps reset_at honest
		{lifecycle.OpResetWeeklyUsage, Hourly{Minute: 0}},
		{lifecycle.OpHandleGracePeriods, Daily{Hour: 2}},
		{lifecycle.OpProcessExpiredSubscriptions, Daily{Hour: 3}},
		{lifecycle.OpSendRenewalReminders, Daily{Hour: 9}},
		{lifecycle.OpCleanupOldData, Weekly{Day: time.Sunday, Hour: 4}},
	}

	for _, b := range baseline {
		if err := scheduler.AddBaselineTask(string(b.op), string(b.op), b.cadence); err != nil {
			return err
		}
	}
	return nil
}

func (j *LifecycleJobs) operation(op lifecycle.Operation) Func {
	return func(ctx context.Context) error {
		return resultError(j.lifecycleService.Run(ctx, op))
	}
}

// RunAll runs every lifecycle operation once
func (j *LifecycleJobs) RunAll(ctx context.Context) error {
	res := j.lifecycleService.RunAll(ctx)
	if res.Success {
		return nil
	}
	var errs []error
	for _, r := range res.Results {
		if err := resultError(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func resultError(r lifecycle.Result) error {
	if r.Success {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "operation reported failure"
	}
	return errors.New(string(r.Operation) + ": " + msg)
}
