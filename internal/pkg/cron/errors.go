package cron

import "errors"

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskExists          = errors.New("task already exists")
	ErrBaselineTask        = errors.New("baseline tasks cannot be removed")
	ErrUnknownOperation    = errors.New("unknown task operation")
	ErrInvalidCadence      = errors.New("invalid task cadence")
	ErrIntervalTooShort    = errors.New("custom task interval is below the minimum")
	ErrInvalidTaskName     = errors.New("task name is required")
	ErrSchedulerRunning    = errors.New("scheduler already running")
)
