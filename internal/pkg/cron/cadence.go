package cron

import (
	"fmt"
	"time"
)

// Cadence computes when a task runs next. Next must return a time strictly
// after its argument. All boundaries are computed in UTC.
type Cadence interface {
	Next(after time.Time) time.Time
	String() string
}

// Hourly runs at Minute past every hour
type Hourly struct {
	Minute int
}

func (c Hourly) Next(after time.Time) time.Time {
	after = after.UTC()
	next := after.Truncate(time.Hour).Add(time.Duration(c.Minute) * time.Minute)
	if !next.After(after) {
		next = next.Add(time.Hour)
	}
	return next
}

func (c Hourly) String() string {
	return fmt.Sprintf("hourly at :%02d", c.Minute)
}

// Daily runs once a day at Hour:00
type Daily struct {
	Hour int
}

func (c Daily) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), c.Hour, 0, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (c Daily) String() string {
	return fmt.Sprintf("daily at %02d:00 UTC", c.Hour)
}

// Weekly runs once a week on Day at Hour:00
type Weekly struct {
	Day  time.Weekday
	Hour int
}

func (c Weekly) Next(after time.Time) time.Time {
	after = after.UTC()
	days := (int(c.Day) - int(after.Weekday()) + 7) % 7
	next := time.Date(after.Year(), after.Month(), after.Day(), c.Hour, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	if !next.After(after) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (c Weekly) String() string {
	return fmt.Sprintf("weekly on %s at %02d:00 UTC", c.Day, c.Hour)
}

// Every runs at a fixed interval measured from the previous run
type Every struct {
	Interval time.Duration
}

func (c Every) Next(after time.Time) time.Time {
	return after.UTC().Add(c.Interval)
}

func (c Every) String() string {
	return "every " + c.Interval.String()
}

func validateCadence(c Cadence) error {
	switch v := c.(type) {
	case Hourly:
		if v.Minute < 0 || v.Minute > 59 {
			return fmt.Errorf("%w: minute %d", ErrInvalidCadence, v.Minute)
		}
	case Daily:
		if v.Hour < 0 || v.Hour > 23 {
			return fmt.Errorf("%w: hour %d", ErrInvalidCadence, v.Hour)
		}
	case Weekly:
		if v.Hour < 0 || v.Hour > 23 || v.Day < time.Sunday || v.Day > time.Saturday {
			return fmt.Errorf("%w: %s", ErrInvalidCadence, v)
		}
	case Every:
		if v.Interval <= 0 {
			return fmt.Errorf("%w: interval %s", ErrInvalidCadence, v.Interval)
		}
	case nil:
		return ErrInvalidCadence
	}
	return nil
}
