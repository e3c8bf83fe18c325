package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/metrics"
	"github.com/jonboulle/clockwork"
)

// MinCustomInterval is the shortest interval accepted for custom tasks
const MinCustomInterval = time.Minute

// Func is the unit of work a task runs
type Func func(ctx context.Context) error

// TaskStatus is a point-in-time view of a task
type TaskStatus struct {
	Name         string     `json:"name"`
	Operation    string     `json:"operation"`
	Cadence      string     `json:"cadence"`
	Baseline     bool       `json:"baseline"`
	Enabled      bool       `json:"enabled"`
	Running      bool       `json:"running"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	RunCount     int        `json:"run_count"`
	ErrorCount   int        `json:"error_count"`
	LastError    string     `json:"last_error,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
}

// Status is a snapshot of the scheduler and all of its tasks
type Status struct {
	Running      bool         `json:"running"`
	PollInterval string       `json:"poll_interval"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	Tasks        []TaskStatus `json:"tasks"`
}

type task struct {
	name         string
	operation    string
	cadence      Cadence
	baseline     bool
	enabled      bool
	running      bool
	fn           Func
	nextRunAt    time.Time
	lastRunAt    *time.Time
	lastDuration time.Duration
	runCount     int
	errorCount   int
	lastError    string
	lastErrorAt  *time.Time
}

func (t *task) status() TaskStatus {
	s := TaskStatus{
		Name:        t.name,
		Operation:   t.operation,
		Cadence:     t.cadence.String(),
		Baseline:    t.baseline,
		Enabled:     t.enabled,
		Running:     t.running,
		LastRunAt:   t.lastRunAt,
		RunCount:    t.runCount,
		ErrorCount:  t.errorCount,
		LastError:   t.lastError,
		LastErrorAt: t.lastErrorAt,
	}
	if t.enabled {
		next := t.nextRunAt
		s.NextRunAt = &next
	}
	if t.lastRunAt != nil {
		s.LastDuration = t.lastDuration.String()
	}
	return s
}

// Scheduler runs named tasks from a single cooperative poll loop. Tasks never
// overlap: scheduled runs and RunNow calls are executed one at a time.
type Scheduler struct {
	clock        clockwork.Clock
	pollInterval time.Duration

	mu         sync.Mutex
	tasks      map[string]*task
	operations map[string]Func
	startedAt  *time.Time
	cancel     context.CancelFunc
	done       chan struct{}

	runMu sync.Mutex
}

// NewScheduler creates a scheduler that checks for due tasks every pollInterval
func NewScheduler(clock clockwork.Clock, pollInterval time.Duration) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Scheduler{
		clock:        clock,
		pollInterval: pollInterval,
		tasks:        make(map[string]*task),
		operations:   make(map[string]Func),
	}
}

// RegisterOperation makes fn available to tasks under name
func (s *Scheduler) RegisterOperation(name string, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[name] = fn
}

// Operations lists the registered operation names
func (s *Scheduler) Operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.operations))
	for name := range s.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddBaselineTask registers a task that cannot be removed
func (s *Scheduler) AddBaselineTask(name, operation string, cadence Cadence) error {
	_, err := s.addTask(name, operation, cadence, true)
	return err
}

// AddCustomTask registers a removable task running operation every interval
func (s *Scheduler) AddCustomTask(name, operation string, interval time.Duration) (TaskStatus, error) {
	if interval < MinCustomInterval {
		return TaskStatus{}, fmt.Errorf("%w: %s < %s", ErrIntervalTooShort, interval, MinCustomInterval)
	}
	return s.addTask(name, operation, Every{Interval: interval}, false)
}

func (s *Scheduler) addTask(name, operation string, cadence Cadence, baseline bool) (TaskStatus, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return TaskStatus{}, ErrInvalidTaskName
	}
	if err := validateCadence(cadence); err != nil {
		return TaskStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskExists, name)
	}
	fn, ok := s.operations[operation]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}

	t := &task{
		name:      name,
		operation: operation,
		cadence:   cadence,
		baseline:  baseline,
		enabled:   true,
		fn:        fn,
		nextRunAt: cadence.Next(s.clock.Now()),
	}
	s.tasks[name] = t

	slog.Info("Cron job registered", "name", name, "operation", operation, "cadence", cadence.String(), "baseline", baseline, "next_run_at", t.nextRunAt)
	return t.status(), nil
}

// RemoveTask deletes a custom task
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if t.baseline {
		return fmt.Errorf("%w: %s", ErrBaselineTask, name)
	}
	delete(s.tasks, name)
	slog.Info("Cron job removed", "name", name)
	return nil
}

// Enable turns a task back on and schedules it from now
func (s *Scheduler) Enable(name string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if !t.enabled {
		t.enabled = true
		t.nextRunAt = t.cadence.Next(s.clock.Now())
		slog.Info("Cron job enabled", "name", name, "next_run_at", t.nextRunAt)
	}
	return t.status(), nil
}

// Disable stops a task from being picked up by the poll loop
func (s *Scheduler) Disable(name string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if t.enabled {
		t.enabled = false
		slog.Info("Cron job disabled", "name", name)
	}
	return t.status(), nil
}

// Task returns the status of a single task
func (s *Scheduler) Task(name string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return t.status(), nil
}

// Status returns a snapshot of every task ordered by name
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:      s.cancel != nil,
		PollInterval: s.pollInterval.String(),
		StartedAt:    s.startedAt,
		Tasks:        make([]TaskStatus, 0, len(s.tasks)),
	}
	for _, t := range s.tasks {
		st.Tasks = append(st.Tasks, t.status())
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].Name < st.Tasks[j].Name })
	return st
}

// RunNow executes a task immediately regardless of its schedule or enabled
// flag. Its next scheduled run is left unchanged. A failing task is reported
// through the returned status, not the error.
func (s *Scheduler) RunNow(ctx context.Context, name string) (TaskStatus, error) {
	if !s.execute(ctx, name, false) {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return s.Task(name)
}

// RunAll executes every enabled task once, in name order
func (s *Scheduler) RunAll(ctx context.Context) []TaskStatus {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for name, t := range s.tasks {
		if t.enabled {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]TaskStatus, 0, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if !s.execute(ctx, name, false) {
			continue
		}
		if st, err := s.Task(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Start launches the poll loop. It returns ErrSchedulerRunning if the loop
// is already active.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSchedulerRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	now := s.clock.Now()
	s.cancel = cancel
	s.startedAt = &now
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)

	slog.Info("Cron scheduler started", "job_count", len(s.tasks), "poll_interval", s.pollInterval)
	return nil
}

// Stop cancels the poll loop and waits for the task in flight to record its
// outcome
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.startedAt = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	slog.Info("Stopping cron scheduler...")
	cancel()
	<-done
	slog.Info("Cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick runs every enabled task whose next run time has been reached
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	type dueTask struct {
		name string
		at   time.Time
	}

	s.mu.Lock()
	due := make([]dueTask, 0)
	for _, t := range s.tasks {
		if t.enabled && !t.running && !now.Before(t.nextRunAt) {
			due = append(due, dueTask{name: t.name, at: t.nextRunAt})
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].name < due[j].name
		}
		return due[i].at.Before(due[j].at)
	})

	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		s.execute(ctx, d.name, true)
	}
}

// execute runs one task and records its bookkeeping. It reports false when
// the task no longer exists.
func (s *Scheduler) execute(ctx context.Context, name string, scheduled bool) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if scheduled && (!t.enabled || s.clock.Now().Before(t.nextRunAt)) {
		s.mu.Unlock()
		return true
	}
	t.running = true
	fn := t.fn
	s.mu.Unlock()

	start := s.clock.Now()
	slog.Debug("Cron job starting", "name", name, "scheduled", scheduled)

	err := runSafely(ctx, fn)

	finished := s.clock.Now()
	duration := finished.Sub(start)

	s.mu.Lock()
	t.running = false
	t.runCount++
	t.lastRunAt = &start
	t.lastDuration = duration
	if err != nil {
		t.errorCount++
		t.lastError = err.Error()
		t.lastErrorAt = &finished
	}
	if scheduled {
		t.nextRunAt = t.cadence.Next(finished)
	}
	next := t.nextRunAt
	s.mu.Unlock()

	metrics.TaskDuration.WithLabelValues(name).Observe(duration.Seconds())
	if err != nil {
		metrics.TaskRunsTotal.WithLabelValues(name, "error").Inc()
		slog.Error("Cron job failed", "name", name, "error", err, "duration", duration, "next_run_at", next)
	} else {
		metrics.TaskRunsTotal.WithLabelValues(name, "success").Inc()
		slog.Debug("Cron job completed", "name", name, "duration", duration, "next_run_at", next)
	}
	return true
}

func runSafely(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}
