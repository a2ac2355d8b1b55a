// Package scheduler provides a generic periodic single-flight task runner
// with lifecycle control, health reporting, and run metrics.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a scheduled task.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	// StatusError is entered when consecutive failures reach the configured
	// ceiling. It is terminal until an explicit Start or UpdateConfig.
	StatusError Status = "error"
)

// ErrAlreadyRunning is returned by Trigger when a run is in flight.
var ErrAlreadyRunning = eris.New("scheduler: task already running")

// ErrTimeout marks a run that exceeded its configured timeout.
var ErrTimeout = eris.New("scheduler: run timed out")

// RunFunc is the body of a scheduled task.
type RunFunc func(ctx context.Context) error

// Config controls a task's schedule and failure handling.
type Config struct {
	// Interval between periodic runs.
	Interval time.Duration
	// Timeout bounds a single run. Exceeding it records a failed run and
	// releases the single-flight guard; the run context is cancelled so
	// cooperative work stops, but the failure is recorded immediately
	// either way.
	Timeout time.Duration
	// MaxRetries is the consecutive-failure ceiling before the task
	// escalates to StatusError.
	MaxRetries int
}

// ConfigUpdate is a partial configuration change; nil fields are unchanged.
type ConfigUpdate struct {
	Interval   *time.Duration
	Timeout    *time.Duration
	MaxRetries *int
}

// Metrics is a snapshot of a task's run counters.
type Metrics struct {
	TotalRuns      int64         `json:"total_runs"`
	SuccessfulRuns int64         `json:"successful_runs"`
	FailedRuns     int64         `json:"failed_runs"`
	// AvgRunTime is an exponentially-weighted running average, not a true
	// mean. Recent runs dominate; treat it as an approximation.
	AvgRunTime          time.Duration `json:"avg_run_time"`
	LastSuccess         time.Time     `json:"last_success"`
	LastError           time.Time     `json:"last_error"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Health is the operator-facing health view of a task.
type Health struct {
	Healthy             bool      `json:"healthy"`
	Status              Status    `json:"status"`
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// EventType classifies task notifications.
type EventType string

const (
	EventStatusChange EventType = "status_change"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
)

// Event is an observable state-transition notification. Events carry no
// business logic; they exist for dashboards and alerting.
type Event struct {
	Task string
	Type EventType
	From Status
	To   Status
	Err  error
	At   time.Time
}

// Listener receives task events. Listeners must not block.
type Listener func(Event)

// emaAlpha weights the most recent run in the running-average run time.
const emaAlpha = 0.2

// Task is a periodic, single-flight unit of work. The zero value is not
// usable; construct with New.
type Task struct {
	name string
	fn   RunFunc

	mu        sync.Mutex
	cfg       Config
	status    Status
	inFlight  bool
	metrics   Metrics
	listeners []Listener

	cancelLoop context.CancelFunc
	loopWG     sync.WaitGroup
	runWG      sync.WaitGroup
}

// New creates a stopped task with the given name, config, and body.
func New(name string, cfg Config, fn RunFunc) *Task {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Task{
		name:   name,
		fn:     fn,
		cfg:    cfg,
		status: StatusStopped,
	}
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Subscribe registers a listener for task events.
func (t *Task) Subscribe(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Start begins periodic execution. It is a no-op if the task is already
// running. Starting from StatusError resets the consecutive-failure count.
func (t *Task) Start() {
	t.mu.Lock()
	if t.status == StatusRunning || t.status == StatusStarting {
		t.mu.Unlock()
		return
	}
	from := t.status
	t.setStatusLocked(StatusStarting)
	t.metrics.ConsecutiveFailures = 0

	// Paused and errored tasks still own a live loop; only spawn one when
	// none exists.
	if t.cancelLoop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancelLoop = cancel
		t.loopWG.Add(1)
		go t.loop(ctx)
	}
	t.setStatusLocked(StatusRunning)
	t.mu.Unlock()

	zap.L().Info("scheduler: task started",
		zap.String("task", t.name),
		zap.String("from", string(from)),
		zap.Duration("interval", t.cfg.Interval),
	)
}

// Stop cancels future runs and blocks until any in-flight run completes.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.status == StatusStopped {
		t.mu.Unlock()
		return
	}
	if t.cancelLoop != nil {
		t.cancelLoop()
		t.cancelLoop = nil
	}
	t.mu.Unlock()

	t.loopWG.Wait()
	t.runWG.Wait()

	t.mu.Lock()
	t.setStatusLocked(StatusStopped)
	t.mu.Unlock()

	zap.L().Info("scheduler: task stopped", zap.String("task", t.name))
}

// Pause suspends the periodic trigger without losing accumulated metrics.
func (t *Task) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return
	}
	t.setStatusLocked(StatusPaused)
}

// Resume re-enables the periodic trigger after Pause.
func (t *Task) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPaused {
		return
	}
	t.setStatusLocked(StatusRunning)
}

// Trigger executes one run immediately, regardless of the periodic
// schedule. It fails fast with ErrAlreadyRunning if a run is in flight and
// refuses to run a task in StatusError.
func (t *Task) Trigger(ctx context.Context) error {
	t.mu.Lock()
	if t.status == StatusError {
		t.mu.Unlock()
		return eris.Errorf("scheduler: task %s is in error state", t.name)
	}
	t.mu.Unlock()
	return t.runOnce(ctx)
}

// UpdateConfig hot-swaps interval, timeout, or retry settings. If the task
// is running it is paused around the swap. Leaving StatusError requires a
// config change or an explicit Start; UpdateConfig clears the error state.
func (t *Task) UpdateConfig(upd ConfigUpdate) {
	t.mu.Lock()
	wasRunning := t.status == StatusRunning
	if wasRunning {
		t.setStatusLocked(StatusPaused)
	}
	if upd.Interval != nil && *upd.Interval > 0 {
		t.cfg.Interval = *upd.Interval
	}
	if upd.Timeout != nil && *upd.Timeout > 0 {
		t.cfg.Timeout = *upd.Timeout
	}
	if upd.MaxRetries != nil && *upd.MaxRetries > 0 {
		t.cfg.MaxRetries = *upd.MaxRetries
	}
	if t.status == StatusError {
		// A config change leaves the error state; the periodic loop is
		// still alive and resumes on the next tick.
		t.metrics.ConsecutiveFailures = 0
		if t.cancelLoop != nil {
			t.setStatusLocked(StatusRunning)
		} else {
			t.setStatusLocked(StatusStopped)
		}
	}
	if wasRunning {
		t.setStatusLocked(StatusRunning)
	}
	cfg := t.cfg
	t.mu.Unlock()

	zap.L().Info("scheduler: config updated",
		zap.String("task", t.name),
		zap.Duration("interval", cfg.Interval),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int("max_retries", cfg.MaxRetries),
	)
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Config returns the current configuration.
func (t *Task) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// GetMetrics returns a snapshot of the task's run counters.
func (t *Task) GetMetrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// GetHealthStatus reports health: the task must be running, below the
// failure ceiling, and either never have failed or have succeeded more
// recently than it failed.
func (t *Task) GetHealthStatus() Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	healthy := t.status == StatusRunning &&
		t.metrics.ConsecutiveFailures < t.cfg.MaxRetries &&
		(t.metrics.FailedRuns == 0 || t.metrics.LastSuccess.After(t.metrics.LastError))

	return Health{
		Healthy:             healthy,
		Status:              t.status,
		LastSuccess:         t.metrics.LastSuccess,
		ConsecutiveFailures: t.metrics.ConsecutiveFailures,
	}
}

// loop drives periodic runs until ctx is cancelled.
func (t *Task) loop(ctx context.Context) {
	defer t.loopWG.Done()

	for {
		t.mu.Lock()
		interval := t.cfg.Interval
		t.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.mu.Lock()
		status := t.status
		t.mu.Unlock()
		if status != StatusRunning {
			continue
		}

		if err := t.runOnce(ctx); err != nil && !eris.Is(err, ErrAlreadyRunning) {
			zap.L().Warn("scheduler: run failed",
				zap.String("task", t.name),
				zap.Error(err),
			)
		}
	}
}

// runOnce executes the task body once under the single-flight guard and a
// timeout race. The guard is released when the timeout fires even if the
// body has not returned.
func (t *Task) runOnce(ctx context.Context) error {
	t.mu.Lock()
	if t.inFlight {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.inFlight = true
	timeout := t.cfg.Timeout
	t.mu.Unlock()

	t.runWG.Add(1)
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		defer t.runWG.Done()
		done <- t.fn(runCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
		cancel()
	case <-timer.C:
		// Logical failure only: the body's context is cancelled, but the
		// guard is released without waiting for it to notice.
		cancel()
		err = eris.Wrapf(ErrTimeout, "scheduler: task %s exceeded %s", t.name, timeout)
	}

	t.record(time.Since(start), err)
	return err
}

// record updates metrics, releases the single-flight guard, and emits run
// events, escalating to StatusError at the failure ceiling.
func (t *Task) record(dur time.Duration, err error) {
	t.mu.Lock()
	t.inFlight = false
	t.metrics.TotalRuns++
	if t.metrics.TotalRuns == 1 {
		t.metrics.AvgRunTime = dur
	} else {
		t.metrics.AvgRunTime = time.Duration(
			float64(t.metrics.AvgRunTime)*(1-emaAlpha) + float64(dur)*emaAlpha,
		)
	}

	now := time.Now()
	var events []Event
	if err == nil {
		t.metrics.SuccessfulRuns++
		t.metrics.ConsecutiveFailures = 0
		t.metrics.LastSuccess = now
		events = append(events, Event{Task: t.name, Type: EventRunCompleted, To: t.status, At: now})
	} else {
		t.metrics.FailedRuns++
		t.metrics.ConsecutiveFailures++
		t.metrics.LastError = now
		events = append(events, Event{Task: t.name, Type: EventRunFailed, To: t.status, Err: err, At: now})

		if t.status == StatusRunning && t.metrics.ConsecutiveFailures >= t.cfg.MaxRetries {
			from := t.status
			t.status = StatusError
			events = append(events, Event{Task: t.name, Type: EventStatusChange, From: from, To: StatusError, Err: err, At: now})
			zap.L().Error("scheduler: task escalated to error state",
				zap.String("task", t.name),
				zap.Int("consecutive_failures", t.metrics.ConsecutiveFailures),
				zap.Error(err),
			)
		}
	}
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
	}
}

// setStatusLocked transitions status and emits a status-change event.
// Callers must hold t.mu.
func (t *Task) setStatusLocked(to Status) {
	if t.status == to {
		return
	}
	from := t.status
	t.status = to
	listeners := append([]Listener(nil), t.listeners...)
	ev := Event{Task: t.name, Type: EventStatusChange, From: from, To: to, At: time.Now()}

	// Emit without holding the lock.
	go func() {
		for _, l := range listeners {
			l(ev)
		}
	}()
}
