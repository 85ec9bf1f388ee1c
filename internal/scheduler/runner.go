// Package scheduler owns the single running check: it starts and stops runs,
// exposes their status and the updates they reported, and drives automatic
// checks from the stored settings.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/checker"
	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// ErrAlreadyRunning is returned when a check is started while one is active.
var ErrAlreadyRunning = errors.New("check already running")

// Checker is the subset of checker.Checker a Runner drives.
type Checker interface {
	CheckAll(ctx context.Context) ([]watch.Update, error)
	Stop()
	Reset()
	OnProgress(fn checker.ProgressFunc)
	OnItem(fn checker.ItemFunc)
}

// Status describes the current or most recent run.
type Status struct {
	Running     bool       `json:"running"`
	Stopping    bool       `json:"stopping"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Current     int        `json:"current"`
	Total       int        `json:"total"`
	CurrentName string     `json:"current_name,omitempty"`
	Updates     int        `json:"updates"`
	Error       string     `json:"error,omitempty"`
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithRunnerClock sets the clock used for status timestamps.
func WithRunnerClock(c watch.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOnFinish registers a callback invoked after every run.
func WithOnFinish(fn func(Status)) RunnerOption {
	return func(r *Runner) { r.onFinish = fn }
}

// Runner serializes check runs. Background runs use the base context given
// to NewRunner, so they outlive the request that started them.
type Runner struct {
	base     context.Context
	checker  Checker
	clock    watch.Clock
	logger   *zap.Logger
	onFinish func(Status)

	mu      sync.Mutex
	status  Status
	updates []watch.Update
	done    chan struct{}
}

// NewRunner registers the runner's hooks on c.
func NewRunner(base context.Context, c Checker, opts ...RunnerOption) *Runner {
	r := &Runner{
		base:    base,
		checker: c,
		clock:   system.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("runner")
	c.OnProgress(r.progress)
	c.OnItem(r.item)
	return r
}

// Start launches a check in the background.
func (r *Runner) Start() error {
	done, err := r.begin()
	if err != nil {
		return err
	}
	go func() {
		defer close(done)
		r.execute(r.base)
	}()
	return nil
}

// Run performs a check synchronously.
func (r *Runner) Run(ctx context.Context) ([]watch.Update, error) {
	done, err := r.begin()
	if err != nil {
		return nil, err
	}
	defer close(done)
	return r.execute(ctx)
}

func (r *Runner) begin() (chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Running {
		return nil, ErrAlreadyRunning
	}
	now := r.clock.Now()
	r.status = Status{Running: true, StartedAt: &now}
	r.updates = nil
	r.done = make(chan struct{})
	r.checker.Reset()
	return r.done, nil
}

func (r *Runner) execute(ctx context.Context) ([]watch.Update, error) {
	updates, err := r.checker.CheckAll(ctx)

	r.mu.Lock()
	now := r.clock.Now()
	r.status.Running = false
	r.status.Stopping = false
	r.status.FinishedAt = &now
	if err != nil {
		r.status.Error = err.Error()
		r.logger.Error("check run failed", zap.Error(err))
	}
	final := r.status
	r.mu.Unlock()

	if r.onFinish != nil {
		r.onFinish(final)
	}
	return updates, err
}

// Stop asks the active run to stop. It reports whether a run was active.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.Running {
		return false
	}
	r.status.Stopping = true
	r.checker.Stop()
	return true
}

// Running reports whether a run is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Running
}

// Status returns a snapshot of the current or last run.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Updates returns the updates reported so far by the current or last run.
func (r *Runner) Updates() []watch.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]watch.Update(nil), r.updates...)
}

// Wait blocks until the active run, if any, finishes or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) progress(current, total int, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Current = current
	r.status.Total = total
	r.status.CurrentName = name
}

func (r *Runner) item(u watch.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	r.status.Updates = len(r.updates)
}
