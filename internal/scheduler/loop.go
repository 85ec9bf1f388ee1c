package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

const (
	defaultWarmup = 10 * time.Second
	defaultTick   = time.Minute
)

// Starter launches a background check.
type Starter interface {
	Start() error
}

// LoopConfig sets the loop cadence.
type LoopConfig struct {
	Warmup time.Duration
	Tick   time.Duration
}

// Loop starts checks whenever auto_check is on and check_interval has
// elapsed since the loop last triggered one.
type Loop struct {
	cfg      LoopConfig
	starter  Starter
	settings watch.SettingsStore
	clock    watch.Clock
	sleeper  watch.Sleeper
	logger   *zap.Logger

	lastTrigger time.Time
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithLoopClock sets the clock and sleeper used by the loop.
func WithLoopClock(c watch.Clock, s watch.Sleeper) LoopOption {
	return func(l *Loop) {
		l.clock = c
		l.sleeper = s
	}
}

// WithLoopLogger sets the structured logger.
func WithLoopLogger(lg *zap.Logger) LoopOption {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLoop builds a Loop. Zero durations take the defaults of 10s warm-up and
// a one minute tick.
func NewLoop(cfg LoopConfig, starter Starter, settings watch.SettingsStore, opts ...LoopOption) *Loop {
	if cfg.Warmup <= 0 {
		cfg.Warmup = defaultWarmup
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	clk := system.New()
	l := &Loop{
		cfg:      cfg,
		starter:  starter,
		settings: settings,
		clock:    clk,
		sleeper:  clk,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("scheduler")
	return l
}

// Run blocks until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("auto-check scheduler started", zap.Duration("warmup", l.cfg.Warmup))
	if err := l.sleeper.Sleep(ctx, l.cfg.Warmup); err != nil {
		return nil
	}
	l.lastTrigger = l.clock.Now()
	for {
		if err := l.sleeper.Sleep(ctx, l.cfg.Tick); err != nil {
			l.logger.Info("auto-check scheduler stopped")
			return nil
		}
		if _, err := l.Tick(ctx); err != nil {
			l.logger.Warn("auto-check tick failed", zap.Error(err))
		}
	}
}

// Tick evaluates the settings once and reports whether a check was started.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	settings, err := l.settings.GetSettings(ctx)
	if err != nil {
		return false, err
	}
	if !settings.AutoCheck {
		return false, nil
	}
	interval := time.Duration(settings.CheckIntervalSeconds) * time.Second
	now := l.clock.Now()
	if now.Sub(l.lastTrigger) <= interval {
		return false, nil
	}
	if err := l.starter.Start(); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			l.logger.Info("skipping auto-check, a check is already in progress")
			return false, nil
		}
		return false, err
	}
	l.lastTrigger = now
	l.logger.Info("auto-check triggered", zap.Duration("interval", interval))
	return true, nil
}
