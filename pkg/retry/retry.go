package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultAttempts is the number of tries before a failure is propagated
	DefaultAttempts = 10
	// DefaultBackoff is the pause between two attempts
	DefaultBackoff = 2 * time.Second
)

// ExhaustedError is returned when every attempt of an operation failed
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Config holds retry configuration
type Config struct {
	Attempts int
	Backoff  time.Duration
	// Linear grows the pause by Backoff after each failed attempt
	Linear bool
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return l.step * time.Duration(l.n)
}

func (l *linearBackOff) Reset() {
	l.n = 0
}

// Executor runs fallible calls with bounded retry and backoff
type Executor struct {
	attempts int
	backoff  time.Duration
	linear   bool
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// NewExecutor creates an executor, filling in defaults for zero values
func NewExecutor(cfg Config) *Executor {
	if cfg.Attempts < 1 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Executor{
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		linear:   cfg.Linear,
		logger:   log.WithComponent("retry"),
	}
}

// WithSleep replaces the wait between attempts, used by tests to avoid
// real delays
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

// Attempts returns the configured number of attempts
func (e *Executor) Attempts() int {
	return e.attempts
}

// policy builds a fresh backoff for one call, bounded to the configured
// number of attempts and stopped by ctx
func (e *Executor) policy(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(e.backoff)
	if e.linear {
		b = &linearBackOff{step: e.backoff}
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.attempts-1)), ctx)
}

func (e *Executor) timer(ctx context.Context) backoff.Timer {
	if e.sleep == nil {
		return nil
	}
	return &sleepTimer{ctx: ctx, sleep: e.sleep}
}

// Do runs fn until it succeeds, returns a backoff.Permanent error, the
// context is cancelled or the attempts are exhausted. The last failure is
// propagated.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for calls that return a value
func DoValue[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		value     T
		attempt   int
		permanent bool
	)

	operation := func() error {
		attempt++
		v, err := fn(ctx)
		if err != nil {
			var p *backoff.PermanentError
			permanent = errors.As(err, &p)
			return err
		}
		value = v
		return nil
	}

	notify := func(err error, next time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(op).Inc()
		e.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", e.attempts).
			Dur("backoff", next).
			Msg("Operation failed, retrying")
	}

	err := backoff.RetryNotifyWithTimer(operation, e.policy(ctx), notify, e.timer(ctx))
	switch {
	case err == nil:
		if attempt > 1 {
			e.logger.Info().Str("op", op).Int("attempt", attempt).Msg("Operation succeeded after retry")
		}
		return value, nil
	case permanent:
		return value, err
	case ctx.Err() != nil:
		return value, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return value, &ExhaustedError{Op: op, Attempts: attempt, Err: err}
	}
}

// sleepTimer is a backoff.Timer that waits through a replaceable sleep
type sleepTimer struct {
	ctx   context.Context
	sleep func(ctx context.Context, d time.Duration) error
	ch    chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	t.ch = make(chan time.Time, 1)
	_ = t.sleep(t.ctx, d)
	t.ch <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time {
	return t.ch
}
