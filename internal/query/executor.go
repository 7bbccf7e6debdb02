// Package query runs remote operations under the connectivity guard with
// exponential-backoff retries.
//
// A Descriptor is a re-invokable thunk performing one remote call. Execute
// returns its payload; Count is the same loop projected onto the row count.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gymdesk/frontdesk/internal/metrics"
	"github.com/gymdesk/frontdesk/pkg/logger"
)

// Result is the normalized outcome of one remote call. Expected remote
// failures are reported in Err, never by panicking.
type Result[T any] struct {
	Data  T
	Count *int64
	Err   error
}

// Descriptor performs one remote operation. It must be safe to invoke again.
type Descriptor[T any] func(ctx context.Context) Result[T]

// Gate is the pre-flight check run before every attempt.
type Gate interface {
	EnsureReady(ctx context.Context) error
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy is the retry state an execution starts from.
type Policy struct {
	// Retries is how many times a failed attempt is retried.
	Retries int `yaml:"retries" env:"FRONTDESK_QUERY_RETRIES"`
	// Delay is the wait before the first retry; it doubles on each retry.
	Delay time.Duration `yaml:"delay" env:"FRONTDESK_QUERY_DELAY"`
}

// DefaultPolicy is 3 retries starting at 500ms: at most 3.5s of backoff.
func DefaultPolicy() Policy {
	return Policy{
		Retries: 3,
		Delay:   500 * time.Millisecond,
	}
}

// Option adjusts the policy of a single execution.
type Option func(*Policy)

// WithRetries overrides the retry count.
func WithRetries(n int) Option {
	return func(p *Policy) { p.Retries = n }
}

// WithDelay overrides the initial delay.
func WithDelay(d time.Duration) Option {
	return func(p *Policy) { p.Delay = d }
}

// QueryError is returned once every retry has failed.
type QueryError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

// Unwrap returns the last underlying failure.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// Config configures an Executor.
type Config struct {
	Policy  Policy
	Sleeper Sleeper
	Metrics metrics.Recorder
	Logger  *logger.Logger
}

// Executor runs descriptors under the retry policy.
type Executor struct {
	gate    Gate
	policy  Policy
	sleeper Sleeper
	metrics metrics.Recorder
	log     *logger.Logger
}

// NewExecutor creates an executor. A nil gate skips the pre-flight check.
func NewExecutor(gate Gate, cfg Config) *Executor {
	if cfg.Policy.Delay <= 0 {
		cfg.Policy.Delay = DefaultPolicy().Delay
	}
	if cfg.Policy.Retries < 0 {
		cfg.Policy.Retries = 0
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = timerSleeper{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Executor{
		gate:    gate,
		policy:  cfg.Policy,
		sleeper: cfg.Sleeper,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
}

// Policy returns the default policy of the executor.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs desc and returns its payload. The payload may be the zero
// value for write-only operations.
func Execute[T any](ctx context.Context, e *Executor, op string, desc Descriptor[T], opts ...Option) (T, error) {
	return run(ctx, e, op, desc, func(r Result[T]) T { return r.Data }, opts)
}

// Count runs desc and returns the row count it reported, or 0 if none.
func Count[T any](ctx context.Context, e *Executor, op string, desc Descriptor[T], opts ...Option) (int64, error) {
	return run(ctx, e, op, desc, func(r Result[T]) int64 {
		if r.Count == nil {
			return 0
		}
		return *r.Count
	}, opts)
}

func run[T, R any](ctx context.Context, e *Executor, op string, desc Descriptor[T], project func(Result[T]) R, opts []Option) (R, error) {
	policy := e.policy
	for _, opt := range opts {
		opt(&policy)
	}
	retries, delay := policy.Retries, policy.Delay

	start := time.Now()
	for attempt := 1; ; attempt++ {
		e.metrics.RecordQueryAttempt(op)

		out, err := attemptOnce(ctx, e.gate, desc, project)
		if err == nil {
			e.metrics.RecordQueryResult(op, attempt, time.Since(start), nil)
			return out, nil
		}

		var zero R
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, e.fail(op, attempt, start, joinCause(ctxErr, err))
		}
		if retries <= 0 {
			return zero, e.fail(op, attempt, start, err)
		}

		e.log.WithFields(logrus.Fields{
			"op":           op,
			"attempt":      attempt,
			"retries_left": retries,
			"delay":        delay.String(),
		}).WithError(err).Warn("remote query failed, retrying")
		e.metrics.RecordQueryRetry(op, delay)

		if serr := e.sleeper.Sleep(ctx, delay); serr != nil {
			return zero, e.fail(op, attempt, start, joinCause(serr, err))
		}
		retries--
		delay *= 2
	}
}

func attemptOnce[T, R any](ctx context.Context, gate Gate, desc Descriptor[T], project func(Result[T]) R) (out R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("query panicked: %v", r)
		}
	}()

	if gate != nil {
		if err := gate.EnsureReady(ctx); err != nil {
			return out, err
		}
	}

	res := desc(ctx)
	if res.Err != nil {
		return out, res.Err
	}
	return project(res), nil
}

func (e *Executor) fail(op string, attempts int, start time.Time, cause error) error {
	e.metrics.RecordQueryResult(op, attempts, time.Since(start), cause)
	e.log.WithFields(logrus.Fields{
		"op":       op,
		"attempts": attempts,
	}).WithError(cause).Error("remote query failed after all retries")
	return &QueryError{Op: op, Attempts: attempts, Cause: cause}
}

func joinCause(stop, last error) error {
	if errors.Is(last, stop) {
		return last
	}
	return errors.Join(stop, last)
}
