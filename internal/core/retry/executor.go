package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/core/failure"
	"github.com/vietddude/queryflow/internal/metrics"
)

// Executor runs operations with bounded retries, a per-attempt timeout and
// exponential backoff. It owns the retry state of every operation it has seen fail.
type Executor struct {
	cfg        Config
	classifier *failure.Classifier
	clock      clock.Clock
	states     *stateArena
	log        *slog.Logger
}

// NewExecutor creates an executor. A nil classifier or clock gets the default.
func NewExecutor(cfg Config, classifier *failure.Classifier, clk clock.Clock) *Executor {
	if classifier == nil {
		classifier = failure.NewClassifier()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Executor{
		cfg:        cfg.normalized(),
		classifier: classifier,
		clock:      clk,
		states:     newStateArena(),
		log:        slog.Default().With("component", "retry"),
	}
}

// Config returns the executor defaults.
func (e *Executor) Config() Config {
	return e.cfg
}

// Classifier returns the classifier used for failed attempts.
func (e *Executor) Classifier() *failure.Classifier {
	return e.classifier
}

// State returns the retry state of an operation, if any.
func (e *Executor) State(id OperationID) (State, bool) {
	return e.states.get(id)
}

// States returns a snapshot of all retained retry states.
func (e *Executor) States() []State {
	return e.states.all()
}

// Evict drops the retry state of an operation.
func (e *Executor) Evict(id OperationID) {
	e.states.delete(id)
	metrics.RetryStates.Set(float64(len(e.states.all())))
}

// PruneStale drops retry states not updated within maxAge and returns how many were removed.
func (e *Executor) PruneStale(maxAge time.Duration) int {
	n := e.states.pruneBefore(e.clock.Now().Add(-maxAge))
	metrics.RetryStates.Set(float64(len(e.states.all())))
	return n
}

// Execute runs op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The returned error is always a *failure.ErrorContext.
func Execute[T any](
	ctx context.Context,
	e *Executor,
	id OperationID,
	op func(context.Context) (T, error),
	opts ...Option,
) (T, error) {
	var zero T

	cfg := e.cfg
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.normalized()

	for attempt := 0; ; attempt++ {
		v, err := runAttempt(ctx, cfg.Timeout, op)
		if err == nil {
			e.states.delete(id)
			metrics.RetryStates.Set(float64(len(e.states.all())))
			return v, nil
		}

		ec := e.classifier.ClassifyError(err)
		metrics.RetryAttemptsTotal.WithLabelValues(string(ec.Kind), strconv.FormatBool(ec.Retryable)).Inc()

		e.log.Warn("Attempt failed",
			"operation", id,
			"attempt", attempt,
			"kind", ec.Kind,
			"retryable", ec.Retryable,
			"error", ec.RawMessage,
		)

		if !ec.Retryable || attempt >= cfg.MaxRetries || ctx.Err() != nil {
			return zero, ec
		}

		// Only attempts that lead to another try are counted
		state := e.states.increment(id, e.clock.Now())
		metrics.RetryStates.Set(float64(len(e.states.all())))

		delay := cfg.Backoff(attempt)
		e.log.Debug("Backing off", "operation", id, "attempts_used", state.AttemptsUsed, "delay", delay)
		if err := e.clock.Sleep(ctx, delay); err != nil {
			return zero, e.classifier.ClassifyError(err)
		}
	}
}

// PanicError reports an operation that panicked instead of returning. It
// carries no status, so it classifies as a non-retryable UNKNOWN failure.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

type attemptResult[T any] struct {
	value T
	err   error
}

// runAttempt races op against the attempt timeout. The attempt context is
// cancelled as soon as the race ends.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult[T]{err: &PanicError{Value: r}}
			}
		}()
		v, err := op(actx)
		done <- attemptResult[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("request timeout after %s: %w", timeout, context.DeadlineExceeded)
	}
}
