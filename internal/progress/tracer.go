package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/core/domain"
	"github.com/vietddude/queryflow/internal/metrics"
)

var (
	// ErrTraceInFlight is returned by Begin while another trace is active.
	ErrTraceInFlight = errors.New("progress: trace already in flight")
	// ErrNoActiveTrace is returned when an operation needs an active trace.
	ErrNoActiveTrace = errors.New("progress: no active trace")
	// ErrTraceAborted is returned by Run when the trace was aborted.
	ErrTraceAborted = errors.New("progress: trace aborted")
)

// NodeDurations are the base durations of each node before type scaling and jitter.
var NodeDurations = map[domain.NodeName]time.Duration{
	domain.NodeRouter:          200 * time.Millisecond,
	domain.NodePersonaSelector: 100 * time.Millisecond,
	domain.NodeDocument:        800 * time.Millisecond,
	domain.NodeDatabase:        600 * time.Millisecond,
	domain.NodeMath:            400 * time.Millisecond,
	domain.NodeSuggestion:      300 * time.Millisecond,
	domain.NodeAnswerFormatter: 200 * time.Millisecond,
}

var typeFactors = map[domain.QueryType]float64{
	domain.QueryTypeMathematical:   1.5,
	domain.QueryTypeFactual:        1.2,
	domain.QueryTypeConversational: 0.8,
}

var allSteps = []domain.NodeName{
	domain.NodeRouter,
	domain.NodePersonaSelector,
	domain.NodeDocument,
	domain.NodeDatabase,
	domain.NodeMath,
	domain.NodeSuggestion,
	domain.NodeAnswerFormatter,
}

// StepsFor returns the node sequence shown for a query type.
func StepsFor(qt domain.QueryType) []domain.NodeName {
	skip := map[domain.NodeName]bool{}
	switch qt {
	case domain.QueryTypeMathematical:
		skip[domain.NodeDocument] = true
	case domain.QueryTypeFactual:
		skip[domain.NodeDatabase] = true
		skip[domain.NodeMath] = true
	default:
		skip[domain.NodeDocument] = true
		skip[domain.NodeDatabase] = true
		skip[domain.NodeMath] = true
	}

	steps := make([]domain.NodeName, 0, len(allSteps))
	for _, s := range allSteps {
		if !skip[s] {
			steps = append(steps, s)
		}
	}
	return steps
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithSeed makes node jitter deterministic.
func WithSeed(seed uint64) TracerOption {
	return func(tr *Tracer) {
		if seed != 0 {
			tr.random = rand.New(rand.NewPCG(seed, seed)).Float64
		}
	}
}

// WithRandom sets the source of jitter, which must return values in [0, 1).
func WithRandom(fn func() float64) TracerOption {
	return func(tr *Tracer) { tr.random = fn }
}

// Tracer drives simulated node progress and publishes it on a Bus.
// At most one trace is active at a time.
type Tracer struct {
	bus   *Bus
	clock clock.Clock
	log   *slog.Logger

	mu     sync.Mutex
	random func() float64
	active *Trace
}

// NewTracer creates a tracer publishing on bus.
func NewTracer(bus *Bus, clk clock.Clock, opts ...TracerOption) *Tracer {
	if clk == nil {
		clk = clock.New()
	}
	tr := &Tracer{
		bus:    bus,
		clock:  clk,
		log:    slog.Default().With("component", "tracer"),
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Bus returns the bus the tracer publishes on.
func (tr *Tracer) Bus() *Bus {
	return tr.bus
}

// BeginOption configures a single trace.
type BeginOption func(*Trace)

// HoldCompletion keeps the last node processing until FastForward or Abort is
// called, so the trace never reports success for a query still in flight.
func HoldCompletion() BeginOption {
	return func(t *Trace) { t.hold = true }
}

// Begin reserves the tracer for a new trace. The caller must Run it.
func (tr *Tracer) Begin(query, persona string, qt domain.QueryType, opts ...BeginOption) (*Trace, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.active != nil {
		tr.log.Warn("Trace already in flight", "trace", tr.active.ID)
		return nil, ErrTraceInFlight
	}

	steps := StepsFor(qt)
	factor, ok := typeFactors[qt]
	if !ok {
		factor = typeFactors[domain.QueryTypeConversational]
	}
	durations := make([]time.Duration, len(steps))
	for i, s := range steps {
		jitter := 0.8 + 0.4*tr.random()
		durations[i] = time.Duration(float64(NodeDurations[s]) * factor * jitter)
	}

	t := &Trace{
		ID:        uuid.NewString(),
		Query:     query,
		Persona:   persona,
		QueryType: qt,
		tracer:    tr,
		steps:     steps,
		durations: durations,
		ffCh:      make(chan struct{}),
		abortCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	tr.active = t
	return t, nil
}

// StartTracing begins a trace and runs it to completion or abort.
func (tr *Tracer) StartTracing(ctx context.Context, query, persona string, qt domain.QueryType) error {
	t, err := tr.Begin(query, persona, qt)
	if err != nil {
		return err
	}
	return t.Run(ctx)
}

// Active returns the active trace, if any.
func (tr *Tracer) Active() (*Trace, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.active, tr.active != nil
}

// SimulateError aborts the active trace with message. Without an active
// trace the error event is emitted directly.
func (tr *Tracer) SimulateError(step domain.NodeName, message string) {
	if t, ok := tr.Active(); ok && t.Abort(step, message) {
		return
	}
	tr.bus.Emit(EventError, TraceError{Step: step, Message: message, Traces: []domain.QueryTrace{}})
}

func (tr *Tracer) release(t *Trace) {
	tr.mu.Lock()
	if tr.active == t {
		tr.active = nil
	}
	tr.mu.Unlock()
}

// Trace is one run of the node sequence.
type Trace struct {
	ID        string
	Query     string
	Persona   string
	QueryType domain.QueryType

	tracer    *Tracer
	steps     []domain.NodeName
	durations []time.Duration
	hold      bool

	ffOnce  sync.Once
	ffCh    chan struct{}
	abortCh chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	traces    []domain.QueryTrace
	aborted   bool
	abortStep domain.NodeName
	abortMsg  string
	finished  bool
	success   bool
}

// Steps returns the node sequence of this trace.
func (t *Trace) Steps() []domain.NodeName {
	return append([]domain.NodeName(nil), t.steps...)
}

// Durations returns the planned duration of each step.
func (t *Trace) Durations() []time.Duration {
	return append([]time.Duration(nil), t.durations...)
}

// FastForward skips all remaining delays. Node order is unchanged.
func (t *Trace) FastForward() {
	t.ffOnce.Do(func() { close(t.ffCh) })
}

func (t *Trace) fastForwarded() bool {
	select {
	case <-t.ffCh:
		return true
	default:
		return false
	}
}

// Abort stops the trace with an error event. It reports false if the trace
// already settled.
func (t *Trace) Abort(step domain.NodeName, message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished || t.aborted {
		return false
	}
	t.aborted = true
	t.abortStep = step
	t.abortMsg = message
	close(t.abortCh)
	return true
}

// Wait blocks until Run returns.
func (t *Trace) Wait() {
	<-t.done
}

// Done is closed when Run returns.
func (t *Trace) Done() <-chan struct{} {
	return t.done
}

// Traces returns a snapshot of the trace entries.
func (t *Trace) Traces() []domain.QueryTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.CopyTraces(t.traces)
}

// Succeeded reports whether the trace completed every node.
func (t *Trace) Succeeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.success
}

// Run emits the node sequence. It returns nil when every node completed and
// ErrTraceAborted after an abort or context cancellation.
func (t *Trace) Run(ctx context.Context) error {
	defer close(t.done)

	bus := t.tracer.bus
	clk := t.tracer.clock

	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.ffCh:
		case <-t.abortCh:
		case <-sleepCtx.Done():
		}
		cancel()
	}()

	started := clk.Now()
	bus.Emit(EventQueryStart, QueryStart{
		TraceID:   t.ID,
		Query:     t.Query,
		Persona:   t.Persona,
		QueryType: t.QueryType,
		Steps:     t.Steps(),
	})

	n := len(t.steps)
	for i, step := range t.steps {
		if t.interrupted(ctx) {
			return t.fail(step)
		}

		begin := clk.Now()
		snap := t.startStep(step, begin)
		bus.Emit(EventNodeProgress, NodeProgress{
			Step:     step,
			Status:   domain.TraceStatusProcessing,
			Progress: i * 100 / n,
			Traces:   snap,
		})

		if !t.fastForwarded() {
			_ = clk.Sleep(sleepCtx, t.durations[i])
		}
		if i == n-1 && t.hold {
			select {
			case <-t.ffCh:
			case <-t.abortCh:
			case <-ctx.Done():
			}
		}
		if t.interrupted(ctx) {
			return t.fail(step)
		}

		elapsed := clk.Now().Sub(begin)
		snap, ok := t.finishStep(i, elapsed, i == n-1)
		if !ok {
			return t.fail(step)
		}
		metrics.NodeDuration.WithLabelValues(string(step)).Observe(elapsed.Seconds())
		bus.Emit(EventNodeProgress, NodeProgress{
			Step:     step,
			Status:   domain.TraceStatusCompleted,
			Progress: (i + 1) * 100 / n,
			Traces:   snap,
		})
	}

	t.tracer.release(t)
	bus.Emit(EventQueryComplete, QueryComplete{
		Traces:      t.Traces(),
		TotalTimeMs: clk.Now().Sub(started).Milliseconds(),
		Success:     true,
	})
	return nil
}

func (t *Trace) startStep(step domain.NodeName, at time.Time) []domain.QueryTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.traces = append(t.traces, domain.QueryTrace{
		ID:        uuid.NewString(),
		Step:      step,
		Status:    domain.TraceStatusProcessing,
		StartedAt: at,
	})
	return domain.CopyTraces(t.traces)
}

func (t *Trace) finishStep(i int, elapsed time.Duration, last bool) ([]domain.QueryTrace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return nil, false
	}
	t.traces[i].Finish(elapsed)
	if last {
		t.finished = true
		t.success = true
	}
	return domain.CopyTraces(t.traces), true
}

// interrupted reports whether the trace was aborted, turning a cancelled
// context into an abort.
func (t *Trace) interrupted(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return true
	}
	if err := ctx.Err(); err != nil && !t.finished {
		t.aborted = true
		t.abortMsg = err.Error()
		close(t.abortCh)
		return true
	}
	return false
}

func (t *Trace) fail(current domain.NodeName) error {
	t.mu.Lock()
	domain.DemoteProcessing(t.traces)
	snap := domain.CopyTraces(t.traces)
	step := t.abortStep
	if step == "" {
		step = current
	}
	msg := t.abortMsg
	t.finished = true
	t.mu.Unlock()

	t.tracer.release(t)
	t.tracer.log.Debug("Trace aborted", "trace", t.ID, "step", step, "error", msg)
	t.tracer.bus.Emit(EventError, TraceError{Step: step, Message: msg, Traces: snap})
	return fmt.Errorf("%w: %s", ErrTraceAborted, msg)
}
