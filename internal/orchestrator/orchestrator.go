package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vietddude/queryflow/internal/cache"
	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/core/domain"
	"github.com/vietddude/queryflow/internal/core/failure"
	"github.com/vietddude/queryflow/internal/core/retry"
	"github.com/vietddude/queryflow/internal/metrics"
	"github.com/vietddude/queryflow/internal/progress"
)

// QueryClient executes a query remotely.
type QueryClient interface {
	Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error)
}

// HistorySink receives a record for every settled query.
type HistorySink interface {
	Save(ctx context.Context, rec *domain.HistoryRecord) error
}

// SharedCache is an optional second cache tier shared between processes.
type SharedCache interface {
	Get(ctx context.Context, fingerprint string) (*domain.QueryResponse, bool, error)
	Set(ctx context.Context, fingerprint string, resp *domain.QueryResponse) error
	Delete(ctx context.Context, fingerprint string) error
	Clear(ctx context.Context) error
}

// emptyResponseError is reported when a client returns neither an answer nor an error.
type emptyResponseError struct{}

func (emptyResponseError) Error() string { return "query client returned no response" }

// StatusCode classifies an empty answer as a processing failure.
func (emptyResponseError) StatusCode() int { return http.StatusInternalServerError }

// ErrEmptyResponse replaces a nil answer from a QueryClient.
var ErrEmptyResponse error = emptyResponseError{}

// ResultCache is the in-process result cache type.
type ResultCache = cache.Cache[domain.QueryResponse]

// Deps are the collaborators of an Orchestrator. Shared and History are optional.
type Deps struct {
	Client     QueryClient
	Executor   *retry.Executor
	Tracer     *progress.Tracer
	Cache      *ResultCache
	Shared     SharedCache
	Recorder   *metrics.Recorder
	History    HistorySink
	Classifier *failure.Classifier
	Clock      clock.Clock
}

// Result is the settled outcome of SendQuery.
type Result struct {
	Success     bool                  `json:"success"`
	Response    *domain.QueryResponse `json:"data,omitempty"`
	Error       *failure.ErrorContext `json:"error,omitempty"`
	Message     string                `json:"message,omitempty"`
	Attempts    int                   `json:"attempts"`
	OperationID retry.OperationID     `json:"operationId"`
	FromCache   bool                  `json:"fromCache"`
	QueryType   domain.QueryType      `json:"queryType"`
	Trace       []domain.QueryTrace   `json:"trace"`
	Elapsed     time.Duration         `json:"-"`
	ElapsedMs   int64                 `json:"elapsedMs"`
}

// Orchestrator runs one query at a time through cache, tracing, retries and
// classification.
type Orchestrator struct {
	client     QueryClient
	executor   *retry.Executor
	tracer     *progress.Tracer
	cache      *ResultCache
	shared     SharedCache
	recorder   *metrics.Recorder
	history    HistorySink
	classifier *failure.Classifier
	clock      clock.Clock

	sem     chan struct{}
	machine *Machine
	log     *slog.Logger
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Classifier == nil {
		if d.Executor != nil {
			d.Classifier = d.Executor.Classifier()
		} else {
			d.Classifier = failure.NewClassifier(failure.WithClock(d.Clock))
		}
	}
	if d.Executor == nil {
		d.Executor = retry.NewExecutor(retry.DefaultConfig, d.Classifier, d.Clock)
	}
	if d.Cache == nil {
		d.Cache = cache.New[domain.QueryResponse](d.Clock, cache.DefaultTTL, cache.DefaultMaxEntries)
	}
	if d.Recorder == nil {
		d.Recorder = metrics.NewRecorder(metrics.DefaultRecorderConfig, d.Clock, d.Cache)
	}
	if d.Tracer == nil {
		d.Tracer = progress.NewTracer(progress.NewBus(d.Clock), d.Clock)
	}
	return &Orchestrator{
		client:     d.Client,
		executor:   d.Executor,
		tracer:     d.Tracer,
		cache:      d.Cache,
		shared:     d.Shared,
		recorder:   d.Recorder,
		history:    d.History,
		classifier: d.Classifier,
		clock:      d.Clock,
		sem:        make(chan struct{}, 1),
		machine:    NewMachine(d.Clock),
		log:        slog.Default().With("component", "orchestrator"),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return o.machine.State()
}

// Transitions returns the recent lifecycle transitions.
func (o *Orchestrator) Transitions() []Transition {
	return o.machine.History()
}

// Optimize collapses whitespace in the query text.
func Optimize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// SendQuery runs a query to completion. It never returns an error: failures
// are reported in the Result.
func (o *Orchestrator) SendQuery(ctx context.Context, req domain.QueryRequest) (res Result) {
	start := o.clock.Now()
	res = Result{OperationID: retry.NewOperationID()}

	metrics.QueriesWaiting.Inc()
	select {
	case o.sem <- struct{}{}:
		metrics.QueriesWaiting.Dec()
	case <-ctx.Done():
		metrics.QueriesWaiting.Dec()
		ec := o.classifier.ClassifyError(ctx.Err())
		o.log.Warn("Query cancelled while queued", "operation", res.OperationID, "kind", ec.Kind)
		return o.settle(res, ec, start)
	}
	defer func() { <-o.sem }()

	var trace *progress.Trace
	defer func() {
		if r := recover(); r != nil {
			res = o.recoverPanic(res, trace, r, start)
		}
	}()

	req.Text = Optimize(req.Text)
	if req.PersonaID == "" {
		req.PersonaID = domain.PersonaGeneralAssistant
	}
	res.QueryType = domain.ClassifyQueryType(req.Text)
	o.transition(StateExecuting, "query received")

	if req.Text == "" {
		ec := o.classifier.Classify(failure.RawFailure{StatusCode: 400, Message: "query text is empty"})
		o.recorder.Record(metrics.SampleQueryError, 1)
		o.transition(StateError, string(ec.Kind))
		o.transition(StateIdle, "settled")
		return o.settle(res, ec, start)
	}

	o.recorder.Record(metrics.SampleQuery, 1)
	key := cache.Fingerprint(req.Text, req.PersonaID)

	if cached, ok := o.lookup(ctx, key); ok {
		return o.serveCached(ctx, res, req, cached, start)
	}

	trace, err := o.tracer.Begin(req.Text, req.PersonaID, res.QueryType, progress.HoldCompletion())
	if err != nil {
		o.log.Warn("Running query without progress trace", "operation", res.OperationID, "error", err)
	} else {
		go func() { _ = trace.Run(ctx) }()
	}

	var attempts atomic.Int32
	resp, err := retry.Execute(ctx, o.executor, res.OperationID, func(actx context.Context) (*domain.QueryResponse, error) {
		attempts.Add(1)
		resp, err := o.client.Query(actx, req)
		if err == nil && resp == nil {
			return nil, ErrEmptyResponse
		}
		return resp, err
	})
	res.Attempts = int(attempts.Load())

	if err != nil {
		var ec *failure.ErrorContext
		if !errors.As(err, &ec) {
			ec = o.classifier.ClassifyError(err)
		}
		return o.onFailure(ctx, res, req, trace, ec, start)
	}
	return o.onSuccess(ctx, res, req, trace, key, resp, start)
}

func (o *Orchestrator) onSuccess(
	ctx context.Context,
	res Result,
	req domain.QueryRequest,
	trace *progress.Trace,
	key string,
	resp *domain.QueryResponse,
	start time.Time,
) Result {
	if trace != nil {
		trace.FastForward()
		trace.Wait()
		res.Trace = trace.Traces()
	}

	if resp.QueryType == "" {
		resp.QueryType = res.QueryType
	}
	o.cache.Set(key, resp.Clone())
	if o.shared != nil {
		if err := o.shared.Set(ctx, key, resp); err != nil {
			o.log.Warn("Failed to write shared cache", "key", key, "error", err)
		}
	}

	elapsed := o.clock.Now().Sub(start)
	o.recorder.Record(metrics.SampleResponseTime, float64(elapsed.Milliseconds()))
	o.recorder.Record(metrics.SampleQueryProcessingTime, float64(resp.ProcessingTimeMs))
	metrics.QueriesTotal.WithLabelValues("success", "remote").Inc()
	metrics.ResponseTime.WithLabelValues("remote").Observe(elapsed.Seconds())

	o.saveHistory(ctx, &domain.HistoryRecord{
		Query:            req.Text,
		Response:         resp.Response,
		Persona:          req.PersonaID,
		TimestampMs:      start.UnixMilli(),
		ProcessingTimeMs: elapsed.Milliseconds(),
		Citations:        resp.Citations,
		QueryType:        resp.QueryType,
		Attachments:      req.AttachmentIDs,
		Success:          true,
	})

	o.transition(StateSuccess, "answer received")
	o.transition(StateIdle, "settled")

	o.log.Info("Query succeeded",
		"operation", res.OperationID,
		"attempts", res.Attempts,
		"elapsed", elapsed,
	)

	res.Success = true
	res.Response = resp
	res.Elapsed = elapsed
	res.ElapsedMs = elapsed.Milliseconds()
	return res
}

func (o *Orchestrator) onFailure(
	ctx context.Context,
	res Result,
	req domain.QueryRequest,
	trace *progress.Trace,
	ec *failure.ErrorContext,
	start time.Time,
) Result {
	if trace != nil {
		trace.Abort("", ec.UserMessage)
		trace.Wait()
		res.Trace = trace.Traces()
	}

	o.recorder.Record(metrics.SampleQueryError, 1)
	metrics.QueriesTotal.WithLabelValues("error", "remote").Inc()
	metrics.QueryErrorsTotal.WithLabelValues(string(ec.Kind)).Inc()

	elapsed := o.clock.Now().Sub(start)
	o.saveHistory(ctx, &domain.HistoryRecord{
		Query:            req.Text,
		Response:         ec.UserMessage,
		Persona:          req.PersonaID,
		TimestampMs:      start.UnixMilli(),
		ProcessingTimeMs: elapsed.Milliseconds(),
		QueryType:        res.QueryType,
		Attachments:      req.AttachmentIDs,
		Success:          false,
		ErrorKind:        string(ec.Kind),
	})

	o.transition(StateError, string(ec.Kind))
	o.transition(StateIdle, "settled")

	o.log.Error("Query failed",
		"operation", res.OperationID,
		"attempts", res.Attempts,
		"kind", ec.Kind,
		"error", ec.RawMessage,
	)
	return o.settle(res, ec, start)
}

func (o *Orchestrator) serveCached(
	ctx context.Context,
	res Result,
	req domain.QueryRequest,
	cached *domain.QueryResponse,
	start time.Time,
) Result {
	if trace, err := o.tracer.Begin(req.Text, req.PersonaID, res.QueryType); err == nil {
		trace.FastForward()
		_ = trace.Run(ctx)
		res.Trace = trace.Traces()
	} else {
		o.log.Warn("Serving cached answer without progress trace", "error", err)
	}

	elapsed := o.clock.Now().Sub(start)
	o.recorder.Record(metrics.SampleResponseTime, float64(elapsed.Milliseconds()))
	metrics.QueriesTotal.WithLabelValues("success", "cache").Inc()
	metrics.ResponseTime.WithLabelValues("cache").Observe(elapsed.Seconds())

	o.saveHistory(ctx, &domain.HistoryRecord{
		Query:            req.Text,
		Response:         cached.Response,
		Persona:          req.PersonaID,
		TimestampMs:      start.UnixMilli(),
		ProcessingTimeMs: elapsed.Milliseconds(),
		Citations:        cached.Citations,
		QueryType:        cached.QueryType,
		Attachments:      req.AttachmentIDs,
		Success:          true,
	})

	o.transition(StateSuccess, "cache hit")
	o.transition(StateIdle, "settled")

	o.log.Debug("Served from cache", "operation", res.OperationID)

	res.Success = true
	res.FromCache = true
	res.Response = cached
	res.Elapsed = elapsed
	res.ElapsedMs = elapsed.Milliseconds()
	return res
}

// recoverPanic settles a query whose handling panicked, releasing its trace
// and returning the machine to idle.
func (o *Orchestrator) recoverPanic(res Result, trace *progress.Trace, r any, start time.Time) Result {
	ec := o.classifier.Classify(failure.RawFailure{Message: fmt.Sprintf("query handling panicked: %v", r)})
	o.log.Error("Recovered panic while handling query", "operation", res.OperationID, "panic", r)

	if trace != nil {
		trace.Abort("", ec.UserMessage)
		trace.Wait()
		res.Trace = trace.Traces()
	}
	o.recorder.Record(metrics.SampleQueryError, 1)
	metrics.QueryErrorsTotal.WithLabelValues(string(ec.Kind)).Inc()

	switch o.machine.State() {
	case StateExecuting:
		o.transition(StateError, "panic")
		o.transition(StateIdle, "settled")
	case StateSuccess, StateError:
		o.transition(StateIdle, "settled")
	}
	return o.settle(res, ec, start)
}

func (o *Orchestrator) settle(res Result, ec *failure.ErrorContext, start time.Time) Result {
	elapsed := o.clock.Now().Sub(start)
	res.Success = false
	res.Error = ec
	res.Message = ec.UserMessage
	res.Elapsed = elapsed
	res.ElapsedMs = elapsed.Milliseconds()
	return res
}

// lookup checks the memory cache, then the shared tier.
func (o *Orchestrator) lookup(ctx context.Context, key string) (*domain.QueryResponse, bool) {
	if v, ok := o.cache.Get(key); ok {
		metrics.CacheLookupsTotal.WithLabelValues("memory", "hit").Inc()
		v = v.Clone()
		return &v, true
	}
	metrics.CacheLookupsTotal.WithLabelValues("memory", "miss").Inc()

	if o.shared == nil {
		return nil, false
	}
	resp, ok, err := o.shared.Get(ctx, key)
	if err != nil {
		o.log.Warn("Shared cache lookup failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		metrics.CacheLookupsTotal.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	metrics.CacheLookupsTotal.WithLabelValues("shared", "hit").Inc()
	o.cache.Set(key, resp.Clone())
	// Count the shared hit on the memory entry so the hit rate includes it
	o.cache.Get(key)
	return resp, true
}

func (o *Orchestrator) saveHistory(ctx context.Context, rec *domain.HistoryRecord) {
	if o.history == nil {
		return
	}
	// History is best effort and must outlive a cancelled caller
	if err := o.history.Save(context.WithoutCancel(ctx), rec); err != nil {
		o.log.Warn("Failed to save history record", "error", err)
	}
}

func (o *Orchestrator) transition(to State, reason string) {
	if err := o.machine.Transition(to, reason); err != nil {
		o.log.Error("State machine rejected transition", "error", err)
	}
}

// Invalidate drops the cached answer for a query in every tier.
func (o *Orchestrator) Invalidate(ctx context.Context, text, persona string) bool {
	if persona == "" {
		persona = domain.PersonaGeneralAssistant
	}
	key := cache.Fingerprint(Optimize(text), persona)
	found := o.cache.Invalidate(key)
	if o.shared != nil {
		if err := o.shared.Delete(ctx, key); err != nil {
			o.log.Warn("Failed to delete from shared cache", "key", key, "error", err)
		}
	}
	return found
}

// ClearCache empties every cache tier.
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	o.cache.Clear()
	if o.shared != nil {
		return o.shared.Clear(ctx)
	}
	return nil
}

// Cache returns the in-process result cache.
func (o *Orchestrator) Cache() *ResultCache {
	return o.cache
}

// Executor returns the retry executor.
func (o *Orchestrator) Executor() *retry.Executor {
	return o.executor
}

// Tracer returns the progress tracer.
func (o *Orchestrator) Tracer() *progress.Tracer {
	return o.tracer
}

// Recorder returns the metrics recorder.
func (o *Orchestrator) Recorder() *metrics.Recorder {
	return o.recorder
}
