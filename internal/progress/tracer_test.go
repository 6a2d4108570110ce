package progress

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/core/domain"
)

// recorder collects every event emitted on a bus.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) named(name EventName) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func newTestTracer() (*Tracer, *recorder, *clock.Fake) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := NewBus(clk)
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)
	return NewTracer(bus, clk, WithRandom(func() float64 { return 0.5 })), rec, clk
}

func TestStepsFor(t *testing.T) {
	tests := []struct {
		qt   domain.QueryType
		want []domain.NodeName
	}{
		{domain.QueryTypeMathematical, []domain.NodeName{
			domain.NodeRouter, domain.NodePersonaSelector, domain.NodeDatabase,
			domain.NodeMath, domain.NodeSuggestion, domain.NodeAnswerFormatter,
		}},
		{domain.QueryTypeFactual, []domain.NodeName{
			domain.NodeRouter, domain.NodePersonaSelector, domain.NodeDocument,
			domain.NodeSuggestion, domain.NodeAnswerFormatter,
		}},
		{domain.QueryTypeConversational, []domain.NodeName{
			domain.NodeRouter, domain.NodePersonaSelector,
			domain.NodeSuggestion, domain.NodeAnswerFormatter,
		}},
	}

	for _, tt := range tests {
		if got := StepsFor(tt.qt); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("StepsFor(%s) = %v, want %v", tt.qt, got, tt.want)
		}
	}
}

func TestTracer_CompletesInDeclaredOrder(t *testing.T) {
	tr, rec, clk := newTestTracer()

	if err := tr.StartTracing(context.Background(), "calculate growth", domain.PersonaFinancialAnalyst, domain.QueryTypeMathematical); err != nil {
		t.Fatalf("StartTracing: %v", err)
	}

	steps := StepsFor(domain.QueryTypeMathematical)
	var completed []domain.NodeName
	lastLen := 0
	for _, e := range rec.named(EventNodeProgress) {
		p := e.Payload.(NodeProgress)
		if len(p.Traces) < lastLen {
			t.Fatalf("trace shrank from %d to %d entries", lastLen, len(p.Traces))
		}
		lastLen = len(p.Traces)
		if p.Status == domain.TraceStatusCompleted {
			completed = append(completed, p.Step)
		}
	}
	if !reflect.DeepEqual(completed, steps) {
		t.Errorf("completed order = %v, want %v", completed, steps)
	}

	done := rec.named(EventQueryComplete)
	if len(done) != 1 {
		t.Fatalf("query_complete events = %d, want 1", len(done))
	}
	qc := done[0].Payload.(QueryComplete)
	if !qc.Success || len(qc.Traces) != len(steps) {
		t.Errorf("unexpected completion payload: %+v", qc)
	}

	// Jitter is pinned to 1.0, so each sleep is base * 1.5.
	var want []time.Duration
	for _, s := range steps {
		want = append(want, time.Duration(float64(NodeDurations[s])*1.5))
	}
	if got := clk.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if _, ok := tr.Active(); ok {
		t.Error("tracer should be idle after completion")
	}
}

func TestTracer_RejectsSecondTrace(t *testing.T) {
	tr, _, _ := newTestTracer()

	first, err := tr.Begin("q", domain.PersonaGeneralAssistant, domain.QueryTypeConversational)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tr.Begin("q2", domain.PersonaGeneralAssistant, domain.QueryTypeConversational); !errors.Is(err, ErrTraceInFlight) {
		t.Errorf("second Begin error = %v, want ErrTraceInFlight", err)
	}

	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := tr.Begin("q3", domain.PersonaGeneralAssistant, domain.QueryTypeConversational); err != nil {
		t.Errorf("Begin after completion: %v", err)
	}
}

func TestTracer_SimulateErrorDuringHeldTrace(t *testing.T) {
	tr, rec, _ := newTestTracer()

	trace, err := tr.Begin("what is clause 4", domain.PersonaLegalAdvisor, domain.QueryTypeFactual, HoldCompletion())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- trace.Run(context.Background()) }()

	// Wait for the last node to start, then abort.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tt := trace.Traces()
		if len(tt) == len(trace.Steps()) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	tr.SimulateError(domain.NodeAnswerFormatter, "service unavailable")

	if err := <-runErr; !errors.Is(err, ErrTraceAborted) {
		t.Fatalf("Run error = %v, want ErrTraceAborted", err)
	}

	errs := rec.named(EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	te := errs[0].Payload.(TraceError)
	if te.Step != domain.NodeAnswerFormatter || te.Message != "service unavailable" {
		t.Errorf("unexpected error payload: %+v", te)
	}
	for _, q := range te.Traces {
		if q.Status == domain.TraceStatusProcessing {
			t.Errorf("step %s still processing after error", q.Step)
		}
	}
	if last := te.Traces[len(te.Traces)-1]; last.Status != domain.TraceStatusError {
		t.Errorf("last step status = %s, want error", last.Status)
	}
	if len(rec.named(EventQueryComplete)) != 0 {
		t.Error("aborted trace must not emit query_complete")
	}

	// No progress after the error.
	all := rec.all()
	if all[len(all)-1].Name != EventError {
		t.Errorf("last event = %s, want error", all[len(all)-1].Name)
	}
}

func TestTracer_SimulateErrorWithoutTrace(t *testing.T) {
	tr, rec, _ := newTestTracer()

	tr.SimulateError(domain.NodeRouter, "boom")

	errs := rec.named(EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if te := errs[0].Payload.(TraceError); te.Message != "boom" {
		t.Errorf("message = %q, want boom", te.Message)
	}
}

func TestTrace_FastForwardReleasesHold(t *testing.T) {
	tr, rec, clk := newTestTracer()

	trace, err := tr.Begin("hi", domain.PersonaGeneralAssistant, domain.QueryTypeConversational, HoldCompletion())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	trace.FastForward()
	if err := trace.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !trace.Succeeded() {
		t.Error("fast-forwarded trace should succeed")
	}
	if len(clk.Sleeps()) != 0 {
		t.Errorf("fast-forwarded trace slept: %v", clk.Sleeps())
	}
	if len(rec.named(EventQueryComplete)) != 1 {
		t.Error("expected one query_complete")
	}
}

func TestTrace_ContextCancelAborts(t *testing.T) {
	tr, rec, _ := newTestTracer()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.StartTracing(ctx, "hi", domain.PersonaGeneralAssistant, domain.QueryTypeConversational)
	if !errors.Is(err, ErrTraceAborted) {
		t.Fatalf("err = %v, want ErrTraceAborted", err)
	}
	if len(rec.named(EventError)) != 1 {
		t.Error("expected one error event")
	}
}
