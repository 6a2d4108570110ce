package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/queryflow/internal/cache"
	"github.com/vietddude/queryflow/internal/core/clock"
	"github.com/vietddude/queryflow/internal/core/domain"
	"github.com/vietddude/queryflow/internal/core/failure"
	"github.com/vietddude/queryflow/internal/core/retry"
	"github.com/vietddude/queryflow/internal/metrics"
	"github.com/vietddude/queryflow/internal/progress"
)

type statusErr int

func (e statusErr) Error() string   { return "http error" }
func (e statusErr) StatusCode() int { return int(e) }

// scriptedClient returns the scripted errors in order, then succeeds.
type scriptedClient struct {
	mu    sync.Mutex
	errs  []error
	resp  *domain.QueryResponse
	calls []domain.QueryRequest
}

func (c *scriptedClient) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	cp := *c.resp
	return &cp, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type stubHistory struct {
	mu      sync.Mutex
	records []domain.HistoryRecord
	err     error
}

func (h *stubHistory) Save(ctx context.Context, rec *domain.HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, *rec)
	return h.err
}

type stubShared struct {
	mu      sync.Mutex
	entries map[string]domain.QueryResponse
}

func (s *stubShared) Get(ctx context.Context, key string) (*domain.QueryResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (s *stubShared) Set(ctx context.Context, key string, resp *domain.QueryResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = *resp
	return nil
}

func (s *stubShared) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *stubShared) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]domain.QueryResponse{}
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) handle(e progress.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) named(name progress.EventName) []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []progress.Event
	for _, e := range l.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	client   *scriptedClient
	history  *stubHistory
	events   *eventLog
	retryClk *clock.Fake
	executor *retry.Executor
	cache    *ResultCache
}

func newFixture(client *scriptedClient, shared SharedCache) *fixture {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	retryClk := clock.NewFake(start)
	traceClk := clock.NewFake(start)

	classifier := failure.NewClassifier(failure.WithClock(retryClk))
	executor := retry.NewExecutor(retry.DefaultConfig, classifier, retryClk)

	bus := progress.NewBus(traceClk)
	events := &eventLog{}
	bus.SubscribeAll(events.handle)
	tracer := progress.NewTracer(bus, traceClk, progress.WithRandom(func() float64 { return 0.5 }))

	c := cache.New[domain.QueryResponse](traceClk, time.Minute, 10)
	history := &stubHistory{}

	orch := New(Deps{
		Client:     client,
		Executor:   executor,
		Tracer:     tracer,
		Cache:      c,
		Shared:     shared,
		Recorder:   metrics.NewRecorder(metrics.DefaultRecorderConfig, traceClk, c),
		History:    history,
		Classifier: classifier,
		Clock:      traceClk,
	})
	return &fixture{
		orch:     orch,
		client:   client,
		history:  history,
		events:   events,
		retryClk: retryClk,
		executor: executor,
		cache:    c,
	}
}

func answer(text string) *domain.QueryResponse {
	return &domain.QueryResponse{Response: text, QueryType: domain.QueryTypeMathematical, ProcessingTimeMs: 120}
}

func TestSendQuery_RecoversFromTransientErrors(t *testing.T) {
	client := &scriptedClient{errs: []error{statusErr(503), statusErr(503)}, resp: answer("MSFT 50-day MA is 410")}
	f := newFixture(client, nil)

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{
		Text:      "Tell me the moving average of MSFT",
		PersonaID: domain.PersonaFinancialAnalyst,
	})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if res.Response.Response != "MSFT 50-day MA is 410" {
		t.Errorf("response = %q", res.Response.Response)
	}
	if res.Attempts != 3 || client.callCount() != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", res.Attempts, client.callCount())
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !reflect.DeepEqual(f.retryClk.Sleeps(), want) {
		t.Errorf("backoff sleeps = %v, want %v", f.retryClk.Sleeps(), want)
	}
	if _, ok := f.executor.State(res.OperationID); ok {
		t.Error("retry state should be deleted after success")
	}
	if res.QueryType != domain.QueryTypeMathematical {
		t.Errorf("query type = %s, want mathematical", res.QueryType)
	}

	if len(f.events.named(progress.EventQueryComplete)) != 1 {
		t.Error("expected one query_complete event")
	}
	for _, tr := range res.Trace {
		if tr.Status != domain.TraceStatusCompleted {
			t.Errorf("step %s status = %s, want completed", tr.Step, tr.Status)
		}
	}

	if len(f.history.records) != 1 || !f.history.records[0].Success {
		t.Errorf("history = %+v", f.history.records)
	}
	if f.cache.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", f.cache.Len())
	}
	if f.orch.State() != StateIdle {
		t.Errorf("state = %s, want idle", f.orch.State())
	}
}

func TestSendQuery_AuthenticationFailsFast(t *testing.T) {
	client := &scriptedClient{errs: []error{statusErr(401)}, resp: answer("unused")}
	f := newFixture(client, nil)

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "hello", PersonaID: domain.PersonaGeneralAssistant})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != failure.KindAuthentication {
		t.Errorf("kind = %s, want AUTHENTICATION", res.Error.Kind)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if !strings.Contains(res.Message, "Authentication failed") {
		t.Errorf("message = %q", res.Message)
	}
	if len(f.retryClk.Sleeps()) != 0 {
		t.Errorf("unexpected backoff %v", f.retryClk.Sleeps())
	}

	errs := f.events.named(progress.EventError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	for _, tr := range res.Trace {
		if tr.Status == domain.TraceStatusProcessing {
			t.Errorf("step %s left processing", tr.Step)
		}
	}
	if len(f.events.named(progress.EventQueryComplete)) != 0 {
		t.Error("failed query must not emit query_complete")
	}

	if len(f.history.records) != 1 {
		t.Fatalf("history records = %d, want 1", len(f.history.records))
	}
	rec := f.history.records[0]
	if rec.Success || rec.ErrorKind != string(failure.KindAuthentication) || rec.Response != res.Message {
		t.Errorf("history record = %+v", rec)
	}
	if f.cache.Len() != 0 {
		t.Error("failures must not be cached")
	}
}

func TestSendQuery_CacheHit(t *testing.T) {
	client := &scriptedClient{resp: answer("unused")}
	f := newFixture(client, nil)

	const text = "calculate 50-day moving average"
	f.cache.Set(cache.Fingerprint(text, domain.PersonaFinancialAnalyst), *answer("cached MA"))

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: text, PersonaID: domain.PersonaFinancialAnalyst})

	if !res.Success || !res.FromCache {
		t.Fatalf("expected cached success, got %+v", res)
	}
	if res.Response.Response != "cached MA" {
		t.Errorf("response = %q", res.Response.Response)
	}
	if client.callCount() != 0 {
		t.Errorf("remote calls = %d, want 0", client.callCount())
	}
	done := f.events.named(progress.EventQueryComplete)
	if len(done) != 1 {
		t.Fatalf("query_complete events = %d, want 1", len(done))
	}
	if qc := done[0].Payload.(progress.QueryComplete); !qc.Success {
		t.Error("cached trace should complete successfully")
	}
	if snap := f.orch.Recorder().Refresh(); snap.CacheHitRatePct != 100 {
		t.Errorf("hit rate = %v, want 100", snap.CacheHitRatePct)
	}
}

func TestSendQuery_SharedCacheHitFillsMemory(t *testing.T) {
	shared := &stubShared{entries: map[string]domain.QueryResponse{}}
	client := &scriptedClient{resp: answer("unused")}
	f := newFixture(client, shared)

	key := cache.Fingerprint("describe section 2", domain.PersonaLegalAdvisor)
	shared.entries[key] = *answer("from redis")

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "describe  section 2", PersonaID: domain.PersonaLegalAdvisor})
	if !res.FromCache || res.Response.Response != "from redis" {
		t.Fatalf("expected shared cache hit, got %+v", res)
	}
	if _, ok := f.cache.Peek(key); !ok {
		t.Error("shared hit should populate the memory cache")
	}
	if client.callCount() != 0 {
		t.Errorf("remote calls = %d, want 0", client.callCount())
	}

	if !f.orch.Invalidate(context.Background(), "describe section 2", domain.PersonaLegalAdvisor) {
		t.Error("Invalidate should find the entry")
	}
	if _, ok := shared.entries[key]; ok {
		t.Error("Invalidate should clear the shared tier")
	}
}

func TestSendQuery_EmptyTextIsValidationError(t *testing.T) {
	client := &scriptedClient{resp: answer("unused")}
	f := newFixture(client, nil)

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "   "})
	if res.Success || res.Error.Kind != failure.KindValidation {
		t.Fatalf("expected VALIDATION failure, got %+v", res)
	}
	if client.callCount() != 0 {
		t.Error("empty query must not reach the service")
	}
	if f.orch.State() != StateIdle {
		t.Errorf("state = %s, want idle", f.orch.State())
	}
}

func TestSendQuery_HistoryErrorDoesNotFailQuery(t *testing.T) {
	client := &scriptedClient{resp: answer("ok")}
	f := newFixture(client, nil)
	f.history.err = errors.New("disk full")

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "hi there"})
	if !res.Success {
		t.Fatalf("history failure leaked into result: %+v", res.Error)
	}
}

// blockingClient blocks every call until release is closed.
type blockingClient struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingClient) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	c.once.Do(func() { close(c.started) })
	select {
	case <-c.release:
		return answer("done"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSendQuery_QueuedCallerHonoursContext(t *testing.T) {
	f := newFixture(&scriptedClient{resp: answer("unused")}, nil)
	client := &blockingClient{started: make(chan struct{}), release: make(chan struct{})}
	f.orch.client = client

	first := make(chan Result, 1)
	go func() {
		first <- f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "first query"})
	}()
	<-client.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	second := f.orch.SendQuery(ctx, domain.QueryRequest{Text: "second query"})
	if second.Success || second.Error.Kind != failure.KindTimeout {
		t.Errorf("queued call = %+v, want TIMEOUT failure", second.Error)
	}

	close(client.release)
	if res := <-first; !res.Success {
		t.Errorf("first call failed: %+v", res.Error)
	}
}

type funcClient func(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error)

func (f funcClient) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	return f(ctx, req)
}

type panickingHistory struct{}

func (panickingHistory) Save(ctx context.Context, rec *domain.HistoryRecord) error {
	panic("history store exploded")
}

func TestSendQuery_PanickingClientSettles(t *testing.T) {
	f := newFixture(&scriptedClient{resp: answer("unused")}, nil)
	f.orch.client = funcClient(func(context.Context, domain.QueryRequest) (*domain.QueryResponse, error) {
		var m map[string]int
		m["boom"] = 1
		return nil, nil
	})

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "hello"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != failure.KindUnknown || res.Attempts != 1 {
		t.Errorf("kind = %s attempts = %d, want UNKNOWN after 1", res.Error.Kind, res.Attempts)
	}
	if f.orch.State() != StateIdle {
		t.Errorf("state = %s, want idle", f.orch.State())
	}
	for _, tr := range res.Trace {
		if tr.Status == domain.TraceStatusProcessing {
			t.Errorf("step %s left processing", tr.Step)
		}
	}
}

func TestSendQuery_NilResponseIsProcessingFailure(t *testing.T) {
	f := newFixture(&scriptedClient{resp: answer("unused")}, nil)
	f.orch.client = funcClient(func(context.Context, domain.QueryRequest) (*domain.QueryResponse, error) {
		return nil, nil
	})

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "hello"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != failure.KindProcessing {
		t.Errorf("kind = %s, want PROCESSING", res.Error.Kind)
	}
	if res.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", res.Attempts)
	}
	if f.cache.Len() != 0 {
		t.Error("empty answers must not be cached")
	}
}

func TestSendQuery_PanickingHistorySinkSettles(t *testing.T) {
	client := &scriptedClient{resp: answer("ok")}
	f := newFixture(client, nil)
	f.orch.history = panickingHistory{}

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "first question"})
	if res.Success || res.Error == nil {
		t.Fatalf("expected recovered failure, got %+v", res)
	}
	if f.orch.State() != StateIdle {
		t.Errorf("state = %s, want idle", f.orch.State())
	}

	f.orch.history = nil
	before := len(f.events.named(progress.EventQueryStart))
	res = f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "second question"})
	if !res.Success {
		t.Fatalf("second query failed: %+v", res.Error)
	}
	if got := len(f.events.named(progress.EventQueryStart)); got != before+1 {
		t.Errorf("query_start events = %d, want %d", got, before+1)
	}
}

func TestSendQuery_ResultDoesNotAliasCache(t *testing.T) {
	resp := answer("with citations")
	resp.Citations = []domain.Citation{{Title: "10-K", Page: 3}}
	client := &scriptedClient{resp: resp}
	f := newFixture(client, nil)

	req := domain.QueryRequest{Text: "calculate revenue growth", PersonaID: domain.PersonaFinancialAnalyst}
	first := f.orch.SendQuery(context.Background(), req)
	first.Response.Citations[0].Title = "mutated"

	second := f.orch.SendQuery(context.Background(), req)
	if !second.FromCache {
		t.Fatal("expected cache hit")
	}
	if got := second.Response.Citations[0].Title; got != "10-K" {
		t.Errorf("cached citation = %q, want 10-K", got)
	}
	second.Response.Citations[0].Title = "mutated again"

	third := f.orch.SendQuery(context.Background(), req)
	if got := third.Response.Citations[0].Title; got != "10-K" {
		t.Errorf("cached citation after hit = %q, want 10-K", got)
	}
}

func TestSendQuery_SharedCacheHitCounts(t *testing.T) {
	shared := &stubShared{entries: map[string]domain.QueryResponse{}}
	f := newFixture(&scriptedClient{resp: answer("unused")}, shared)

	shared.entries[cache.Fingerprint("describe clause 4", domain.PersonaLegalAdvisor)] = *answer("from redis")

	res := f.orch.SendQuery(context.Background(), domain.QueryRequest{Text: "describe clause 4", PersonaID: domain.PersonaLegalAdvisor})
	if !res.FromCache {
		t.Fatal("expected shared cache hit")
	}
	if got := f.cache.TotalHits(); got != 1 {
		t.Errorf("memory hits = %d, want 1", got)
	}
	if snap := f.orch.Recorder().Refresh(); snap.CacheHitRatePct != 100 {
		t.Errorf("hit rate = %v, want 100", snap.CacheHitRatePct)
	}
}
