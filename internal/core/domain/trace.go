package domain

import "time"

// NodeName identifies a stage of the processing pipeline.
type NodeName string

const (
	NodeRouter          NodeName = "Router Node"
	NodePersonaSelector NodeName = "Persona Selector"
	NodeDocument        NodeName = "Document Node"
	NodeDatabase        NodeName = "Database Node"
	NodeMath            NodeName = "Math Node"
	NodeSuggestion      NodeName = "Suggestion Node"
	NodeAnswerFormatter NodeName = "Answer Formatter"
)

// TraceStatus is the state of a single trace step.
type TraceStatus string

const (
	TraceStatusPending    TraceStatus = "pending"
	TraceStatusProcessing TraceStatus = "processing"
	TraceStatusCompleted  TraceStatus = "completed"
	TraceStatusError      TraceStatus = "error"
)

// QueryTrace is one step of the visible pipeline progress.
type QueryTrace struct {
	ID         string      `json:"id"`
	Step       NodeName    `json:"step"`
	Status     TraceStatus `json:"status"`
	StartedAt  time.Time   `json:"timestamp"`
	DurationMs *int64      `json:"duration,omitempty"`
	Details    string      `json:"details,omitempty"`
}

// Finish marks the step completed and stamps its duration.
func (t *QueryTrace) Finish(d time.Duration) {
	ms := d.Milliseconds()
	t.Status = TraceStatusCompleted
	t.DurationMs = &ms
}

// Duration returns the recorded step duration, zero while unfinished.
func (t QueryTrace) Duration() time.Duration {
	if t.DurationMs == nil {
		return 0
	}
	return time.Duration(*t.DurationMs) * time.Millisecond
}

// DemoteProcessing marks every processing step as errored. A trace that hit an
// error never reports partial success.
func DemoteProcessing(traces []QueryTrace) {
	for i := range traces {
		if traces[i].Status == TraceStatusProcessing {
			traces[i].Status = TraceStatusError
		}
	}
}

// CopyTraces returns a detached copy of traces.
func CopyTraces(traces []QueryTrace) []QueryTrace {
	if traces == nil {
		return nil
	}
	out := make([]QueryTrace, len(traces))
	copy(out, traces)
	return out
}
