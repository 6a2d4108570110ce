package progress

import (
	"time"

	"github.com/vietddude/queryflow/internal/core/domain"
)

// EventName identifies a progress event.
type EventName string

const (
	EventQueryStart    EventName = "query_start"
	EventNodeProgress  EventName = "node_progress"
	EventQueryComplete EventName = "query_complete"
	EventError         EventName = "error"
)

// Event is what handlers receive. Payload is one of the payload types below.
type Event struct {
	Name      EventName `json:"type"`
	Payload   any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// QueryStart is emitted once when a trace begins.
type QueryStart struct {
	TraceID   string            `json:"traceId"`
	Query     string            `json:"query"`
	Persona   string            `json:"persona"`
	QueryType domain.QueryType  `json:"queryType"`
	Steps     []domain.NodeName `json:"steps"`
}

// NodeProgress is emitted when a node starts and when it completes.
type NodeProgress struct {
	Step     domain.NodeName     `json:"step"`
	Status   domain.TraceStatus  `json:"status"`
	Progress int                 `json:"progress"`
	Traces   []domain.QueryTrace `json:"traces"`
}

// QueryComplete is emitted once after the last node completes.
type QueryComplete struct {
	Traces      []domain.QueryTrace `json:"traces"`
	TotalTimeMs int64               `json:"totalTime"`
	Success     bool                `json:"success"`
}

// TraceError is emitted once when a trace is aborted.
type TraceError struct {
	Step    domain.NodeName     `json:"step,omitempty"`
	Message string              `json:"error"`
	Traces  []domain.QueryTrace `json:"traces"`
}
