// Package health provides system health monitoring and the HTTP surface of
// the service.
package health

import (
	"time"

	"github.com/vietddude/queryflow/internal/metrics"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

var statusRank = map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}

// worse returns the more severe of two statuses.
func worse(a, b SystemStatus) SystemStatus {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// ComponentHealth is the result of probing one dependency.
type ComponentHealth struct {
	Name   string       `json:"name"`
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// QueryHealth summarizes recent query outcomes.
type QueryHealth struct {
	Queries   int          `json:"queries"`
	Failures  int          `json:"failures"`
	ErrorRate float64      `json:"error_rate"`
	Status    SystemStatus `json:"status"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus      SystemStatus               `json:"system_status"`
	Queries           QueryHealth                `json:"queries"`
	OrchestratorState string                     `json:"orchestrator_state,omitempty"`
	Components        map[string]ComponentHealth `json:"components"`
	Metrics           metrics.Snapshot           `json:"metrics"`
	CheckedAt         time.Time                  `json:"checked_at"`
}
