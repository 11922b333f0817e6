// Package health reports endpoint health for probes such as /healthz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Status of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Checker performs one health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates the results of several checkers
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Run executes every checker in order. The report takes the worst status.
func Run(ctx context.Context, checkers ...Checker) Report {
	report := Report{Status: StatusHealthy, Checks: make([]CheckResult, 0, len(checkers))}
	for _, c := range checkers {
		result := c.Check(ctx)
		report.Checks = append(report.Checks, result)
		if severity(result.Status) > severity(report.Status) {
			report.Status = result.Status
		}
	}
	return report
}

// Handler serves the report as JSON. Unhealthy reports answer 503.
func Handler(timeout time.Duration, checkers ...Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report := Run(ctx, checkers...)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}
