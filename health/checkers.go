package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/cfx-go/messaging"
)

// EndpointSource is the part of an endpoint the EndpointChecker inspects
type EndpointSource interface {
	Handle() string
	Connections() []messaging.ConnectionStatus
	PendingRequests() int
}

// EndpointChecker checks the broker connections of an endpoint
type EndpointChecker struct {
	endpoint EndpointSource
}

// NewEndpointChecker creates a new endpoint health checker
func NewEndpointChecker(endpoint EndpointSource) *EndpointChecker {
	return &EndpointChecker{endpoint: endpoint}
}

func (c *EndpointChecker) Name() string {
	return "endpoint_" + c.endpoint.Handle()
}

// Check reports unhealthy when no connection is up and degraded when some are down
func (c *EndpointChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conns := c.endpoint.Connections()
	connected := 0
	statuses := make(map[string]bool, len(conns))
	for _, conn := range conns {
		statuses[conn.URI] = conn.Connected
		if conn.Connected {
			connected++
		}
	}

	switch {
	case len(conns) == 0:
		result.Status = StatusHealthy
		result.Message = "No broker connections"
	case connected == len(conns):
		result.Status = StatusHealthy
		result.Message = "All connections are up"
	case connected == 0:
		result.Status = StatusUnhealthy
		result.Message = "All connections are down"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d connections are down", len(conns)-connected, len(conns))
	}

	result.Duration = time.Since(start)
	result.Details["connections"] = statuses
	result.Details["pending_requests"] = c.endpoint.PendingRequests()

	return result
}

// RuntimeChecker flags goroutine growth, typically a leak of consumers or
// blocked requests
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewRuntimeChecker creates a new runtime checker
func NewRuntimeChecker(warningGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	if goroutines > c.criticalGoroutines {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	} else if goroutines > c.warningGoroutines {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	} else {
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
