package messaging

import (
	"context"
	"time"

	"github.com/glimte/cfx-go/contracts"
)

// Drop reasons reported to the metrics collector
const (
	DropUnmatchedResponse = "unmatched_response"
	DropSubscriberFull    = "subscriber_full"
	DropDecodeError       = "decode_error"
)

// Request outcomes reported to the metrics collector
const (
	OutcomeSuccess   = "success"
	OutcomeTimeout   = "timeout"
	OutcomeClosed    = "closed"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// RequestHandler answers inbound requests.
// A nil envelope with a nil error means the handler does not answer.
type RequestHandler interface {
	HandleRequest(ctx context.Context, request *contracts.Envelope) (*contracts.Envelope, error)
}

// RequestHandlerFunc is a function adapter for RequestHandler
type RequestHandlerFunc func(ctx context.Context, request *contracts.Envelope) (*contracts.Envelope, error)

// HandleRequest implements RequestHandler
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, request *contracts.Envelope) (*contracts.Envelope, error) {
	return f(ctx, request)
}

// RequestHandlers tries each handler in order; the first non-nil response wins
type RequestHandlers []RequestHandler

// HandleRequest implements RequestHandler
func (hs RequestHandlers) HandleRequest(ctx context.Context, request *contracts.Envelope) (*contracts.Envelope, error) {
	for _, h := range hs {
		if h == nil {
			continue
		}
		resp, err := h.HandleRequest(ctx, request)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

// MetricsCollector collects endpoint metrics
type MetricsCollector interface {
	// RecordPublish records one send on a publish channel
	RecordPublish(address string, success bool)

	// RecordReceived records an inbound envelope by role
	RecordReceived(role contracts.Role, messageName string)

	// RecordDropped records an inbound envelope that was intentionally dropped
	RecordDropped(reason string)

	// RecordRequest records a finished ExecuteRequest call
	RecordRequest(outcome string, duration time.Duration)

	// SetPendingRequests reports the size of the pending request table
	SetPendingRequests(n int)

	// SetOpenChannels reports the number of registered channels per direction
	SetOpenChannels(direction Direction, n int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(string, bool) {}

// RecordReceived does nothing
func (NoOpMetricsCollector) RecordReceived(contracts.Role, string) {}

// RecordDropped does nothing
func (NoOpMetricsCollector) RecordDropped(string) {}

// RecordRequest does nothing
func (NoOpMetricsCollector) RecordRequest(string, time.Duration) {}

// SetPendingRequests does nothing
func (NoOpMetricsCollector) SetPendingRequests(int) {}

// SetOpenChannels does nothing
func (NoOpMetricsCollector) SetOpenChannels(Direction, int) {}
