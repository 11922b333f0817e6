package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/glimte/cfx-go/contracts"
	"github.com/glimte/cfx-go/serialization"
)

const (
	// DefaultHandlerTimeout bounds a single request handler invocation
	DefaultHandlerTimeout = 30 * time.Second

	// ResultCodeHandlerFailed is reported when a request handler fails
	ResultCodeHandlerFailed = 500
	// ResultCodeNotSupported is reported when no handler answers a request
	ResultCodeNotSupported = 501
)

// ReceivedMessage is an inbound event posted to subscribers
type ReceivedMessage struct {
	Address  string
	Envelope *contracts.Envelope
}

// ResponseResolver completes pending requests
type ResponseResolver interface {
	// Resolve reports false when no request is waiting on token
	Resolve(token string, env *contracts.Envelope) bool
}

// MessageSink receives envelopes that are neither requests nor responses.
// It is called on the delivery goroutine and must not block.
type MessageSink func(msg ReceivedMessage)

// Dispatcher routes inbound deliveries by role: responses to the resolver,
// requests to the request handler, everything else to the sink.
type Dispatcher struct {
	handle            string
	resolver          ResponseResolver
	sink              MessageSink
	types             serialization.TypeRegistry
	handler           RequestHandler
	handlerMu         sync.RWMutex
	handlerTimeout    time.Duration
	notSupportedReply bool
	metrics           MetricsCollector
	logger            *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// WithTypeRegistry sets the catalog used to decode message bodies
func WithTypeRegistry(types serialization.TypeRegistry) DispatcherOption {
	return func(d *Dispatcher) {
		d.types = types
	}
}

// WithRequestHandler sets the initial request handler
func WithRequestHandler(handler RequestHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.handler = handler
	}
}

// WithHandlerTimeout bounds each request handler invocation
func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.handlerTimeout = timeout
		}
	}
}

// WithNotSupportedReply answers unhandled requests with a NotSupportedResponse
func WithNotSupportedReply(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.notSupportedReply = enabled
	}
}

// NewDispatcher creates a dispatcher for the endpoint identified by handle
func NewDispatcher(handle string, resolver ResponseResolver, sink MessageSink, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handle:         handle,
		resolver:       resolver,
		sink:           sink,
		types:          serialization.GetGlobalRegistry(),
		handlerTimeout: DefaultHandlerTimeout,
		metrics:        NoOpMetricsCollector{},
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// SetRequestHandler replaces the request handler; nil removes it
func (d *Dispatcher) SetRequestHandler(handler RequestHandler) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.handler = handler
}

func (d *Dispatcher) requestHandler() RequestHandler {
	d.handlerMu.RLock()
	defer d.handlerMu.RUnlock()
	return d.handler
}

// HandleDelivery implements DeliveryHandler
func (d *Dispatcher) HandleDelivery(ctx context.Context, address string, delivery TransportDelivery) error {
	meta := delivery.Metadata()

	codec, err := serialization.CodecFor(meta.ContentType, d.types)
	if err != nil {
		d.metrics.RecordDropped(DropDecodeError)
		d.logger.Warn("unsupported content type", "address", address, "contentType", meta.ContentType)
		return err
	}

	env, err := codec.Decode(delivery.Body())
	if err != nil {
		d.metrics.RecordDropped(DropDecodeError)
		d.logger.Warn("failed to decode envelope", "address", address, "messageId", meta.MessageID, "error", err)
		return err
	}

	token := meta.CorrelationID
	if token == "" {
		token = env.RequestID
	}

	role := meta.ResolveRole()
	d.metrics.RecordReceived(role, env.Name())

	switch role {
	case contracts.RoleResponse:
		if token != "" && d.resolver != nil && d.resolver.Resolve(token, env) {
			return nil
		}
		d.metrics.RecordDropped(DropUnmatchedResponse)
		d.logger.Debug("dropping unmatched response",
			"address", address,
			"correlationId", token,
			"messageName", env.Name())
		return nil

	case contracts.RoleRequest:
		d.handleRequest(ctx, address, delivery, codec, env, token)
		return nil

	default:
		if d.sink != nil {
			d.sink(ReceivedMessage{Address: address, Envelope: env})
		}
		return nil
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, address string, delivery TransportDelivery, codec serialization.Codec, request *contracts.Envelope, token string) {
	handler := d.requestHandler()

	var resp *contracts.Envelope
	if handler != nil {
		hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
		var err error
		resp, err = d.invoke(hctx, handler, request)
		cancel()

		if err != nil {
			d.logger.Error("request handler failed",
				"address", address,
				"correlationId", token,
				"messageName", request.Name(),
				"error", err)
			resp = contracts.NewEnvelope(&contracts.NotSupportedResponse{
				Result: contracts.NewFailedResult(ResultCodeHandlerFailed, err.Error()),
			})
		}
	}

	if resp == nil {
		if !d.notSupportedReply {
			d.logger.Debug("request not answered", "address", address, "correlationId", token, "messageName", request.Name())
			return
		}
		resp = contracts.NewEnvelope(&contracts.NotSupportedResponse{
			Result: contracts.NewFailedResult(ResultCodeNotSupported,
				fmt.Sprintf("request %s is not supported", request.Name())),
		})
	}

	meta := delivery.Metadata()
	if meta.ReplyTo == "" {
		d.logger.Warn("request has no reply address", "address", address, "correlationId", token)
		return
	}

	reply := resp.Clone()
	reply.RequestID = token
	reply.Source = d.handle
	reply.Target = request.Source

	data, err := codec.Encode(reply)
	if err != nil {
		d.logger.Error("failed to encode response", "correlationId", token, "error", err)
		return
	}

	out := &OutboundMessage{
		Metadata: MessageMetadata{
			MessageID:     reply.UniqueID,
			CorrelationID: token,
			ContentType:   codec.ContentType(),
			Role:          contracts.RoleResponse,
			Timestamp:     reply.TimeStamp,
		},
		Body: data,
	}

	if err := delivery.Reply(ctx, out); err != nil {
		d.logger.Error("failed to send response",
			"replyTo", meta.ReplyTo,
			"correlationId", token,
			"error", err)
	}
}

// invoke runs the handler and converts a panic into an error
func (d *Dispatcher) invoke(ctx context.Context, handler RequestHandler, request *contracts.Envelope) (resp *contracts.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("request handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("request handler panicked: %v", r)
		}
	}()
	return handler.HandleRequest(ctx, request)
}
